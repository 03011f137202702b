package stream

import (
	"errors"
	"time"

	"redis/internal/trie"
)

// FieldValue is one field/value pair in an entry's data bag, order
// preserved as received.
type FieldValue struct {
	Field []byte
	Value []byte
}

// Fields is an entry's field/value bag in insertion order.
type Fields []FieldValue

// Entry is one stream record as returned by Range/After.
type Entry struct {
	ID     ID
	Fields Fields
}

var (
	ErrZeroID       = errors.New("ERR The ID specified in XADD must be greater than 0-0")
	ErrNotIncreasing = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
)

// nowMillis is overridable in tests.
var nowMillis = func() uint64 { return uint64(time.Now().UnixMilli()) }

// Stream is an append-only, ID-ordered log backed by a two-level trie: an
// outer trie keyed by millis whose values are inner tries keyed by seq.
type Stream struct {
	outer   *trie.Trie[*trie.Trie[Fields]]
	last    ID
	hasLast bool
}

func New() *Stream {
	return &Stream{outer: trie.New[*trie.Trie[Fields]]()}
}

// LastID returns the stream's most recently appended ID, if any.
func (s *Stream) LastID() (ID, bool) {
	return s.last, s.hasLast
}

// resolve computes the concrete ID for a request against the current last
// ID, per the stream entry ID invariants.
func (s *Stream) resolve(req Request) ID {
	if req.AutoBoth {
		if !s.hasLast {
			return ID{Millis: nowMillis(), Seq: 0}
		}
		return ID{Millis: s.last.Millis, Seq: s.last.Seq + 1}
	}
	if req.AutoSeq {
		if s.hasLast && req.Millis == s.last.Millis {
			return ID{Millis: req.Millis, Seq: s.last.Seq + 1}
		}
		return ID{Millis: req.Millis, Seq: 0}
	}
	return ID{Millis: req.Millis, Seq: req.Seq}
}

// Append resolves req against the stream's invariants and, on success,
// inserts fields at the resolved ID and records it as the new last ID.
func (s *Stream) Append(req Request, fields Fields) (ID, error) {
	id := s.resolve(req)
	if id.IsZero() {
		return ID{}, ErrZeroID
	}
	if s.hasLast && !s.last.Less(id) {
		return ID{}, ErrNotIncreasing
	}

	inner, ok := s.outer.Get(id.Millis)
	if !ok {
		inner = trie.New[Fields]()
		s.outer.Insert(id.Millis, inner)
	}
	inner.Insert(id.Seq, fields)

	s.last = id
	s.hasLast = true
	return id, nil
}

// Range returns every entry with start <= id <= end, in ascending ID order.
func (s *Stream) Range(start, end ID) []Entry {
	var out []Entry
	for _, outerEntry := range s.outer.Range(start.Millis, end.Millis) {
		millis := outerEntry.Key
		inner := outerEntry.Value

		innerStart := uint64(0)
		if millis == start.Millis {
			innerStart = start.Seq
		}
		innerEnd := ^uint64(0)
		if millis == end.Millis {
			innerEnd = end.Seq
		}
		if innerStart > innerEnd {
			continue
		}
		for _, ie := range inner.Range(innerStart, innerEnd) {
			out = append(out, Entry{ID: ID{Millis: millis, Seq: ie.Key}, Fields: ie.Value})
		}
	}
	return out
}

// After returns every entry with id strictly greater than cursor, i.e.
// Range(cursor.Next(), Max).
func (s *Stream) After(cursor ID) []Entry {
	return s.Range(cursor.Next(), Max)
}
