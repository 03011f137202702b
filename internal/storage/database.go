// Package storage implements the in-memory database: strings with lazy
// expiry, append-only streams, and the per-stream wake channel used by
// blocking readers.
package storage

import (
	"sync"
	"time"

	"redis/internal/stream"
)

type stringEntry struct {
	value  []byte
	expiry *time.Time
}

// streamWaiter is a replace-and-close wake signal: every append replaces
// the channel and closes the old one, waking every current subscriber.
// It carries no payload — a woken reader must re-consult the database.
type streamWaiter struct {
	mu sync.Mutex
	ch chan struct{}
}

func newStreamWaiter() *streamWaiter {
	return &streamWaiter{ch: make(chan struct{})}
}

func (w *streamWaiter) subscribe() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *streamWaiter) publish() {
	w.mu.Lock()
	old := w.ch
	w.ch = make(chan struct{})
	w.mu.Unlock()
	close(old)
}

// Database holds one numbered database's strings, streams, and per-stream
// wake channels behind a single exclusive lock held for the duration of
// each operation.
type Database struct {
	mu      sync.Mutex
	strings map[string]stringEntry
	streams map[string]*stream.Stream
	waiters map[string]*streamWaiter
}

func NewDatabase() *Database {
	return &Database{
		strings: make(map[string]stringEntry),
		streams: make(map[string]*stream.Stream),
		waiters: make(map[string]*streamWaiter),
	}
}

// Get returns the live value for key, applying lazy expiry: an expired
// entry is removed in place and reported absent.
func (d *Database) Get(key []byte) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked(string(key))
}

func (d *Database) getLocked(key string) ([]byte, bool) {
	entry, ok := d.strings[key]
	if !ok {
		return nil, false
	}
	if entry.expiry != nil && !time.Now().Before(*entry.expiry) {
		delete(d.strings, key)
		return nil, false
	}
	return entry.value, true
}

// Set stores value at key with an optional absolute expiry instant.
func (d *Database) Set(key, value []byte, expiry *time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strings[string(key)] = stringEntry{value: value, expiry: expiry}
}

// Keys returns every live (non-expired) string key. Stream-only keys are
// not in scope for KEYS *.
func (d *Database) Keys() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	keys := make([][]byte, 0, len(d.strings))
	for k, entry := range d.strings {
		if entry.expiry == nil || now.Before(*entry.expiry) {
			keys = append(keys, []byte(k))
		}
	}
	return keys
}

// Type reports "string" for a live string entry, "stream" for a stream
// key, or "none".
func (d *Database) Type(key []byte) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.getLocked(string(key)); ok {
		return "string"
	}
	if _, ok := d.streams[string(key)]; ok {
		return "stream"
	}
	return "none"
}

// XAdd appends fields to the stream at key, creating it on first use, and
// wakes any blocked XREAD subscribers on success.
func (d *Database) XAdd(key []byte, req stream.Request, fields stream.Fields) (stream.ID, error) {
	d.mu.Lock()
	s, ok := d.streams[string(key)]
	if !ok {
		s = stream.New()
		d.streams[string(key)] = s
	}
	id, err := s.Append(req, fields)
	if err != nil {
		d.mu.Unlock()
		return stream.ID{}, err
	}
	waiter := d.waiters[string(key)]
	d.mu.Unlock()

	if waiter != nil {
		waiter.publish()
	}
	return id, nil
}

// XRange returns the inclusive [start, end] range of the stream at key, or
// no entries if the stream does not exist.
func (d *Database) XRange(key []byte, start, end stream.ID) []stream.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[string(key)]
	if !ok {
		return nil
	}
	return s.Range(start, end)
}

// XReadAfter returns every entry with ID strictly greater than cursor.
func (d *Database) XReadAfter(key []byte, cursor stream.ID) []stream.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[string(key)]
	if !ok {
		return nil
	}
	return s.After(cursor)
}

// StreamWaiter returns the current wake channel for key's stream, creating
// the waiter on first use. The channel closes the moment a qualifying
// append happens; callers must re-consult the store after it fires, since
// the channel itself carries no payload.
func (d *Database) StreamWaiter(key []byte) <-chan struct{} {
	d.mu.Lock()
	w, ok := d.waiters[string(key)]
	if !ok {
		w = newStreamWaiter()
		d.waiters[string(key)] = w
	}
	d.mu.Unlock()
	return w.subscribe()
}
