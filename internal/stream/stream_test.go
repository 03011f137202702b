package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func f(k, v string) FieldValue { return FieldValue{Field: []byte(k), Value: []byte(v)} }

func TestAppendMonotonicity(t *testing.T) {
	s := New()

	id, err := s.Append(Request{Millis: 0, Seq: 1}, Fields{f("t", "23")})
	require.NoError(t, err)
	require.Equal(t, ID{0, 1}, id)

	_, err = s.Append(Request{Millis: 0, Seq: 1}, Fields{f("t", "24")})
	require.ErrorIs(t, err, ErrNotIncreasing)

	id, err = s.Append(Request{Millis: 0, Seq: 2}, Fields{f("t", "24")})
	require.NoError(t, err)
	require.Equal(t, ID{0, 2}, id)
}

func TestAppendZeroIDForbidden(t *testing.T) {
	s := New()
	_, err := s.Append(Request{Millis: 0, Seq: 0}, Fields{f("a", "b")})
	require.ErrorIs(t, err, ErrZeroID)
}

func TestAppendAutoSeq(t *testing.T) {
	s := New()
	id, err := s.Append(Request{Millis: 5, AutoSeq: true}, Fields{f("a", "1")})
	require.NoError(t, err)
	require.Equal(t, ID{5, 0}, id)

	id, err = s.Append(Request{Millis: 5, AutoSeq: true}, Fields{f("a", "2")})
	require.NoError(t, err)
	require.Equal(t, ID{5, 1}, id)

	id, err = s.Append(Request{Millis: 6, AutoSeq: true}, Fields{f("a", "3")})
	require.NoError(t, err)
	require.Equal(t, ID{6, 0}, id)
}

func TestRangeInclusive(t *testing.T) {
	s := New()
	_, _ = s.Append(Request{Millis: 0, Seq: 1}, Fields{f("t", "23")})
	_, _ = s.Append(Request{Millis: 0, Seq: 2}, Fields{f("t", "24")})
	_, _ = s.Append(Request{Millis: 5, Seq: 0}, Fields{f("t", "25")})

	entries := s.Range(Min, Max)
	require.Len(t, entries, 3)
	require.Equal(t, ID{0, 1}, entries[0].ID)
	require.Equal(t, ID{5, 0}, entries[2].ID)

	entries = s.Range(ID{0, 2}, ID{5, 0})
	require.Len(t, entries, 2)
}

func TestAfterCursor(t *testing.T) {
	s := New()
	_, _ = s.Append(Request{Millis: 0, Seq: 1}, Fields{f("t", "23")})
	_, _ = s.Append(Request{Millis: 0, Seq: 2}, Fields{f("t", "24")})

	entries := s.After(ID{0, 1})
	require.Len(t, entries, 1)
	require.Equal(t, ID{0, 2}, entries[0].ID)
}
