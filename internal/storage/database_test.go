package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redis/internal/stream"
)

func TestSetGetNoExpiry(t *testing.T) {
	db := NewDatabase()
	db.Set([]byte("k"), []byte("v"), nil)
	v, ok := db.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestLazyExpiry(t *testing.T) {
	db := NewDatabase()
	past := time.Now().Add(-time.Millisecond)
	db.Set([]byte("k"), []byte("v"), &past)

	_, ok := db.Get([]byte("k"))
	require.False(t, ok)

	require.Equal(t, "none", db.Type([]byte("k")))
}

func TestTypeReportsStringStreamNone(t *testing.T) {
	db := NewDatabase()
	require.Equal(t, "none", db.Type([]byte("x")))

	db.Set([]byte("x"), []byte("v"), nil)
	require.Equal(t, "string", db.Type([]byte("x")))

	_, err := db.XAdd([]byte("s"), stream.Request{Millis: 0, Seq: 1}, stream.Fields{{Field: []byte("a"), Value: []byte("b")}})
	require.NoError(t, err)
	require.Equal(t, "stream", db.Type([]byte("s")))
}

func TestStreamWaiterWakesOnAppend(t *testing.T) {
	db := NewDatabase()
	waiter := db.StreamWaiter([]byte("s"))

	done := make(chan struct{})
	go func() {
		<-waiter
		close(done)
	}()

	_, err := db.XAdd([]byte("s"), stream.Request{Millis: 0, Seq: 1}, stream.Fields{{Field: []byte("a"), Value: []byte("b")}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestKeysExcludesExpired(t *testing.T) {
	db := NewDatabase()
	db.Set([]byte("live"), []byte("v"), nil)
	past := time.Now().Add(-time.Millisecond)
	db.Set([]byte("dead"), []byte("v"), &past)

	keys := db.Keys()
	require.Len(t, keys, 1)
	require.Equal(t, []byte("live"), keys[0])
}
