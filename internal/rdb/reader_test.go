package rdb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEmptySnapshot(t *testing.T) {
	dbs, err := Load(bytes.NewReader(EmptySnapshot))
	require.NoError(t, err)
	require.Empty(t, dbs)
}

func TestLoadBadMagic(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("GARBAGE1")))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, BadMagic, perr.Kind)
}

func buildSnapshotWithKey(key, value []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.WriteByte(opSelectDB)
	buf.WriteByte(0x00) // db 0, 6-bit length encoding
	buf.WriteByte(valueTypeString)
	buf.WriteByte(byte(len(key)))
	buf.Write(key)
	buf.WriteByte(byte(len(value)))
	buf.Write(value)
	buf.WriteByte(opEOF)
	buf.Write(make([]byte, 8))
	return buf.Bytes()
}

func TestLoadSingleStringKey(t *testing.T) {
	snap := buildSnapshotWithKey([]byte("foo"), []byte("bar"))
	dbs, err := Load(bytes.NewReader(snap))
	require.NoError(t, err)
	require.Contains(t, dbs, uint64(0))

	v, ok := dbs[0].Get([]byte("foo"))
	require.True(t, ok)
	require.Equal(t, []byte("bar"), v)
}

func TestLoadTruncatedIsError(t *testing.T) {
	snap := buildSnapshotWithKey([]byte("foo"), []byte("bar"))
	truncated := snap[:len(snap)-5]
	_, err := Load(bytes.NewReader(truncated))
	require.Error(t, err)
}
