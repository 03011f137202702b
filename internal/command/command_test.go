package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"redis/internal/protocol"
)

func roundTrip(t *testing.T, c Command) Command {
	t.Helper()
	encoded := Encode(c)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	return decoded
}

func TestRoundTripPingEcho(t *testing.T) {
	require.Equal(t, Command{Kind: Ping}, roundTrip(t, Command{Kind: Ping}))
	got := roundTrip(t, Command{Kind: Echo, Value: []byte("hey")})
	require.Equal(t, Kind(Echo), got.Kind)
	require.Equal(t, []byte("hey"), got.Value)
}

func TestRoundTripSetWithAndWithoutPX(t *testing.T) {
	got := roundTrip(t, Command{Kind: Set, Key: []byte("k"), Value: []byte("v")})
	require.False(t, got.HasPX)
	require.Equal(t, []byte("k"), got.Key)

	got = roundTrip(t, Command{Kind: Set, Key: []byte("k"), Value: []byte("v"), HasPX: true, PXMs: 100})
	require.True(t, got.HasPX)
	require.Equal(t, int64(100), got.PXMs)
}

func TestRoundTripXAdd(t *testing.T) {
	c := Command{
		Kind:        XAdd,
		StreamKey:   []byte("s"),
		StreamID:    "0-1",
		FieldValues: [][2][]byte{{[]byte("t"), []byte("23")}},
	}
	got := roundTrip(t, c)
	require.Equal(t, "0-1", got.StreamID)
	require.Equal(t, c.FieldValues, got.FieldValues)
}

func TestRoundTripXRead(t *testing.T) {
	c := Command{
		Kind:       XRead,
		HasBlock:   true,
		BlockMs:    500,
		StreamKeys: [][]byte{[]byte("a"), []byte("b")},
		StreamIDs:  []string{"0-1", "0-2"},
	}
	got := roundTrip(t, c)
	require.True(t, got.HasBlock)
	require.Equal(t, int64(500), got.BlockMs)
	require.Equal(t, c.StreamKeys, got.StreamKeys)
	require.Equal(t, c.StreamIDs, got.StreamIDs)
}

func TestDecodeCaseInsensitiveVerb(t *testing.T) {
	v := protocol.NewBulkStrings([]byte("ping"))
	c, err := Decode(v)
	require.NoError(t, err)
	require.Equal(t, Kind(Ping), c.Kind)
}

func TestDecodeTrailingArgsIsError(t *testing.T) {
	v := protocol.NewBulkStrings([]byte("PING"), []byte("extra"))
	_, err := Decode(v)
	require.Error(t, err)
}

func TestDecodeConfigGetRejectsUnknownKey(t *testing.T) {
	v := protocol.NewBulkStrings([]byte("CONFIG"), []byte("GET"), []byte("maxmemory"))
	_, err := Decode(v)
	require.Error(t, err)
}

func TestDecodeXAddOddFieldValuesIsError(t *testing.T) {
	v := protocol.NewBulkStrings([]byte("XADD"), []byte("s"), []byte("*"), []byte("field"))
	_, err := Decode(v)
	require.Error(t, err)
}
