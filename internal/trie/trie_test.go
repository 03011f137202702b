package trie

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGetContains(t *testing.T) {
	tr := New[string]()
	_, ok := tr.Get(42)
	require.False(t, ok)
	require.False(t, tr.Contains(42))

	tr.Insert(42, "answer")
	v, ok := tr.Get(42)
	require.True(t, ok)
	require.Equal(t, "answer", v)
	require.True(t, tr.Contains(42))

	tr.Insert(42, "overwritten")
	v, _ = tr.Get(42)
	require.Equal(t, "overwritten", v)
}

func TestRangeAscendingOrderAndBounds(t *testing.T) {
	tr := New[int]()
	keys := []uint64{5, 1, 100, 7, 0, 9999, 3, 256}
	for i, k := range keys {
		tr.Insert(k, i)
	}

	entries := tr.Range(1, 100)
	var got []uint64
	for _, e := range entries {
		got = append(got, e.Key)
	}
	want := []uint64{1, 3, 5, 7, 100}
	require.Equal(t, want, got)
}

func TestRangeRandomAgainstBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tr := New[int]()
	var keys []uint64
	seen := map[uint64]bool{}
	for len(keys) < 200 {
		k := uint64(r.Intn(5000))
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
		tr.Insert(k, int(k))
	}

	lo, hi := uint64(500), uint64(3000)
	var want []uint64
	for _, k := range keys {
		if k >= lo && k <= hi {
			want = append(want, k)
		}
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	entries := tr.Range(lo, hi)
	var got []uint64
	for _, e := range entries {
		got = append(got, e.Key)
	}
	require.Equal(t, want, got)
}

func TestRangeClampedChildIsFullyContainedSubtree(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x300, 1)
	tr.Insert(0x800, 2)

	entries := tr.Range(0x2F0, 0x900)
	var got []uint64
	for _, e := range entries {
		got = append(got, e.Key)
	}
	require.Equal(t, []uint64{0x300, 0x800}, got)
}

func TestRangeClampedLeftChildEmitsWholeSubtree(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x300, 1)
	tr.Insert(0x310, 2)
	tr.Insert(0x350, 3)
	tr.Insert(0x800, 4)

	entries := tr.Range(0x2F0, 0x500)
	var got []uint64
	for _, e := range entries {
		got = append(got, e.Key)
	}
	require.Equal(t, []uint64{0x300, 0x310, 0x350}, got)
}

func TestRangeEmptyWindow(t *testing.T) {
	tr := New[int]()
	tr.Insert(0x10, 1)
	tr.Insert(0x20, 2)
	require.Empty(t, tr.Range(0x11, 0x1f))
}

func TestRangeSingleKey(t *testing.T) {
	tr := New[int]()
	tr.Insert(7, 70)
	entries := tr.Range(7, 7)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(7), entries[0].Key)
}
