package sindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "series.idx"), os.O_RDWR|os.O_CREATE, 0666)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func buildIndex(t *testing.T, f *os.File, highs []int64) (r *Reader, upto int64) {
	t.Helper()
	r, err := OpenReader(f)
	require.NoError(t, err)

	var off int64
	for _, h := range highs {
		var err error
		off, err = Append(f, off, h, uint32(off))
		require.NoError(t, err)
	}
	require.NoError(t, r.Remap(off))
	return r, off
}

func TestSearchBoundaries(t *testing.T) {
	f := openTemp(t)
	highs := []int64{5, 5, 10, 20, 20, 30}
	r, upto := buildIndex(t, f, highs)
	defer r.Close()

	cases := []struct {
		q     int64
		found bool
		idx   int
	}{
		{q: 0, found: true, idx: 0},
		{q: 5, found: true, idx: 0},
		{q: 6, found: true, idx: 2},
		{q: 10, found: true, idx: 2},
		{q: 11, found: true, idx: 3},
		{q: 30, found: true, idx: 5},
		{q: 31, found: false},
	}

	for _, c := range cases {
		off, found, err := r.Search(c.q, upto)
		require.NoError(t, err)
		require.Equal(t, c.found, found, "q=%d", c.q)
		if found {
			want, err := r.At(c.idx, upto)
			require.NoError(t, err)
			require.Equal(t, want.BlockOffset, off, "q=%d", c.q)
		}
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	f := openTemp(t)
	r, err := OpenReader(f)
	require.NoError(t, err)
	defer r.Close()

	_, found, err := r.Search(0, 0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRemapGrowsVisibility(t *testing.T) {
	f := openTemp(t)
	r, err := OpenReader(f)
	require.NoError(t, err)
	defer r.Close()

	off, err := Append(f, 0, 10, 0)
	require.NoError(t, err)
	require.NoError(t, r.Remap(off))

	_, found, err := r.Search(0, off)
	require.NoError(t, err)
	require.True(t, found)

	off2, err := Append(f, off, 20, 100)
	require.NoError(t, err)
	require.NoError(t, r.Remap(off2))

	blockOff, found, err := r.Search(15, off2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(100), blockOff)
}

func TestOldSnapshotStaysValidAfterRemap(t *testing.T) {
	f := openTemp(t)
	r, err := OpenReader(f)
	require.NoError(t, err)
	defer r.Close()

	off, err := Append(f, 0, 10, 0)
	require.NoError(t, err)
	require.NoError(t, r.Remap(off))

	// A scan snapshot taken before the next append must keep reading
	// the same answer even once the index has grown underneath it.
	_, foundBefore, err := r.Search(0, off)
	require.NoError(t, err)
	require.True(t, foundBefore)

	off2, err := Append(f, off, 20, 100)
	require.NoError(t, err)
	require.NoError(t, r.Remap(off2))

	blockOff, found, err := r.Search(0, off) // still bounded by the old upto
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(0), blockOff)
}
