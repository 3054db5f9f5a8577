package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mseriesdb/milliseries/codec"
)

func TestAddGetRoundTrip(t *testing.T) {
	c := New(4)
	entries := []codec.Entry{{TS: 1, Val: 2}}

	_, ok := c.Get("s1", 100)
	require.False(t, ok)

	c.Add("s1", 100, entries)
	got, ok := c.Get("s1", 100)
	require.True(t, ok)
	require.Equal(t, entries, got)
}

func TestDistinctSeriesDoNotCollide(t *testing.T) {
	c := New(4)
	c.Add("s1", 0, []codec.Entry{{TS: 1, Val: 1}})
	c.Add("s2", 0, []codec.Entry{{TS: 2, Val: 2}})

	g1, ok := c.Get("s1", 0)
	require.True(t, ok)
	require.Equal(t, int64(1), g1[0].TS)

	g2, ok := c.Get("s2", 0)
	require.True(t, ok)
	require.Equal(t, int64(2), g2[0].TS)
}

func TestEvictionUnderPressure(t *testing.T) {
	c := New(1)
	c.Add("s", 0, []codec.Entry{{TS: 1, Val: 1}})
	c.Add("s", 100, []codec.Entry{{TS: 2, Val: 2}})

	_, ok := c.Get("s", 0)
	require.False(t, ok, "first entry should have been evicted")
	_, ok = c.Get("s", 100)
	require.True(t, ok)
}

func TestZeroSizeDisablesCache(t *testing.T) {
	c := New(0)
	c.Add("s", 0, []codec.Entry{{TS: 1, Val: 1}})
	_, ok := c.Get("s", 0)
	require.False(t, ok)
}
