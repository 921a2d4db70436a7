package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/config"
)

func newTestCache() *MultiLevelCache {
	return New([]config.CacheLevelConfig{
		{Name: "l1", Capacity: 2, TTL: time.Minute, Eviction: config.EvictionLRU},
		{Name: "l2", Capacity: 8, TTL: time.Minute, Eviction: config.EvictionFIFO},
	}, false, false)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	c := newTestCache()
	c.Set("a", []byte("1"), SetOptions{TTL: time.Minute})

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", string(v))
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := newTestCache()
	_, ok := c.Get("nope")
	require.False(t, ok)
}

func TestGetOrLoadCachesSuccessButNotError(t *testing.T) {
	c := newTestCache()
	calls := 0

	loader := func() ([]byte, error) {
		calls++
		return []byte("loaded"), nil
	}

	v, err := c.GetOrLoad("k", SetOptions{TTL: time.Minute}, loader)
	require.NoError(t, err)
	require.Equal(t, "loaded", string(v))

	v, err = c.GetOrLoad("k", SetOptions{TTL: time.Minute}, loader)
	require.NoError(t, err)
	require.Equal(t, "loaded", string(v))
	require.Equal(t, 1, calls, "second call should be served from cache")
}

func TestEvictedL1EntrySpillsIntoL2(t *testing.T) {
	c := newTestCache()
	// L1 capacity is 2: inserting a third key evicts the least-recently-used.
	c.Set("a", []byte("1"), SetOptions{TTL: time.Minute})
	c.Set("b", []byte("2"), SetOptions{TTL: time.Minute})
	c.Set("c", []byte("3"), SetOptions{TTL: time.Minute})

	v, ok := c.Get("a")
	require.True(t, ok, "evicted L1 entry should still be found via L2 spill")
	require.Equal(t, "1", string(v))
}

func TestInvalidateCascadesToDependents(t *testing.T) {
	c := newTestCache()
	c.Set("root", []byte("r"), SetOptions{TTL: time.Minute})
	c.Set("derived", []byte("d"), SetOptions{TTL: time.Minute, Dependencies: []string{"root"}})

	c.Invalidate("root", InvalidateOptions{Cascade: true})

	_, ok := c.Get("root")
	require.False(t, ok)
	_, ok = c.Get("derived")
	require.False(t, ok, "dependent key must be invalidated when its dependency is invalidated")
}

func TestInvalidateWithoutCascadeLeavesDependentsIntact(t *testing.T) {
	c := newTestCache()
	c.Set("root", []byte("r"), SetOptions{TTL: time.Minute})
	c.Set("derived", []byte("d"), SetOptions{TTL: time.Minute, Dependencies: []string{"root"}})

	c.Invalidate("root", InvalidateOptions{Cascade: false})

	_, ok := c.Get("derived")
	require.True(t, ok)
}

func TestCompressionRoundTripsLargeValues(t *testing.T) {
	c := New([]config.CacheLevelConfig{
		{Name: "l1", Capacity: 8, TTL: time.Minute, Eviction: config.EvictionLRU},
	}, false, true)

	big := make([]byte, 8192)
	for i := range big {
		big[i] = byte(i % 7)
	}
	c.Set("big", big, SetOptions{TTL: time.Minute})

	got, ok := c.Get("big")
	require.True(t, ok)
	require.Equal(t, big, got)
}
