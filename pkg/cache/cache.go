/*
Package cache implements the MultiLevelCache: an L1/L2
read-through cache in front of the StateStore and the Merkle accumulator's
inner-node hashes, with eviction, TTL, cascading dependency invalidation,
optional prefetching, and optional compression.
*/
package cache

import (
	"sync"
	"time"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/types"
)

// SetOptions configures a single Set call.
type SetOptions struct {
	TTL          time.Duration
	Dependencies []string
}

// MultiLevelCache is a two-tier cache. Tier 0 is L1 (small/fast), tier 1
// is L2 (large); Get promotes L2 hits into L1.
type MultiLevelCache struct {
	mu   sync.Mutex
	tiers []tier
	names []string

	// dependents[k] is the set of keys that declared k as a dependency;
	// invalidating k cascades to all of them (transitively).
	dependents map[string]map[string]struct{}

	compression bool
	compressThreshold int

	prefetcher *prefetcher
}

// New builds a MultiLevelCache from the recognized cacheLevels config.
// levels[0] is L1, levels[1] is L2; additional levels are accepted, take
// entries spilled from the level above, and promote hits straight into L1
// like L2 does.
func New(levels []config.CacheLevelConfig, enablePrefetch, enableCompression bool) *MultiLevelCache {
	c := &MultiLevelCache{
		dependents:        make(map[string]map[string]struct{}),
		compression:       enableCompression,
		compressThreshold: 4096,
	}

	for i, lvl := range levels {
		name := lvl.Name
		if name == "" {
			name = tierLabel(i)
		}
		idx := i
		onEvict := func(key string, entry *types.CacheEntry) {
			metrics.CacheEvictionsTotal.WithLabelValues(name).Inc()
			c.spillDown(idx, key, entry)
		}
		switch lvl.Eviction {
		case config.EvictionFIFO:
			c.tiers = append(c.tiers, newFIFOTier(lvl.Capacity, lvl.TTL, onEvict))
		default:
			c.tiers = append(c.tiers, newLRUTier(lvl.Capacity, lvl.TTL, onEvict))
		}
		c.names = append(c.names, name)
	}

	if enablePrefetch {
		c.prefetcher = newPrefetcher(0.6, 32)
	}
	return c
}

func tierLabel(i int) string {
	if i == 0 {
		return "l1"
	}
	return "l2"
}

// spillDown moves an entry evicted from tier idx into tier idx+1, if one
// exists. Entries evicted from the last tier are simply dropped.
func (c *MultiLevelCache) spillDown(idx int, key string, entry *types.CacheEntry) {
	if idx+1 >= len(c.tiers) {
		return
	}
	c.tiers[idx+1].set(key, entry)
}

// Get checks L1, then L2 (promoting on hit), and returns absent if neither
// has it. Expired entries are treated as absent.
func (c *MultiLevelCache) Get(key string) ([]byte, bool) {
	now := time.Now()
	for i, t := range c.tiers {
		entry, ok := t.get(key)
		if !ok {
			continue
		}
		if entry.Expired(now) {
			t.remove(key)
			continue
		}
		metrics.CacheHitsTotal.WithLabelValues(c.names[i]).Inc()
		entry.LastAccess = now
		if i > 0 {
			c.tiers[0].set(key, entry) // promote to L1
		}
		if c.prefetcher != nil {
			c.prefetcher.onAccess(key, c.triggerPrefetch)
		}
		value := entry.Value
		if entry.Compressed {
			value, _ = decompress(value)
		}
		return value, true
	}
	metrics.CacheMissesTotal.Inc()
	return nil, false
}

// Loader is invoked on a cache miss inside GetOrLoad. Its error is
// propagated verbatim and never cached.
type Loader func() ([]byte, error)

// GetOrLoad is the read-through path: check the cache, else call loader
// and cache its result (on success) in L1.
func (c *MultiLevelCache) GetOrLoad(key string, opts SetOptions, loader Loader) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := loader()
	if err != nil {
		return nil, err
	}
	c.Set(key, v, opts)
	return v, nil
}

// Set inserts key into L1, recording dependency edges for cascading
// invalidation and compressing the value if it crosses the configured
// size threshold.
func (c *MultiLevelCache) Set(key string, value []byte, opts SetOptions) {
	c.mu.Lock()
	for _, dep := range opts.Dependencies {
		set, ok := c.dependents[dep]
		if !ok {
			set = make(map[string]struct{})
			c.dependents[dep] = set
		}
		set[key] = struct{}{}
	}
	c.mu.Unlock()

	stored := value
	compressed := false
	if c.compression && len(value) >= c.compressThreshold {
		if cv, err := compress(value); err == nil && len(cv) < len(value) {
			stored = cv
			compressed = true
		}
	}

	entry := &types.CacheEntry{
		Key:           key,
		Value:         stored,
		SizeBytes:     len(stored),
		InsertionTime: time.Now(),
		LastAccess:    time.Now(),
		TTL:           opts.TTL,
		Dependencies:  opts.Dependencies,
		Compressed:    compressed,
	}
	if len(c.tiers) > 0 {
		c.tiers[0].set(key, entry)
	}
}

// InvalidateOptions configures Invalidate.
type InvalidateOptions struct {
	Cascade bool
}

// Invalidate removes key from every tier and, if Cascade is set,
// transitively invalidates every key that declared key (or a key
// invalidated along the way) as a dependency. The zero value of
// InvalidateOptions does not cascade.
func (c *MultiLevelCache) Invalidate(key string, opts InvalidateOptions) {
	cascade := true
	if !opts.Cascade {
		cascade = false
	}

	visited := make(map[string]struct{})
	queue := []string{key}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if _, done := visited[k]; done {
			continue
		}
		visited[k] = struct{}{}

		for _, t := range c.tiers {
			t.remove(k)
		}

		if !cascade {
			continue
		}
		c.mu.Lock()
		dependents := c.dependents[k]
		delete(c.dependents, k)
		c.mu.Unlock()
		for dep := range dependents {
			queue = append(queue, dep)
		}
	}
}

func (c *MultiLevelCache) triggerPrefetch(key string, loader Loader) {
	go func() {
		v, err := loader()
		if err != nil {
			return
		}
		c.Set(key, v, SetOptions{})
	}()
}

// RegisterLoader is used by callers that want prefetched keys to be
// materialized automatically; without a registered loader, predicted keys
// are recorded but never proactively fetched.
func (c *MultiLevelCache) RegisterLoader(key string, loader Loader) {
	if c.prefetcher == nil {
		return
	}
	c.prefetcher.registerLoader(key, loader)
}

func (c *MultiLevelCache) Stats() map[string]int {
	out := make(map[string]int, len(c.tiers))
	for i, t := range c.tiers {
		out[c.names[i]] = t.len()
	}
	return out
}
