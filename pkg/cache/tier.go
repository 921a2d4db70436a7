package cache

import (
	"container/list"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cuemby/l2seq/pkg/types"
)

// tier is one level of the MultiLevelCache: a bounded, TTL-aware store with
// a single eviction policy.
type tier interface {
	get(key string) (*types.CacheEntry, bool)
	// set inserts key and returns an entry evicted to make room, if any.
	set(key string, entry *types.CacheEntry) (evicted *types.CacheEntry, evictedOK bool)
	remove(key string)
	len() int
}

// lruTier wraps hashicorp/golang-lru/v2's expirable LRU, which already
// combines capacity-bounded LRU eviction with per-entry TTL expiry.
type lruTier struct {
	inner *lru.LRU[string, *types.CacheEntry]
}

func newLRUTier(capacity int, ttl time.Duration, onEvict func(key string, entry *types.CacheEntry)) *lruTier {
	cb := func(key string, entry *types.CacheEntry) {
		if onEvict != nil {
			onEvict(key, entry)
		}
	}
	return &lruTier{inner: lru.NewLRU[string, *types.CacheEntry](capacity, cb, ttl)}
}

func (t *lruTier) get(key string) (*types.CacheEntry, bool) {
	v, ok := t.inner.Get(key)
	return v, ok
}

func (t *lruTier) set(key string, entry *types.CacheEntry) (*types.CacheEntry, bool) {
	t.inner.Add(key, entry)
	return nil, false // eviction surfaces via the onEvict callback, not the return value
}

func (t *lruTier) remove(key string) { t.inner.Remove(key) }
func (t *lruTier) len() int          { return t.inner.Len() }

// fifoTier evicts in strict insertion order regardless of access pattern,
// with ties (same insertion instant) impossible since list order is
// authoritative.
type fifoTier struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	index    map[string]*list.Element
	onEvict  func(key string, entry *types.CacheEntry)
}

type fifoElem struct {
	key   string
	entry *types.CacheEntry
}

func newFIFOTier(capacity int, ttl time.Duration, onEvict func(key string, entry *types.CacheEntry)) *fifoTier {
	return &fifoTier{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		onEvict:  onEvict,
	}
}

func (t *fifoTier) get(key string) (*types.CacheEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.index[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*fifoElem).entry
	if entry.Expired(time.Now()) {
		t.removeLocked(key)
		return nil, false
	}
	return entry, true
}

func (t *fifoTier) set(key string, entry *types.CacheEntry) (*types.CacheEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[key]; ok {
		el.Value.(*fifoElem).entry = entry
		return nil, false
	}

	el := t.order.PushBack(&fifoElem{key: key, entry: entry})
	t.index[key] = el

	if t.capacity > 0 && len(t.index) > t.capacity {
		front := t.order.Front()
		fe := front.Value.(*fifoElem)
		t.order.Remove(front)
		delete(t.index, fe.key)
		if t.onEvict != nil {
			t.onEvict(fe.key, fe.entry)
		}
		return fe.entry, true
	}
	return nil, false
}

func (t *fifoTier) removeLocked(key string) {
	if el, ok := t.index[key]; ok {
		t.order.Remove(el)
		delete(t.index, key)
	}
}

func (t *fifoTier) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key)
}

func (t *fifoTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}
