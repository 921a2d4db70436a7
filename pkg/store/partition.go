package store

import (
	"hash/fnv"
	"sort"
	"strings"
)

// PartitionPolicy decides which shard owns a key: a small tagged-variant
// interface with one operation per concern, in place of a
// `{shardingStrategy: "..."}` option bag.
type PartitionPolicy interface {
	ShardFor(key string) int
	// Rebalance reports, for a shard-count change from oldShards to
	// newShards, whether every key must be rehashed or how many virtual
	// nodes change owner. Callers use this to decide what must be remapped.
	Rebalance(oldShards, newShards int) RemapPlan
}

// RemapPlan is the result of Rebalance. Plain hash and range policies never
// remap incrementally and set only FullRehash; the consistent-hash policy
// sets MovedVnodes.
type RemapPlan struct {
	FullRehash bool
	MovedVnodes int
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// PlainHashPolicy assigns shardFor(key) = hash(key) mod S. Simple, but a
// shard-count change remaps nearly every key.
type PlainHashPolicy struct {
	shardCount int
}

func NewPlainHashPolicy(shardCount int) *PlainHashPolicy {
	return &PlainHashPolicy{shardCount: shardCount}
}

func (p *PlainHashPolicy) ShardFor(key string) int {
	return int(hashKey(key) % uint64(p.shardCount))
}

func (p *PlainHashPolicy) Rebalance(oldShards, newShards int) RemapPlan {
	return RemapPlan{FullRehash: oldShards != newShards}
}

// RangePolicy assigns shards by lexicographic bucketing of the key prefix.
// Useful when callers want locality between adjacent keys.
type RangePolicy struct {
	boundaries []string // sorted; boundaries[i] is the upper bound (inclusive) of shard i
}

func NewRangePolicy(shardCount int) *RangePolicy {
	// Evenly split the byte-space of the first key byte across shards.
	boundaries := make([]string, shardCount)
	step := 256 / shardCount
	if step == 0 {
		step = 1
	}
	for i := 0; i < shardCount; i++ {
		b := (i + 1) * step
		if b > 255 {
			b = 255
		}
		boundaries[i] = string([]byte{byte(b)})
	}
	return &RangePolicy{boundaries: boundaries}
}

func (p *RangePolicy) ShardFor(key string) int {
	idx := sort.SearchStrings(p.boundaries, key)
	if idx >= len(p.boundaries) {
		idx = len(p.boundaries) - 1
	}
	return idx
}

func (p *RangePolicy) Rebalance(oldShards, newShards int) RemapPlan {
	return RemapPlan{FullRehash: oldShards != newShards}
}

// ConsistentHashPolicy assigns virtual nodes (>=128 per physical shard) on
// a hash ring. On a shard-set change, only keys whose virtual-node owner
// changed are remapped — the rest stay put.
type ConsistentHashPolicy struct {
	vnodesPerShard int
	ring           []vnode
}

type vnode struct {
	hash  uint64
	shard int
}

// NewConsistentHashPolicy builds a ring with vnodesPerShard virtual nodes
// per physical shard (minimum 128).
func NewConsistentHashPolicy(shardCount, vnodesPerShard int) *ConsistentHashPolicy {
	if vnodesPerShard < 128 {
		vnodesPerShard = 128
	}
	p := &ConsistentHashPolicy{vnodesPerShard: vnodesPerShard}
	p.ring = buildRing(shardCount, vnodesPerShard)
	return p
}

func buildRing(shardCount, vnodesPerShard int) []vnode {
	ring := make([]vnode, 0, shardCount*vnodesPerShard)
	for s := 0; s < shardCount; s++ {
		for v := 0; v < vnodesPerShard; v++ {
			key := strings.Join([]string{"shard", itoa(s), "vnode", itoa(v)}, "-")
			ring = append(ring, vnode{hash: hashKey(key), shard: s})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	return ring
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (p *ConsistentHashPolicy) ShardFor(key string) int {
	if len(p.ring) == 0 {
		return 0
	}
	h := hashKey(key)
	idx := sort.Search(len(p.ring), func(i int) bool { return p.ring[i].hash >= h })
	if idx == len(p.ring) {
		idx = 0
	}
	return p.ring[idx].shard
}

// Rebalance computes how many virtual nodes change owner when the shard
// count moves from oldShards to newShards; only those vnodes' keys need
// remapping, the rest of the ring is untouched.
func (p *ConsistentHashPolicy) Rebalance(oldShards, newShards int) RemapPlan {
	oldRing := buildRing(oldShards, p.vnodesPerShard)
	newRing := buildRing(newShards, p.vnodesPerShard)

	oldOwner := make(map[uint64]int, len(oldRing))
	for _, v := range oldRing {
		oldOwner[v.hash] = v.shard
	}

	moved := 0
	for _, v := range newRing {
		if owner, ok := oldOwner[v.hash]; !ok || owner != v.shard {
			moved++
		}
	}
	p.ring = newRing
	return RemapPlan{FullRehash: false, MovedVnodes: moved}
}
