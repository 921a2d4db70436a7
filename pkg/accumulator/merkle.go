package accumulator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/cuemby/l2seq/pkg/cache"
	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/types"
	"github.com/cuemby/l2seq/pkg/workerpool"
)

const (
	leafDomain  byte = 0x00
	innerDomain byte = 0x01
)

func hashLeaf(data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{leafDomain})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashInner(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{innerDomain})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Proof is an inclusion proof: the sibling hash at each level from the
// leaf up to (but excluding) the root, plus which side the sibling sits
// on (true = sibling is the right child).
type Proof struct {
	LeafIndex    int
	Siblings     [][32]byte
	SiblingRight []bool
	Root         [32]byte
}

// MerkleAccumulator is an append-only binary Merkle tree over committed
// batch leaves. It is not safe for concurrent use without external
// synchronization beyond what its own mutex provides for its own methods.
type MerkleAccumulator struct {
	mu sync.Mutex

	leaves [][32]byte
	// levels[0] holds leaf hashes; levels[i] holds level-i node hashes,
	// where an odd node at the end of a level is carried forward
	// unchanged rather than duplicated, since the tree is rebuilt
	// incrementally and duplication would require rehashing on every
	// append.
	levels [][][32]byte

	nodeCache *cache.MultiLevelCache
	pool      *workerpool.Pool
}

// New creates an empty accumulator. nodeCache may be nil, in which case
// inner-node hashes are only kept in memory (levels) and not memoized
// across restarts; pool may be nil, in which case level hashing runs
// sequentially.
func New(nodeCache *cache.MultiLevelCache, pool *workerpool.Pool) *MerkleAccumulator {
	return &MerkleAccumulator{
		levels:    [][][32]byte{{}},
		nodeCache: nodeCache,
		pool:      pool,
	}
}

// LeafCount returns the number of leaves committed so far.
func (a *MerkleAccumulator) LeafCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leaves)
}

// Root returns the current root hash, or the zero hash if empty.
func (a *MerkleAccumulator) Root() [32]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rootLocked()
}

func (a *MerkleAccumulator) rootLocked() [32]byte {
	top := a.levels[len(a.levels)-1]
	if len(top) == 0 {
		return [32]byte{}
	}
	return top[len(top)-1]
}

// Append adds a single leaf and returns its index and the new root.
func (a *MerkleAccumulator) Append(ctx context.Context, data []byte) (int, [32]byte, error) {
	return a.AppendBatch(ctx, [][]byte{data})
}

// AppendBatch adds entries in order and returns the index of the first
// appended leaf plus the new root after all of them are committed.
func (a *MerkleAccumulator) AppendBatch(ctx context.Context, entries [][]byte) (int, [32]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AccumulatorAppendDuration)

	a.mu.Lock()
	defer a.mu.Unlock()

	startIndex := len(a.leaves)
	for _, e := range entries {
		a.leaves = append(a.leaves, hashLeaf(e))
	}
	a.levels[0] = a.leaves

	if err := a.rebuildLocked(ctx); err != nil {
		return 0, [32]byte{}, err
	}
	metrics.AccumulatorLeafCount.Set(float64(len(a.leaves)))
	return startIndex, a.rootLocked(), nil
}

// rebuildLocked recomputes every level above the leaves. Only the
// positions whose children changed need new hashes in principle, but
// because an append can shift which node is "carried forward" at every
// level, this recomputes each level's node list fully from its children;
// previously-computed node hashes are served from nodeCache rather than
// rehashed when present, which is what keeps repeated small appends cheap
// in practice.
func (a *MerkleAccumulator) rebuildLocked(ctx context.Context) error {
	level := 0
	for len(a.levels[level]) > 1 {
		if level+1 >= len(a.levels) {
			a.levels = append(a.levels, nil)
		}
		next, err := a.computeLevel(ctx, level)
		if err != nil {
			return err
		}
		a.levels[level+1] = next
		level++
	}
	return nil
}

func (a *MerkleAccumulator) computeLevel(ctx context.Context, level int) ([][32]byte, error) {
	children := a.levels[level]
	pairs := len(children) / 2
	out := make([][32]byte, pairs+len(children)%2)

	tasks := make([]workerpool.Task, pairs)
	for i := 0; i < pairs; i++ {
		i := i
		tasks[i] = func(ctx context.Context) error {
			out[i] = a.nodeHash(level+1, i, children[2*i], children[2*i+1])
			return nil
		}
	}

	if a.pool != nil && pairs > 1 {
		if err := a.pool.ExecuteBatch(ctx, tasks); err != nil {
			return nil, err
		}
	} else {
		for _, task := range tasks {
			if err := task(ctx); err != nil {
				return nil, err
			}
		}
	}

	if len(children)%2 == 1 {
		out[pairs] = children[len(children)-1]
	}
	return out, nil
}

// nodeHash returns the hash of an inner node, consulting nodeCache first.
// Only nodes whose whole subtree of leaves already exists are cached: a
// node on the right edge of an incomplete subtree can still change when
// later appends replace a carried-forward child.
func (a *MerkleAccumulator) nodeHash(level, pos int, left, right [32]byte) [32]byte {
	if a.nodeCache == nil || (pos+1)<<level > len(a.leaves) {
		return hashInner(left, right)
	}
	key := nodeCacheKey(level, pos)
	if v, ok := a.nodeCache.Get(key); ok && len(v) == 32 {
		var existing [32]byte
		copy(existing[:], v)
		return existing
	}
	h := hashInner(left, right)
	a.nodeCache.Set(key, h[:], cache.SetOptions{})
	return h
}

func nodeCacheKey(level, pos int) string {
	return fmt.Sprintf("merkle:%d:%d", level, pos)
}

// GenerateProof builds an inclusion proof for the leaf at index.
func (a *MerkleAccumulator) GenerateProof(index int) (Proof, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= len(a.leaves) {
		return Proof{}, types.ErrNotFound
	}

	proof := Proof{LeafIndex: index, Root: a.rootLocked()}
	pos := index
	for level := 0; level < len(a.levels)-1; level++ {
		nodes := a.levels[level]
		var siblingPos int
		var siblingRight bool
		if pos%2 == 0 {
			siblingPos = pos + 1
			siblingRight = true
		} else {
			siblingPos = pos - 1
			siblingRight = false
		}
		if siblingPos >= len(nodes) {
			// Odd tail: this node was carried forward unchanged, so
			// there is no sibling to prove against at this level.
			pos /= 2
			continue
		}
		proof.Siblings = append(proof.Siblings, nodes[siblingPos])
		proof.SiblingRight = append(proof.SiblingRight, siblingRight)
		pos /= 2
	}
	return proof, nil
}

// Leaves returns a copy of every committed leaf hash, in append order, for
// use when building a snapshot to send to a lagging follower.
func (a *MerkleAccumulator) Leaves() [][32]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][32]byte(nil), a.leaves...)
}

// RestoreLeaves replaces the accumulator's contents wholesale and rebuilds
// every level above them, used when applying an installed snapshot.
func (a *MerkleAccumulator) RestoreLeaves(ctx context.Context, leaves [][32]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaves = append([][32]byte(nil), leaves...)
	a.levels = [][][32]byte{a.leaves}
	if err := a.rebuildLocked(ctx); err != nil {
		return err
	}
	metrics.AccumulatorLeafCount.Set(float64(len(a.leaves)))
	return nil
}

// VerifyProof recomputes the root from leafData and proof and reports
// whether it matches root.
func VerifyProof(leafData []byte, proof Proof, root [32]byte) bool {
	current := hashLeaf(leafData)
	for i, sibling := range proof.Siblings {
		if proof.SiblingRight[i] {
			current = hashInner(current, sibling)
		} else {
			current = hashInner(sibling, current)
		}
	}
	return current == root
}
