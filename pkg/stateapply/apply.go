package stateapply

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/l2seq/pkg/accumulator"
	"github.com/cuemby/l2seq/pkg/cache"
	"github.com/cuemby/l2seq/pkg/events"
	"github.com/cuemby/l2seq/pkg/raft"
	"github.com/cuemby/l2seq/pkg/store"
	"github.com/cuemby/l2seq/pkg/types"
)

var _ raft.StateMachine = (*StateReplication)(nil)

// StateReplication applies committed log entries to the StateStore and
// MerkleAccumulator, in the same order on every replica, and serves as
// the bridge RaftCore drives via Apply/Snapshot/Restore.
type StateReplication struct {
	mu sync.Mutex

	store *store.StateStore
	acc   *accumulator.MerkleAccumulator
	cache *cache.MultiLevelCache
	bus   *events.Broker

	lastApplied     uint64
	lastAppliedTerm uint64
}

// New builds a StateReplication over the given components. cache and bus
// may be nil.
func New(st *store.StateStore, acc *accumulator.MerkleAccumulator, c *cache.MultiLevelCache, bus *events.Broker) *StateReplication {
	return &StateReplication{store: st, acc: acc, cache: c, bus: bus}
}

func accountKeys(batch *types.Batch) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(a types.AccountID) {
		k := fmt.Sprintf("acct:%x", a[:])
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, tx := range batch.Txs {
		add(tx.Sender)
		add(tx.Recipient)
	}
	return keys
}

// Apply implements onEntryCommitted: applies entry.Batch to the
// StateStore within one multiShardTxn, appends each transaction's leaf
// hash to the MerkleAccumulator in batch order, caches the new root, and
// advances lastApplied. It is the single determinism-critical path every
// replica must execute identically.
func (s *StateReplication) Apply(entry types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := entry.Batch
	if batch == nil {
		s.lastApplied = entry.Index
		s.lastAppliedTerm = entry.Term
		return nil
	}

	keys := accountKeys(batch)
	nonceKeys := make([]string, len(batch.Txs))
	for i, txn := range batch.Txs {
		nonceKeys[i] = types.NonceKey(txn.Sender)
	}
	keys = append(keys, nonceKeys...)
	if len(keys) > 0 {
		err := s.store.MultiShardTxn(keys, func(tx *store.MultiTxn) error {
			for i, txn := range batch.Txs {
				key := fmt.Sprintf("acct:%x", txn.Sender[:])
				_ = tx.Execute(key, txn.Payload)

				var nonceBuf [8]byte
				binary.BigEndian.PutUint64(nonceBuf[:], txn.Nonce)
				_ = tx.Execute(nonceKeys[i], nonceBuf[:])
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	leaves := make([][]byte, len(batch.Txs))
	for i, txn := range batch.Txs {
		fp := txn.Fingerprint()
		leaves[i] = fp[:]
	}

	startIndex, root, err := s.acc.AppendBatch(context.Background(), leaves)
	if err != nil {
		return fmt.Errorf("%w: accumulator append: %v", types.ErrDeterminismViolation, err)
	}
	batch.RootAfter = root

	for i := range batch.Txs {
		batch.Receipts = append(batch.Receipts, types.Receipt{
			TxID:    batch.Txs[i].ID,
			Status:  types.StatusIncluded,
			LeafIdx: uint64(startIndex + i),
		})
	}

	if s.cache != nil {
		s.cache.Set(rootCacheKey(entry.Index), root[:], cache.SetOptions{})
	}
	if s.bus != nil {
		s.bus.Publish(&events.Event{
			Type:    events.EventBatchCommitted,
			Message: fmt.Sprintf("index=%d batch=%d", entry.Index, batch.BatchID),
			Metadata: map[string]string{
				"index":   fmt.Sprintf("%d", entry.Index),
				"batchId": fmt.Sprintf("%d", batch.BatchID),
			},
		})
	}

	s.lastApplied = entry.Index
	s.lastAppliedTerm = entry.Term
	return nil
}

func rootCacheKey(index uint64) string { return fmt.Sprintf("merkleroot:%d", index) }

// LastApplied returns the highest log index applied so far.
func (s *StateReplication) LastApplied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied
}

// snapshotPayload is the gob-encoded contents of types.Snapshot.StateBytes:
// the full key/value dump plus every committed Merkle leaf, since a
// follower restoring from a snapshot must rebuild both structures.
type snapshotPayload struct {
	KV     map[string][]byte
	Leaves [][32]byte
}

// Snapshot implements createSnapshot: a consistent dump of StateStore and
// the accumulator's leaves, stamped with the log index/term this state
// machine has applied through. StateReplication is the one component that
// knows both the applied index and the state dump at the same instant, so
// it stamps LastIncludedIndex/Term itself rather than leaving a
// placeholder for the caller to fill in.
func (s *StateReplication) Snapshot() (types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, err := s.store.Dump()
	if err != nil {
		return types.Snapshot{}, err
	}
	leaves := s.acc.Leaves()

	payload := snapshotPayload{KV: kv, Leaves: leaves}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return types.Snapshot{}, fmt.Errorf("stateapply: encode snapshot: %w", err)
	}

	return types.Snapshot{
		LastIncludedIndex: s.lastApplied,
		LastIncludedTerm:  s.lastAppliedTerm,
		StateDigest:       digestKV(kv),
		MerkleRoot:        s.acc.Root(),
		LeafCount:         uint64(len(leaves)),
		StateBytes:        buf.Bytes(),
	}, nil
}

// Restore implements applySnapshot: replaces StateStore contents through
// StateStore.Load, which is not atomic across shards, and rebuilds the
// accumulator to match.
func (s *StateReplication) Restore(snap types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload snapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(snap.StateBytes)).Decode(&payload); err != nil {
		return fmt.Errorf("%w: decode snapshot: %v", types.ErrSnapshotMismatch, err)
	}
	if err := s.store.Load(payload.KV); err != nil {
		return err
	}
	if err := s.acc.RestoreLeaves(context.Background(), payload.Leaves); err != nil {
		return err
	}
	if s.acc.Root() != snap.MerkleRoot {
		return fmt.Errorf("%w: restored root does not match snapshot", types.ErrSnapshotMismatch)
	}
	s.lastApplied = snap.LastIncludedIndex
	s.lastAppliedTerm = snap.LastIncludedTerm
	if s.bus != nil {
		s.bus.Publish(&events.Event{Type: events.EventSnapshotApplied})
	}
	return nil
}

func digestKV(kv map[string][]byte) [32]byte {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write(kv[k])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
