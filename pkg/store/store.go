/*
Package store implements the sharded, transactionally consistent
StateStore: a key→value map partitioned into S shards, each a
single-writer/multi-reader bbolt database, with pluggable partitioning and
a two-phase multi-shard transaction for keys that straddle shards.
*/
package store

import (
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/types"
)

// StateStore is the sharded account-state map consumed by the sequencer
// and by StateReplication when applying committed batches.
type StateStore struct {
	shards   []*Shard
	policy   PartitionPolicy
	readCons  config.ConsistencyLevel
	writeCons config.ConsistencyLevel
}

// Open creates or reopens a StateStore with shardCount shards under dataDir.
func Open(dataDir string, shardCount int, strategy config.ShardingStrategy, readCons, writeCons config.ConsistencyLevel) (*StateStore, error) {
	shards := make([]*Shard, shardCount)
	for i := 0; i < shardCount; i++ {
		sh, err := OpenShard(dataDir, i)
		if err != nil {
			for _, opened := range shards {
				if opened != nil {
					_ = opened.Close()
				}
			}
			return nil, err
		}
		shards[i] = sh
	}

	var policy PartitionPolicy
	switch strategy {
	case config.ShardingHash:
		policy = NewPlainHashPolicy(shardCount)
	case config.ShardingRange:
		policy = NewRangePolicy(shardCount)
	default:
		policy = NewConsistentHashPolicy(shardCount, 128)
	}

	return &StateStore{shards: shards, policy: policy, readCons: readCons, writeCons: writeCons}, nil
}

func (s *StateStore) Close() error {
	var firstErr error
	for _, sh := range s.shards {
		if err := sh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *StateStore) ShardCount() int { return len(s.shards) }

func (s *StateStore) shardFor(key string) *Shard {
	return s.shards[s.policy.ShardFor(key)%len(s.shards)]
}

// Get reads a single key from its owning local shard. The read and write
// consistency levels passed to Open are stored but not consulted: no
// replica fan-out or quorum read is performed, here or in StateReplication.
func (s *StateStore) Get(key string) ([]byte, bool, error) {
	return s.shardFor(key).Get(key)
}

// Put writes a single key, routed to its owning shard.
func (s *StateStore) Put(key string, value []byte) error {
	return s.shardFor(key).Put(key, value)
}

// Txn opens a transaction bound to the single shard owning key.
func (s *StateStore) Txn(key string, callback func(*Txn) error) error {
	return s.shardFor(key).WithTxn(callback)
}

// MultiTxn is the view passed to MultiShardTxn's callback: Query/Execute
// resolve the right shard's transaction for each key automatically.
type MultiTxn struct {
	store *StateStore
	txs   map[int]*bolt.Tx
}

func (mt *MultiTxn) Query(key string) ([]byte, bool) {
	shardID := mt.store.policy.ShardFor(key) % len(mt.store.shards)
	tx, ok := mt.txs[shardID]
	if !ok {
		return nil, false
	}
	v := tx.Bucket(bucketKV).Get([]byte(key))
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (mt *MultiTxn) Execute(key string, value []byte) error {
	shardID := mt.store.policy.ShardFor(key) % len(mt.store.shards)
	tx, ok := mt.txs[shardID]
	if !ok {
		return fmt.Errorf("%w: key %q not covered by declared keys", types.ErrCommitFailed, key)
	}
	return tx.Bucket(bucketKV).Put([]byte(key), value)
}

// MultiShardTxn runs a two-phase commit across the shards touched by keys.
// Shard locks (bbolt's per-DB writer lock) are acquired in ascending
// shard-id order to prevent deadlock across concurrent multi-shard
// transactions. If any shard fails to begin/prepare, all abort.
func (s *StateStore) MultiShardTxn(keys []string, callback func(*MultiTxn) error) error {
	shardIDs := s.distinctShardIDs(keys)

	txs := make(map[int]*bolt.Tx, len(shardIDs))
	abort := func() {
		for _, tx := range txs {
			_ = tx.Rollback()
		}
	}

	for _, id := range shardIDs {
		tx, err := s.shards[id].db.Begin(true)
		if err != nil {
			abort()
			metrics.StoreShardUnavailableTotal.Inc()
			return fmt.Errorf("%w: begin shard %d: %v", types.ErrShardUnavailable, id, err)
		}
		txs[id] = tx
	}

	mt := &MultiTxn{store: s, txs: txs}
	if err := callback(mt); err != nil {
		abort()
		return err
	}

	// Commit phase: all prepares succeeded, so this should only fail on
	// an I/O error. A failure here after earlier shards already
	// committed is the one place this store cannot guarantee atomicity
	// across files; it is surfaced as CommitFailed and callers treat
	// the batch as needing re-sync.
	for _, id := range shardIDs {
		if err := txs[id].Commit(); err != nil {
			return fmt.Errorf("%w: commit shard %d: %v", types.ErrCommitFailed, id, err)
		}
	}
	return nil
}

func (s *StateStore) distinctShardIDs(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		seen[s.policy.ShardFor(k)%len(s.shards)] = struct{}{}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Dump collects every key/value pair across all shards, for use by
// StateReplication when building a snapshot. Each key lives in exactly one
// shard under the store's partition policy, so the result needs no
// conflict resolution across shards.
func (s *StateStore) Dump() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, sh := range s.shards {
		err := sh.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
				out[string(k)] = append([]byte(nil), v...)
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dump shard %d: %v", types.ErrShardUnavailable, sh.id, err)
		}
	}
	return out, nil
}

// Load replaces the store's contents with data: every shard is emptied,
// then each key is written to its owning shard. Shards are cleared and
// keys written in separate transactions, so the replacement is not atomic
// across shards. Used when applying an InstallSnapshot RPC.
func (s *StateStore) Load(data map[string][]byte) error {
	for _, sh := range s.shards {
		err := sh.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(bucketKV); err != nil {
				return err
			}
			_, err := tx.CreateBucket(bucketKV)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: clear shard %d: %v", types.ErrShardUnavailable, sh.id, err)
		}
	}
	for key, value := range data {
		if err := s.Put(key, value); err != nil {
			return err
		}
	}
	return nil
}

// MultiShardTxnWithRetry retries MultiShardTxn with exponential backoff up
// to maxRetries.
func (s *StateStore) MultiShardTxnWithRetry(keys []string, maxRetries int, callback func(*MultiTxn) error) error {
	backoff := 5 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = s.MultiShardTxn(keys, callback)
		if lastErr == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("%w: exhausted %d retries: %v", types.ErrCommitFailed, maxRetries, lastErr)
}
