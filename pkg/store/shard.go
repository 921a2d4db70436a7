package store

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/l2seq/pkg/types"
)

var bucketKV = []byte("kv")

// Shard is a single-writer, multi-reader partition of the state keyspace,
// backed by its own bbolt database file: one bucket per shard, one file
// per shard so shard failures are isolated from each other.
type Shard struct {
	id int
	db *bolt.DB
}

// OpenShard opens (creating if absent) the bbolt file for shard id under dataDir.
func OpenShard(dataDir string, id int) (*Shard, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("shard-%03d.db", id))
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open shard %d: %v", types.ErrShardUnavailable, id, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init shard %d: %v", types.ErrShardUnavailable, id, err)
	}
	return &Shard{id: id, db: db}, nil
}

func (s *Shard) Close() error { return s.db.Close() }

// Get returns the value for key, or (nil, false, nil) if absent.
func (s *Shard) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", types.ErrShardUnavailable, err)
	}
	return out, out != nil, nil
}

// Put writes key/value within its own single-shard transaction.
func (s *Shard) Put(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrShardUnavailable, err)
	}
	return nil
}

// Delete removes key if present.
func (s *Shard) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrShardUnavailable, err)
	}
	return nil
}

// Txn is a read-write view bound to this shard, passed to the callback of
// WithTxn (and so of StateStore.Txn). MultiShardTxn uses MultiTxn instead.
type Txn struct {
	tx *bolt.Tx
}

func (t *Txn) Query(key string) ([]byte, bool) {
	v := t.tx.Bucket(bucketKV).Get([]byte(key))
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (t *Txn) Execute(key string, value []byte) error {
	return t.tx.Bucket(bucketKV).Put([]byte(key), value)
}

func (t *Txn) ExecuteDelete(key string) error {
	return t.tx.Bucket(bucketKV).Delete([]byte(key))
}

// WithTxn opens a transaction bound to this shard: query/execute within
// callback see a consistent snapshot; commit is all-or-nothing.
func (s *Shard) WithTxn(callback func(*Txn) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return callback(&Txn{tx: tx})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrShardUnavailable, err)
	}
	return nil
}
