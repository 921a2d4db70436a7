package replog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/l2seq/pkg/types"
)

var bucketEntries = []byte("entries")

// ReplicationLog is the durable store for RaftCore's log entries,
// grounded on the same bucket-keyed bbolt pattern as the state store's
// shards, here with a single file per node since the log is not sharded.
type ReplicationLog struct {
	db *bolt.DB
}

// Open creates or reopens the replication log at path.
func Open(path string) (*ReplicationLog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("replog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		// Discard tail entries that fail to decode or checksum, left by a
		// write interrupted mid-fsync.
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Last() {
			if _, derr := decodeEntry(v); derr == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("replog: init %s: %w", path, err)
	}
	return &ReplicationLog{db: db}, nil
}

func (l *ReplicationLog) Close() error { return l.db.Close() }

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// checksumPayload computes the crc32 of the (Term, Index, Batch) fields,
// deliberately excluding Checksum itself so the stored value is
// self-describing.
func checksumPayload(entry types.LogEntry) (uint32, []byte, error) {
	entry.Checksum = 0
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return 0, nil, fmt.Errorf("replog: encode entry %d: %w", entry.Index, err)
	}
	return crc32.ChecksumIEEE(buf.Bytes()), buf.Bytes(), nil
}

func decodeEntry(raw []byte) (types.LogEntry, error) {
	var entry types.LogEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return types.LogEntry{}, fmt.Errorf("%w: decode: %v", types.ErrLogCorruption, err)
	}
	want := entry.Checksum
	got, _, err := checksumPayload(entry)
	if err != nil {
		return types.LogEntry{}, err
	}
	if got != want {
		return types.LogEntry{}, fmt.Errorf("%w: entry %d checksum mismatch", types.ErrLogCorruption, entry.Index)
	}
	return entry, nil
}

func encodeEntry(entry types.LogEntry) ([]byte, error) {
	sum, _, err := checksumPayload(entry)
	if err != nil {
		return nil, err
	}
	entry.Checksum = sum
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("replog: encode entry %d: %w", entry.Index, err)
	}
	return buf.Bytes(), nil
}

// Append writes a single entry, fsyncing before returning (bbolt commits
// are durable by default; batched callers should prefer AppendBatch to
// amortize the fsync cost across many entries).
func (l *ReplicationLog) Append(entry types.LogEntry) error {
	return l.AppendBatch([]types.LogEntry{entry})
}

// AppendBatch writes entries in a single transaction, so the fsync cost is
// paid once for the whole batch rather than once per entry.
func (l *ReplicationLog) AppendBatch(entries []types.LogEntry) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, entry := range entries {
			raw, err := encodeEntry(entry)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(entry.Index), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the entry at index, or (zero, false, nil) if absent.
func (l *ReplicationLog) Get(index uint64) (types.LogEntry, bool, error) {
	var entry types.LogEntry
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(indexKey(index))
		if raw == nil {
			return nil
		}
		decoded, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		entry, found = decoded, true
		return nil
	})
	return entry, found, err
}

// GetEntriesAfter returns every entry with Index > after, in ascending
// index order.
func (l *ReplicationLog) GetEntriesAfter(after uint64) ([]types.LogEntry, error) {
	var out []types.LogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		start := indexKey(after + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// FirstIndex returns the lowest index still stored, or 0 if the log is
// empty (either never written to, or truncated up to the current
// snapshot). NodeSync uses this to decide whether a lagging follower's
// requested index can be served from the tail or needs a fresh snapshot.
func (l *ReplicationLog) FirstIndex() (uint64, error) {
	var first uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketEntries).Cursor().First()
		if k == nil {
			return nil
		}
		first = binary.BigEndian.Uint64(k)
		return nil
	})
	return first, err
}

// LastIndex returns the highest index stored, or 0 if the log is empty.
func (l *ReplicationLog) LastIndex() (uint64, error) {
	var last uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketEntries).Cursor().Last()
		if k == nil {
			return nil
		}
		last = binary.BigEndian.Uint64(k)
		return nil
	})
	return last, err
}

// LastTerm returns the term of the last entry, or 0 if the log is empty.
func (l *ReplicationLog) LastTerm() (uint64, error) {
	var term uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketEntries).Cursor().Last()
		if v == nil {
			return nil
		}
		entry, err := decodeEntry(v)
		if err != nil {
			return err
		}
		term = entry.Term
		return nil
	})
	return term, err
}

// TruncateSuffix deletes every entry with Index >= fromIndex, used when a
// log-matching conflict is discovered against a new leader's entries.
func (l *ReplicationLog) TruncateSuffix(fromIndex uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(indexKey(fromIndex)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncatePrefix deletes every entry with Index <= throughIndex, used
// after a snapshot makes those entries redundant.
func (l *ReplicationLog) TruncatePrefix(throughIndex uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > throughIndex {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
