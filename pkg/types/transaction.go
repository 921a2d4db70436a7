/*
Package types defines the core data structures shared across the sequencer:
transactions, batches, log entries, Raft bookkeeping, snapshots, and cache
entries. These types are serialized across the wire protocol and persisted
to disk, so field order and encoding are kept stable once committed.
*/
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// AccountID is a fixed-width opaque account identifier.
type AccountID [32]byte

func (a AccountID) String() string {
	return fmt.Sprintf("%x", a[:8])
}

// TxID is a stable, content-derived transaction identifier.
type TxID [32]byte

func (id TxID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether the id was never assigned.
func (id TxID) IsZero() bool {
	return id == TxID{}
}

// Priority is the admission/scheduling weight class of a transaction.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Weight returns the numeric scheduling weight for the priority class.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 4
	case PriorityHigh:
		return 16
	case PriorityCritical:
		return 64
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Transaction is an admitted, opaque-payload transaction.
type Transaction struct {
	ID          TxID
	Sender      AccountID
	Recipient   AccountID
	Nonce       uint64
	Priority    Priority
	SubmittedAt int64 // logical timestamp (unix nanos)
	Payload     []byte
	Signature   []byte
	ConflictSet []AccountID // declared read/write set, deduplicated
}

// Fingerprint returns the deterministic digest appended as a Merkle leaf
// when this transaction is committed. It binds id, sender, recipient, nonce
// and payload so that any mutation of committed data is detectable.
func (t *Transaction) Fingerprint() [32]byte {
	h := sha256.New()
	h.Write(t.ID[:])
	h.Write(t.Sender[:])
	h.Write(t.Recipient[:])
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], t.Nonce)
	h.Write(nonceBuf[:])
	h.Write(t.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NonceKey is the StateStore key under which a sender's highest committed
// nonce is tracked, shared between StateReplication (writer) and the
// sequencer's admission path (reader).
func NonceKey(sender AccountID) string {
	return fmt.Sprintf("nonce:%x", sender[:])
}

// SigningDigest is the message a sender's signature is verified against:
// a SHA3-256 hash (rather than the tx's own SHA-256 fingerprint) so that a
// forged signature over the committed fingerprint can't be replayed as a
// valid signature over the pre-commit digest, or vice versa.
func (t *Transaction) SigningDigest() [32]byte {
	h := sha3.New256()
	h.Write(t.Sender[:])
	h.Write(t.Recipient[:])
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], t.Nonce)
	h.Write(nonceBuf[:])
	h.Write(t.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ConflictsWith reports whether two transactions share any key in their
// conflict sets and must therefore not execute in the same parallel level.
func (t *Transaction) ConflictsWith(other *Transaction) bool {
	if len(t.ConflictSet) == 0 || len(other.ConflictSet) == 0 {
		return t.Sender == other.Sender || t.Sender == other.Recipient ||
			t.Recipient == other.Sender || t.Recipient == other.Recipient
	}
	seen := make(map[AccountID]struct{}, len(t.ConflictSet))
	for _, k := range t.ConflictSet {
		seen[k] = struct{}{}
	}
	for _, k := range other.ConflictSet {
		if _, ok := seen[k]; ok {
			return true
		}
	}
	return false
}

// AgeWeight returns the priority weight scaled by how long the transaction
// has been waiting: older transactions gain weight per unit wall time so
// they eventually outrank freshly submitted higher-priority ones.
func (t *Transaction) AgeWeight(now time.Time, agingRate float64) float64 {
	age := now.Sub(time.Unix(0, t.SubmittedAt)).Seconds()
	if age < 0 {
		age = 0
	}
	return t.Priority.Weight() + age*agingRate
}

// ReceiptStatus is the terminal or in-flight state of an admitted transaction.
type ReceiptStatus string

const (
	StatusPending    ReceiptStatus = "pending"
	StatusProcessing ReceiptStatus = "processing"
	StatusIncluded   ReceiptStatus = "included"
	StatusFailed     ReceiptStatus = "failed"
)

// Receipt is the per-transaction outcome recorded in a batch.
type Receipt struct {
	TxID    TxID
	Status  ReceiptStatus
	Reason  string
	LeafIdx uint64 // position in the Merkle accumulator, valid iff Included
}
