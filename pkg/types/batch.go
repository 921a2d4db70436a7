package types

// BatchID is leader-assigned and monotonic within a term.
type BatchID uint64

// Batch is an ordered sequence of transactions proposed together.
type Batch struct {
	BatchID   BatchID
	Term      uint64
	Index     uint64 // Raft log index once committed; 0 until then
	Txs       []*Transaction
	RootAfter [32]byte
	Receipts  []Receipt
}

// TotalBytes returns the wire-size estimate used to enforce maxBatchBytes.
func (b *Batch) TotalBytes() int {
	n := 0
	for _, tx := range b.Txs {
		n += len(tx.Payload) + len(tx.Signature) + 96 // fixed-width fields
	}
	return n
}

// LogEntry is the unit replicated by RaftCore.
type LogEntry struct {
	Term     uint64
	Index    uint64
	Batch    *Batch
	Checksum uint32
}
