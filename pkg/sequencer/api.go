package sequencer

import (
	"time"

	"github.com/cuemby/l2seq/pkg/accumulator"
	"github.com/cuemby/l2seq/pkg/types"
)

// SubmitResult is submitTransaction's success response.
type SubmitResult struct {
	ID         types.TxID
	AcceptedAt time.Time
}

// TxState is the lifecycle stage of an admitted transaction, always
// reaching exactly one terminal state.
type TxState string

const (
	TxPending    TxState = "pending"
	TxProcessing TxState = "processing"
	TxCommitted  TxState = "committed"
	TxFailed     TxState = "failed"
)

// TxStatus is getTransactionStatus's response.
type TxStatus struct {
	ID         types.TxID
	State      TxState
	BatchIndex uint64 // valid iff State == TxCommitted
	Reason     string // valid iff State == TxFailed
}

// BatchView is getBatch's response.
type BatchView struct {
	Index    uint64
	Term     uint64
	Txs      []*types.Transaction
	Receipts []types.Receipt
	Root     [32]byte
}

// ProofResult is getProof's response.
type ProofResult struct {
	Leaf       [32]byte
	Proof      accumulator.Proof
	Root       [32]byte
	BatchIndex uint64
}

// API is the client ingestion surface the core exposes to the external
// HTTP/RPC layer. The HTTP layer itself lives elsewhere; this interface
// is the whole of what it's allowed to call into.
type API interface {
	SubmitTransaction(tx *types.Transaction) (SubmitResult, error)
	GetTransactionStatus(id types.TxID) (TxStatus, error)
	GetBatch(index uint64) (BatchView, error)
	GetProof(txID types.TxID) (ProofResult, error)
	VerifyProof(leaf [32]byte, proof accumulator.Proof, root [32]byte) bool
	GetStatus() types.NodeStatus
}
