package types

import "errors"

// Transient errors: retried with bounded exponential backoff, surfaced to
// the client only once retries exhaust.
var (
	ErrShardUnavailable  = errors.New("shard unavailable")
	ErrQuorumUnavailable = errors.New("quorum unavailable")
	ErrPeerTimeout       = errors.New("peer timeout")
	ErrOverloaded        = errors.New("overloaded")
	ErrCommitFailed      = errors.New("commit failed")
	ErrNotLeader         = errors.New("not leader")
)

// Consistency errors: handled internally by RaftCore, never surfaced past it.
var (
	ErrTermChanged = errors.New("term changed")
	ErrLogConflict = errors.New("log conflict")
	ErrStaleRead   = errors.New("stale read")
)

// Validation errors: returned synchronously to the client at admission.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Fatal errors: the node refuses to serve, requests re-sync, and raises an
// alarm event.
var (
	ErrLogCorruption        = errors.New("log corruption")
	ErrSnapshotMismatch     = errors.New("snapshot mismatch")
	ErrDeterminismViolation = errors.New("determinism violation")
)

// Lookup / lifecycle errors returned by the client ingestion API.
var (
	ErrNotFound        = errors.New("not found")
	ErrTruncated       = errors.New("truncated")
	ErrPruned          = errors.New("pruned")
	ErrPoolStopped     = errors.New("pool stopped")
	ErrTransactionFailed = errors.New("transaction failed")
)
