package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/l2seq/pkg/accumulator"
	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/events"
	"github.com/cuemby/l2seq/pkg/log"
	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/types"
	"github.com/cuemby/l2seq/pkg/workerpool"
)

// LogAppender is the capability ParallelSequencer needs to commit a
// batch, satisfied by *raft.RaftCore.Propose without importing pkg/raft
// directly.
type LogAppender interface {
	Propose(ctx context.Context, batch *types.Batch) (index, term uint64, err error)
}

// AppliedTracker reports how far StateReplication has applied the log,
// satisfied by *stateapply.StateReplication.LastApplied.
type AppliedTracker interface {
	LastApplied() uint64
}

// StatusSource reports this node's Raft view, satisfied by
// *raft.RaftCore.GetStatus.
type StatusSource interface {
	GetStatus() types.NodeStatus
}

// BatchSource is read access to committed log entries, satisfied by
// *replog.ReplicationLog.
type BatchSource interface {
	Get(index uint64) (types.LogEntry, bool, error)
	FirstIndex() (uint64, error)
}

// ProofSource is read access to the Merkle accumulator, satisfied by
// *accumulator.MerkleAccumulator.
type ProofSource interface {
	GenerateProof(index int) (accumulator.Proof, error)
	Root() [32]byte
}

type txRecord struct {
	state      TxState
	batchIndex uint64
	reason     string
	retries    int
}

// ParallelSequencer is the leader-only admission/batch/commit pipeline,
// wired from capability slices rather than concrete component types so it
// can run against fakes in tests.
type ParallelSequencer struct {
	cfg      config.Config
	admission *Admission
	queue    *PendingQueue
	bundler  *BundleProcessor
	pool     *workerpool.Pool
	executor Executor
	appender LogAppender
	applied  AppliedTracker
	status   StatusSource
	batches  BatchSource
	proofs   ProofSource
	bus      *events.Broker
	logger   zerolog.Logger

	mu          sync.Mutex
	currentTerm uint64
	batchSeq    uint64
	txIndex     map[types.TxID]*txRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles ParallelSequencer's collaborators.
type Deps struct {
	Cfg       config.Config
	Admission *Admission
	Queue     *PendingQueue
	Pool      *workerpool.Pool
	Executor  Executor // nil defaults to AcceptAllExecutor
	Appender  LogAppender
	Applied   AppliedTracker
	Status    StatusSource
	Batches   BatchSource
	Proofs    ProofSource
	Bus       *events.Broker
}

// New builds a ParallelSequencer from deps.
func New(deps Deps) *ParallelSequencer {
	executor := deps.Executor
	if executor == nil {
		executor = AcceptAllExecutor{}
	}
	return &ParallelSequencer{
		cfg:       deps.Cfg,
		admission: deps.Admission,
		queue:     deps.Queue,
		bundler:   NewBundleProcessor(deps.Cfg),
		pool:      deps.Pool,
		executor:  executor,
		appender:  deps.Appender,
		applied:   deps.Applied,
		status:    deps.Status,
		batches:   deps.Batches,
		proofs:    deps.Proofs,
		bus:       deps.Bus,
		logger:    log.WithComponent("sequencer"),
		txIndex:   make(map[types.TxID]*txRecord),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the batch-formation/commit loop.
func (s *ParallelSequencer) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the loop, letting any in-flight commit finish.
func (s *ParallelSequencer) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *ParallelSequencer) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.status.GetStatus().Role != types.RoleLeader {
				continue
			}
			batch := s.bundler.FormBatch(s.queue, s.nextBatchID())
			if batch == nil {
				continue
			}
			s.commitBatch(ctx, batch)
		}
	}
}

func (s *ParallelSequencer) nextBatchID() types.BatchID {
	term := s.status.GetStatus().Term
	s.mu.Lock()
	defer s.mu.Unlock()
	if term != s.currentTerm {
		s.currentTerm = term
		s.batchSeq = 0
	}
	s.batchSeq++
	return types.BatchID(s.batchSeq)
}

// SubmitTransaction implements submitTransaction.
func (s *ParallelSequencer) SubmitTransaction(tx *types.Transaction) (SubmitResult, error) {
	acc, err := s.admission.Submit(tx)
	if err != nil {
		return SubmitResult{}, err
	}
	s.mu.Lock()
	if _, ok := s.txIndex[tx.ID]; !ok {
		s.txIndex[tx.ID] = &txRecord{state: TxPending}
	}
	s.mu.Unlock()
	return SubmitResult{ID: acc.id, AcceptedAt: acc.acceptedAt}, nil
}

// GetTransactionStatus implements getTransactionStatus.
func (s *ParallelSequencer) GetTransactionStatus(id types.TxID) (TxStatus, error) {
	s.mu.Lock()
	rec, ok := s.txIndex[id]
	s.mu.Unlock()
	if !ok {
		return TxStatus{}, types.ErrNotFound
	}
	return TxStatus{ID: id, State: rec.state, BatchIndex: rec.batchIndex, Reason: rec.reason}, nil
}

// GetBatch implements getBatch.
func (s *ParallelSequencer) GetBatch(index uint64) (BatchView, error) {
	entry, ok, err := s.batches.Get(index)
	if err != nil {
		return BatchView{}, err
	}
	if !ok || entry.Batch == nil {
		first, _ := s.batches.FirstIndex()
		if first > 0 && index < first {
			return BatchView{}, types.ErrTruncated
		}
		return BatchView{}, types.ErrNotFound
	}
	return BatchView{
		Index:    entry.Index,
		Term:     entry.Term,
		Txs:      entry.Batch.Txs,
		Receipts: entry.Batch.Receipts,
		Root:     entry.Batch.RootAfter,
	}, nil
}

// GetProof implements getProof.
func (s *ParallelSequencer) GetProof(txID types.TxID) (ProofResult, error) {
	s.mu.Lock()
	rec, ok := s.txIndex[txID]
	s.mu.Unlock()
	if !ok || rec.state != TxCommitted {
		return ProofResult{}, types.ErrNotFound
	}

	entry, ok, err := s.batches.Get(rec.batchIndex)
	if err != nil {
		return ProofResult{}, err
	}
	if !ok || entry.Batch == nil {
		return ProofResult{}, types.ErrNotFound
	}

	leafIdx := -1
	var leaf [32]byte
	for _, r := range entry.Batch.Receipts {
		if r.TxID == txID {
			leafIdx = int(r.LeafIdx)
		}
	}
	for _, tx := range entry.Batch.Txs {
		if tx.ID == txID {
			leaf = tx.Fingerprint()
		}
	}
	if leafIdx < 0 {
		return ProofResult{}, types.ErrNotFound
	}

	proof, err := s.proofs.GenerateProof(leafIdx)
	if err != nil {
		return ProofResult{}, fmt.Errorf("%w: %v", types.ErrPruned, err)
	}
	return ProofResult{Leaf: leaf, Proof: proof, Root: s.proofs.Root(), BatchIndex: rec.batchIndex}, nil
}

// VerifyProof implements verifyProof: a pure function with no
// node state involved.
func (s *ParallelSequencer) VerifyProof(leaf [32]byte, proof accumulator.Proof, root [32]byte) bool {
	return accumulator.VerifyProof(leaf[:], proof, root)
}

// GetStatus implements getStatus.
func (s *ParallelSequencer) GetStatus() types.NodeStatus {
	return s.status.GetStatus()
}

// commitBatch runs the remaining commit pipeline steps: conflict-graph execution,
// staging, commit, and the fail path. It runs to completion (success,
// requeue, or terminal failure) before the caller forms another batch,
// keeping at most one batch in flight — the single-leader pipeline's
// natural serialization point.
func (s *ParallelSequencer) commitBatch(ctx context.Context, batch *types.Batch) {
	s.markProcessing(batch.Txs)

	accepted, rejected := s.executeConflictFree(ctx, batch.Txs)
	for _, rej := range rejected {
		s.markFailed(rej.tx.ID, rej.reason)
	}
	if len(accepted) == 0 {
		return
	}
	batch.Txs = accepted
	if batch.TotalBytes() > s.cfg.MaxBatchBytes && s.cfg.MaxBatchBytes > 0 {
		// BundleProcessor already enforces the byte budget at formation
		// time; this only guards a pluggable Executor that somehow grew
		// payloads during staging.
		s.logger.Warn().Int("bytes", batch.TotalBytes()).Msg("batch exceeded byte budget after execution, truncating")
		batch.Txs = truncateToByteBudget(batch.Txs, s.cfg.MaxBatchBytes)
	}

	timer := metrics.NewTimer()
	commitCtx, cancel := context.WithTimeout(ctx, s.cfg.CommitTimeout)
	defer cancel()

	index, _, err := s.appender.Propose(commitCtx, batch)
	if err != nil {
		s.failBatch(batch, err)
		return
	}

	if !s.waitApplied(commitCtx, index) {
		s.failBatch(batch, types.ErrQuorumUnavailable)
		return
	}

	timer.ObserveDuration(metrics.BatchCommitDuration)
	metrics.BatchesCommittedTotal.Inc()
	metrics.BatchSize.Observe(float64(len(batch.Txs)))
	s.admission.RecordCommitted(len(batch.Txs))
	s.markCommitted(index, batch)
}

type rejectedTx struct {
	tx     *types.Transaction
	reason string
}

// executeConflictFree computes conflict levels and executes each level's
// transactions in parallel on the WorkerPool, levels themselves
// serialized. Transactions the Executor rejects are removed before
// staging; the remaining ones keep their original relative order.
func (s *ParallelSequencer) executeConflictFree(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, []rejectedTx) {
	levels := buildLevels(txs)
	ok := make([]bool, len(txs))
	reasons := make([]string, len(txs))

	tasks := make([][]workerpool.Task, len(levels))
	for li, level := range levels {
		level := level
		tasks[li] = make([]workerpool.Task, len(level))
		for ti, idx := range level {
			idx := idx
			tasks[li][ti] = func(ctx context.Context) error {
				accepted, reason := s.executor.Execute(ctx, txs[idx])
				ok[idx] = accepted
				reasons[idx] = reason
				return nil
			}
		}
	}
	_ = s.pool.ExecuteParallel(ctx, tasks)

	accepted := make([]*types.Transaction, 0, len(txs))
	var rejected []rejectedTx
	for i, tx := range txs {
		if ok[i] {
			accepted = append(accepted, tx)
		} else {
			rejected = append(rejected, rejectedTx{tx: tx, reason: reasons[i]})
		}
	}
	return accepted, rejected
}

func truncateToByteBudget(txs []*types.Transaction, maxBytes int) []*types.Transaction {
	total := 0
	for i, tx := range txs {
		size := len(tx.Payload) + len(tx.Signature) + 96
		if total+size > maxBytes {
			return txs[:i]
		}
		total += size
	}
	return txs
}

// waitApplied polls AppliedTracker until it reaches index or ctx expires.
// This realizes a leader-side commit wait on a combined deadline.
func (s *ParallelSequencer) waitApplied(ctx context.Context, index uint64) bool {
	if s.applied.LastApplied() >= index {
		return true
	}
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if s.applied.LastApplied() >= index {
				return true
			}
		}
	}
}

// failBatch abandons the batch, re-enqueuing its transactions and
// preserving priority and age, unless maxRetries is positive and a
// transaction has now failed more than maxRetries times, in which case it
// surfaces as TransactionFailed instead of being retried again. With
// maxRetries at 0 transactions are re-enqueued without limit.
func (s *ParallelSequencer) failBatch(batch *types.Batch, cause error) {
	metrics.BatchesFailedTotal.Inc()
	if s.bus != nil {
		s.bus.Publish(&events.Event{Type: events.EventBatchFailed, Message: cause.Error()})
	}

	var retry []*types.Transaction
	maxRetries := s.cfg.MaxRetries
	s.mu.Lock()
	for _, tx := range batch.Txs {
		rec, ok := s.txIndex[tx.ID]
		if !ok {
			rec = &txRecord{}
			s.txIndex[tx.ID] = rec
		}
		rec.retries++
		if maxRetries > 0 && rec.retries > maxRetries {
			rec.state = TxFailed
			rec.reason = types.ErrTransactionFailed.Error()
			continue
		}
		rec.state = TxPending
		retry = append(retry, tx)
	}
	s.mu.Unlock()

	if len(retry) > 0 {
		s.queue.Requeue(retry)
	}
}

func (s *ParallelSequencer) markProcessing(txs []*types.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		rec, ok := s.txIndex[tx.ID]
		if !ok {
			rec = &txRecord{}
			s.txIndex[tx.ID] = rec
		}
		rec.state = TxProcessing
	}
}

func (s *ParallelSequencer) markFailed(id types.TxID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.txIndex[id]
	if !ok {
		rec = &txRecord{}
		s.txIndex[id] = rec
	}
	rec.state = TxFailed
	rec.reason = reason
}

func (s *ParallelSequencer) markCommitted(index uint64, batch *types.Batch) {
	entry, ok, err := s.batches.Get(index)
	receipts := batch.Receipts
	if err == nil && ok && entry.Batch != nil {
		receipts = entry.Batch.Receipts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range receipts {
		rec, ok := s.txIndex[r.TxID]
		if !ok {
			rec = &txRecord{}
			s.txIndex[r.TxID] = rec
		}
		if r.Status == types.StatusIncluded {
			rec.state = TxCommitted
			rec.batchIndex = index
		} else {
			rec.state = TxFailed
			rec.reason = r.Reason
		}
	}
}
