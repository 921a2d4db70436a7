package sequencer

import (
	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/types"
)

// BundleProcessor forms batches from the pending queue: a small,
// stateless decision-maker consumed by a larger owning type rather than
// folded into it.
type BundleProcessor struct {
	cfg config.Config
}

// NewBundleProcessor creates a BundleProcessor bound to cfg's batch-sizing
// knobs (maxBatchSize, maxBatchBytes, dynamicBatchQueueThreshold).
func NewBundleProcessor(cfg config.Config) *BundleProcessor {
	return &BundleProcessor{cfg: cfg}
}

// FormBatch drains up to maxBatchSize (or a dynamically enlarged target,
// once the queue backs up past DynamicBatchQueueThreshold) transactions
// from queue, weighted by priority-with-aging order, and returns a Batch
// stamped with id. Returns nil if the queue is empty.
func (b *BundleProcessor) FormBatch(queue *PendingQueue, id types.BatchID) *types.Batch {
	target := b.cfg.MaxBatchSize
	if target <= 0 {
		target = 1000
	}
	if b.cfg.DynamicBatchQueueThreshold > 0 && queue.Len() > b.cfg.DynamicBatchQueueThreshold {
		// Drain faster while backlogged, but never past the byte budget
		// enforced by PopUpTo below.
		target *= 2
	}

	txs := queue.PopUpTo(target, b.cfg.MaxBatchBytes)
	if len(txs) == 0 {
		return nil
	}
	return &types.Batch{BatchID: id, Txs: txs}
}
