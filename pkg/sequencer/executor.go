package sequencer

import (
	"context"

	"github.com/cuemby/l2seq/pkg/types"
)

// Executor computes whether a transaction should be staged into the
// batch being formed, standing in for smart-contract semantics: the core
// treats transaction payloads as opaque side effects producing a
// deterministic state delta via a pluggable executor. It runs once per
// transaction, inside its conflict-free level, on the WorkerPool.
type Executor interface {
	Execute(ctx context.Context, tx *types.Transaction) (ok bool, reason string)
}

// AcceptAllExecutor is the default Executor: every transaction that
// reaches execution (having already passed admission and the conflict
// graph) is staged unconditionally. A deployment with real payload
// semantics substitutes its own Executor without touching the rest of
// the pipeline.
type AcceptAllExecutor struct{}

func (AcceptAllExecutor) Execute(context.Context, *types.Transaction) (bool, string) {
	return true, ""
}
