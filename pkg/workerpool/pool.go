package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/types"
)

// Mode selects how a Pool's concurrency limit behaves.
type Mode int

const (
	// Fixed keeps the concurrency limit constant for the pool's lifetime.
	Fixed Mode = iota
	// Elastic allows Resize to change the limit while the pool is running,
	// for example to shrink it under memory pressure or grow it once a
	// node finishes catching up.
	Elastic
)

// Task is a unit of work submitted to a Pool. It must honor ctx
// cancellation for cooperative shutdown.
type Task func(ctx context.Context) error

// Pool runs Tasks across a bounded number of goroutines, applying
// backpressure once its queue exceeds highWatermark.
type Pool struct {
	mode Mode

	mu    sync.Mutex
	limit int

	queueDepth        atomic.Int64
	highWatermark     int
	admissionTimeout  time.Duration

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Pool with the given starting concurrency limit.
// highWatermark caps how many tasks may be queued or in flight before
// Submit starts returning ErrOverloaded; admissionTimeout bounds how long
// Submit will wait for room before giving up.
func New(mode Mode, limit, highWatermark int, admissionTimeout time.Duration) *Pool {
	return &Pool{
		mode:             mode,
		limit:            limit,
		highWatermark:    highWatermark,
		admissionTimeout: admissionTimeout,
	}
}

// Resize changes the pool's concurrency limit. Only valid for Elastic pools.
func (p *Pool) Resize(newLimit int) error {
	if p.mode != Elastic {
		return fmt.Errorf("workerpool: Resize called on a Fixed pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = newLimit
	return nil
}

func (p *Pool) currentLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Submit runs a single task, blocking until a slot is available, the
// admission timeout elapses (ErrOverloaded), or ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.stopped.Load() {
		return types.ErrPoolStopped
	}
	if err := p.admit(ctx); err != nil {
		return err
	}
	defer p.queueDepth.Add(-1)
	metrics.WorkerPoolQueueDepth.Set(float64(p.queueDepth.Load()))

	p.wg.Add(1)
	defer p.wg.Done()

	metrics.WorkerPoolActiveWorkers.Inc()
	defer metrics.WorkerPoolActiveWorkers.Dec()
	return task(ctx)
}

// admit enforces the highWatermark/admissionTimeout backpressure rule
// before a task is allowed to occupy a queue slot.
func (p *Pool) admit(ctx context.Context) error {
	depth := p.queueDepth.Add(1)
	if p.highWatermark <= 0 || int(depth) <= p.highWatermark {
		return nil
	}
	p.queueDepth.Add(-1)

	if p.admissionTimeout <= 0 {
		metrics.WorkerPoolRejectedTotal.Inc()
		return types.ErrOverloaded
	}

	timer := time.NewTimer(p.admissionTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			metrics.WorkerPoolRejectedTotal.Inc()
			return types.ErrOverloaded
		case <-ticker.C:
			if int(p.queueDepth.Add(1)) <= p.highWatermark {
				return nil
			}
			p.queueDepth.Add(-1)
		}
	}
}

// ExecuteBatch runs tasks concurrently, bounded by the pool's current
// limit, and returns the first error encountered (cancelling the remaining
// tasks' context), or nil if all succeeded.
func (p *Pool) ExecuteBatch(ctx context.Context, tasks []Task) error {
	if p.stopped.Load() {
		return types.ErrPoolStopped
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.currentLimit())

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			metrics.WorkerPoolActiveWorkers.Inc()
			defer metrics.WorkerPoolActiveWorkers.Dec()
			return task(gctx)
		})
	}
	return g.Wait()
}

// ExecuteParallel runs independent groups of tasks level by level: all
// tasks within a level run concurrently, but a level only starts once the
// previous one has fully completed. This is the shape the accumulator and
// the conflict-graph batch executor both need — work within a level has no
// cross-dependencies, but a later level may read state a former level
// wrote.
func (p *Pool) ExecuteParallel(ctx context.Context, levels [][]Task) error {
	for _, level := range levels {
		if err := p.ExecuteBatch(ctx, level); err != nil {
			return err
		}
	}
	return nil
}

// Stop prevents further Submit/ExecuteBatch calls and waits for in-flight
// Submit-based tasks to finish, or ctx to be done, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopped.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the current number of queued/in-flight tasks.
func (p *Pool) QueueDepth() int { return int(p.queueDepth.Load()) }
