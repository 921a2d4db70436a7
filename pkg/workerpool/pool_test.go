package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/types"
)

func TestExecuteBatchRunsAllTasks(t *testing.T) {
	p := New(Fixed, 4, 0, 0)
	var count atomic.Int64

	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			count.Add(1)
			return nil
		}
	}

	require.NoError(t, p.ExecuteBatch(context.Background(), tasks))
	require.EqualValues(t, 20, count.Load())
}

func TestExecuteBatchReturnsFirstError(t *testing.T) {
	p := New(Fixed, 4, 0, 0)
	boom := errTest("boom")

	tasks := []Task{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
	}
	err := p.ExecuteBatch(context.Background(), tasks)
	require.ErrorIs(t, err, boom)
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestSubmitRejectsOverCapacityWithoutGrace(t *testing.T) {
	p := New(Fixed, 1, 1, 0)
	require.NoError(t, p.admitForTest())
	err := p.admitForTest()
	require.ErrorIs(t, err, types.ErrOverloaded)
}

func (p *Pool) admitForTest() error {
	return p.admit(context.Background())
}

func TestStopPreventsFurtherSubmit(t *testing.T) {
	p := New(Fixed, 2, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, types.ErrPoolStopped)
}

func TestExecuteParallelRunsLevelsInOrder(t *testing.T) {
	p := New(Fixed, 4, 0, 0)
	var stage atomic.Int64

	levelOne := []Task{func(ctx context.Context) error {
		require.True(t, stage.CompareAndSwap(0, 1))
		return nil
	}}
	levelTwo := []Task{func(ctx context.Context) error {
		require.EqualValues(t, 1, stage.Load())
		stage.Store(2)
		return nil
	}}

	require.NoError(t, p.ExecuteParallel(context.Background(), [][]Task{levelOne, levelTwo}))
	require.EqualValues(t, 2, stage.Load())
}
