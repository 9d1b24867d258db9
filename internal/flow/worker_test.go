package flow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"flowsync/internal/flow"
)

func TestPool_CoalescesByKey(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := flow.NewPool(2, flow.NewNopLogger())
	defer pool.Close()

	release := make(chan struct{})
	var runs atomic.Int32
	fn := func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}

	first, started := pool.Submit(context.Background(), "instance:1", fn)
	require.True(t, started)
	second, started := pool.Submit(context.Background(), "instance:1", fn)
	assert.False(t, started)
	assert.Same(t, first, second)
	assert.True(t, pool.InFlight("instance:1"))

	close(release)
	require.NoError(t, first.Wait(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, pool.InFlight("instance:1"))

	third, started := pool.Submit(context.Background(), "instance:1", fn)
	assert.True(t, started, "a finished key can run again")
	require.NoError(t, third.Wait(context.Background()))
}

func TestPool_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := flow.NewPool(3, flow.NewNopLogger())
	defer pool.Close()

	var mu sync.Mutex
	running, peak := 0, 0
	var tasks []*flow.Task
	for i := 0; i < 12; i++ {
		task, _ := pool.Submit(context.Background(), string(rune('a'+i)), func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
		tasks = append(tasks, task)
	}

	require.NoError(t, flow.WaitAll(context.Background(), tasks...))
	assert.LessOrEqual(t, peak, 3)
	assert.Greater(t, peak, 0)
}

func TestPool_CloseCancelsRunningTasks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := flow.NewPool(1, flow.NewNopLogger())
	started := make(chan struct{})
	running, _ := pool.Submit(context.Background(), "slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	queued, _ := pool.Submit(context.Background(), "queued", func(ctx context.Context) error {
		return nil
	})
	<-started

	pool.Close()

	assert.ErrorIs(t, running.Err(), context.Canceled)
	select {
	case <-queued.Done():
	default:
		t.Fatal("queued task not finished after Close")
	}

	late, started2 := pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.False(t, started2)
	assert.Error(t, late.Err())
}

func TestPool_CallerContextCancelsTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := flow.NewPool(1, flow.NewNopLogger())
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	task, _ := pool.Submit(ctx, "k", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	assert.ErrorIs(t, task.Wait(context.Background()), context.Canceled)
}

func TestPool_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := flow.NewPool(1, flow.NewNopLogger())
	defer pool.Close()

	task, _ := pool.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("corrupt state")
	})
	err := task.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt state")

	ok, _ := pool.Submit(context.Background(), "after", func(ctx context.Context) error { return nil })
	assert.NoError(t, ok.Wait(context.Background()), "the pool keeps working after a panic")
}

func TestWaitAll_ReturnsFirstError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := flow.NewPool(2, flow.NewNopLogger())
	defer pool.Close()

	errFirst := errors.New("first")
	a, _ := pool.Submit(context.Background(), "a", func(ctx context.Context) error { return errFirst })
	b, _ := pool.Submit(context.Background(), "b", func(ctx context.Context) error { return errors.New("second") })
	c, _ := pool.Submit(context.Background(), "c", func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, flow.WaitAll(context.Background(), a, b, c), errFirst)
}
