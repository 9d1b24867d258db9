package flow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is the handle of work submitted to a Pool. Its result is delivered
// exactly once, when Done is closed.
type Task struct {
	key  string
	done chan struct{}
	err  error
}

// Key returns the coalescing key the task was submitted under.
func (t *Task) Key() string { return t.key }

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's error. It is only meaningful after Done is closed.
func (t *Task) Err() error { return t.err }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool runs network and disk work on a bounded number of goroutines. Work
// submitted under a key that is already running or queued is coalesced into
// the in-flight task.
type Pool struct {
	sem    *semaphore.Weighted
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*Task
	closed   bool
}

// NewPool creates a pool running at most workers tasks at once.
func NewPool(workers int, logger Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:      semaphore.NewWeighted(int64(workers)),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*Task),
	}
}

// Submit schedules fn under key. If a task with the same key is in flight it
// is returned instead and started is false. fn's context is cancelled when
// either ctx is done or the pool is closed.
func (p *Pool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (task *Task, started bool) {
	p.mu.Lock()
	if t, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		p.logger.Debug("task coalesced", "key", key)
		return t, false
	}
	t := &Task{key: key, done: make(chan struct{})}
	if p.closed {
		p.mu.Unlock()
		t.err = fmt.Errorf("pool closed")
		close(t.done)
		return t, false
	}
	p.inflight[key] = t
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(ctx, t, fn)
	return t, true
}

func (p *Pool) run(ctx context.Context, t *Task, fn func(ctx context.Context) error) {
	defer p.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	var err error
	if err = p.sem.Acquire(runCtx, 1); err == nil {
		err = p.call(runCtx, t.key, fn)
		p.sem.Release(1)
	}

	p.mu.Lock()
	delete(p.inflight, t.key)
	p.mu.Unlock()

	t.err = err
	close(t.done)
}

func (p *Pool) call(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "key", key, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", key, r)
		}
	}()
	return fn(ctx)
}

// InFlight reports whether a task with key is running or queued.
func (p *Pool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Close cancels running tasks and waits for every goroutine to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

// WaitAll waits for every task, returning the first error encountered.
func WaitAll(ctx context.Context, tasks ...*Task) error {
	var first error
	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func instanceKey(instanceID int64) string {
	return fmt.Sprintf("instance:%d", instanceID)
}
