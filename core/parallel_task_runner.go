package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxAllowedConcurrency is the maximum allowed value for maxConcurrency parameter.
	// Values higher than this could lead to excessive goroutine creation and memory exhaustion.
	maxAllowedConcurrency = 10000
)

// ParallelTaskRunner is a concurrent queue: tasks are dequeued in posting
// order and up to maxConcurrency of them run at once on the thread pool.
type ParallelTaskRunner struct {
	runnerMeta

	threadPool     ThreadPool
	observer       runnerObserver
	maxConcurrency int

	schedMu      sync.Mutex
	queue        TaskQueue
	running      int
	idleWaiters  []chan struct{}
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

var _ TaskRunner = (*ParallelTaskRunner)(nil)

// NewParallelTaskRunner creates a new ParallelTaskRunner with the specified concurrency limit.
// Panics if threadPool is nil or maxConcurrency is out of valid range [1, 10000].
func NewParallelTaskRunner(threadPool ThreadPool, maxConcurrency int) *ParallelTaskRunner {
	if threadPool == nil {
		panic("ParallelTaskRunner: threadPool must not be nil")
	}
	if maxConcurrency < 1 {
		panic("ParallelTaskRunner: maxConcurrency must be at least 1")
	}
	if maxConcurrency > maxAllowedConcurrency {
		panic(fmt.Sprintf("ParallelTaskRunner: maxConcurrency must not exceed %d", maxAllowedConcurrency))
	}

	return &ParallelTaskRunner{
		runnerMeta:     runnerMeta{id: nextRunnerID()},
		threadPool:     threadPool,
		observer:       observerFor(threadPool),
		maxConcurrency: maxConcurrency,
		queue:          NewFIFOTaskQueue(),
		shutdownChan:   make(chan struct{}),
	}
}

// ID returns the identity of this runner.
func (r *ParallelTaskRunner) ID() RunnerID {
	return r.id
}

// MaxConcurrency returns the maximum number of concurrent tasks.
func (r *ParallelTaskRunner) MaxConcurrency() int {
	return r.maxConcurrency
}

// PendingTaskCount returns the number of queued tasks waiting to run.
func (r *ParallelTaskRunner) PendingTaskCount() int {
	return r.queue.Len()
}

// RunningTaskCount returns the number of currently executing tasks.
func (r *ParallelTaskRunner) RunningTaskCount() int {
	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	return r.running
}

// Stats returns current observability data for this runner.
func (r *ParallelTaskRunner) Stats() RunnerStats {
	stats := RunnerStats{
		ID:      r.id,
		Name:    r.observabilityName("parallel"),
		Type:    "parallel",
		Pending: r.PendingTaskCount(),
		Running: r.RunningTaskCount(),
		Closed:  r.IsClosed(),
	}
	r.fillStats(&stats)
	return stats
}

// IsClosed returns true if the runner has been shut down.
func (r *ParallelTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// GetThreadPool returns the underlying ThreadPool used by this runner
func (r *ParallelTaskRunner) GetThreadPool() ThreadPool {
	return r.threadPool
}

// PostTask submits a task with default traits.
func (r *ParallelTaskRunner) PostTask(task Task) error {
	return r.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits submits a task with specified traits.
func (r *ParallelTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) error {
	if task == nil {
		panic("ParallelTaskRunner: task must not be nil")
	}
	if r.closed.Load() {
		return r.reject(ErrRunnerClosed)
	}
	if poolShuttingDown(r.threadPool) {
		return r.reject(ErrSchedulerShutdown)
	}

	r.schedMu.Lock()
	r.queue.Push(task, traits)
	r.observer.metrics.RecordQueueDepth(r.observabilityName("parallel"), r.queue.Len())
	err := r.scheduleLocked()
	r.schedMu.Unlock()

	if err != nil {
		return r.reject(fmt.Errorf("parallel runner %d: %w", r.id, err))
	}
	return nil
}

// PostDelayedTask submits a task to execute after a delay.
func (r *ParallelTaskRunner) PostDelayedTask(task Task, delay time.Duration) error {
	return r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraits submits a delayed task with specified traits.
// When the delay expires the task is posted back to this runner.
func (r *ParallelTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) error {
	if r.closed.Load() {
		return r.reject(ErrRunnerClosed)
	}
	return r.threadPool.DelayManager().AddDelayedTask(task, delay, traits, r)
}

func (r *ParallelTaskRunner) reject(err error) error {
	r.noteRejected()
	return r.observer.reject(r.observabilityName("parallel"), err)
}

// scheduleLocked starts queued tasks while slots are free.
func (r *ParallelTaskRunner) scheduleLocked() error {
	for r.running < r.maxConcurrency {
		item, ok := r.queue.Pop()
		if !ok {
			return nil
		}
		r.running++
		if err := r.threadPool.PostInternal(r.wrap(item), item.Traits); err != nil {
			r.running--
			return err
		}
	}
	return nil
}

func (r *ParallelTaskRunner) wrap(item TaskItem) Task {
	return func(ctx context.Context) {
		defer r.onTaskComplete()
		runCtx := context.WithValue(ctx, taskRunnerKey, r)
		r.observer.runTask(runCtx, r.observabilityName("parallel"), item)
	}
}

// onTaskComplete frees a slot and starts the next queued task.
func (r *ParallelTaskRunner) onTaskComplete() {
	r.noteFinished(time.Now())

	r.schedMu.Lock()
	defer r.schedMu.Unlock()

	r.running--
	if !r.closed.Load() {
		_ = r.scheduleLocked()
	}
	if r.running == 0 && r.queue.IsEmpty() {
		for _, ch := range r.idleWaiters {
			close(ch)
		}
		r.idleWaiters = nil
	}
}

// WaitIdle blocks until the queue is empty and no task is executing.
//
// Returns error if:
// - Context is cancelled or deadline exceeded
// - Runner is closed when WaitIdle is called or while waiting
func (r *ParallelTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("wait idle: %w", ErrRunnerClosed)
	}

	r.schedMu.Lock()
	if r.running == 0 && r.queue.IsEmpty() {
		r.schedMu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.idleWaiters = append(r.idleWaiters, done)
	r.schedMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.shutdownChan:
		return fmt.Errorf("wait idle: %w", ErrRunnerClosed)
	}
}

// Shutdown marks the runner as closed and clears all pending tasks.
// This method is non-blocking and can be safely called from within a task.
//
// Shutdown does NOT interrupt currently executing tasks - they will run to completion.
// However, no new tasks will be started from the queue after Shutdown is called.
func (r *ParallelTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)

		r.schedMu.Lock()
		r.queue.Clear()
		r.schedMu.Unlock()
		r.observer.metrics.RecordQueueDepth(r.observabilityName("parallel"), 0)

		close(r.shutdownChan)
	})
}

// WaitShutdown blocks until Shutdown() is called on this runner.
// Returns error if context is cancelled.
func (r *ParallelTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
