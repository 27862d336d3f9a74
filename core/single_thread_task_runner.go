package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SingleThreadTaskRunner binds a dedicated Goroutine to execute tasks sequentially.
// It guarantees that all tasks submitted to it run on the same Goroutine (Thread Affinity).
//
// Use cases:
// 1. Blocking IO operations (e.g., NetworkReceiver)
// 2. CGO calls that require Thread Local Storage
// 3. Simulating Main Thread / UI Thread behavior
//
// Key differences from SequencedTaskRunner:
// - SequencedTaskRunner: Tasks execute sequentially but may run on different worker goroutines
// - SingleThreadTaskRunner: Tasks execute sequentially AND always on the same dedicated goroutine
//
// The internal queue is unbounded so PostTask never blocks the caller.
type SingleThreadTaskRunner struct {
	runnerMeta

	queue    TaskQueue
	signal   chan struct{}
	observer runnerObserver
	running  atomic.Int32

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

var _ TaskRunner = (*SingleThreadTaskRunner)(nil)

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return NewSingleThreadTaskRunnerWithConfig(nil)
}

// NewSingleThreadTaskRunnerWithConfig is NewSingleThreadTaskRunner reporting
// panics and durations to the handlers in config.
func NewSingleThreadTaskRunnerWithConfig(config *TaskSchedulerConfig) *SingleThreadTaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		runnerMeta:   runnerMeta{id: nextRunnerID()},
		queue:        NewFIFOTaskQueue(),
		signal:       make(chan struct{}, 1),
		observer:     runnerObserver{metrics: &NilMetrics{}, logger: NewNoOpLogger()},
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
	}
	if config != nil {
		if config.Metrics != nil {
			r.observer.metrics = config.Metrics
		}
		r.observer.panicHandler = config.PanicHandler
		r.observer.rejected = config.RejectedTaskHandler
		if config.Logger != nil {
			r.observer.logger = config.Logger
		}
	}

	// Start the dedicated message loop
	go r.runLoop()

	return r
}

// ID returns the identity of this runner.
func (r *SingleThreadTaskRunner) ID() RunnerID {
	return r.id
}

// GetThreadPool returns nil because SingleThreadTaskRunner doesn't use a thread pool
func (r *SingleThreadTaskRunner) GetThreadPool() ThreadPool {
	return nil
}

// PostTask submits a task for execution
func (r *SingleThreadTaskRunner) PostTask(task Task) error {
	return r.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits submits a task with traits. Traits do not reorder tasks
// on this runner; they are reported to metrics.
func (r *SingleThreadTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) error {
	if task == nil {
		panic("SingleThreadTaskRunner: task must not be nil")
	}
	if r.closed.Load() {
		return r.reject(ErrRunnerClosed)
	}

	r.queue.Push(task, traits)
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

// PostDelayedTask submits a delayed task
func (r *SingleThreadTaskRunner) PostDelayedTask(task Task, delay time.Duration) error {
	return r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraits submits a delayed task with traits.
// Uses time.AfterFunc which is independent of any TaskScheduler,
// ensuring IO-related timers are not affected by scheduler load.
func (r *SingleThreadTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) error {
	if task == nil {
		panic("SingleThreadTaskRunner: task must not be nil")
	}
	if r.closed.Load() {
		return r.reject(ErrRunnerClosed)
	}

	time.AfterFunc(delay, func() {
		_ = r.PostTaskWithTraits(task, traits)
	})
	return nil
}

func (r *SingleThreadTaskRunner) reject(err error) error {
	r.noteRejected()
	return r.observer.reject(r.observabilityName("single_thread"), err)
}

// Shutdown marks the runner as closed and signals shutdown waiters.
// Unlike Stop(), this method does NOT wait for the runLoop to exit.
// This allows tasks to call Shutdown() from within themselves.
//
// After calling Shutdown():
// - WaitShutdown() will return
// - IsClosed() will return true
// - New tasks are rejected with ErrRunnerClosed
// - Queued tasks that have not started are dropped
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		close(r.shutdownChan)
	})
}

// IsClosed returns true if the runner has been stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop shuts the runner down and waits for the task in progress to finish.
// Must not be called from a task running on this runner.
func (r *SingleThreadTaskRunner) Stop() {
	r.Shutdown()
	r.once.Do(func() {
		<-r.stopped
	})
}

// runLoop is the core of this runner, it occupies a dedicated goroutine
func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped)
	defer r.queue.Clear()

	runCtx := context.WithValue(r.ctx, taskRunnerKey, r)

	for {
		for !r.closed.Load() {
			item, ok := r.queue.Pop()
			if !ok {
				break
			}
			r.running.Store(1)
			r.observer.runTask(runCtx, r.observabilityName("single_thread"), item)
			r.running.Store(0)
			r.noteFinished(time.Now())
		}

		select {
		case <-r.signal:
		case <-r.ctx.Done():
			return
		}
	}
}

// PendingTaskCount returns the number of queued tasks.
func (r *SingleThreadTaskRunner) PendingTaskCount() int {
	return r.queue.Len()
}

// Stats returns current observability data for this runner.
func (r *SingleThreadTaskRunner) Stats() RunnerStats {
	stats := RunnerStats{
		ID:      r.id,
		Name:    r.observabilityName("single_thread"),
		Type:    "single_thread",
		Pending: r.PendingTaskCount(),
		Running: int(r.running.Load()),
		Closed:  r.IsClosed(),
	}
	r.fillStats(&stats)
	return stats
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all currently queued tasks have completed execution.
// This is implemented by posting a barrier task and waiting for it to execute.
//
// Returns error if:
// - Context is cancelled or deadline exceeded
// - Runner is closed when WaitIdle is called
//
// Note: Tasks posted after WaitIdle is called are not waited for.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("wait idle: %w", ErrRunnerClosed)
	}

	done := make(chan struct{})
	if err := r.PostTask(func(context.Context) { close(done) }); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitShutdown blocks until Shutdown() is called on this runner.
//
// This is useful for waiting for the runner to be shut down, either by
// an external caller or by a task running on the runner itself.
//
// Example:
//
//	// Main thread waits until a timer handler decides to quit
//	timer.SetHandler(func(ctx context.Context) {
//	    if done() {
//	        mainRunner.Shutdown()
//	    }
//	})
//	mainRunner.WaitShutdown(context.Background())
func (r *SingleThreadTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
