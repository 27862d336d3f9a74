package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SequencedTaskRunner is a serial queue on top of a shared ThreadPool.
// Tasks run one at a time in posting order, possibly on different workers.
type SequencedTaskRunner struct {
	runnerMeta

	threadPool    ThreadPool
	observer      runnerObserver
	queue         TaskQueue
	mu            sync.Mutex
	isRunning     bool
	activeRunners atomic.Int32 // guard for the one-loop-at-a-time assertion
	closed        atomic.Bool
}

var _ TaskRunner = (*SequencedTaskRunner)(nil)

func NewSequencedTaskRunner(threadPool ThreadPool) *SequencedTaskRunner {
	if threadPool == nil {
		panic("SequencedTaskRunner: threadPool must not be nil")
	}
	return &SequencedTaskRunner{
		runnerMeta: runnerMeta{id: nextRunnerID()},
		threadPool: threadPool,
		observer:   observerFor(threadPool),
		queue:      NewFIFOTaskQueue(),
	}
}

// ID returns the identity of this runner.
func (r *SequencedTaskRunner) ID() RunnerID {
	return r.id
}

// GetThreadPool returns the pool the runner executes on.
func (r *SequencedTaskRunner) GetThreadPool() ThreadPool {
	return r.threadPool
}

// PostTask submits task (using default Traits)
func (r *SequencedTaskRunner) PostTask(task Task) error {
	return r.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits submits task with traits
func (r *SequencedTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) error {
	if task == nil {
		panic("SequencedTaskRunner: task must not be nil")
	}
	if r.closed.Load() {
		return r.reject(ErrRunnerClosed)
	}
	if poolShuttingDown(r.threadPool) {
		return r.reject(ErrSchedulerShutdown)
	}
	r.queue.Push(task, traits)
	return r.scheduleRunLoop(traits)
}

func (r *SequencedTaskRunner) PostDelayedTask(task Task, delay time.Duration) error {
	return r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

func (r *SequencedTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) error {
	if r.closed.Load() {
		return r.reject(ErrRunnerClosed)
	}
	return r.threadPool.DelayManager().AddDelayedTask(task, delay, traits, r)
}

// scheduleRunLoop starts runLoop (if not already running)
func (r *SequencedTaskRunner) scheduleRunLoop(traits TaskTraits) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = true
	r.mu.Unlock()

	if err := r.threadPool.PostInternal(r.runLoop, traits); err != nil {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
		return r.reject(fmt.Errorf("sequenced runner %d: %w", r.id, err))
	}
	return nil
}

func (r *SequencedTaskRunner) reject(err error) error {
	r.noteRejected()
	return r.observer.reject(r.observabilityName("sequenced"), err)
}

// runLoop executes a single task then yields back to the pool.
func (r *SequencedTaskRunner) runLoop(ctx context.Context) {
	if n := r.activeRunners.Add(1); n > 1 {
		panic(fmt.Sprintf("SequencedTaskRunner: concurrent runLoop detected (count=%d)", n))
	}

	if item, ok := r.queue.Pop(); ok {
		runCtx := context.WithValue(ctx, taskRunnerKey, r)
		r.observer.runTask(runCtx, r.observabilityName("sequenced"), item)
		r.noteFinished(time.Now())
	}

	// Leave the loop before reposting so the next runLoop never overlaps this one.
	r.activeRunners.Add(-1)

	r.mu.Lock()
	if r.closed.Load() || r.queue.IsEmpty() {
		r.isRunning = false
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	nextTraits, _ := r.queue.PeekTraits()
	if err := r.threadPool.PostInternal(r.runLoop, nextTraits); err != nil {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
	}
}

// Shutdown marks the runner closed and drops queued tasks.
// A task that is currently executing runs to completion.
func (r *SequencedTaskRunner) Shutdown() {
	r.closed.Store(true)
	r.queue.Clear()
}

// IsClosed returns true if the runner has been shut down.
func (r *SequencedTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// PendingTaskCount returns the number of queued tasks.
func (r *SequencedTaskRunner) PendingTaskCount() int {
	return r.queue.Len()
}

// WaitIdle blocks until every task posted before the call has run.
func (r *SequencedTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("wait idle: %w", ErrRunnerClosed)
	}

	done := make(chan struct{})
	if err := r.PostTaskWithTraits(func(context.Context) { close(done) }, TraitsUserBlocking()); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current observability data for this runner.
func (r *SequencedTaskRunner) Stats() RunnerStats {
	stats := RunnerStats{
		ID:      r.id,
		Name:    r.observabilityName("sequenced"),
		Type:    "sequenced",
		Pending: r.PendingTaskCount(),
		Running: int(r.activeRunners.Load()),
		Closed:  r.IsClosed(),
	}
	r.fillStats(&stats)
	return stats
}
