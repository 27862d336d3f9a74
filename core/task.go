package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// Runnable is the host-side callable shape (a type with a single Run entry point).
// Adapters use RunnableTask to turn it into a Task.
type Runnable interface {
	Run()
}

// RunnableTask adapts a Runnable to a Task.
func RunnableTask(r Runnable) Task {
	if r == nil {
		panic("RunnableTask: runnable must not be nil")
	}
	return func(ctx context.Context) {
		r.Run()
	}
}

// =============================================================================
// TaskTraits: Define task attributes (priority, blocking behavior, etc.)
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityBestEffort: Lowest priority
	TaskPriorityBestEffort TaskPriority = iota

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserBlocking: Highest priority
	// Timer handlers that drive user-visible state usually want this.
	TaskPriorityUserBlocking
)

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityBestEffort:
		return "best_effort"
	case TaskPriorityUserVisible:
		return "user_visible"
	case TaskPriorityUserBlocking:
		return "user_blocking"
	default:
		return "unknown"
	}
}

type TaskTraits struct {
	Priority TaskPriority
	MayBlock bool
	Category string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

func TraitsUserVisible() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRunnerClosed is returned when posting to a runner after Shutdown.
	ErrRunnerClosed = errors.New("task runner is closed")

	// ErrSchedulerShutdown is returned when the thread pool behind a runner
	// no longer accepts work.
	ErrSchedulerShutdown = errors.New("task scheduler is shutting down")

	// ErrTimerTerminated is returned by timer operations on a fired single-shot
	// or cancelled timer.
	ErrTimerTerminated = errors.New("timer is in a terminal state")
)

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================

// RunnerID identifies a task runner for equality and rebinding checks.
type RunnerID uint64

var runnerIDSeq atomic.Uint64

func nextRunnerID() RunnerID {
	return RunnerID(runnerIDSeq.Add(1))
}

// TaskRunner is an ordered execution context (a queue).
//
// Post methods must not block waiting for a worker: timers submit from the
// DelayManager goroutine while holding their own lock.
type TaskRunner interface {
	PostTask(task Task) error
	PostTaskWithTraits(task Task, traits TaskTraits) error
	PostDelayedTask(task Task, delay time.Duration) error
	PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) error

	// ID is stable for the lifetime of the runner.
	ID() RunnerID
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}

type currentTimerKeyType struct{}

var currentTimerKey currentTimerKeyType

// CurrentTimer returns the timer whose handler is executing in ctx's call chain,
// or nil outside any timer handler.
func CurrentTimer(ctx context.Context) *Timer {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(currentTimerKey); v != nil {
		return v.(*Timer)
	}
	return nil
}
