package dispatch

import "github.com/Swind/go-dispatch/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the dispatch package for most use cases.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskTraits defines task attributes (priority, blocking behavior, etc.)
type TaskTraits = core.TaskTraits

// TaskPriority defines the priority levels for tasks
type TaskPriority = core.TaskPriority

// TaskRunner is the queue abstraction tasks and timers are submitted to
type TaskRunner = core.TaskRunner

// RunnerID identifies a TaskRunner
type RunnerID = core.RunnerID

// SequencedTaskRunner is a serial queue on the thread pool
type SequencedTaskRunner = core.SequencedTaskRunner

// SingleThreadTaskRunner ensures all tasks execute on the same dedicated goroutine
type SingleThreadTaskRunner = core.SingleThreadTaskRunner

// ParallelTaskRunner is a concurrent queue on the thread pool
type ParallelTaskRunner = core.ParallelTaskRunner

// Timer submits a handler to a queue at a fixed interval
type Timer = core.Timer

type TimerState = core.TimerState

// Semaphore is a counting semaphore
type Semaphore = core.Semaphore

// Priority constants
const (
	TaskPriorityBestEffort   TaskPriority = core.TaskPriorityBestEffort
	TaskPriorityUserVisible  TaskPriority = core.TaskPriorityUserVisible
	TaskPriorityUserBlocking TaskPriority = core.TaskPriorityUserBlocking
)

const (
	TimerStopped   = core.TimerStopped
	TimerRunning   = core.TimerRunning
	TimerFired     = core.TimerFired
	TimerCancelled = core.TimerCancelled
)

// Convenience functions for creating TaskTraits
var (
	DefaultTaskTraits  = core.DefaultTaskTraits
	TraitsUserBlocking = core.TraitsUserBlocking
	TraitsBestEffort   = core.TraitsBestEffort
	TraitsUserVisible  = core.TraitsUserVisible
)

// Errors
var (
	ErrRunnerClosed      = core.ErrRunnerClosed
	ErrSchedulerShutdown = core.ErrSchedulerShutdown
	ErrTimerTerminated   = core.ErrTimerTerminated
)

// NewSequencedTaskRunner creates a new SequencedTaskRunner with the given thread pool.
// This is re-exported for advanced users who want to create runners with custom pools.
func NewSequencedTaskRunner(pool ThreadPool) *SequencedTaskRunner {
	return core.NewSequencedTaskRunner(pool)
}

// NewSingleThreadTaskRunner creates a new SingleThreadTaskRunner with a dedicated goroutine.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunner()
}

// NewParallelTaskRunner creates a concurrent queue with the given concurrency limit.
func NewParallelTaskRunner(pool ThreadPool, maxConcurrency int) *ParallelTaskRunner {
	return core.NewParallelTaskRunner(pool, maxConcurrency)
}

// NewSemaphore creates a counting semaphore. A negative initial value panics.
func NewSemaphore(initial int64) *Semaphore {
	return core.NewSemaphore(initial)
}

// ThreadPool is re-exported for type compatibility
type ThreadPool = core.ThreadPool

// GetCurrentTaskRunner retrieves the current TaskRunner from context
var GetCurrentTaskRunner = core.GetCurrentTaskRunner

// CurrentTimer returns the timer whose handler is running in ctx, or nil
var CurrentTimer = core.CurrentTimer
