package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// This allows custom panic handling, logging, and recovery strategies.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (may contain task runner info)
	// - runnerName: The name of the task runner where the panic occurred
	// - workerID: The ID of the worker (for thread pool workers, -1 for single-threaded runners)
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs panic information at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	fields := []Field{
		F("runner", runnerName),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	}
	if workerID >= 0 {
		fields = append(fields, F("worker", workerID))
	}
	logger.Error("task panicked", fields...)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast: RecordTimerFired runs on the
// DelayManager goroutine and RecordSemaphoreWait on the acquiring goroutine.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(runnerName string, priority TaskPriority, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(runnerName string, panicInfo any)

	// RecordQueueDepth records the current queue depth.
	RecordQueueDepth(runnerName string, depth int)

	// RecordTaskRejected records that a task was rejected (e.g., during shutdown).
	RecordTaskRejected(runnerName string, reason string)

	// RecordTimerFired records a timer firing and how late it was submitted
	// relative to its scheduled deadline.
	RecordTimerFired(timerName string, lateness time.Duration)

	// RecordTimerMissed records deadlines that were skipped because the
	// timer fell behind by whole intervals.
	RecordTimerMissed(timerName string, missed int)

	// RecordSemaphoreWait records how long an acquirer blocked and whether it
	// ended up owning a unit.
	RecordSemaphoreWait(semaphoreName string, waited time.Duration, acquired bool)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordTaskDuration is a no-op.
func (m *NilMetrics) RecordTaskDuration(runnerName string, priority TaskPriority, duration time.Duration) {
}

// RecordTaskPanic is a no-op.
func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any) {
}

// RecordQueueDepth is a no-op.
func (m *NilMetrics) RecordQueueDepth(runnerName string, depth int) {
}

// RecordTaskRejected is a no-op.
func (m *NilMetrics) RecordTaskRejected(runnerName string, reason string) {
}

// RecordTimerFired is a no-op.
func (m *NilMetrics) RecordTimerFired(timerName string, lateness time.Duration) {
}

// RecordTimerMissed is a no-op.
func (m *NilMetrics) RecordTimerMissed(timerName string, missed int) {
}

// RecordSemaphoreWait is a no-op.
func (m *NilMetrics) RecordSemaphoreWait(semaphoreName string, waited time.Duration, acquired bool) {
}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a task is rejected by the scheduler.
// This can happen when:
// - The scheduler is shutting down
// - A timer tries to submit to a closed queue
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	// HandleRejectedTask is called when a task is rejected.
	HandleRejectedTask(runnerName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at warn level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(runnerName string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Warn("task rejected", F("runner", runnerName), F("reason", reason))
}

// =============================================================================
// TaskSchedulerConfig: Configuration for TaskScheduler
// =============================================================================

// TaskSchedulerConfig holds configuration options for TaskScheduler.
// All handlers are optional; if not provided, default implementations will be used.
type TaskSchedulerConfig struct {
	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger is shared by the scheduler, its DelayManager and the timers
	// armed on it. Defaults to NewDefaultLogger().
	Logger Logger
}

// DefaultTaskSchedulerConfig returns a config with default handlers.
func DefaultTaskSchedulerConfig() *TaskSchedulerConfig {
	logger := NewDefaultLogger()
	return &TaskSchedulerConfig{
		PanicHandler:        &DefaultPanicHandler{Logger: logger},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	}
}

// =============================================================================
// ThreadPool: Execution engine shared by runners
// =============================================================================

// ThreadPool executes tasks on worker goroutines and owns the DelayManager
// used for delayed tasks and timers.
type ThreadPool interface {
	// PostInternal enqueues a ready task. It fails with ErrSchedulerShutdown
	// once the pool stopped accepting work.
	PostInternal(task Task, traits TaskTraits) error

	// DelayManager returns the deadline scheduler of this pool.
	DelayManager() *DelayManager

	ID() string
	IsRunning() bool
	WorkerCount() int
	QueuedTaskCount() int
	ActiveTaskCount() int
	DelayedTaskCount() int
}

// schedulerProvider is implemented by pools that expose their TaskScheduler
// so runners can reach the configured handlers.
type schedulerProvider interface {
	GetScheduler() *TaskScheduler
}

func poolMetrics(pool ThreadPool) Metrics {
	if sp, ok := pool.(schedulerProvider); ok {
		if s := sp.GetScheduler(); s != nil {
			return s.GetMetrics()
		}
	}
	return &NilMetrics{}
}

func poolPanicHandler(pool ThreadPool) PanicHandler {
	if sp, ok := pool.(schedulerProvider); ok {
		if s := sp.GetScheduler(); s != nil {
			return s.GetPanicHandler()
		}
	}
	return nil
}

func poolShuttingDown(pool ThreadPool) bool {
	if sp, ok := pool.(schedulerProvider); ok {
		if s := sp.GetScheduler(); s != nil {
			return s.IsShuttingDown()
		}
	}
	return false
}

func poolLogger(pool ThreadPool) Logger {
	if sp, ok := pool.(schedulerProvider); ok {
		if s := sp.GetScheduler(); s != nil {
			return s.GetLogger()
		}
	}
	return NewNoOpLogger()
}

func poolRejectedTaskHandler(pool ThreadPool) RejectedTaskHandler {
	if sp, ok := pool.(schedulerProvider); ok {
		if s := sp.GetScheduler(); s != nil {
			return s.GetRejectedTaskHandler()
		}
	}
	return nil
}
