package core

import (
	"context"
	"runtime/debug"
	"sync"
	"time"
)

// runnerObserver bundles the handlers a runner reports to. It is resolved once
// from the runner's pool.
type runnerObserver struct {
	metrics      Metrics
	panicHandler PanicHandler
	rejected     RejectedTaskHandler
	logger       Logger
}

func observerFor(pool ThreadPool) runnerObserver {
	o := runnerObserver{metrics: &NilMetrics{}, logger: NewNoOpLogger()}
	if pool != nil {
		o.metrics = poolMetrics(pool)
		o.panicHandler = poolPanicHandler(pool)
		o.rejected = poolRejectedTaskHandler(pool)
		o.logger = poolLogger(pool)
	}
	return o
}

// reject reports a refused post and returns err unchanged.
func (o runnerObserver) reject(runnerName string, err error) error {
	o.logger.Debug("post rejected", F("runner", runnerName), F("error", err))
	o.metrics.RecordTaskRejected(runnerName, err.Error())
	if o.rejected != nil {
		o.rejected.HandleRejectedTask(runnerName, err.Error())
	}
	return err
}

// runTask executes item with panic recovery and duration reporting. It
// reports whether the task returned normally.
func (o runnerObserver) runTask(ctx context.Context, runnerName string, item TaskItem) (ok bool) {
	start := time.Now()
	defer func() {
		o.metrics.RecordTaskDuration(runnerName, item.Traits.Priority, time.Since(start))
		if rec := recover(); rec != nil {
			ok = false
			o.metrics.RecordTaskPanic(runnerName, rec)
			if o.panicHandler != nil {
				o.panicHandler.HandlePanic(ctx, runnerName, -1, rec, debug.Stack())
			}
		}
	}()
	item.Task(ctx)
	return true
}

// runnerMeta holds the name and bookkeeping common to every runner.
type runnerMeta struct {
	id         RunnerID
	mu         sync.Mutex
	name       string
	rejected   int64
	lastTaskAt time.Time
}

func (m *runnerMeta) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *runnerMeta) SetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

func (m *runnerMeta) observabilityName(fallback string) string {
	if name := m.Name(); name != "" {
		return name
	}
	return fallback
}

func (m *runnerMeta) noteRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func (m *runnerMeta) noteFinished(at time.Time) {
	m.mu.Lock()
	m.lastTaskAt = at
	m.mu.Unlock()
}

func (m *runnerMeta) fillStats(stats *RunnerStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats.Rejected = m.rejected
	stats.LastTaskAt = m.lastTaskAt
}
