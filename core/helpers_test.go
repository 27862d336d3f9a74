package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	dispatch "github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
)

// recordingMetrics captures the timer, semaphore and rejection calls.
type recordingMetrics struct {
	core.NilMetrics

	mu        sync.Mutex
	fired     []time.Duration
	missed    int
	rejected  []string
	waits     []time.Duration
	timeouts  int
	panics    int
	durations int
}

func (m *recordingMetrics) RecordTaskDuration(string, core.TaskPriority, time.Duration) {
	m.mu.Lock()
	m.durations++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTaskPanic(string, any) {
	m.mu.Lock()
	m.panics++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTaskRejected(name string, reason string) {
	m.mu.Lock()
	m.rejected = append(m.rejected, name)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTimerFired(name string, lateness time.Duration) {
	m.mu.Lock()
	m.fired = append(m.fired, lateness)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTimerMissed(name string, missed int) {
	m.mu.Lock()
	m.missed += missed
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordSemaphoreWait(name string, waited time.Duration, acquired bool) {
	m.mu.Lock()
	m.waits = append(m.waits, waited)
	if !acquired {
		m.timeouts++
	}
	m.mu.Unlock()
}

func (m *recordingMetrics) snapshot() (fired int, rejected int, timeouts int, panics int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fired), len(m.rejected), m.timeouts, m.panics
}

// newTestPool starts a FIFO pool logging to t and stops it on cleanup.
func newTestPool(t *testing.T, workers int, metrics core.Metrics) *dispatch.GoroutineThreadPool {
	t.Helper()
	logger := core.NewZapLogger(zaptest.NewLogger(t))
	if metrics == nil {
		metrics = &core.NilMetrics{}
	}
	pool := dispatch.NewGoroutineThreadPoolWithConfig(t.Name(), workers, &core.TaskSchedulerConfig{
		PanicHandler:        &core.DefaultPanicHandler{Logger: logger},
		Metrics:             metrics,
		RejectedTaskHandler: &core.DefaultRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	})
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	return pool
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
