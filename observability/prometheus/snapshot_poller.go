package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
	"github.com/llxisdsh/pb"
	prom "github.com/prometheus/client_golang/prometheus"
)

// RunnerSnapshotProvider provides current runner stats snapshots.
type RunnerSnapshotProvider interface {
	Stats() core.RunnerStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// TimerSnapshotProvider provides current timer stats snapshots.
type TimerSnapshotProvider interface {
	Stats() core.TimerStats
}

// SemaphoreSnapshotProvider provides current semaphore stats snapshots.
type SemaphoreSnapshotProvider interface {
	Stats() core.SemaphoreStats
}

// SnapshotPoller periodically exports Stats() snapshots of runners, pools,
// timers and semaphores into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	runners    pb.MapOf[string, RunnerSnapshotProvider]
	pools      pb.MapOf[string, PoolSnapshotProvider]
	timers     pb.MapOf[string, TimerSnapshotProvider]
	semaphores pb.MapOf[string, SemaphoreSnapshotProvider]

	runnerPending  *prom.GaugeVec
	runnerRunning  *prom.GaugeVec
	runnerRejected *prom.GaugeVec
	runnerClosed   *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolDelayed *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	timerRunning  *prom.GaugeVec
	timerInterval *prom.GaugeVec
	timerLatency  *prom.GaugeVec
	timerInFlight *prom.GaugeVec
	timerRejected *prom.GaugeVec

	semaphoreValue   *prom.GaugeVec
	semaphoreWaiters *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type gaugeSpec struct {
	target **prom.GaugeVec
	name   string
	help   string
	labels []string
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{interval: interval}
	runner := []string{"runner", "type"}
	pool := []string{"pool"}
	timer := []string{"timer"}
	sem := []string{"semaphore"}

	specs := []gaugeSpec{
		{&p.runnerPending, "runner_pending", "Number of pending tasks per runner.", runner},
		{&p.runnerRunning, "runner_running", "Number of running tasks per runner.", runner},
		{&p.runnerRejected, "runner_rejected_total", "Runner rejected task count snapshot.", runner},
		{&p.runnerClosed, "runner_closed", "Runner closed state (1=closed, 0=open).", runner},
		{&p.poolQueued, "pool_queued", "Queued tasks per pool.", pool},
		{&p.poolActive, "pool_active", "Active tasks per pool.", pool},
		{&p.poolDelayed, "pool_delayed", "Pending deadlines (delayed tasks and timers) per pool.", pool},
		{&p.poolWorkers, "pool_workers", "Worker count per pool.", pool},
		{&p.poolRunning, "pool_running", "Pool running state (1=running, 0=stopped).", pool},
		{&p.timerRunning, "timer_running", "Timer state (1=running, 0=otherwise).", timer},
		{&p.timerInterval, "timer_interval_seconds", "Configured timer interval.", timer},
		{&p.timerLatency, "timer_latency_seconds", "Configured timer leeway.", timer},
		{&p.timerInFlight, "timer_in_flight", "Submitted timer handlers that have not returned.", timer},
		{&p.timerRejected, "timer_rejected_total", "Timer firings rejected by the target queue.", timer},
		{&p.semaphoreValue, "semaphore_value", "Semaphore count; negative values are blocked waiters.", sem},
		{&p.semaphoreWaiters, "semaphore_waiters", "Goroutines blocked on the semaphore.", sem},
	}

	for _, spec := range specs {
		vec := prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "dispatch",
			Name:      spec.name,
			Help:      spec.help,
		}, spec.labels)
		registered, err := registerCollector(reg, vec)
		if err != nil {
			return nil, err
		}
		*spec.target = registered
	}
	return p, nil
}

// AddRunner adds or replaces a runner snapshot provider by name.
func (p *SnapshotPoller) AddRunner(name string, provider RunnerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.runners.Store(normalizeLabel(name, "runner"), provider)
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.pools.Store(normalizeLabel(name, "pool"), provider)
}

// AddTimer adds or replaces a timer snapshot provider by name.
func (p *SnapshotPoller) AddTimer(name string, provider TimerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.timers.Store(normalizeLabel(name, "timer"), provider)
}

// AddSemaphore adds or replaces a semaphore snapshot provider by name.
func (p *SnapshotPoller) AddSemaphore(name string, provider SemaphoreSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.semaphores.Store(normalizeLabel(name, "semaphore"), provider)
}

// RemoveTimer stops exporting the named timer and drops its series.
func (p *SnapshotPoller) RemoveTimer(name string) {
	if p == nil {
		return
	}
	name = normalizeLabel(name, "timer")
	p.timers.Delete(name)
	for _, vec := range []*prom.GaugeVec{p.timerRunning, p.timerInterval, p.timerLatency, p.timerInFlight, p.timerRejected} {
		vec.DeleteLabelValues(name)
	}
}

// Tracked returns how many providers of each kind are registered.
func (p *SnapshotPoller) Tracked() (runners, pools, timers, semaphores int) {
	return p.runners.Size(), p.pools.Size(), p.timers.Size(), p.semaphores.Size()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) collectOnce() {
	p.runners.Range(func(name string, provider RunnerSnapshotProvider) bool {
		stats := provider.Stats()
		typeLabel := normalizeLabel(stats.Type, "unknown")
		p.runnerPending.WithLabelValues(name, typeLabel).Set(float64(stats.Pending))
		p.runnerRunning.WithLabelValues(name, typeLabel).Set(float64(stats.Running))
		p.runnerRejected.WithLabelValues(name, typeLabel).Set(float64(stats.Rejected))
		p.runnerClosed.WithLabelValues(name, typeLabel).Set(boolGauge(stats.Closed))
		return true
	})

	p.pools.Range(func(name string, provider PoolSnapshotProvider) bool {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
		return true
	})

	p.timers.Range(func(name string, provider TimerSnapshotProvider) bool {
		stats := provider.Stats()
		p.timerRunning.WithLabelValues(name).Set(boolGauge(stats.State == core.TimerRunning))
		p.timerInterval.WithLabelValues(name).Set(stats.Interval.Seconds())
		p.timerLatency.WithLabelValues(name).Set(stats.Latency.Seconds())
		p.timerInFlight.WithLabelValues(name).Set(float64(stats.InFlight))
		p.timerRejected.WithLabelValues(name).Set(float64(stats.Rejected))
		return true
	})

	p.semaphores.Range(func(name string, provider SemaphoreSnapshotProvider) bool {
		stats := provider.Stats()
		p.semaphoreValue.WithLabelValues(name).Set(float64(stats.Value))
		p.semaphoreWaiters.WithLabelValues(name).Set(float64(stats.Waiters))
		return true
	})
}
