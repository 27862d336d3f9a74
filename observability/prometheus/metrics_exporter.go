package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-dispatch/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64

	// LatenessBuckets are used for timer lateness and semaphore wait
	// histograms. Defaults to LatenessBuckets.
	LatenessBuckets []float64
}

// LatenessBuckets span 100µs to ~1.6s.
var LatenessBuckets = prom.ExponentialBuckets(0.0001, 2, 15)

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec

	timerLatenessSeconds *prom.HistogramVec
	timerFiredTotal      *prom.CounterVec
	timerMissedTotal     *prom.CounterVec
	semaphoreWaitSeconds *prom.HistogramVec
	semaphoreTimeouts    *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "dispatch"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"runner", "priority"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"runner"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of rejected tasks.",
	}, []string{"runner", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current queue depth.",
	}, []string{"runner"})

	latBuckets := opts.LatenessBuckets
	if len(latBuckets) == 0 {
		latBuckets = LatenessBuckets
	}
	latenessVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "timer_lateness_seconds",
		Help:      "Delay between a timer deadline and the submission of its handler.",
		Buckets:   latBuckets,
	}, []string{"timer"})
	firedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "timer_fired_total",
		Help:      "Total number of timer handlers submitted to their queue.",
	}, []string{"timer"})
	missedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "timer_missed_total",
		Help:      "Total number of timer deadlines skipped because the timer fell behind.",
	}, []string{"timer"})
	semWaitVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "semaphore_wait_seconds",
		Help:      "Time spent blocked acquiring a semaphore.",
		Buckets:   latBuckets,
	}, []string{"semaphore"})
	semTimeoutVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "semaphore_timeout_total",
		Help:      "Total number of semaphore acquires that gave up.",
	}, []string{"semaphore"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}

	if latenessVec, err = registerCollector(reg, latenessVec); err != nil {
		return nil, err
	}
	if firedVec, err = registerCollector(reg, firedVec); err != nil {
		return nil, err
	}
	if missedVec, err = registerCollector(reg, missedVec); err != nil {
		return nil, err
	}
	if semWaitVec, err = registerCollector(reg, semWaitVec); err != nil {
		return nil, err
	}
	if semTimeoutVec, err = registerCollector(reg, semTimeoutVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds:  durationVec,
		taskPanicTotal:       panicVec,
		taskRejectedTotal:    rejectedVec,
		queueDepth:           queueDepthVec,
		timerLatenessSeconds: latenessVec,
		timerFiredTotal:      firedVec,
		timerMissedTotal:     missedVec,
		semaphoreWaitSeconds: semWaitVec,
		semaphoreTimeouts:    semTimeoutVec,
	}, nil
}

// RecordTaskDuration records task execution duration.
func (m *MetricsExporter) RecordTaskDuration(runnerName string, priority core.TaskPriority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(runnerName, "unknown"), priorityLabel(priority)).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(runnerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(runnerName, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(runnerName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(runnerName, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(runnerName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(runnerName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordTimerFired records a timer firing and its lateness.
func (m *MetricsExporter) RecordTimerFired(timerName string, lateness time.Duration) {
	if m == nil {
		return
	}
	name := normalizeLabel(timerName, "timer")
	m.timerFiredTotal.WithLabelValues(name).Inc()
	m.timerLatenessSeconds.WithLabelValues(name).Observe(lateness.Seconds())
}

// RecordTimerMissed records skipped timer deadlines.
func (m *MetricsExporter) RecordTimerMissed(timerName string, missed int) {
	if m == nil || missed <= 0 {
		return
	}
	m.timerMissedTotal.WithLabelValues(normalizeLabel(timerName, "timer")).Add(float64(missed))
}

// RecordSemaphoreWait records a blocking acquire.
func (m *MetricsExporter) RecordSemaphoreWait(semaphoreName string, waited time.Duration, acquired bool) {
	if m == nil {
		return
	}
	name := normalizeLabel(semaphoreName, "semaphore")
	m.semaphoreWaitSeconds.WithLabelValues(name).Observe(waited.Seconds())
	if !acquired {
		m.semaphoreTimeouts.WithLabelValues(name).Inc()
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func priorityLabel(priority core.TaskPriority) string {
	return priority.String()
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
