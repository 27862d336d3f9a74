package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TimerState is the lifecycle state of a Timer.
type TimerState int32

const (
	// TimerStopped: no deadline pending. Initial state.
	TimerStopped TimerState = iota

	// TimerRunning: a deadline is armed on the DelayManager.
	TimerRunning

	// TimerFired: a single-shot timer submitted its handler. Terminal.
	TimerFired

	// TimerCancelled: Cancel was called. Terminal.
	TimerCancelled
)

func (s TimerState) String() string {
	switch s {
	case TimerStopped:
		return "stopped"
	case TimerRunning:
		return "running"
	case TimerFired:
		return "fired"
	case TimerCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var timerIDSeq atomic.Uint64

// Timer submits a handler to a TaskRunner at a fixed interval.
//
// Deadlines are tracked by the DelayManager goroutine, which only hands the
// handler to the target queue; the handler itself runs wherever that queue
// runs its tasks. Repeating timers rearm at previous deadline + interval, so
// execution delays never accumulate into drift.
//
// All methods are safe for concurrent use, including from the timer's own
// handler.
type Timer struct {
	id uint64
	dm *DelayManager

	mu         sync.Mutex
	name       string
	interval   time.Duration
	latency    time.Duration
	traits     TaskTraits
	queue      TaskRunner
	handler    Task
	state      TimerState
	singleShot bool

	// entry is the armed deadline; armedQueue is the queue it will submit to.
	entry      *delayEntry
	armedQueue TaskRunner

	fired    int64
	missed   int64
	rejected int64
	history  firingHistory

	inflight  sync.WaitGroup
	inflightN atomic.Int32
}

// NewTimer creates a stopped timer that submits to queue every interval once
// started. interval must be positive and queue non-nil.
func NewTimer(dm *DelayManager, interval time.Duration, queue TaskRunner) *Timer {
	if dm == nil {
		panic("Timer: delay manager must not be nil")
	}
	if interval <= 0 {
		panic(fmt.Sprintf("Timer: interval must be positive, got %v", interval))
	}
	if queue == nil {
		panic("Timer: queue must not be nil")
	}
	return &Timer{
		id:       timerIDSeq.Add(1),
		dm:       dm,
		interval: interval,
		traits:   DefaultTaskTraits(),
		queue:    queue,
		history:  newFiringHistory(defaultFiringHistoryCapacity),
	}
}

// NewTimerFromMillis is NewTimer with the interval given in milliseconds.
func NewTimerFromMillis(dm *DelayManager, msec int, queue TaskRunner) *Timer {
	return NewTimer(dm, time.Duration(msec)*time.Millisecond, queue)
}

// SingleShot submits task to queue once, after delay. The timer behind it is
// owned by the DelayManager and released after firing.
func SingleShot(dm *DelayManager, delay time.Duration, queue TaskRunner, task Task) error {
	return SingleShotAt(dm, time.Now().Add(delay), queue, task)
}

// SingleShotAt submits task to queue once, at deadline. A deadline in the past
// fires as soon as possible.
func SingleShotAt(dm *DelayManager, deadline time.Time, queue TaskRunner, task Task) error {
	if dm == nil {
		panic("SingleShot: delay manager must not be nil")
	}
	if queue == nil {
		panic("SingleShot: queue must not be nil")
	}
	if task == nil {
		panic("SingleShot: task must not be nil")
	}

	t := &Timer{
		id:         timerIDSeq.Add(1),
		dm:         dm,
		name:       "single-shot",
		traits:     DefaultTaskTraits(),
		queue:      queue,
		handler:    task,
		singleShot: true,
		history:    newFiringHistory(1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.armLocked(deadline); err != nil {
		return fmt.Errorf("single shot: %w", err)
	}
	t.state = TimerRunning
	return nil
}

// ID returns a process-unique identifier.
func (t *Timer) ID() uint64 {
	return t.id
}

// Equal reports whether t and other are the same timer.
func (t *Timer) Equal(other *Timer) bool {
	return t == other
}

func (t *Timer) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName labels the timer in logs and metrics.
func (t *Timer) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

// SetInterval changes the period. A pending deadline is kept; the new interval
// is used from the next rearm.
func (t *Timer) SetInterval(interval time.Duration) {
	if interval <= 0 {
		panic(fmt.Sprintf("Timer: interval must be positive, got %v", interval))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
}

func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetTargetQueue rebinds the timer. A firing already armed still submits to
// the previous queue; later firings use queue.
func (t *Timer) SetTargetQueue(queue TaskRunner) {
	if queue == nil {
		panic("Timer: queue must not be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = queue
}

func (t *Timer) TargetQueue() TaskRunner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue
}

// SetHandler replaces the task submitted on each firing. Executions already
// submitted keep the handler they were submitted with.
func (t *Timer) SetHandler(task Task) {
	if task == nil {
		panic("Timer: handler must not be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = task
}

// SetRunnableHandler is SetHandler for a Runnable.
func (t *Timer) SetRunnableHandler(r Runnable) {
	t.SetHandler(RunnableTask(r))
}

// SetLatency sets how much later than its deadline a firing may be delivered
// so the DelayManager can coalesce wakeups. Zero asks for the most precise
// delivery. A repeating timer uses at most half its interval. Takes effect
// from the next arm.
func (t *Timer) SetLatency(leeway time.Duration) {
	if leeway < 0 {
		panic(fmt.Sprintf("Timer: latency must not be negative, got %v", leeway))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = leeway
}

func (t *Timer) Latency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latency
}

// SetTraits sets the traits the handler is posted with.
func (t *Timer) SetTraits(traits TaskTraits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traits = traits
}

func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Timer) IsRunning() bool {
	return t.State() == TimerRunning
}

// Start arms the first deadline at now + interval. Starting a running timer
// does nothing. It returns ErrTimerTerminated after Cancel and
// ErrSchedulerShutdown when the DelayManager has stopped, in which case a
// timer that was running is left Stopped.
func (t *Timer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TimerRunning && t.dm.IsStopped() {
		// The DelayManager dropped the pending entry when it stopped.
		t.entry = nil
		t.armedQueue = nil
		t.state = TimerStopped
	}

	switch t.state {
	case TimerRunning:
		return nil
	case TimerFired, TimerCancelled:
		return ErrTimerTerminated
	}

	if err := t.armLocked(time.Now().Add(t.interval)); err != nil {
		return fmt.Errorf("timer %d: %w", t.id, err)
	}
	t.state = TimerRunning
	return nil
}

// Stop cancels the pending deadline. Once Stop returns no further firing is
// submitted; a handler already submitted still runs.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerRunning {
		return
	}
	t.disarmLocked()
	t.state = TimerStopped
}

// Cancel stops the timer for good and waits until every submitted handler
// has returned or ctx is done. Called from the timer's own handler it does not
// wait, since that handler is one of those in flight.
func (t *Timer) Cancel(ctx context.Context) error {
	t.mu.Lock()
	if t.state == TimerRunning {
		t.disarmLocked()
	}
	t.state = TimerCancelled
	t.mu.Unlock()

	if CurrentTimer(ctx) == t {
		return nil
	}

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the timer.
func (t *Timer) Stats() TimerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TimerStats{
		ID:       t.id,
		Name:     t.name,
		State:    t.state,
		Interval: t.interval,
		Latency:  t.latency,
		Fired:    t.fired,
		Missed:   t.missed,
		Rejected: t.rejected,
		InFlight: int(t.inflightN.Load()),
	}
	if t.queue != nil {
		stats.QueueID = t.queue.ID()
	}
	if t.entry != nil {
		stats.NextDeadline = t.entry.deadline
	}
	return stats
}

// RecentFirings returns up to limit firings, newest first. limit <= 0 returns
// all retained records.
func (t *Timer) RecentFirings(limit int) []FiringRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.recent(limit)
}

func (t *Timer) String() string {
	st := t.Stats()
	return fmt.Sprintf("Timer(%d %s interval=%v state=%s)", st.ID, st.Name, st.Interval, st.State)
}

// armLocked schedules a deadline and binds the firing to the current queue.
func (t *Timer) armLocked(deadline time.Time) error {
	e := &delayEntry{
		deadline: deadline,
		leeway:   t.leewayLocked(),
		index:    -1,
	}
	e.fire = func(now time.Time) { t.fire(e, now) }
	if err := t.dm.arm(e); err != nil {
		return err
	}
	// fire blocks on t.mu until entry is published below.
	t.entry = e
	t.armedQueue = t.queue
	return nil
}

// leewayLocked caps the latency of a repeating timer at interval/2 so a
// delivery pushed to the end of its window stays ahead of the next deadline.
func (t *Timer) leewayLocked() time.Duration {
	if t.singleShot {
		return t.latency
	}
	if limit := t.interval / 2; t.latency > limit {
		return limit
	}
	return t.latency
}

func (t *Timer) disarmLocked() {
	if t.entry != nil {
		t.dm.disarm(t.entry)
		t.entry = nil
	}
	t.armedQueue = nil
}

// fire runs on the DelayManager goroutine when e expires.
func (t *Timer) fire(e *delayEntry, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Stopped, cancelled or rearmed since e was popped.
	if t.entry != e || t.state != TimerRunning {
		return
	}
	queue := t.armedQueue
	t.entry = nil
	t.armedQueue = nil

	submitted := t.submitLocked(queue, e.deadline, now)

	if t.singleShot {
		if submitted {
			t.state = TimerFired
		} else {
			t.state = TimerStopped
		}
		return
	}

	next := e.deadline.Add(t.interval)
	if !next.After(now) {
		skipped := int64(now.Sub(next)/t.interval) + 1
		next = next.Add(time.Duration(skipped) * t.interval)
		t.missed += skipped
		t.dm.metrics.RecordTimerMissed(t.metricName(), int(skipped))
	}
	if err := t.armLocked(next); err != nil {
		t.dm.logger.Warn("timer stopped: rearm failed",
			F("timer", t.metricName()), F("id", t.id), F("error", err))
		t.state = TimerStopped
	}
}

// submitLocked posts the current handler to queue. It reports whether the
// queue accepted it.
func (t *Timer) submitLocked(queue TaskRunner, deadline, now time.Time) bool {
	handler := t.handler
	if handler == nil || queue == nil {
		return true
	}

	t.inflight.Add(1)
	t.inflightN.Add(1)
	wrapped := func(ctx context.Context) {
		defer t.inflight.Done()
		defer t.inflightN.Add(-1)
		handler(context.WithValue(ctx, currentTimerKey, t))
	}

	record := FiringRecord{
		Deadline:    deadline,
		SubmittedAt: now,
		Lateness:    now.Sub(deadline),
		QueueID:     queue.ID(),
	}

	if err := queue.PostTaskWithTraits(wrapped, t.traits); err != nil {
		t.inflightN.Add(-1)
		t.inflight.Done()
		t.rejected++
		record.Rejected = true
		t.history.add(record)

		// The queue reports the rejection to the pool's handlers itself.
		t.dm.logger.Warn("timer firing rejected by queue",
			F("timer", t.metricName()), F("id", t.id), F("queue", queue.ID()), F("error", err))
		return false
	}

	t.fired++
	t.history.add(record)
	t.dm.metrics.RecordTimerFired(t.metricName(), record.Lateness)
	return true
}

func (t *Timer) metricName() string {
	if t.name == "" {
		return "timer"
	}
	return t.name
}
