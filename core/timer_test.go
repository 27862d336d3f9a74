package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dispatch "github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
)

// TestTimer_RepeatsWithoutDrift checks a 100ms timer over about one second
// Given: A running 100ms timer with zero latency
// When: It is observed for 1005ms
// Then: About ten firings are submitted and their deadlines stay on the
// start + k*interval grid
func TestTimer_RepeatsWithoutDrift(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 4, nil)
	runner := core.NewSequencedTaskRunner(pool)
	const interval = 100 * time.Millisecond

	var count atomic.Int32
	timer := pool.NewTimer(interval, runner)
	timer.SetHandler(func(ctx context.Context) {
		count.Add(1)
		// Slow handlers must not push later deadlines back.
		time.Sleep(15 * time.Millisecond)
	})

	// Act
	start := time.Now()
	if err := timer.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(1005 * time.Millisecond)
	timer.Stop()

	// Assert
	records := timer.RecentFirings(0)
	if n := len(records); n < 9 || n > 11 {
		t.Fatalf("firings = %d, want about 10", n)
	}
	oldest := records[len(records)-1]
	if d := oldest.Deadline.Sub(start); d < interval || d > interval+50*time.Millisecond {
		t.Errorf("first deadline at start+%v, want start+%v", d, interval)
	}
	for i := 0; i+1 < len(records); i++ {
		gap := records[i].Deadline.Sub(records[i+1].Deadline)
		if gap%interval != 0 || gap <= 0 {
			t.Errorf("deadline gap %v is not a positive multiple of %v", gap, interval)
		}
	}
	newest := records[0]
	if span := newest.Deadline.Sub(oldest.Deadline); span%interval != 0 {
		t.Errorf("deadlines drifted off the interval grid: span %v", span)
	}
	if timer.State() != core.TimerStopped {
		t.Errorf("State() = %v, want stopped", timer.State())
	}
}

// TestTimer_StopBeforeFirstDeadline verifies Stop right after Start submits nothing
func TestTimer_StopBeforeFirstDeadline(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)
	var count atomic.Int32
	timer := pool.NewTimer(20*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) { count.Add(1) })

	// Act
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	timer.Stop()
	time.Sleep(100 * time.Millisecond)

	// Assert
	if n := count.Load(); n != 0 {
		t.Errorf("handler ran %d times after Stop, want 0", n)
	}
	if st := timer.Stats(); st.Fired != 0 || !st.NextDeadline.IsZero() {
		t.Errorf("Stats() = %+v, want no firings and no deadline", st)
	}
	if pool.DelayedTaskCount() != 0 {
		t.Errorf("DelayedTaskCount() = %d, want 0", pool.DelayedTaskCount())
	}
}

// TestTimer_StopFromHandlerEndsFirings verifies Stop is honored from the handler
func TestTimer_StopFromHandlerEndsFirings(t *testing.T) {
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)
	var count atomic.Int32
	timer := pool.NewTimer(10*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {
		if count.Add(1) == 3 {
			core.CurrentTimer(ctx).Stop()
		}
	})

	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return !timer.IsRunning() })
	time.Sleep(50 * time.Millisecond)

	if n := count.Load(); n != 3 {
		t.Errorf("handler ran %d times, want 3", n)
	}
}

// TestTimer_SingleShotFiresOnce verifies SingleShot submits exactly once
func TestTimer_SingleShotFiresOnce(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)
	var count atomic.Int32
	var gotTimer atomic.Bool

	// Act
	err := pool.SingleShot(10*time.Millisecond, runner, func(ctx context.Context) {
		count.Add(1)
		gotTimer.Store(core.CurrentTimer(ctx) != nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	// Assert
	if n := count.Load(); n != 1 {
		t.Errorf("single-shot ran %d times, want 1", n)
	}
	if !gotTimer.Load() {
		t.Error("CurrentTimer was nil inside a single-shot task")
	}
	if pool.DelayedTaskCount() != 0 {
		t.Errorf("DelayedTaskCount() = %d, want 0", pool.DelayedTaskCount())
	}
}

// TestTimer_SingleShotAtPastDeadline verifies a past deadline fires promptly
func TestTimer_SingleShotAtPastDeadline(t *testing.T) {
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)
	done := make(chan struct{})

	err := core.SingleShotAt(pool.DelayManager(), time.Now().Add(-time.Hour), runner, func(ctx context.Context) {
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("single-shot with a past deadline did not fire")
	}
}

// TestTimer_Equality verifies identity semantics of timer handles
func TestTimer_Equality(t *testing.T) {
	pool := newTestPool(t, 1, nil)
	runner := core.NewSequencedTaskRunner(pool)

	a := pool.NewTimer(time.Second, runner)
	b := a
	c := pool.NewTimer(time.Second, runner)

	if !a.Equal(b) || a != b {
		t.Error("copies of a timer handle are not equal")
	}
	if a.Equal(c) {
		t.Error("distinct timers compare equal")
	}
	if a.ID() == c.ID() {
		t.Errorf("distinct timers share ID %d", a.ID())
	}
}

// TestTimer_LatencyNeverFiresEarly checks leeway only ever delays a firing
// Given: Two timers with generous latency on the same pool
// When: They fire repeatedly
// Then: No firing is submitted before its deadline
func TestTimer_LatencyNeverFiresEarly(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 2, nil)
	runner := core.NewParallelTaskRunner(pool, 2)

	a := pool.NewTimer(15*time.Millisecond, runner)
	a.SetLatency(10 * time.Millisecond)
	a.SetHandler(func(ctx context.Context) {})
	b := pool.NewTimer(20*time.Millisecond, runner)
	b.SetLatency(5 * time.Millisecond)
	b.SetHandler(func(ctx context.Context) {})

	// Act
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)
	a.Stop()
	b.Stop()

	// Assert
	for _, timer := range []*core.Timer{a, b} {
		records := timer.RecentFirings(0)
		if len(records) == 0 {
			t.Fatalf("timer %d never fired", timer.ID())
		}
		for _, r := range records {
			if r.SubmittedAt.Before(r.Deadline) || r.Lateness < 0 {
				t.Errorf("timer %d submitted %v before its deadline", timer.ID(), -r.Lateness)
			}
		}
	}
}

// TestTimer_LatencyAtLeastIntervalKeepsRate checks large latencies
// Given: A 100ms timer whose latency is at least its interval
// When: It runs alone on an idle pool for about ten intervals
// Then: It still fires about ten times and misses at most one deadline
func TestTimer_LatencyAtLeastIntervalKeepsRate(t *testing.T) {
	for _, latency := range []time.Duration{100 * time.Millisecond, 150 * time.Millisecond} {
		t.Run(latency.String(), func(t *testing.T) {
			// Arrange
			pool := newTestPool(t, 2, nil)
			runner := core.NewSequencedTaskRunner(pool)
			var count atomic.Int32
			timer := pool.NewTimer(100*time.Millisecond, runner)
			timer.SetLatency(latency)
			timer.SetHandler(func(ctx context.Context) { count.Add(1) })

			// Act
			if err := timer.Start(); err != nil {
				t.Fatal(err)
			}
			time.Sleep(1055 * time.Millisecond)
			timer.Stop()

			// Assert
			if n := count.Load(); n < 9 || n > 11 {
				t.Errorf("firings = %d, want 10 +/- 1", n)
			}
			if missed := timer.Stats().Missed; missed > 1 {
				t.Errorf("Missed = %d, want at most 1", missed)
			}
		})
	}
}

// TestTimer_RetargetAffectsLaterFirings checks the rebinding rule
// Given: A timer on queue A whose first handler rebinds it to queue B
// When: It keeps firing
// Then: The firing already armed still goes to A; later ones go to B
func TestTimer_RetargetAffectsLaterFirings(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 2, nil)
	qa := core.NewSequencedTaskRunner(pool)
	qb := core.NewSequencedTaskRunner(pool)

	var mu sync.Mutex
	var queues []core.RunnerID
	timer := pool.NewTimer(30*time.Millisecond, qa)
	timer.SetHandler(func(ctx context.Context) {
		mu.Lock()
		queues = append(queues, core.GetCurrentTaskRunner(ctx).ID())
		first := len(queues) == 1
		mu.Unlock()
		if first {
			core.CurrentTimer(ctx).SetTargetQueue(qb)
		}
	})

	// Act
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(queues) >= 4
	})
	timer.Stop()

	// Assert
	mu.Lock()
	defer mu.Unlock()
	want := []core.RunnerID{qa.ID(), qa.ID(), qb.ID(), qb.ID()}
	for i, id := range want {
		if queues[i] != id {
			t.Fatalf("firing %d ran on runner %d, want %d (all: %v)", i, queues[i], id, queues)
		}
	}
	if timer.TargetQueue().ID() != qb.ID() {
		t.Error("TargetQueue() was not updated")
	}
}

// TestTimer_HandlerReplacementIsNotRetroactive verifies SetHandler from inside a handler
func TestTimer_HandlerReplacementIsNotRetroactive(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)

	var mu sync.Mutex
	var calls []string
	record := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}
	timer := pool.NewTimer(40*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {
		core.CurrentTimer(ctx).SetHandler(func(context.Context) { record("b") })
		record("a")
	})

	// Act
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 3
	})
	timer.Stop()

	// Assert
	mu.Lock()
	defer mu.Unlock()
	if calls[0] != "a" || calls[1] != "b" || calls[2] != "b" {
		t.Errorf("calls = %v, want [a b b ...]", calls)
	}
}

// TestTimer_CurrentTimer verifies the lookup inside and outside handlers
func TestTimer_CurrentTimer(t *testing.T) {
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)

	if core.CurrentTimer(context.Background()) != nil {
		t.Error("CurrentTimer outside a handler is not nil")
	}

	seen := make(chan *core.Timer, 1)
	timer := pool.NewTimer(10*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {
		select {
		case seen <- core.CurrentTimer(ctx):
		default:
		}
	})
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	defer timer.Stop()

	select {
	case got := <-seen:
		if got != timer {
			t.Errorf("CurrentTimer = %v, want %v", got, timer)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	plain := make(chan *core.Timer, 1)
	if err := runner.PostTask(func(ctx context.Context) { plain <- core.CurrentTimer(ctx) }); err != nil {
		t.Fatal(err)
	}
	if got := <-plain; got != nil {
		t.Errorf("CurrentTimer in a plain task = %v, want nil", got)
	}
}

// TestTimer_CancelWaitsForInFlightHandlers verifies Cancel's completion guarantee
// Given: A timer whose handler is executing
// When: Cancel is called from another goroutine
// Then: Cancel returns only after the handler finished and the timer is terminal
func TestTimer_CancelWaitsForInFlightHandlers(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)

	started := make(chan struct{}, 1)
	var finished atomic.Int32
	timer := pool.NewTimer(20*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(80 * time.Millisecond)
		finished.Add(1)
	})
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	<-started

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := timer.Cancel(ctx)

	// Assert
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if finished.Load() == 0 {
		t.Error("Cancel returned before the running handler finished")
	}
	st := timer.Stats()
	if st.State != core.TimerCancelled || st.InFlight != 0 {
		t.Errorf("Stats() = %+v, want cancelled with nothing in flight", st)
	}
	if err := timer.Start(); !errors.Is(err, core.ErrTimerTerminated) {
		t.Errorf("Start after Cancel = %v, want ErrTimerTerminated", err)
	}

	n := finished.Load()
	time.Sleep(60 * time.Millisecond)
	if finished.Load() != n {
		t.Error("handler ran after Cancel returned")
	}
}

// TestTimer_CancelHonorsContext verifies Cancel gives up waiting when ctx ends
func TestTimer_CancelHonorsContext(t *testing.T) {
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	timer := pool.NewTimer(10*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := timer.Cancel(ctx)
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Cancel = %v, want context.DeadlineExceeded", err)
	}
	if timer.State() != core.TimerCancelled {
		t.Errorf("State() = %v, want cancelled", timer.State())
	}
}

// TestTimer_CancelFromOwnHandler verifies Cancel does not wait on its caller
func TestTimer_CancelFromOwnHandler(t *testing.T) {
	pool := newTestPool(t, 2, nil)
	runner := core.NewSequencedTaskRunner(pool)

	result := make(chan error, 1)
	timer := pool.NewTimer(10*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {
		select {
		case result <- core.CurrentTimer(ctx).Cancel(ctx):
		default:
		}
	})
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Cancel from handler = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel from the timer's own handler blocked")
	}
	if timer.State() != core.TimerCancelled {
		t.Errorf("State() = %v, want cancelled", timer.State())
	}
}

// TestTimer_RejectedFiringKeepsTimerArmed checks submission failure handling
// Given: A repeating timer bound to a runner that has been shut down
// When: Its deadlines expire
// Then: Each firing is recorded as rejected, reported to metrics and the
// timer stays running
func TestTimer_RejectedFiringKeepsTimerArmed(t *testing.T) {
	// Arrange
	metrics := &recordingMetrics{}
	pool := newTestPool(t, 2, metrics)
	runner := core.NewSequencedTaskRunner(pool)
	runner.SetName("closed-runner")
	runner.Shutdown()

	timer := pool.NewTimer(10*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {
		t.Error("handler ran on a closed runner")
	})

	// Act
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return timer.Stats().Rejected >= 2 })

	// Assert
	st := timer.Stats()
	if st.State != core.TimerRunning {
		t.Errorf("State = %v, want running", st.State)
	}
	if st.InFlight != 0 || st.Fired != 0 {
		t.Errorf("Stats() = %+v, want nothing fired or in flight", st)
	}
	if last := timer.RecentFirings(1); len(last) != 1 || !last[0].Rejected {
		t.Errorf("RecentFirings(1) = %+v, want one rejected record", last)
	}
	timer.Stop()

	_, rejected, _, _ := metrics.snapshot()
	if rejected < 2 {
		t.Errorf("metrics rejected = %d, want >= 2", rejected)
	}
	if runner.Stats().Rejected < 2 {
		t.Errorf("runner Rejected = %d, want >= 2", runner.Stats().Rejected)
	}
}

// TestTimer_StartAfterPoolStop verifies Start reports a stopped DelayManager
func TestTimer_StartAfterPoolStop(t *testing.T) {
	pool := dispatch.NewGoroutineThreadPoolWithConfig("stopped", 1, &core.TaskSchedulerConfig{Logger: core.NewNoOpLogger()})
	pool.Start(context.Background())
	runner := core.NewSequencedTaskRunner(pool)
	timer := pool.NewTimer(10*time.Millisecond, runner)
	timer.SetHandler(func(ctx context.Context) {})
	pool.Stop()

	err := timer.Start()
	if !errors.Is(err, core.ErrSchedulerShutdown) {
		t.Fatalf("Start = %v, want ErrSchedulerShutdown", err)
	}
	if timer.State() != core.TimerStopped {
		t.Errorf("State() = %v, want stopped", timer.State())
	}
	if err := pool.SingleShot(0, runner, func(context.Context) {}); !errors.Is(err, core.ErrSchedulerShutdown) {
		t.Errorf("SingleShot = %v, want ErrSchedulerShutdown", err)
	}
}

// TestTimer_ArgumentValidation verifies construction and setter preconditions
func TestTimer_ArgumentValidation(t *testing.T) {
	pool := newTestPool(t, 1, nil)
	runner := core.NewSequencedTaskRunner(pool)
	timer := pool.NewTimer(time.Second, runner)

	tests := []struct {
		name string
		fn   func()
	}{
		{"zero interval", func() { pool.NewTimer(0, runner) }},
		{"nil queue", func() { pool.NewTimer(time.Second, nil) }},
		{"negative latency", func() { timer.SetLatency(-time.Millisecond) }},
		{"zero SetInterval", func() { timer.SetInterval(0) }},
		{"nil handler", func() { timer.SetHandler(nil) }},
		{"nil target", func() { timer.SetTargetQueue(nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("%s did not panic", tt.name)
				}
			}()
			tt.fn()
		})
	}
}

// TestTimer_AccessorsAndStats verifies configuration round-trips
func TestTimer_AccessorsAndStats(t *testing.T) {
	pool := newTestPool(t, 1, nil)
	runner := core.NewSequencedTaskRunner(pool)
	timer := core.NewTimerFromMillis(pool.DelayManager(), 250, runner)

	timer.SetName("heartbeat")
	timer.SetLatency(5 * time.Millisecond)
	timer.SetInterval(time.Minute)

	if timer.Interval() != time.Minute || timer.Latency() != 5*time.Millisecond {
		t.Errorf("Interval/Latency = %v/%v", timer.Interval(), timer.Latency())
	}
	if err := timer.Start(); err != nil {
		t.Fatal(err)
	}
	if err := timer.Start(); err != nil {
		t.Errorf("second Start = %v, want nil", err)
	}
	st := timer.Stats()
	if st.Name != "heartbeat" || st.State != core.TimerRunning || st.QueueID != runner.ID() {
		t.Errorf("Stats() = %+v", st)
	}
	if st.NextDeadline.IsZero() {
		t.Error("running timer has no NextDeadline")
	}
	timer.Stop()
	timer.Stop()
	if timer.State() != core.TimerStopped {
		t.Errorf("State() = %v, want stopped", timer.State())
	}
	if got := timer.String(); got == "" {
		t.Error("String() is empty")
	}
}
