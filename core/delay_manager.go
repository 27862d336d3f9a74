package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayEntry is one armed deadline. fire runs on the DelayManager goroutine,
// outside the DelayManager lock, and must only hand work to a queue.
type delayEntry struct {
	deadline time.Time
	leeway   time.Duration
	fire     func(now time.Time)
	index    int // heap position, -1 when not armed
}

// delayHeap orders entries by deadline.
type delayHeap []*delayEntry

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	item := x.(*delayEntry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

// DelayManager is the timer scheduling thread of a pool. A single goroutine
// sleeps until the next (leeway-coalesced) deadline and hands expired entries
// to their queues. It never runs task bodies.
type DelayManager struct {
	pq      delayHeap
	mu      sync.Mutex
	stopped bool
	wakeup  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Observers shared with the timers armed here.
	logger  Logger
	metrics Metrics
}

func NewDelayManager() *DelayManager {
	return NewDelayManagerWithConfig(&TaskSchedulerConfig{Logger: NewNoOpLogger()})
}

func NewDelayManagerWithLogger(logger Logger) *DelayManager {
	return NewDelayManagerWithConfig(&TaskSchedulerConfig{Logger: logger})
}

// NewDelayManagerWithConfig uses the logger and metrics of config. Nil fields
// fall back to no-op implementations.
func NewDelayManagerWithConfig(config *TaskSchedulerConfig) *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		pq:     make(delayHeap, 0),
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if config != nil {
		dm.logger = config.Logger
		dm.metrics = config.Metrics
	}
	if dm.logger == nil {
		dm.logger = NewNoOpLogger()
	}
	if dm.metrics == nil {
		dm.metrics = &NilMetrics{}
	}
	go dm.loop()
	return dm
}

// AddDelayedTask posts task to target once delay has elapsed.
func (dm *DelayManager) AddDelayedTask(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) error {
	e := &delayEntry{
		deadline: time.Now().Add(delay),
		index:    -1,
	}
	e.fire = func(time.Time) {
		if err := target.PostTaskWithTraits(task, traits); err != nil {
			dm.logger.Debug("delayed task dropped", F("runner", target.ID()), F("error", err))
		}
	}
	return dm.arm(e)
}

// arm queues e. It fails with ErrSchedulerShutdown after Stop.
func (dm *DelayManager) arm(e *delayEntry) error {
	dm.mu.Lock()
	if dm.stopped {
		dm.mu.Unlock()
		return ErrSchedulerShutdown
	}
	heap.Push(&dm.pq, e)
	dm.mu.Unlock()

	// A later deadline with a tight leeway can still pull the wake time in,
	// so every arm asks the loop to recompute.
	select {
	case dm.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// disarm removes e if it is still pending. It reports whether e was removed;
// false means e already expired (or was never armed).
func (dm *DelayManager) disarm(e *delayEntry) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if e.index < 0 || e.index >= len(dm.pq) || dm.pq[e.index] != e {
		return false
	}
	heap.Remove(&dm.pq, e.index)
	return true
}

func (dm *DelayManager) loop() {
	defer close(dm.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		wait, ok := dm.nextWait()
		if ok && wait <= 0 {
			dm.processExpired()
			continue
		}
		if !ok {
			// Nothing armed, sleep until an arm or Stop
			wait = 1000 * time.Hour
		}
		timer.Reset(wait)

		select {
		case <-dm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dm.processExpired()
		case <-dm.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// nextWait returns how long to sleep until the next coalesced wake time.
func (dm *DelayManager) nextWait() (time.Duration, bool) {
	dm.mu.Lock()
	wake, ok := dm.nextWakeLocked()
	dm.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Until(wake), true
}

// nextWakeLocked picks the latest instant that lies inside the
// [deadline, deadline+leeway] window of the earliest entry and of every other
// entry due by then. Firing at that instant moves each of them later by at
// most its own leeway and never earlier.
func (dm *DelayManager) nextWakeLocked() (time.Time, bool) {
	if len(dm.pq) == 0 {
		return time.Time{}, false
	}
	first := dm.pq[0]
	wake := first.deadline.Add(first.leeway)
	if first.leeway == 0 {
		return wake, true
	}
	for _, e := range dm.pq[1:] {
		if e.deadline.After(wake) {
			continue
		}
		if w := e.deadline.Add(e.leeway); w.Before(wake) {
			wake = w
		}
	}
	return wake, true
}

// processExpired pops every entry due by now and fires them outside the lock.
func (dm *DelayManager) processExpired() {
	dm.mu.Lock()
	now := time.Now()
	var expired []*delayEntry
	for dm.pq.Len() > 0 {
		if dm.pq[0].deadline.After(now) {
			break
		}
		expired = append(expired, heap.Pop(&dm.pq).(*delayEntry))
	}
	dm.mu.Unlock()

	for _, e := range expired {
		e.fire(now)
	}
}

// Stop terminates the scheduling goroutine and drops every pending entry.
// Timers armed on a stopped DelayManager fail to start with ErrSchedulerShutdown.
// A timer that was running keeps reporting TimerRunning until its next Start
// or Stop.
func (dm *DelayManager) Stop() {
	dm.mu.Lock()
	if dm.stopped {
		dm.mu.Unlock()
		return
	}
	dm.stopped = true
	pending := len(dm.pq)
	for _, e := range dm.pq {
		e.index = -1
	}
	dm.pq = make(delayHeap, 0)
	dm.mu.Unlock()

	dm.cancel()
	<-dm.done

	if pending > 0 {
		dm.logger.Debug("delay manager stopped with pending deadlines", F("pending", pending))
	}
}

// IsStopped reports whether Stop was called.
func (dm *DelayManager) IsStopped() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.stopped
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
