package core

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// noCopy may be embedded in structs that must not be copied after first use.
// go vet's copylocks check reports value copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// SemaphoreConfig holds optional settings for NewSemaphoreWithConfig.
type SemaphoreConfig struct {
	// Name labels the semaphore in metrics and String.
	Name string

	// Metrics receives RecordSemaphoreWait for every blocking acquire.
	// Defaults to NilMetrics.
	Metrics Metrics
}

// Semaphore is a counting semaphore.
//
// The count is the number of available units minus the number of blocked
// acquirers, so it goes negative while goroutines wait. Release wakes at most
// one waiter. Waiters block on a channel; nothing spins.
//
// A *Semaphore is a shared handle: copies of the pointer operate on the same
// state and compare equal. Dropping the last reference while goroutines are
// blocked in Acquire leaves them blocked forever.
type Semaphore struct {
	noCopy noCopy

	name    string
	metrics Metrics

	mu      sync.Mutex
	count   int64
	waiters list.List // of *semaphoreWaiter, FIFO
}

type semaphoreWaiter struct {
	ready chan struct{}
	elem  *list.Element // nil once a Release handed this waiter a unit
}

// NewSemaphore returns a semaphore holding initial units.
// Passing 0 is useful to make one goroutine wait for an event signalled by
// another; a positive value bounds access to a pool of that many resources.
// A negative initial value panics.
func NewSemaphore(initial int64) *Semaphore {
	return NewSemaphoreWithConfig(initial, nil)
}

// NewSemaphoreWithConfig is NewSemaphore with a name and a metrics sink.
func NewSemaphoreWithConfig(initial int64, config *SemaphoreConfig) *Semaphore {
	if initial < 0 {
		panic(fmt.Sprintf("Semaphore: initial value must not be negative, got %d", initial))
	}
	s := &Semaphore{count: initial, metrics: &NilMetrics{}}
	if config != nil {
		s.name = config.Name
		if config.Metrics != nil {
			s.metrics = config.Metrics
		}
	}
	return s
}

// Name returns the configured name, possibly empty.
func (s *Semaphore) Name() string {
	return s.name
}

// Release returns one unit. If the count was negative it wakes exactly one
// waiter and reports true.
func (s *Semaphore) Release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.count
	s.count++
	if prev >= 0 {
		return false
	}

	front := s.waiters.Front()
	if front == nil {
		// count < 0 always implies a queued waiter
		panic("Semaphore: negative count with no waiters")
	}
	w := s.waiters.Remove(front).(*semaphoreWaiter)
	w.elem = nil
	close(w.ready)
	return true
}

// Acquire takes one unit, blocking until a Release makes one available.
func (s *Semaphore) Acquire() {
	w := s.enqueue()
	if w == nil {
		return
	}
	start := time.Now()
	<-w.ready
	s.metrics.RecordSemaphoreWait(s.metricName(), time.Since(start), true)
}

// TryAcquire takes one unit, waiting at most timeout. It reports whether a
// unit was taken. A timeout <= 0 never blocks.
//
// When a Release races the timeout, the unit goes either to this call or to
// a later acquirer, never both and never neither.
func (s *Semaphore) TryAcquire(timeout time.Duration) bool {
	if timeout <= 0 {
		return s.tryAcquireNow()
	}

	w := s.enqueue()
	if w == nil {
		return true
	}

	start := time.Now()
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-w.ready:
		s.metrics.RecordSemaphoreWait(s.metricName(), time.Since(start), true)
		return true
	case <-t.C:
	}

	acquired := s.abandon(w)
	s.metrics.RecordSemaphoreWait(s.metricName(), time.Since(start), acquired)
	return acquired
}

// TryAcquireUntil is TryAcquire with an absolute deadline.
func (s *Semaphore) TryAcquireUntil(deadline time.Time) bool {
	return s.TryAcquire(time.Until(deadline))
}

// AcquireContext takes one unit, blocking until one is available or ctx is
// done. On cancellation it returns ctx.Err() and holds no unit.
func (s *Semaphore) AcquireContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w := s.enqueue()
	if w == nil {
		return nil
	}

	start := time.Now()
	select {
	case <-w.ready:
		s.metrics.RecordSemaphoreWait(s.metricName(), time.Since(start), true)
		return nil
	case <-ctx.Done():
	}

	if s.abandon(w) {
		s.metrics.RecordSemaphoreWait(s.metricName(), time.Since(start), true)
		return nil
	}
	s.metrics.RecordSemaphoreWait(s.metricName(), time.Since(start), false)
	return ctx.Err()
}

// Value returns the current count. A negative value is the number of blocked
// acquirers.
func (s *Semaphore) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Stats returns a snapshot of the semaphore state.
func (s *Semaphore) Stats() SemaphoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemaphoreStats{
		Name:    s.name,
		Value:   s.count,
		Waiters: s.waiters.Len(),
	}
}

func (s *Semaphore) String() string {
	st := s.Stats()
	if st.Name == "" {
		return fmt.Sprintf("Semaphore(value=%d waiters=%d)", st.Value, st.Waiters)
	}
	return fmt.Sprintf("Semaphore(%s value=%d waiters=%d)", st.Name, st.Value, st.Waiters)
}

func (s *Semaphore) tryAcquireNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// enqueue decrements the count. It returns nil when a unit was available,
// otherwise the waiter record to block on.
func (s *Semaphore) enqueue() *semaphoreWaiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count--
	if s.count >= 0 {
		return nil
	}
	w := &semaphoreWaiter{ready: make(chan struct{})}
	w.elem = s.waiters.PushBack(w)
	return w
}

// abandon withdraws w after a timeout or cancellation. Whoever unlinks w
// owns the outcome: if the waiter is still queued it is removed and the count
// restored (false); if Release already unlinked it the unit belongs to w (true).
func (s *Semaphore) abandon(w *semaphoreWaiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.elem == nil {
		return true
	}
	s.waiters.Remove(w.elem)
	w.elem = nil
	s.count++
	return false
}

func (s *Semaphore) metricName() string {
	if s.name == "" {
		return "semaphore"
	}
	return s.name
}
