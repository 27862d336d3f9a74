package core

import "time"

// RunnerStats represents runtime observability state for a task runner.
type RunnerStats struct {
	ID         RunnerID
	Name       string
	Type       string
	Pending    int
	Running    int
	Rejected   int64
	Closed     bool
	LastTaskAt time.Time
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Delayed int
	Running bool
}

// TimerStats is a point-in-time view of a Timer.
type TimerStats struct {
	ID           uint64
	Name         string
	State        TimerState
	Interval     time.Duration
	Latency      time.Duration
	NextDeadline time.Time // zero unless Running
	QueueID      RunnerID
	Fired        int64
	Missed       int64
	Rejected     int64
	InFlight     int
}

// SemaphoreStats is a point-in-time view of a Semaphore.
type SemaphoreStats struct {
	Name    string
	Value   int64
	Waiters int
}

// FiringRecord captures one timer deadline handed to a queue.
type FiringRecord struct {
	Deadline    time.Time
	SubmittedAt time.Time
	Lateness    time.Duration
	QueueID     RunnerID
	Rejected    bool
}

const defaultFiringHistoryCapacity = 64

// firingHistory is a fixed-size ring of the most recent firings.
type firingHistory struct {
	items []FiringRecord
	head  int
	count int
}

func newFiringHistory(capacity int) firingHistory {
	if capacity < 1 {
		capacity = defaultFiringHistoryCapacity
	}
	return firingHistory{items: make([]FiringRecord, capacity)}
}

// add must be called with the owner's lock held.
func (h *firingHistory) add(record FiringRecord) {
	if len(h.items) == 0 {
		return
	}
	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// recent returns up to limit records, newest first.
func (h *firingHistory) recent(limit int) []FiringRecord {
	if h.count == 0 {
		return nil
	}
	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	out := make([]FiringRecord, 0, limit)
	for i := range limit {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}
