package core

import (
	"context"
	"sync"
	"time"
)

// fakeRunner records posted tasks without running them.
type fakeRunner struct {
	id RunnerID

	mu     sync.Mutex
	posted []TaskItem
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{id: nextRunnerID()}
}

func (r *fakeRunner) PostTask(task Task) error {
	return r.PostTaskWithTraits(task, DefaultTaskTraits())
}

func (r *fakeRunner) PostTaskWithTraits(task Task, traits TaskTraits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.posted = append(r.posted, TaskItem{Task: task, Traits: traits})
	return nil
}

func (r *fakeRunner) PostDelayedTask(task Task, delay time.Duration) error {
	return r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

func (r *fakeRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) error {
	time.AfterFunc(delay, func() { _ = r.PostTaskWithTraits(task, traits) })
	return nil
}

func (r *fakeRunner) ID() RunnerID {
	return r.id
}

func (r *fakeRunner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posted)
}

// runAll executes every recorded task in posting order and forgets them.
func (r *fakeRunner) runAll(ctx context.Context) int {
	r.mu.Lock()
	items := r.posted
	r.posted = nil
	r.mu.Unlock()
	for _, item := range items {
		item.Task(ctx)
	}
	return len(items)
}
