package core_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/go-dispatch/core"
)

// TestParallelTaskRunner_ConcurrencyLimit verifies at most maxConcurrency tasks run at once
// Given: A parallel runner limited to 3 on an 8-worker pool
// When: 30 slow tasks are posted
// Then: Peak concurrency is exactly 3 and all tasks finish
func TestParallelTaskRunner_ConcurrencyLimit(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 8, nil)
	runner := core.NewParallelTaskRunner(pool, 3)

	var active, peak, done atomic.Int32

	// Act
	for range 30 {
		err := runner.PostTask(func(ctx context.Context) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			done.Add(1)
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	// Assert
	if done.Load() != 30 {
		t.Errorf("done = %d, want 30", done.Load())
	}
	if p := peak.Load(); p != 3 {
		t.Errorf("peak concurrency = %d, want 3", p)
	}
	st := runner.Stats()
	if st.Pending != 0 || st.Running != 0 || st.Type != "parallel" {
		t.Errorf("Stats() = %+v", st)
	}
}

// TestParallelTaskRunner_WaitIdleOnIdleRunner returns immediately
func TestParallelTaskRunner_WaitIdleOnIdleRunner(t *testing.T) {
	pool := newTestPool(t, 2, nil)
	runner := core.NewParallelTaskRunner(pool, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := runner.WaitIdle(ctx); err != nil {
		t.Errorf("WaitIdle on idle runner = %v", err)
	}
}

// TestParallelTaskRunner_Shutdown verifies queued work is dropped and waiters released
func TestParallelTaskRunner_Shutdown(t *testing.T) {
	// Arrange
	pool := newTestPool(t, 2, nil)
	runner := core.NewParallelTaskRunner(pool, 1)
	release := make(chan struct{})
	var ran atomic.Int32
	if err := runner.PostTask(func(ctx context.Context) { <-release; ran.Add(1) }); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		if err := runner.PostTask(func(ctx context.Context) { ran.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- runner.WaitIdle(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	// Act
	runner.Shutdown()
	runner.Shutdown()
	err := <-waitErr
	close(release)

	// Assert
	if !errors.Is(err, core.ErrRunnerClosed) {
		t.Errorf("WaitIdle across Shutdown = %v, want ErrRunnerClosed", err)
	}
	if err := runner.WaitShutdown(context.Background()); err != nil {
		t.Errorf("WaitShutdown = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := ran.Load(); n != 1 {
		t.Errorf("ran %d tasks, want only the one in progress", n)
	}
	if err := runner.PostTask(func(ctx context.Context) {}); !errors.Is(err, core.ErrRunnerClosed) {
		t.Errorf("PostTask after Shutdown = %v", err)
	}
}

// TestParallelTaskRunner_InvalidConcurrency verifies the accepted range
func TestParallelTaskRunner_InvalidConcurrency(t *testing.T) {
	pool := newTestPool(t, 1, nil)
	for _, n := range []int{0, -1, 10001} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("maxConcurrency %d did not panic", n)
				}
			}()
			core.NewParallelTaskRunner(pool, n)
		}()
	}
	if r := core.NewParallelTaskRunner(pool, 10000); r.MaxConcurrency() != 10000 {
		t.Errorf("MaxConcurrency() = %d", r.MaxConcurrency())
	}
}

// TestParallelTaskRunner_DelayedTask verifies delayed posts come back through the runner
func TestParallelTaskRunner_DelayedTask(t *testing.T) {
	pool := newTestPool(t, 2, nil)
	runner := core.NewParallelTaskRunner(pool, 2)

	got := make(chan core.TaskRunner, 1)
	err := runner.PostDelayedTask(func(ctx context.Context) { got <- core.GetCurrentTaskRunner(ctx) }, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if r.ID() != runner.ID() {
			t.Errorf("delayed task ran on runner %d, want %d", r.ID(), runner.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("delayed task never ran")
	}
}
