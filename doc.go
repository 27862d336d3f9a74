// Package dispatch provides queue-bound timers and counting semaphores on top
// of a Chromium-inspired task runner architecture.
//
// Work is posted to queues (TaskRunners) rather than to goroutines. A
// SequencedTaskRunner is a serial queue, a ParallelTaskRunner a concurrent one,
// and a SingleThreadTaskRunner pins its tasks to one dedicated goroutine. All
// of them except the single-thread runner execute on a GoroutineThreadPool.
//
// # Quick Start
//
// Initialize the global thread pool at application startup:
//
//	dispatch.InitGlobalThreadPool(4) // 4 workers
//	defer dispatch.ShutdownGlobalThreadPool()
//
// # Timers
//
// A Timer hands its handler to a queue every interval. The pool's DelayManager
// tracks the deadlines on a single goroutine and never runs handlers itself:
//
//	queue := dispatch.CreateTaskRunner(dispatch.DefaultTaskTraits())
//	t := dispatch.NewTimer(100*time.Millisecond, queue)
//	t.SetHandler(func(ctx context.Context) {
//		fmt.Println("tick", dispatch.CurrentTimer(ctx).ID())
//	})
//	t.SetLatency(5 * time.Millisecond) // allow coalescing
//	t.Start()
//	defer t.Stop()
//
// Repeating timers rearm from their previous deadline, so slow handlers do not
// cause drift. Deadlines missed by whole intervals are skipped, not replayed.
//
// For a one-off firing use SingleShot:
//
//	dispatch.SingleShot(time.Second, queue, func(ctx context.Context) {
//		fmt.Println("once")
//	})
//
// # Semaphores
//
//	sem := dispatch.NewSemaphore(3)
//	if sem.TryAcquire(50 * time.Millisecond) {
//		defer sem.Release()
//		// use one of three resources
//	}
//
// # Configuration
//
// LoadConfig reads a Config from a viper instance (optionally bound to pflag
// flags with BindFlags) and InitGlobalThreadPoolWithConfig applies it.
package dispatch
