package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
)

// GoroutineThreadPool manages a set of worker goroutines.
// Workers pull ready tasks from the TaskScheduler; the scheduler's
// DelayManager feeds it delayed tasks and timer firings.
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

var _ core.ThreadPool = (*GoroutineThreadPool)(nil)

// NewGoroutineThreadPool creates a pool with a FIFO ready queue.
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, core.DefaultTaskSchedulerConfig())
}

func NewGoroutineThreadPoolWithConfig(id string, workers int, config *core.TaskSchedulerConfig) *GoroutineThreadPool {
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewFIFOTaskSchedulerWithConfig(workers, config),
	}
}

// NewPriorityGoroutineThreadPool creates a pool whose ready queue runs
// higher-priority tasks first.
func NewPriorityGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewPriorityGoroutineThreadPoolWithConfig(id, workers, core.DefaultTaskSchedulerConfig())
}

func NewPriorityGoroutineThreadPoolWithConfig(id string, workers int, config *core.TaskSchedulerConfig) *GoroutineThreadPool {
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewPriorityTaskSchedulerWithConfig(workers, config),
	}
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
	tg.scheduler.GetLogger().Debug("thread pool started", core.F("pool", tg.id), core.F("workers", tg.workers))
}

// Stop stops the thread pool. Queued tasks are dropped, pending delayed
// tasks and timer deadlines are discarded.
func (tg *GoroutineThreadPool) Stop() {
	// Always shutdown scheduler to clean up resources (queue, delayed tasks)
	// even if pool was never started
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.runningMu.Unlock()

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
	tg.scheduler.GetLogger().Debug("thread pool stopped", core.F("pool", tg.id))
}

// StopGraceful stops the thread pool gracefully, waiting for queued tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		tg.scheduler.Shutdown()
		return nil
	}
	tg.runningMu.Unlock()

	err := tg.scheduler.ShutdownGraceful(timeout)
	if err != nil {
		tg.scheduler.GetLogger().Warn("thread pool drain timed out", core.F("pool", tg.id), core.F("error", err))
	}

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()

	return err
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

// workerLoop is the main loop for each worker
func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()

	for {
		item, ok := tg.scheduler.GetWork(stopCh)
		if !ok {
			return
		}

		tg.scheduler.OnTaskStart()
		tg.runItem(ctx, id, item)
	}
}

// runItem executes one ready task. Runner tasks recover their own panics;
// this catches raw PostInternal tasks.
func (tg *GoroutineThreadPool) runItem(ctx context.Context, workerID int, item core.TaskItem) {
	defer func() {
		tg.scheduler.OnTaskEnd()
		if r := recover(); r != nil {
			tg.scheduler.GetMetrics().RecordTaskPanic(tg.id, r)
			tg.scheduler.GetPanicHandler().HandlePanic(ctx, tg.id, workerID, r, debug.Stack())
		}
	}()
	item.Task(ctx)
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}

func (tg *GoroutineThreadPool) DelayedTaskCount() int {
	return tg.scheduler.DelayedTaskCount()
}

func (tg *GoroutineThreadPool) PostInternal(task core.Task, traits core.TaskTraits) error {
	return tg.scheduler.PostInternal(task, traits)
}

func (tg *GoroutineThreadPool) PostDelayedInternal(task core.Task, delay time.Duration, traits core.TaskTraits, target core.TaskRunner) error {
	return tg.scheduler.PostDelayedInternal(task, delay, traits, target)
}

// DelayManager returns the timer scheduling thread of this pool.
func (tg *GoroutineThreadPool) DelayManager() *core.DelayManager {
	return tg.scheduler.DelayManager()
}

// GetScheduler exposes the scheduler so runners can reach its handlers.
func (tg *GoroutineThreadPool) GetScheduler() *core.TaskScheduler {
	return tg.scheduler
}

// Stats returns a snapshot of the pool.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.QueuedTaskCount(),
		Active:  tg.ActiveTaskCount(),
		Delayed: tg.DelayedTaskCount(),
		Running: tg.IsRunning(),
	}
}

// NewTimer creates a stopped timer on this pool's DelayManager.
func (tg *GoroutineThreadPool) NewTimer(interval time.Duration, queue core.TaskRunner) *core.Timer {
	return core.NewTimer(tg.DelayManager(), interval, queue)
}

// SingleShot submits task to queue once after delay, using this pool's DelayManager.
func (tg *GoroutineThreadPool) SingleShot(delay time.Duration, queue core.TaskRunner, task core.Task) error {
	return core.SingleShot(tg.DelayManager(), delay, queue, task)
}

// =============================================================================
// Global Thread Pool Helper (Singleton)
// =============================================================================

var (
	globalThreadPool *GoroutineThreadPool
	globalQueue      *core.ParallelTaskRunner
	globalConfig     Config
	globalMu         sync.Mutex
)

// InitGlobalThreadPool initializes the global thread pool with specified number of workers.
// It starts the pool immediately.
func InitGlobalThreadPool(workers int) {
	cfg := DefaultConfig()
	cfg.Pool.Workers = workers
	cfg.Queue.GlobalConcurrency = workers
	_ = InitGlobalThreadPoolWithConfig(cfg)
}

// InitGlobalThreadPoolWithConfig builds and starts the global pool from cfg.
// It does nothing if the pool already exists.
func InitGlobalThreadPoolWithConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()

	if globalThreadPool != nil {
		return nil // Already initialized
	}

	schedCfg := &core.TaskSchedulerConfig{
		PanicHandler:        &core.DefaultPanicHandler{Logger: logger},
		Metrics:             &core.NilMetrics{},
		RejectedTaskHandler: &core.DefaultRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	}
	if cfg.Metrics != nil {
		schedCfg.Metrics = cfg.Metrics
	}

	if cfg.Pool.Priority {
		globalThreadPool = NewPriorityGoroutineThreadPoolWithConfig(cfg.Pool.ID, cfg.Pool.Workers, schedCfg)
	} else {
		globalThreadPool = NewGoroutineThreadPoolWithConfig(cfg.Pool.ID, cfg.Pool.Workers, schedCfg)
	}
	globalConfig = cfg
	globalThreadPool.Start(context.Background())
	return nil
}

// GetGlobalThreadPool returns the global thread pool instance.
// It panics if InitGlobalThreadPool has not been called.
func GetGlobalThreadPool() *GoroutineThreadPool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalThreadPool == nil {
		panic("GlobalThreadPool not initialized. Call InitGlobalThreadPool() first.")
	}
	return globalThreadPool
}

// ShutdownGlobalThreadPool stops the global thread pool.
func ShutdownGlobalThreadPool() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalQueue != nil {
		globalQueue.Shutdown()
		globalQueue = nil
	}
	if globalThreadPool != nil {
		globalThreadPool.Stop()
		globalThreadPool = nil
	}
}

// CreateTaskRunner creates a new SequencedTaskRunner (a serial queue) using
// the global thread pool.
func CreateTaskRunner(traits TaskTraits) *SequencedTaskRunner {
	pool := GetGlobalThreadPool()
	// Traits are attached per task; the runner itself carries none.
	return core.NewSequencedTaskRunner(pool)
}

// GlobalQueue returns the shared concurrent queue of the global pool.
func GlobalQueue() *ParallelTaskRunner {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalThreadPool == nil {
		panic("GlobalThreadPool not initialized. Call InitGlobalThreadPool() first.")
	}
	if globalQueue == nil {
		n := globalConfig.Queue.GlobalConcurrency
		if n < 1 {
			n = globalThreadPool.WorkerCount()
		}
		globalQueue = core.NewParallelTaskRunner(globalThreadPool, n)
		globalQueue.SetName("global")
	}
	return globalQueue
}

// NewTimer creates a stopped timer on the global pool. A nil queue binds it
// to GlobalQueue. The configured default latency is applied.
func NewTimer(interval time.Duration, queue TaskRunner) *Timer {
	if queue == nil {
		queue = GlobalQueue()
	}
	t := GetGlobalThreadPool().NewTimer(interval, queue)
	globalMu.Lock()
	leeway := globalConfig.Timer.DefaultLatency
	globalMu.Unlock()
	if leeway > 0 {
		t.SetLatency(leeway)
	}
	return t
}

// SingleShot submits task to queue once after delay. A nil queue means GlobalQueue.
func SingleShot(delay time.Duration, queue TaskRunner, task Task) error {
	if queue == nil {
		queue = GlobalQueue()
	}
	return GetGlobalThreadPool().SingleShot(delay, queue, task)
}

// SingleShotAt submits task to queue once at deadline. A nil queue means GlobalQueue.
func SingleShotAt(deadline time.Time, queue TaskRunner, task Task) error {
	if queue == nil {
		queue = GlobalQueue()
	}
	return core.SingleShotAt(GetGlobalThreadPool().DelayManager(), deadline, queue, task)
}

// NewNamedSemaphore creates a semaphore reporting waits to the global pool's metrics.
func NewNamedSemaphore(name string, initial int64) *Semaphore {
	return core.NewSemaphoreWithConfig(initial, &core.SemaphoreConfig{
		Name:    name,
		Metrics: GetGlobalThreadPool().GetScheduler().GetMetrics(),
	})
}
