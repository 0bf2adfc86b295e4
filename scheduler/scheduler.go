// Package scheduler runs the per-process polling loop that partitions due
// tasks across the worker fleet. Cross-worker parallelism comes entirely from
// disjoint ownership of task ids; within one worker, tasks run sequentially.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"agentfleet/log"
	"agentfleet/monitoring"
	"agentfleet/registry"
	"agentfleet/store"
)

// schedulerAgentName labels registry entries created for task executions.
const schedulerAgentName = "scheduler"

// TaskStore is the slice of the durable task store the scheduler needs.
type TaskStore interface {
	DueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error)
	MarkCompleted(ctx context.Context, id string) error
}

// TaskExecutor runs one task. Payload semantics are opaque to the scheduler;
// execution logic is responsible for marking recurring tasks complete or
// advancing their due dates.
type TaskExecutor interface {
	Execute(ctx context.Context, task store.ScheduledTask) error
}

// ExecutorFunc adapts a function to TaskExecutor.
type ExecutorFunc func(ctx context.Context, task store.ScheduledTask) error

func (f ExecutorFunc) Execute(ctx context.Context, task store.ScheduledTask) error {
	return f(ctx, task)
}

// Config contains the scheduler loop parameters.
type Config struct {
	// WorkerCount is the size of the worker fleet.
	WorkerCount int
	// PollInterval is the base sleep between cycles.
	PollInterval time.Duration
	// PollJitter randomizes the sleep to avoid synchronized polling storms.
	PollJitter time.Duration
	// TaskTimeout bounds a single task execution.
	TaskTimeout time.Duration
	// StartupStagger is multiplied by the worker id for the one-time delay
	// before the first cycle, desynchronizing a fleet restarted together.
	StartupStagger time.Duration
}

// DefaultSchedulerConfig returns a default configuration.
func DefaultSchedulerConfig() Config {
	return Config{
		WorkerCount:    1,
		PollInterval:   60 * time.Second,
		PollJitter:     5 * time.Second,
		TaskTimeout:    180 * time.Second,
		StartupStagger: 5 * time.Second,
	}
}

// Scheduler is the top-level polling loop. Start and Stop are idempotent.
type Scheduler struct {
	config   Config
	store    TaskStore
	executor TaskExecutor
	monitor  *monitoring.ResourceMonitor    // optional
	registry *registry.ConversationRegistry // optional
	workerID int
	quietLog *log.Every

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. The worker identity is derived once here and held
// for the process lifetime. monitor and reg may be nil; when reg is set,
// every execution is registered so it can be stopped on demand by its owner.
func New(st TaskStore, executor TaskExecutor, monitor *monitoring.ResourceMonitor, reg *registry.ConversationRegistry, config Config) *Scheduler {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	return &Scheduler{
		config:   config,
		store:    st,
		executor: executor,
		monitor:  monitor,
		registry: reg,
		workerID: WorkerIdentity(config.WorkerCount),
		quietLog: log.NewEvery(10 * time.Minute),
	}
}

// WorkerID returns the identity this scheduler derived at construction.
func (s *Scheduler) WorkerID() int {
	return s.workerID
}

// Start launches the polling loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.loop(ctx)
	log.InfoLog.Printf("scheduler started as worker %d of %d", s.workerID, s.config.WorkerCount)
}

// Stop cancels the loop and waits for it to exit. Calling Stop on a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.InfoLog.Printf("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// One-time stagger so a fleet restarted together does not poll in
	// lockstep from the first cycle.
	stagger := time.Duration(s.workerID) * s.config.StartupStagger
	if !sleepCtx(ctx, stagger) {
		return
	}

	for {
		s.runCycle(ctx)
		if !sleepCtx(ctx, s.jitteredInterval()) {
			return
		}
	}
}

// runCycle queries due tasks, filters them to this worker's partition, and
// executes each under a bounded timeout. A single task failure never halts
// the remainder of the batch.
func (s *Scheduler) runCycle(ctx context.Context) {
	tasks, err := s.store.DueTasks(ctx, time.Now())
	if err != nil {
		log.WarningLog.Printf("scheduler: querying due tasks failed: %v", err)
		return
	}

	owned := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if !Owns(task.ID, s.workerID, s.config.WorkerCount) {
			continue
		}
		owned++
		s.runTask(ctx, task)
	}

	if s.quietLog.ShouldLog() {
		log.InfoLog.Printf("scheduler cycle: %d due, %d owned by worker %d", len(tasks), owned, s.workerID)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task store.ScheduledTask) {
	taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	if s.monitor != nil {
		name := "task:" + task.ID
		s.monitor.RegisterTask(name, monitoring.CancelFunc(cancel))
		defer s.monitor.UnregisterTask(name)
	}
	if s.registry != nil {
		h := &taskHandle{cancel: cancel, done: make(chan struct{})}
		defer close(h.done)
		s.registry.Register(task.ID, task.UserID, schedulerAgentName, h)
	}

	err := s.executor.Execute(taskCtx, task)
	switch {
	case err == nil:
		log.DebugLog.Printf("task %s completed", task.ID)
	case ctx.Err() != nil:
		// Shutdown while the task was running; it stays due for the next owner.
	case errors.Is(err, context.DeadlineExceeded):
		// Mark timed-out tasks complete rather than retrying forever;
		// losing one run is safer than a retry storm.
		log.WarningLog.Printf("task %s timed out after %v, marking completed", task.ID, s.config.TaskTimeout)
		if mErr := s.store.MarkCompleted(context.Background(), task.ID); mErr != nil {
			log.ErrorLog.Printf("task %s: marking completed failed: %v", task.ID, mErr)
		}
	case errors.Is(err, context.Canceled):
		// Cancelled from outside (owner stop or monitor enforcement); the
		// task stays due and is retried next cycle.
		log.InfoLog.Printf("task %s cancelled", task.ID)
	default:
		// Leave the task untouched; it stays due and is retried next cycle.
		log.ErrorLog.Printf("task %s failed: %v", task.ID, err)
	}
}

// taskHandle exposes one running execution to the conversation registry so an
// owner-initiated stop can cancel it. done is closed when runTask returns.
type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *taskHandle) Cancel() { h.cancel() }

func (h *taskHandle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *taskHandle) Done() <-chan struct{} { return h.done }

func (s *Scheduler) jitteredInterval() time.Duration {
	jitter := s.config.PollJitter
	if jitter <= 0 {
		return s.config.PollInterval
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	return s.config.PollInterval + offset
}

// sleepCtx sleeps for d, returning false if the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
