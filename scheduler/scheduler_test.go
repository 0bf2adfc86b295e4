package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/log"
	"agentfleet/registry"
	"agentfleet/store"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	code := m.Run()
	log.Close()
	os.Exit(code)
}

// fakeStore is an in-memory TaskStore.
type fakeStore struct {
	mu        sync.Mutex
	tasks     []store.ScheduledTask
	completed map[string]bool
	queryErr  error
}

func newFakeStore(tasks ...store.ScheduledTask) *fakeStore {
	return &fakeStore{tasks: tasks, completed: make(map[string]bool)}
}

func (f *fakeStore) DueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var due []store.ScheduledTask
	for _, t := range f.tasks {
		if t.Scheduled && !f.completed[t.ID] && !t.Due.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = true
	return nil
}

func (f *fakeStore) isCompleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[id]
}

func dueTask(id string) store.ScheduledTask {
	return store.ScheduledTask{
		ID:        id,
		UserID:    "user-1",
		Due:       time.Now().Add(-time.Minute),
		Scheduled: true,
	}
}

func testSchedulerConfig() Config {
	cfg := DefaultSchedulerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollJitter = 0
	cfg.TaskTimeout = time.Second
	cfg.StartupStagger = 0
	return cfg
}

func TestRunCycleExecutesOwnedTasks(t *testing.T) {
	st := newFakeStore(dueTask("a"), dueTask("b"))

	var mu sync.Mutex
	var executed []string
	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		mu.Lock()
		executed = append(executed, task.ID)
		mu.Unlock()
		return nil
	})

	// A single worker owns every task.
	s := New(st, exec, nil, nil, testSchedulerConfig())
	s.runCycle(context.Background())

	assert.ElementsMatch(t, []string{"a", "b"}, executed)
}

func TestRunCycleSkipsForeignTasks(t *testing.T) {
	st := newFakeStore(dueTask("a"), dueTask("b"), dueTask("c"))

	var executed []string
	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		executed = append(executed, task.ID)
		return nil
	})

	cfg := testSchedulerConfig()
	cfg.WorkerCount = 3
	s := New(st, exec, nil, nil, cfg)
	s.runCycle(context.Background())

	for _, id := range executed {
		assert.True(t, Owns(id, s.WorkerID(), 3))
	}
}

func TestTimeoutMarksTaskCompleted(t *testing.T) {
	st := newFakeStore(dueTask("slow"))

	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := testSchedulerConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	s := New(st, exec, nil, nil, cfg)
	s.runCycle(context.Background())

	assert.True(t, st.isCompleted("slow"))
}

func TestFailureLeavesTaskUntouchedAndContinues(t *testing.T) {
	st := newFakeStore(dueTask("bad"), dueTask("good"))

	var mu sync.Mutex
	var executed []string
	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		mu.Lock()
		executed = append(executed, task.ID)
		mu.Unlock()
		if task.ID == "bad" {
			return errors.New("execution exploded")
		}
		return nil
	})

	s := New(st, exec, nil, nil, testSchedulerConfig())
	s.runCycle(context.Background())

	// The failing task did not halt the batch and was not marked complete.
	assert.ElementsMatch(t, []string{"bad", "good"}, executed)
	assert.False(t, st.isCompleted("bad"))
}

func TestQueryErrorSkipsCycle(t *testing.T) {
	st := newFakeStore(dueTask("a"))
	st.queryErr = errors.New("db down")

	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		t.Fatal("executor must not run when the query fails")
		return nil
	})

	s := New(st, exec, nil, nil, testSchedulerConfig())
	s.runCycle(context.Background())
}

func TestRunningTaskAppearsInRegistryAndOwnerCanStopIt(t *testing.T) {
	reg := registry.New(100 * time.Millisecond)
	task := dueTask("conv-1")
	st := newFakeStore(task)

	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	s := New(st, exec, nil, reg, testSchedulerConfig())

	done := make(chan struct{})
	go func() {
		s.runTask(context.Background(), task)
		close(done)
	}()

	<-started
	require.Equal(t, 1, reg.ActiveCount())

	entries := reg.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, task.ID, entries[0].ConversationID)
	assert.Equal(t, task.UserID, entries[0].UserID)

	// The owner stops the execution; the underlying context is cancelled.
	require.True(t, reg.Stop(task.ID, task.UserID))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stopping via the registry never cancelled the execution")
	}

	assert.Equal(t, 0, reg.ActiveCount())
	// A stopped task stays due and is retried next cycle.
	assert.False(t, st.isCompleted(task.ID))
}

func TestFinishedTaskIsSweptFromRegistry(t *testing.T) {
	reg := registry.New(100 * time.Millisecond)
	task := dueTask("conv-2")
	st := newFakeStore(task)

	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error { return nil })
	s := New(st, exec, nil, reg, testSchedulerConfig())
	s.runTask(context.Background(), task)

	// The entry lingers until the sweep observes the finished handle.
	require.Equal(t, 1, reg.ActiveCount())
	assert.Equal(t, 1, reg.SweepFinished())
	assert.Equal(t, 0, reg.ActiveCount())
}

func TestLateFailureIsNotMistakenForTimeout(t *testing.T) {
	st := newFakeStore(dueTask("late"))

	// The executor ignores its context, overruns the deadline, and then
	// reports its own failure.
	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		time.Sleep(50 * time.Millisecond)
		return errors.New("execution exploded")
	})

	cfg := testSchedulerConfig()
	cfg.TaskTimeout = 10 * time.Millisecond
	s := New(st, exec, nil, nil, cfg)
	s.runCycle(context.Background())

	// A genuine failure leaves the task due even when the deadline has
	// passed by the time it surfaces.
	assert.False(t, st.isCompleted("late"))
}

func TestStartStopIdempotent(t *testing.T) {
	st := newFakeStore()
	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error { return nil })

	s := New(st, exec, nil, nil, testSchedulerConfig())
	s.Start()
	s.Start()

	time.Sleep(30 * time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestLoopProcessesTasksUntilStopped(t *testing.T) {
	st := newFakeStore(dueTask("a"))

	done := make(chan struct{})
	var once sync.Once
	exec := ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
		once.Do(func() { close(done) })
		return st.MarkCompleted(ctx, task.ID)
	})

	s := New(st, exec, nil, nil, testSchedulerConfig())
	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loop never executed the due task")
	}
	require.True(t, st.isCompleted("a"))
}
