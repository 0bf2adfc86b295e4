package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &ScheduledTask{
		UserID:    "user-1",
		Due:       time.Now().Add(time.Hour),
		Scheduled: true,
		Priority:  2,
		Payload:   `{"action":"digest"}`,
	}
	require.NoError(t, s.Create(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, `{"action":"digest"}`, got.Payload)
	assert.True(t, got.Scheduled)
	assert.False(t, got.Completed)
}

func TestDueTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	due := &ScheduledTask{UserID: "u", Due: now.Add(-time.Minute), Scheduled: true, Priority: 1}
	urgent := &ScheduledTask{UserID: "u", Due: now.Add(-time.Hour), Scheduled: true, Priority: 5}
	future := &ScheduledTask{UserID: "u", Due: now.Add(time.Hour), Scheduled: true}
	adhoc := &ScheduledTask{UserID: "u", Due: now.Add(-time.Minute), Scheduled: false}
	require.NoError(t, s.Create(ctx, due))
	require.NoError(t, s.Create(ctx, urgent))
	require.NoError(t, s.Create(ctx, future))
	require.NoError(t, s.Create(ctx, adhoc))

	tasks, err := s.DueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// Highest priority first.
	assert.Equal(t, urgent.ID, tasks[0].ID)
	assert.Equal(t, due.ID, tasks[1].ID)
}

func TestMarkCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &ScheduledTask{UserID: "u", Due: time.Now().Add(-time.Minute), Scheduled: true}
	require.NoError(t, s.Create(ctx, task))
	require.NoError(t, s.MarkCompleted(ctx, task.ID))

	tasks, err := s.DueTasks(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, tasks)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Completed)
}

func TestMarkCompletedUnknown(t *testing.T) {
	s := newTestStore(t)

	assert.Error(t, s.MarkCompleted(context.Background(), "nope"))
}

func TestReschedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &ScheduledTask{UserID: "u", Due: time.Now().Add(-time.Minute), Scheduled: true}
	require.NoError(t, s.Create(ctx, task))
	require.NoError(t, s.MarkCompleted(ctx, task.ID))

	next := time.Now().Add(24 * time.Hour)
	require.NoError(t, s.Reschedule(ctx, task.ID, next))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Completed)
	assert.WithinDuration(t, next.UTC(), got.Due, time.Second)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &ScheduledTask{UserID: "u", Due: time.Now(), Scheduled: true}
	require.NoError(t, s.Create(ctx, task))
	require.NoError(t, s.Delete(ctx, task.ID))

	_, err := s.Get(ctx, task.ID)
	assert.Error(t, err)
}

func TestPendingCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &ScheduledTask{UserID: "u", Due: time.Now(), Scheduled: true}))
	require.NoError(t, s.Create(ctx, &ScheduledTask{UserID: "u", Due: time.Now(), Scheduled: false}))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
