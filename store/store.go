// Package store provides SQLite-backed persistence for scheduled tasks. The
// scheduler reads and updates completion state and due timestamps only; task
// payloads are opaque and rows are never deleted by the resilience core
// itself.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ScheduledTask is one durable task record.
type ScheduledTask struct {
	ID        string
	UserID    string
	Due       time.Time
	Completed bool
	// Scheduled distinguishes "run later" tasks from ad-hoc ones; only
	// scheduled tasks are picked up by the polling loop.
	Scheduled bool
	Priority  int
	Payload   string
	CreatedAt time.Time
}

// Store provides access to the task database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency across reader processes.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		due DATETIME NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		scheduled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(scheduled, completed, due);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON scheduled_tasks(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a task, assigning an id if none is set.
func (s *Store) Create(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, user_id, due, completed, scheduled, priority, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Due.UTC(), t.Completed, t.Scheduled, t.Priority, t.Payload, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, due, completed, scheduled, priority, payload, created_at
		FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// DueTasks returns all scheduled, incomplete tasks with a due date at or
// before now, highest priority first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, due, completed, scheduled, priority, payload, created_at
		FROM scheduled_tasks
		WHERE scheduled = 1 AND completed = 0 AND due <= ?
		ORDER BY priority DESC, due ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// MarkCompleted sets the completion flag on a task.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET completed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(res, id)
}

// Reschedule advances a task's due date, for recurring work that re-arms
// itself after each run.
func (s *Store) Reschedule(ctx context.Context, id string, due time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET due = ?, completed = 0 WHERE id = ?`, due.UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	return requireRow(res, id)
}

// Delete removes a task. Deletion is external-API surface; the scheduling
// loop never calls it.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res, id)
}

// PendingCount returns the number of scheduled, incomplete tasks.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_tasks WHERE scheduled = 1 AND completed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*ScheduledTask, error) {
	var t ScheduledTask
	err := row.Scan(&t.ID, &t.UserID, &t.Due, &t.Completed, &t.Scheduled, &t.Priority, &t.Payload, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}
