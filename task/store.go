package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	text         TEXT NOT NULL,
	plan_id      TEXT NOT NULL DEFAULT '',
	session_id   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS tasks_session ON tasks(session_id);
`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the tasks table exists in db. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) (string, error) {
	prepare(t)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, text, plan_id, session_id, status, error, created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Text, t.PlanID, t.SessionID, string(t.Status), t.Error,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Update saves changes to an existing task, updating UpdatedAt automatically.
func (s *SQLiteStore) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			text=?, plan_id=?, session_id=?, status=?, error=?, updated_at=?, completed_at=?
		WHERE id=?`,
		t.Text, t.PlanID, t.SessionID, string(t.Status), t.Error,
		t.UpdatedAt, nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// List returns tasks matching the filter.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.PlanID != "" {
		q.WriteString(" AND plan_id=?")
		args = append(args, filter.PlanID)
	}
	if filter.SessionID != "" {
		q.WriteString(" AND session_id=?")
		args = append(args, filter.SessionID)
	}
	q.WriteString(" ORDER BY created_at DESC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status string
	var completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Text, &t.PlanID, &t.SessionID, &status, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// prepare assigns the id and timestamps of a new task.
func prepare(t *Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
}

// MemoryStore keeps tasks in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (m *MemoryStore) Create(_ context.Context, t *Task) (string, error) {
	prepare(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return "", fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = *t
	return t.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = *t
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Task, error) {
	m.mu.RLock()
	var out []*Task
	for _, t := range m.tasks {
		if filter.match(&t) {
			out = append(out, &t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	return nil
}
