package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StatusStore persists session snapshots so status survives the session's
// goroutine and, for durable stores, the process.
type StatusStore interface {
	Save(ctx context.Context, s Snapshot) error
	// Get returns ErrSessionNotFound for an unknown id.
	Get(ctx context.Context, sessionID string) (*Snapshot, error)
	// List returns snapshots, most recently started first.
	List(ctx context.Context) ([]Snapshot, error)
}

// MemoryStatusStore keeps snapshots in process memory.
type MemoryStatusStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStatusStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[s.SessionID] = s
	return nil
}

func (m *MemoryStatusStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemoryStatusStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

const agentsSchema = `
CREATE TABLE IF NOT EXISTS agents (
	session_id          TEXT PRIMARY KEY,
	plan_id             TEXT NOT NULL,
	task                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	progress            REAL NOT NULL DEFAULT 0,
	iterations          INTEGER NOT NULL DEFAULT 0,
	max_runtime         INTEGER NOT NULL DEFAULT 0,
	checkpoint_interval INTEGER NOT NULL DEFAULT 0,
	error               TEXT NOT NULL DEFAULT '',
	start_time          DATETIME NOT NULL,
	last_update         DATETIME NOT NULL,
	last_checkpoint     DATETIME
);
`

// SQLiteStatusStore persists snapshots in the agents table.
type SQLiteStatusStore struct {
	db *sql.DB
}

// NewSQLiteStatusStore ensures the agents table exists in db.
func NewSQLiteStatusStore(db *sql.DB) (*SQLiteStatusStore, error) {
	if _, err := db.Exec(agentsSchema); err != nil {
		return nil, fmt.Errorf("create agents schema: %w", err)
	}
	return &SQLiteStatusStore{db: db}, nil
}

func (s *SQLiteStatusStore) Save(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents
			(session_id, plan_id, task, status, progress, iterations, max_runtime,
			 checkpoint_interval, error, start_time, last_update, last_checkpoint)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			plan_id=excluded.plan_id, task=excluded.task, status=excluded.status,
			progress=excluded.progress, iterations=excluded.iterations,
			max_runtime=excluded.max_runtime, checkpoint_interval=excluded.checkpoint_interval,
			error=excluded.error, start_time=excluded.start_time,
			last_update=excluded.last_update, last_checkpoint=excluded.last_checkpoint`,
		snap.SessionID, snap.PlanID, snap.Task, string(snap.Status), snap.Progress,
		snap.Iterations, snap.MaxRuntime, snap.CheckpointInterval, snap.Error,
		snap.StartTime, snap.LastUpdate, nullTime(snap.LastCheckpoint),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *SQLiteStatusStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT * FROM agents WHERE session_id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return snap, nil
}

func (s *SQLiteStatusStore) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM agents ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanSnapshot.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (*Snapshot, error) {
	var snap Snapshot
	var status string
	var lastCheckpoint sql.NullTime
	err := sc.Scan(
		&snap.SessionID, &snap.PlanID, &snap.Task, &status, &snap.Progress,
		&snap.Iterations, &snap.MaxRuntime, &snap.CheckpointInterval, &snap.Error,
		&snap.StartTime, &snap.LastUpdate, &lastCheckpoint,
	)
	if err != nil {
		return nil, err
	}
	snap.Status = Status(status)
	if lastCheckpoint.Valid {
		t := lastCheckpoint.Time
		snap.LastCheckpoint = &t
	}
	return &snap, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
