package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannus-ai/tannus/internal/db"
)

func newSQLiteStatusStore(t *testing.T) *SQLiteStatusStore {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "tannus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s, err := NewSQLiteStatusStore(conn)
	require.NoError(t, err)
	return s
}

func TestStatusStores(t *testing.T) {
	stores := map[string]func(t *testing.T) StatusStore{
		"memory": func(*testing.T) StatusStore { return NewMemoryStatusStore() },
		"sqlite": func(t *testing.T) StatusStore { return newSQLiteStatusStore(t) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			older := Snapshot{
				SessionID: "older", PlanID: "p1", Task: "first", Status: StatusRunning,
				StartTime: base, LastUpdate: base, MaxRuntime: 3600, CheckpointInterval: 900,
			}
			newer := Snapshot{
				SessionID: "newer", PlanID: "p2", Task: "second", Status: StatusPaused,
				StartTime: base.Add(time.Hour), LastUpdate: base.Add(time.Hour),
			}
			require.NoError(t, s.Save(ctx, older))
			require.NoError(t, s.Save(ctx, newer))

			// upsert
			cp := base.Add(10 * time.Minute)
			older.Status = StatusError
			older.Error = "boom"
			older.Progress = 50
			older.Iterations = 3
			older.LastCheckpoint = &cp
			require.NoError(t, s.Save(ctx, older))

			got, err := s.Get(ctx, "older")
			require.NoError(t, err)
			assert.Equal(t, StatusError, got.Status)
			assert.Equal(t, "boom", got.Error)
			assert.Equal(t, 50.0, got.Progress)
			assert.Equal(t, 3, got.Iterations)
			assert.Equal(t, int64(3600), got.MaxRuntime)
			require.NotNil(t, got.LastCheckpoint)
			assert.True(t, got.LastCheckpoint.Equal(cp))
			assert.True(t, got.StartTime.Equal(base))

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "newer", list[0].SessionID)
			assert.Equal(t, "older", list[1].SessionID)
			assert.Nil(t, list[0].LastCheckpoint)
		})
	}
}
