package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannus-ai/tannus/provider"
)

func TestFileCheckpointer(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	c, err := NewFileCheckpointer(dir)
	require.NoError(t, err)

	cp, err := c.LoadCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cp, "no checkpoint yet")

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.SaveCheckpoint(ctx, Checkpoint{
		SessionID: "s1", PlanID: "p1", Status: StatusRunning,
		Iterations: 4, Progress: 25, Data: map[string]any{"draft": "intro"}, Timestamp: ts,
	}))
	cp, err = c.LoadCheckpoint(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 4, cp.Iterations)
	assert.Equal(t, "intro", cp.Data["draft"])
	assert.True(t, cp.Timestamp.Equal(ts))
	assert.FileExists(t, filepath.Join(dir, "s1_checkpoint.json"))

	require.NoError(t, c.SaveResult(ctx, Result{
		SessionID: "s1", PlanID: "p1", Iteration: 4, Timestamp: ts,
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: "go"}},
		FinalOutput: "done",
	}))
	data, err := os.ReadFile(filepath.Join(dir, "s1_latest_result.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"final_output": "done"`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()), "leftover temp file %s", e.Name())
	}
}

func TestFileCheckpointer_RejectsUnsafeIDs(t *testing.T) {
	c, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	err = c.SaveCheckpoint(context.Background(), Checkpoint{SessionID: "../escape"})
	assert.Error(t, err)
	_, err = c.LoadCheckpoint(context.Background(), "a/b")
	assert.Error(t, err)
}

func TestMemoryCheckpointer(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCheckpointer()
	cp, err := c.LoadCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, c.SaveCheckpoint(ctx, Checkpoint{SessionID: "s1", Iterations: 2}))
	cp, err = c.LoadCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Iterations)

	_, ok := c.LatestResult("s1")
	assert.False(t, ok)
	require.NoError(t, c.SaveResult(ctx, Result{SessionID: "s1", FinalOutput: "x"}))
	r, ok := c.LatestResult("s1")
	assert.True(t, ok)
	assert.Equal(t, "x", r.FinalOutput)
}
