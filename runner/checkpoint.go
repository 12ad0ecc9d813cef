package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/provider"
)

// Checkpoint is a periodic record of a session's progress. Data holds
// whatever the model chose to save through the save_checkpoint tool.
type Checkpoint struct {
	SessionID  string         `json:"session_id"`
	PlanID     string         `json:"plan_id"`
	Status     Status         `json:"status"`
	Iterations int            `json:"iterations"`
	Progress   float64        `json:"progress"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Result is the transcript of a session's latest iteration.
type Result struct {
	SessionID   string             `json:"session_id"`
	PlanID      string             `json:"plan_id"`
	Iteration   int                `json:"iteration"`
	Timestamp   time.Time          `json:"timestamp"`
	Messages    []provider.Message `json:"messages"`
	FinalOutput string             `json:"final_output"`
}

// Checkpointer stores checkpoints and the latest iteration result.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LoadCheckpoint returns nil without error when none was saved.
	LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
	SaveResult(ctx context.Context, r Result) error
}

// FileCheckpointer writes {session}_checkpoint.json and
// {session}_latest_result.json under a state directory.
type FileCheckpointer struct {
	dir string
}

// NewFileCheckpointer creates dir if needed.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileCheckpointer{dir: dir}, nil
}

func (c *FileCheckpointer) path(sessionID, suffix string) (string, error) {
	if !plan.ValidID(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(c.dir, sessionID+suffix), nil
}

func (c *FileCheckpointer) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	path, err := c.path(cp.SessionID, "_checkpoint.json")
	if err != nil {
		return err
	}
	return writeJSON(path, cp)
}

func (c *FileCheckpointer) LoadCheckpoint(_ context.Context, sessionID string) (*Checkpoint, error) {
	path, err := c.path(sessionID, "_checkpoint.json")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

func (c *FileCheckpointer) SaveResult(_ context.Context, r Result) error {
	path, err := c.path(r.SessionID, "_latest_result.json")
	if err != nil {
		return err
	}
	return writeJSON(path, r)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// MemoryCheckpointer keeps checkpoints and results in process memory.
type MemoryCheckpointer struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
	results     map[string]Result
}

// NewMemoryCheckpointer creates an empty MemoryCheckpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		checkpoints: make(map[string]Checkpoint),
		results:     make(map[string]Result),
	}
}

func (c *MemoryCheckpointer) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[cp.SessionID] = cp
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(_ context.Context, sessionID string) (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (c *MemoryCheckpointer) SaveResult(_ context.Context, r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[r.SessionID] = r
	return nil
}

// LatestResult returns the last result saved for a session.
func (c *MemoryCheckpointer) LatestResult(sessionID string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[sessionID]
	return r, ok
}
