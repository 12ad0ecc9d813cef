// Package runner drives long-running agent sessions against a plan. A
// session repeatedly asks the model to make progress, lets it edit the plan
// and a private workspace through tools, and stops when every step is done,
// when the model declares the task complete, or when its runtime budget is
// spent.
package runner

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when starting a session id that is still active.
	ErrSessionExists = errors.New("session already active")
	// ErrInvalidTransition is returned when an action is not allowed in the
	// session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
	StatusStalled   Status = "stalled"
)

// Terminal reports whether no further work happens in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Snapshot is the last recorded state of a session. It may lag the running
// loop by up to one iteration.
type Snapshot struct {
	SessionID          string     `json:"session_id"`
	PlanID             string     `json:"plan_id"`
	Task               string     `json:"task"`
	Status             Status     `json:"status"`
	Progress           float64    `json:"progress"`
	Iterations         int        `json:"iterations"`
	StartTime          time.Time  `json:"start_time"`
	LastUpdate         time.Time  `json:"last_update"`
	LastCheckpoint     *time.Time `json:"last_checkpoint,omitempty"`
	MaxRuntime         int64      `json:"max_runtime"`         // seconds
	CheckpointInterval int64      `json:"checkpoint_interval"` // seconds
	Error              string     `json:"error,omitempty"`
}
