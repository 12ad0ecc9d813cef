// Package task records task submissions and follows them through the
// session that works on them.
package task

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for an unknown task id.
var ErrNotFound = errors.New("task not found")

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Done reports whether the task has reached a final state.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Task is one submitted piece of work and the plan and session serving it.
type Task struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	PlanID      string     `json:"plan_id,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store persists and retrieves tasks.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(ctx context.Context, t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// Update saves changes to an existing task.
	Update(ctx context.Context, t *Task) error

	// List returns tasks matching the given filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Delete removes a task by ID.
	Delete(ctx context.Context, id string) error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status    *Status `json:"status,omitempty"`
	PlanID    string  `json:"plan_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}

func (f Filter) match(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.PlanID != "" && t.PlanID != f.PlanID {
		return false
	}
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	return true
}
