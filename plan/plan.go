// Package plan defines the plan model, its markdown rendering, persistence,
// and the operations used to track progress through a plan's steps.
package plan

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNotFound is returned when a plan id has no stored plan.
	ErrNotFound = errors.New("plan not found")
	// ErrExists is returned when creating a plan under an id already in use.
	ErrExists = errors.New("plan already exists")
	// ErrInvalidMarkdown is returned when plan markdown lacks required structure.
	ErrInvalidMarkdown = errors.New("invalid plan markdown")
	// ErrInvalidStatus is returned for a status outside active, paused, completed.
	ErrInvalidStatus = errors.New("invalid plan status")
	// ErrInvalidOrder is returned when a reorder is not a permutation of the steps.
	ErrInvalidOrder = errors.New("invalid step order")
	// ErrStale is returned when a replacement was written against a version
	// of the plan that has since changed.
	ErrStale = errors.New("plan changed since it was read")
)

// Status is the lifecycle state of a plan. It changes only through explicit
// calls, never from step completion.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Step is one checklist item. Dependencies are descriptive only.
type Step struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Completed    bool       `json:"completed"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Note is a timestamped remark appended to a plan.
type Note struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is the persisted task decomposition.
type Plan struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Steps       []Step    `json:"steps"`
	Status      Status    `json:"status"`
	Notes       []Note    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Progress summarises step completion.
type Progress struct {
	CompletedSteps     int     `json:"completed_steps"`
	TotalSteps         int     `json:"total_steps"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// Progress computes completed / total steps. A plan without steps is at 0%.
func (p *Plan) Progress() Progress {
	pr := Progress{TotalSteps: len(p.Steps)}
	for _, s := range p.Steps {
		if s.Completed {
			pr.CompletedSteps++
		}
	}
	if pr.TotalSteps > 0 {
		pct := float64(pr.CompletedSteps) / float64(pr.TotalSteps) * 100
		pr.ProgressPercentage = math.Round(pct*100) / 100
	}
	return pr
}

// AllStepsCompleted reports whether the plan has steps and all are done.
func (p *Plan) AllStepsCompleted() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, s := range p.Steps {
		if !s.Completed {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.Dependencies = append([]string(nil), s.Dependencies...)
		s.Tags = append([]string(nil), s.Tags...)
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			s.CompletedAt = &t
		}
		c.Steps[i] = s
	}
	c.Notes = append([]Note(nil), p.Notes...)
	return &c
}

// setCompleted flips a step's completion flag and its timestamps.
func (s *Step) setCompleted(done bool, now time.Time) {
	s.Completed = done
	s.UpdatedAt = now
	if done {
		if s.CompletedAt == nil {
			s.CompletedAt = &now
		}
	} else {
		s.CompletedAt = nil
	}
}
