package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tannus-ai/tannus/comms"
)

// StepInput describes a step to add.
type StepInput struct {
	Description  string   `json:"description"`
	Completed    bool     `json:"completed,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Patch is a partial plan update; nil fields are left alone.
type Patch struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Status      *Status  `json:"status,omitempty"`
	Steps       []string `json:"steps,omitempty"` // replaces all steps when non-nil
}

// StepPatch is a partial step update; nil fields are left alone.
type StepPatch struct {
	Description  *string   `json:"description,omitempty"`
	Completed    *bool     `json:"completed,omitempty"`
	Dependencies *[]string `json:"dependencies,omitempty"`
	Priority     *string   `json:"priority,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
}

// Manager owns plan CRUD. Read-modify-write cycles on one plan are
// serialised so concurrent updates cannot lose each other's changes. Edits
// prepared outside the lock, such as an LLM rewrite, go through
// ReplaceFromMarkdownIfUnchanged or ReplaceIfEdited.
type Manager struct {
	store  Store
	bus    comms.Bus
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes plan_updated and step_completed events to bus.
func WithBus(bus comms.Bus) Option { return func(m *Manager) { m.bus = bus } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create persists a new active plan. Storage failures propagate.
func (m *Manager) Create(ctx context.Context, title, description string, steps []string) (*Plan, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("plan title is required")
	}
	now := m.now()
	p := &Plan{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(description),
		Status:      StatusActive,
		Steps:       []Step{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, d := range steps {
		if d = oneLine(d); d != "" {
			p.Steps = append(p.Steps, newStep(StepInput{Description: d}, now))
		}
	}
	unlock := m.lock(p.ID)
	err := m.store.Save(p)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	m.publish(ctx, comms.EventPlanUpdated, p, map[string]any{"action": "created"})
	return p.Clone(), nil
}

// Import stores a plan parsed from markdown under id, failing with
// ErrExists when the id is taken. An empty id gets a fresh one.
func (m *Manager) Import(ctx context.Context, id, md string) (*Plan, error) {
	doc, err := Parse(md)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if id != "" && !ValidID(id) {
		return nil, fmt.Errorf("invalid plan id %q", id)
	}
	p := doc.Plan(id, m.now())

	defer m.lock(p.ID)()
	if _, err := m.store.Get(p.ID); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := m.store.Save(p); err != nil {
		return nil, fmt.Errorf("import plan: %w", err)
	}
	m.publish(ctx, comms.EventPlanUpdated, p, map[string]any{"action": "created"})
	return p.Clone(), nil
}

// Get returns the plan, or nil without error when id is unknown.
func (m *Manager) Get(_ context.Context, id string) (*Plan, error) {
	p, err := m.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Update merges patch into the plan. Returns nil for an unknown id.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*Plan, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
	}
	return m.mutate(ctx, id, "updated", func(p *Plan, now time.Time) (bool, error) {
		if patch.Title != nil {
			t := strings.TrimSpace(*patch.Title)
			if t == "" {
				return false, fmt.Errorf("plan title is required")
			}
			p.Title = t
		}
		if patch.Description != nil {
			p.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.Status != nil {
			p.Status = *patch.Status
		}
		if patch.Steps != nil {
			p.Steps = make([]Step, 0, len(patch.Steps))
			for _, d := range patch.Steps {
				if d = oneLine(d); d != "" {
					p.Steps = append(p.Steps, newStep(StepInput{Description: d}, now))
				}
			}
		}
		return true, nil
	})
}

// SetStatus is Update with only the status set.
func (m *Manager) SetStatus(ctx context.Context, id string, s Status) (*Plan, error) {
	return m.Update(ctx, id, Patch{Status: &s})
}

// AddStep appends a step. Returns nil for an unknown id.
func (m *Manager) AddStep(ctx context.Context, id string, in StepInput) (*Plan, error) {
	in.Description = oneLine(in.Description)
	if in.Description == "" {
		return nil, fmt.Errorf("step description is required")
	}
	return m.mutate(ctx, id, "step_added", func(p *Plan, now time.Time) (bool, error) {
		p.Steps = append(p.Steps, newStep(in, now))
		return true, nil
	})
}

// UpdateStep patches the step at index. Returns nil when the id is unknown
// or index is outside [0, len(steps)).
func (m *Manager) UpdateStep(ctx context.Context, id string, index int, patch StepPatch) (*Plan, error) {
	return m.mutate(ctx, id, "step_updated", func(p *Plan, now time.Time) (bool, error) {
		if index < 0 || index >= len(p.Steps) {
			return false, nil
		}
		s := &p.Steps[index]
		if patch.Description != nil {
			d := oneLine(*patch.Description)
			if d == "" {
				return false, fmt.Errorf("step description is required")
			}
			s.Description = d
		}
		if patch.Completed != nil {
			s.setCompleted(*patch.Completed, now)
		}
		if patch.Dependencies != nil {
			s.Dependencies = *patch.Dependencies
		}
		if patch.Priority != nil {
			s.Priority = *patch.Priority
		}
		if patch.Tags != nil {
			s.Tags = *patch.Tags
		}
		s.UpdatedAt = now
		return true, nil
	})
}

// CompleteStep marks the step at index completed. Completing an already
// completed step succeeds and changes nothing but the plan's UpdatedAt.
func (m *Manager) CompleteStep(ctx context.Context, id string, index int) (*Plan, error) {
	done := true
	p, err := m.UpdateStep(ctx, id, index, StepPatch{Completed: &done})
	if p != nil {
		m.publish(ctx, comms.EventStepCompleted, p, map[string]any{
			"step_index":  index,
			"description": p.Steps[index].Description,
		})
	}
	return p, err
}

// UncompleteStep clears the completion flag of the step at index.
func (m *Manager) UncompleteStep(ctx context.Context, id string, index int) (*Plan, error) {
	done := false
	return m.UpdateStep(ctx, id, index, StepPatch{Completed: &done})
}

// ReorderSteps rearranges steps so that new position i holds the step
// previously at order[i]. order must be a permutation of the step indexes.
func (m *Manager) ReorderSteps(ctx context.Context, id string, order []int) (*Plan, error) {
	return m.mutate(ctx, id, "steps_reordered", func(p *Plan, _ time.Time) (bool, error) {
		if len(order) != len(p.Steps) {
			return false, fmt.Errorf("%w: got %d indexes for %d steps", ErrInvalidOrder, len(order), len(p.Steps))
		}
		seen := make([]bool, len(order))
		steps := make([]Step, len(order))
		for i, from := range order {
			if from < 0 || from >= len(order) || seen[from] {
				return false, fmt.Errorf("%w: index %d", ErrInvalidOrder, from)
			}
			seen[from] = true
			steps[i] = p.Steps[from]
		}
		p.Steps = steps
		return true, nil
	})
}

// AddNote appends a timestamped note. Returns nil for an unknown id.
func (m *Manager) AddNote(ctx context.Context, id, text string) (*Plan, error) {
	text = oneLine(text)
	if text == "" {
		return nil, fmt.Errorf("note text is required")
	}
	return m.mutate(ctx, id, "note_added", func(p *Plan, now time.Time) (bool, error) {
		p.Notes = append(p.Notes, Note{Text: text, CreatedAt: now})
		return true, nil
	})
}

// ReplaceFromMarkdown rebuilds the plan from edited markdown, keeping its
// id and creation time. Notes are kept unless the markdown has a notes
// section of its own. Step ids are regenerated. Returns nil for an unknown id.
func (m *Manager) ReplaceFromMarkdown(ctx context.Context, id, md string) (*Plan, error) {
	doc, err := parseReplacement(md)
	if err != nil {
		return nil, err
	}
	return m.mutate(ctx, id, "replaced", func(p *Plan, now time.Time) (bool, error) {
		replaceWith(p, doc, now)
		return true, nil
	})
}

// ReplaceFromMarkdownIfUnchanged is ReplaceFromMarkdown for edits derived
// from the rendering seen. It fails with ErrStale when the stored plan no
// longer renders to seen, so changes made while the edit was being prepared
// are not overwritten.
func (m *Manager) ReplaceFromMarkdownIfUnchanged(ctx context.Context, id, md, seen string) (*Plan, error) {
	doc, err := parseReplacement(md)
	if err != nil {
		return nil, err
	}
	return m.mutate(ctx, id, "replaced", func(p *Plan, now time.Time) (bool, error) {
		if !SameMarkdown(Render(p), seen) {
			return false, ErrStale
		}
		replaceWith(p, doc, now)
		return true, nil
	})
}

// ReplaceIfEdited calls read under the plan's lock and applies the markdown
// it returns when it differs from the stored plan's rendering. Stores that
// keep a markdown copy rewrite it within Save, which runs under the same
// lock, so a match means the copy was not edited. Returns nil when nothing
// changed or the id is unknown.
func (m *Manager) ReplaceIfEdited(ctx context.Context, id string, read func() (string, error)) (*Plan, error) {
	return m.mutate(ctx, id, "replaced", func(p *Plan, now time.Time) (bool, error) {
		md, err := read()
		if err != nil {
			return false, err
		}
		if SameMarkdown(Render(p), md) {
			return false, nil
		}
		doc, err := parseReplacement(md)
		if err != nil {
			return false, err
		}
		replaceWith(p, doc, now)
		return true, nil
	})
}

// SameMarkdown reports whether two renderings are equal, ignoring line
// endings and surrounding whitespace.
func SameMarkdown(a, b string) bool {
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }
	return norm(a) == norm(b)
}

func parseReplacement(md string) (*Document, error) {
	doc, err := Parse(md)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func replaceWith(p *Plan, doc *Document, now time.Time) {
	next := doc.Plan(p.ID, now)
	next.CreatedAt = p.CreatedAt
	if !doc.HasNotes {
		next.Notes = p.Notes
	}
	*p = *next
}

// List returns all plans, most recently updated first. Errors are logged and
// whatever could be read is returned.
func (m *Manager) List(_ context.Context) []*Plan {
	plans, err := m.store.List()
	if err != nil {
		m.logger.Warn("list plans", "error", err)
	}
	if plans == nil {
		return []*Plan{}
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].UpdatedAt.After(plans[j].UpdatedAt)
	})
	return plans
}

// Delete removes a plan, reporting whether it was removed. Errors are logged.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	defer m.lock(id)()
	if err := m.store.Delete(id); err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Error("delete plan", "plan_id", id, "error", err)
		}
		return false
	}
	// The lock entry stays: callers already waiting on it must keep
	// excluding a later Import of the same id.
	m.publish(ctx, comms.EventPlanUpdated, &Plan{ID: id}, map[string]any{"action": "deleted"})
	return true
}

// ToMarkdown renders p.
func (m *Manager) ToMarkdown(p *Plan) string { return Render(p) }

// FromMarkdown parses md into a new plan value without storing it. An empty
// id gets a fresh one.
func (m *Manager) FromMarkdown(md, id string) (*Plan, error) {
	doc, err := Parse(md)
	if err != nil {
		return nil, err
	}
	return doc.Plan(id, m.now()), nil
}

// Markdown renders the stored plan. ok is false for an unknown id.
func (m *Manager) Markdown(ctx context.Context, id string) (md string, ok bool, err error) {
	p, err := m.Get(ctx, id)
	if err != nil || p == nil {
		return "", false, err
	}
	return Render(p), true, nil
}

// mutate runs fn against the stored plan under the plan's lock and saves the
// result. fn returning false means "nothing to do" and yields a nil plan.
func (m *Manager) mutate(ctx context.Context, id, action string, fn func(p *Plan, now time.Time) (bool, error)) (*Plan, error) {
	defer m.lock(id)()

	p, err := m.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := m.now()
	ok, err := fn(p, now)
	if err != nil || !ok {
		return nil, err
	}
	p.UpdatedAt = now
	if err := m.store.Save(p); err != nil {
		return nil, fmt.Errorf("save plan %s: %w", id, err)
	}
	m.publish(ctx, comms.EventPlanUpdated, p, map[string]any{"action": action})
	return p.Clone(), nil
}

func (m *Manager) publish(ctx context.Context, typ comms.EventType, p *Plan, data map[string]any) {
	if m.bus == nil {
		return
	}
	if p.Title != "" {
		data["progress"] = p.Progress()
		data["status"] = p.Status
	}
	evt := &comms.Event{Type: typ, PlanID: p.ID, Data: data}
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.logger.Warn("publish plan event", "plan_id", p.ID, "type", typ, "error", err)
	}
}

func newStep(in StepInput, now time.Time) Step {
	s := Step{
		ID:           uuid.NewString(),
		Description:  in.Description,
		Dependencies: in.Dependencies,
		Priority:     in.Priority,
		Tags:         in.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Completed {
		s.setCompleted(true, now)
	}
	return s
}
