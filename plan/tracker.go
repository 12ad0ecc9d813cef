package plan

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/tannus-ai/tannus/comms"
)

// DefaultTemplate is used by CreateFromTemplate when no template is given.
// {{task}} and {{date}} are substituted.
const DefaultTemplate = `# Plan for: {{task}}

{{task}}

Created: {{date}}
Status: Active

## Steps

1. [ ] Analyze task requirements
2. [ ] Research necessary information
3. [ ] Develop initial solution
4. [ ] Implement solution
5. [ ] Test and validate
6. [ ] Finalize and deliver

## Notes

- Plan will be updated as the agent progresses
- Additional steps may be added based on task complexity
`

// Summary is the list view of a plan.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Progress  Progress  `json:"progress"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker exposes the markdown view of plans and checkbox-style progress
// tracking on top of a Manager. Methods report an unknown plan as
// ErrNotFound and a step that cannot be matched as false.
type Tracker struct {
	m  *Manager
	md goldmark.Markdown
}

// NewTracker creates a Tracker over m.
func NewTracker(m *Manager) *Tracker {
	return &Tracker{
		m:  m,
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Content returns the rendered markdown of a plan.
func (t *Tracker) Content(ctx context.Context, id string) (string, error) {
	md, ok, err := t.m.Markdown(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return md, nil
}

// HTML renders a plan's markdown as HTML with GFM task-list checkboxes.
func (t *Tracker) HTML(ctx context.Context, id string) (string, error) {
	md, err := t.Content(ctx, id)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render plan %s: %w", id, err)
	}
	return buf.String(), nil
}

// Steps returns the plan's steps in order.
func (t *Tracker) Steps(ctx context.Context, id string) ([]Step, error) {
	p, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Steps, nil
}

// MarkCompleted completes the first open step whose description contains
// desc. Duplicate or partial descriptions resolve to the first match.
func (t *Tracker) MarkCompleted(ctx context.Context, id, desc string) (bool, error) {
	return t.toggleByDescription(ctx, id, desc, true)
}

// MarkUncompleted reopens the first completed step whose description
// contains desc.
func (t *Tracker) MarkUncompleted(ctx context.Context, id, desc string) (bool, error) {
	return t.toggleByDescription(ctx, id, desc, false)
}

func (t *Tracker) toggleByDescription(ctx context.Context, id, desc string, done bool) (bool, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return false, nil
	}
	index := -1
	p, err := t.m.mutate(ctx, id, "step_toggled", func(p *Plan, now time.Time) (bool, error) {
		for i := range p.Steps {
			s := &p.Steps[i]
			if s.Completed != done && strings.Contains(s.Description, desc) {
				s.setCompleted(done, now)
				index = i
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, t.exists(ctx, id)
	}
	if done {
		t.m.publish(ctx, comms.EventStepCompleted, p, map[string]any{
			"step_index":  index,
			"description": p.Steps[index].Description,
		})
	}
	return true, nil
}

// MarkCompletedAt completes the step at index.
func (t *Tracker) MarkCompletedAt(ctx context.Context, id string, index int) (bool, error) {
	p, err := t.m.CompleteStep(ctx, id, index)
	return t.indexResult(ctx, id, p, err)
}

// MarkUncompletedAt reopens the step at index.
func (t *Tracker) MarkUncompletedAt(ctx context.Context, id string, index int) (bool, error) {
	p, err := t.m.UncompleteStep(ctx, id, index)
	return t.indexResult(ctx, id, p, err)
}

func (t *Tracker) indexResult(ctx context.Context, id string, p *Plan, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, t.exists(ctx, id)
	}
	return true, nil
}

// AddStep appends a step to the steps section.
func (t *Tracker) AddStep(ctx context.Context, id, desc string, completed bool) (bool, error) {
	p, err := t.m.AddStep(ctx, id, StepInput{Description: desc, Completed: completed})
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, ErrNotFound
	}
	return true, nil
}

// AddNote appends a timestamped note.
func (t *Tracker) AddNote(ctx context.Context, id, note string) (bool, error) {
	p, err := t.m.AddNote(ctx, id, note)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, ErrNotFound
	}
	return true, nil
}

// CreateFromTemplate creates plan id from tmpl, or DefaultTemplate when tmpl
// is empty. It fails with ErrExists if the id is taken.
func (t *Tracker) CreateFromTemplate(ctx context.Context, id, task, tmpl string) (*Plan, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid plan id %q", id)
	}
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	content := strings.NewReplacer(
		"{{task}}", task,
		"{{date}}", t.m.now().Format(noteTimeLayout),
	).Replace(tmpl)
	return t.m.Import(ctx, id, content)
}

// UpdateContent replaces a plan with edited markdown. The content must have
// a title and a steps section.
func (t *Tracker) UpdateContent(ctx context.Context, id, md string) (*Plan, error) {
	p, err := t.m.ReplaceFromMarkdown(ctx, id, md)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// List summarises every plan.
func (t *Tracker) List(ctx context.Context) []Summary {
	plans := t.m.List(ctx)
	out := make([]Summary, 0, len(plans))
	for _, p := range plans {
		out = append(out, Summary{
			ID:        p.ID,
			Title:     p.Title,
			Status:    p.Status,
			Progress:  p.Progress(),
			UpdatedAt: p.UpdatedAt,
		})
	}
	return out
}

// Progress reports step completion for a plan.
func (t *Tracker) Progress(ctx context.Context, id string) (Progress, error) {
	p, err := t.get(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return p.Progress(), nil
}

func (t *Tracker) get(ctx context.Context, id string) (*Plan, error) {
	p, err := t.m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// exists returns ErrNotFound for an unknown plan and nil otherwise.
func (t *Tracker) exists(ctx context.Context, id string) error {
	_, err := t.get(ctx, id)
	return err
}
