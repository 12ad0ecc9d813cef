// Package updater rewrites plans with an LLM. Every operation hands the
// model the whole current plan and accepts the replacement only through the
// update_plan tool, after checking that it is still a well-formed plan.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tannus-ai/tannus/comms"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/plugin"
	"github.com/tannus-ai/tannus/provider"
)

// ToolUpdatePlan is the only tool offered to the model.
const ToolUpdatePlan = "update_plan"

// Operation names one of the LLM rewrites.
type Operation string

const (
	OpAddSteps            Operation = "add_steps"
	OpUpdateForChallenges Operation = "update_for_challenges"
	OpUpdateForGoalChange Operation = "update_for_goal_change"
	OpReorganize          Operation = "reorganize"
	OpSimplify            Operation = "simplify"
	OpExpand              Operation = "expand"
)

var errNoToolCall = errors.New("model did not call " + ToolUpdatePlan)

// Change summarises one accepted rewrite.
type Change struct {
	PlanID       string    `json:"plan_id"`
	Operation    Operation `json:"operation"`
	LinesAdded   int       `json:"lines_added"`
	LinesRemoved int       `json:"lines_removed"`
	StepsBefore  int       `json:"steps_before"`
	StepsAfter   int       `json:"steps_after"`
}

// Updater applies LLM-driven edits to plans.
type Updater struct {
	provider provider.Provider
	plans    *plan.Manager
	tracker  *plan.Tracker
	bus      comms.Bus
	logger   *slog.Logger
}

// Option configures an Updater.
type Option func(*Updater)

// WithBus publishes an agent_action event for each accepted rewrite and an
// error event for each rejected one.
func WithBus(b comms.Bus) Option { return func(u *Updater) { u.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(u *Updater) { u.logger = l } }

// New creates an Updater.
func New(p provider.Provider, plans *plan.Manager, opts ...Option) *Updater {
	u := &Updater{
		provider: p,
		plans:    plans,
		tracker:  plan.NewTracker(plans),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// MarkStepCompleted completes the first open step containing desc. It does
// not call the model.
func (u *Updater) MarkStepCompleted(ctx context.Context, id, desc string) bool {
	ok, err := u.tracker.MarkCompleted(ctx, id, desc)
	if err != nil {
		u.logger.Warn("mark step completed", "plan_id", id, "error", err)
		return false
	}
	return ok
}

// AddStepsBasedOnProgress asks the model for follow-up steps.
func (u *Updater) AddStepsBasedOnProgress(ctx context.Context, id, progress string) bool {
	return u.Run(ctx, OpAddSteps, id, progress)
}

// UpdateForChallenges asks the model to address obstacles.
func (u *Updater) UpdateForChallenges(ctx context.Context, id, challenge string) bool {
	return u.Run(ctx, OpUpdateForChallenges, id, challenge)
}

// UpdateForGoalChange asks the model to retarget the plan.
func (u *Updater) UpdateForGoalChange(ctx context.Context, id, goal string) bool {
	return u.Run(ctx, OpUpdateForGoalChange, id, goal)
}

// Reorganize asks the model to reorder steps for a better flow.
func (u *Updater) Reorganize(ctx context.Context, id string) bool {
	return u.Run(ctx, OpReorganize, id, "")
}

// Simplify asks the model to consolidate steps.
func (u *Updater) Simplify(ctx context.Context, id string) bool {
	return u.Run(ctx, OpSimplify, id, "")
}

// Expand asks the model for more detailed steps.
func (u *Updater) Expand(ctx context.Context, id string) bool {
	return u.Run(ctx, OpExpand, id, "")
}

// Run performs op on plan id. arg is the free text the operation needs, if
// any. Failures are logged and reported as false; the plan is left as it was.
func (u *Updater) Run(ctx context.Context, op Operation, id, arg string) bool {
	instruction, err := Instruction(op, arg)
	if err == nil {
		var change *Change
		change, err = u.apply(ctx, op, id, instruction)
		if err == nil {
			u.logger.Info("plan rewritten", "plan_id", id, "operation", op,
				"lines_added", change.LinesAdded, "lines_removed", change.LinesRemoved)
			u.publish(ctx, comms.EventAgentAction, id, map[string]any{
				"action": "plan_rewritten",
				"change": change,
			})
			return true
		}
	}
	u.logger.Warn("update plan", "plan_id", id, "operation", op, "error", err)
	u.publish(ctx, comms.EventError, id, map[string]any{
		"operation": op,
		"error":     err.Error(),
	})
	return false
}

// Instruction returns the request sent to the model for op.
func Instruction(op Operation, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	needsArg := func(s string) (string, error) {
		if arg == "" {
			return "", fmt.Errorf("%s requires a description", op)
		}
		return s, nil
	}
	switch op {
	case OpAddSteps:
		return needsArg(fmt.Sprintf("Based on this progress: %s, suggest new steps to add to the plan.", arg))
	case OpUpdateForChallenges:
		return needsArg(fmt.Sprintf("Based on these challenges: %s, update the plan to address them.", arg))
	case OpUpdateForGoalChange:
		return needsArg(fmt.Sprintf("The goal has changed to: %s. Update the plan to reflect this change.", arg))
	case OpReorganize:
		return "Reorganize the steps in this plan to improve logical flow and ensure dependencies are properly ordered.", nil
	case OpSimplify:
		return "Simplify this plan by consolidating related steps and removing unnecessary complexity.", nil
	case OpExpand:
		return "Expand this plan with more detailed steps to provide clearer guidance.", nil
	}
	return "", fmt.Errorf("unknown operation %q", op)
}

func (u *Updater) apply(ctx context.Context, op Operation, id, instruction string) (*Change, error) {
	current, err := u.plans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, plan.ErrNotFound
	}
	before := plan.Render(current)

	var change *Change
	tools := plugin.NewRegistry()
	if err := tools.Register(&plugin.Func{
		ToolName: ToolUpdatePlan,
		Desc:     "Replace the plan with new content. Pass the COMPLETE updated plan in markdown.",
		Params:   updatePlanSchema,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			content := plugin.String(args, "updated_plan_content")
			if err := plan.ValidateReplacement(content); err != nil {
				return nil, err
			}
			next, err := u.plans.ReplaceFromMarkdownIfUnchanged(ctx, id, content, before)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return nil, plan.ErrNotFound
			}
			change = diffPlans(op, id, before, plan.Render(next))
			change.StepsBefore = len(current.Steps)
			change.StepsAfter = len(next.Steps)
			return "Plan updated successfully", nil
		},
	}); err != nil {
		return nil, err
	}

	resp, err := u.provider.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt(instruction, before)},
		{Role: provider.RoleUser, Content: instruction},
	}, tools.Definitions())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u.provider.Name(), err)
	}
	if resp == nil {
		return nil, errNoToolCall
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name != ToolUpdatePlan {
			continue
		}
		if _, err := tools.Execute(ctx, tc); err != nil {
			return nil, err
		}
		return change, nil
	}
	return nil, errNoToolCall
}

func diffPlans(op Operation, id, before, after string) *Change {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	c := &Change{PlanID: id, Operation: op}
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			c.LinesAdded += n
		case diffmatchpatch.DiffDelete:
			c.LinesRemoved += n
		}
	}
	return c
}

func (u *Updater) publish(ctx context.Context, typ comms.EventType, id string, data map[string]any) {
	if u.bus == nil {
		return
	}
	if err := u.bus.Publish(ctx, &comms.Event{Type: typ, PlanID: id, Data: data}); err != nil {
		u.logger.Warn("publish updater event", "plan_id", id, "error", err)
	}
}
