package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/plugin"
	"github.com/tannus-ai/tannus/provider"
	"github.com/tannus-ai/tannus/provider/mock"
)

const replacementPlan = `# Write a blog post

A post about Go.

Status: Active

## Steps

1. [x] Draft outline
2. [ ] Write first draft
3. [ ] Publish
`

func newToolSession(t *testing.T) (*fixture, *session, *plugin.Registry) {
	t.Helper()
	f := newFixture(t, mock.New())
	s := &session{
		snap: Snapshot{SessionID: "s1", PlanID: f.plan.ID, Status: StatusRunning},
		wake: make(chan struct{}, 1),
	}
	reg, err := f.runner.sessionTools(s)
	require.NoError(t, err)
	return f, s, reg
}

func call(t *testing.T, reg *plugin.Registry, name string, args map[string]any) (string, error) {
	t.Helper()
	return reg.Execute(context.Background(), provider.ToolCall{ID: "c1", Name: name, Arguments: args})
}

func TestSessionTools_Definitions(t *testing.T) {
	_, _, reg := newToolSession(t)
	var names []string
	for _, d := range reg.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{
		ToolCheckCompletionStatus,
		ToolGetCurrentPlan,
		ToolLoadCheckpoint,
		ToolMarkStepCompleted,
		ToolReadFile,
		ToolSaveCheckpoint,
		ToolUpdatePlan,
		ToolWriteFile,
	}, names)
}

func TestSessionTools_UpdatePlan(t *testing.T) {
	f, _, reg := newToolSession(t)

	_, err := call(t, reg, ToolUpdatePlan, map[string]any{"updated_plan_content": replacementPlan})
	assert.ErrorContains(t, err, "get_current_plan", "replacing an unread plan is refused")

	_, err = call(t, reg, ToolGetCurrentPlan, nil)
	require.NoError(t, err)
	out, err := call(t, reg, ToolUpdatePlan, map[string]any{"updated_plan_content": replacementPlan})
	require.NoError(t, err)
	assert.Equal(t, "Plan updated successfully", out)
	p := f.current(t)
	require.Len(t, p.Steps, 3)
	assert.True(t, p.Steps[0].Completed)
	assert.Equal(t, "Publish", p.Steps[2].Description)

	_, err = call(t, reg, ToolUpdatePlan, map[string]any{"updated_plan_content": "# Title only\n"})
	assert.Error(t, err)
	assert.Len(t, f.current(t).Steps, 3, "rejected content leaves the plan alone")

	_, err = call(t, reg, ToolUpdatePlan, map[string]any{})
	assert.ErrorContains(t, err, "invalid arguments")
}

func TestSessionTools_UpdatePlanRejectsStaleRewrite(t *testing.T) {
	f, _, reg := newToolSession(t)
	ctx := context.Background()

	_, err := call(t, reg, ToolGetCurrentPlan, nil)
	require.NoError(t, err)
	_, err = f.plans.CompleteStep(ctx, f.plan.ID, 1)
	require.NoError(t, err)

	_, err = call(t, reg, ToolUpdatePlan, map[string]any{"updated_plan_content": replacementPlan})
	require.ErrorIs(t, err, plan.ErrStale)
	assert.ErrorContains(t, err, "get_current_plan")
	p := f.current(t)
	require.Len(t, p.Steps, 2)
	assert.True(t, p.Steps[1].Completed, "concurrent completion kept")

	_, err = call(t, reg, ToolGetCurrentPlan, nil)
	require.NoError(t, err)
	_, err = call(t, reg, ToolUpdatePlan, map[string]any{"updated_plan_content": replacementPlan})
	require.NoError(t, err)
	assert.Len(t, f.current(t).Steps, 3)
}

func TestSessionTools_OwnCompletionIsNotStale(t *testing.T) {
	f, _, reg := newToolSession(t)

	_, err := call(t, reg, ToolGetCurrentPlan, nil)
	require.NoError(t, err)
	_, err = call(t, reg, ToolMarkStepCompleted, map[string]any{"step_description": "outline"})
	require.NoError(t, err)
	_, err = call(t, reg, ToolUpdatePlan, map[string]any{"updated_plan_content": replacementPlan})
	require.NoError(t, err)
	assert.Len(t, f.current(t).Steps, 3)
}

func TestSessionTools_GetCurrentPlan(t *testing.T) {
	_, _, reg := newToolSession(t)
	out, err := call(t, reg, ToolGetCurrentPlan, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "# Write a blog post")
	assert.Contains(t, out, "1. [ ] Draft outline")
}

func TestSessionTools_MarkStepCompleted(t *testing.T) {
	f, _, reg := newToolSession(t)
	out, err := call(t, reg, ToolMarkStepCompleted, map[string]any{"step_description": "outline"})
	require.NoError(t, err)
	assert.Equal(t, "Step marked as completed: outline", out)
	assert.True(t, f.current(t).Steps[0].Completed)

	out, err = call(t, reg, ToolMarkStepCompleted, map[string]any{"step_description": "nonexistent"})
	require.NoError(t, err)
	assert.Contains(t, out, "No open step matches")
}

func TestSessionTools_Files(t *testing.T) {
	_, _, reg := newToolSession(t)

	out, err := call(t, reg, ToolWriteFile, map[string]any{"file_path": "notes/outline.md", "content": "# Outline"})
	require.NoError(t, err)
	assert.Equal(t, "File written successfully: notes/outline.md", out)

	out, err = call(t, reg, ToolReadFile, map[string]any{"file_path": "notes/outline.md"})
	require.NoError(t, err)
	assert.Equal(t, "# Outline", out)

	_, err = call(t, reg, ToolReadFile, map[string]any{"file_path": "missing.txt"})
	assert.ErrorContains(t, err, "file not found")

	for _, bad := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		_, err = call(t, reg, ToolWriteFile, map[string]any{"file_path": bad, "content": "x"})
		assert.Error(t, err, bad)
	}
}

func TestSessionTools_Checkpoints(t *testing.T) {
	f, s, reg := newToolSession(t)

	out, err := call(t, reg, ToolLoadCheckpoint, nil)
	require.NoError(t, err)
	assert.Equal(t, "No checkpoint found", out)

	out, err = call(t, reg, ToolSaveCheckpoint, map[string]any{"checkpoint_data": `{"section": 2}`})
	require.NoError(t, err)
	assert.Equal(t, "Checkpoint saved successfully", out)
	assert.NotNil(t, s.snapshot().LastCheckpoint)

	out, err = call(t, reg, ToolLoadCheckpoint, nil)
	require.NoError(t, err)
	assert.Contains(t, out, `"section":2`)
	assert.Contains(t, out, `"plan_id":"`+f.plan.ID+`"`)

	_, err = call(t, reg, ToolSaveCheckpoint, map[string]any{"checkpoint_data": "not json"})
	assert.ErrorContains(t, err, "JSON object")
}

func TestSessionTools_CheckCompletionStatus(t *testing.T) {
	f, s, reg := newToolSession(t)

	out, err := call(t, reg, ToolCheckCompletionStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, "Task is 0.0% complete. 0 of 2 steps completed.", out)

	_, err = f.plans.CompleteStep(context.Background(), f.plan.ID, 0)
	require.NoError(t, err)
	out, err = call(t, reg, ToolCheckCompletionStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, "Task is 50.0% complete. 1 of 2 steps completed.", out)
	assert.Equal(t, 50.0, s.snapshot().Progress)

	_, err = f.plans.CompleteStep(context.Background(), f.plan.ID, 1)
	require.NoError(t, err)
	out, err = call(t, reg, ToolCheckCompletionStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, "Task is completed! All 2 steps are done.", out)
}
