package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/plugin"
)

// Tool names offered to a session.
const (
	ToolUpdatePlan            = "update_plan"
	ToolGetCurrentPlan        = "get_current_plan"
	ToolMarkStepCompleted     = "mark_step_completed"
	ToolWriteFile             = "write_file"
	ToolReadFile              = "read_file"
	ToolSaveCheckpoint        = "save_checkpoint"
	ToolLoadCheckpoint        = "load_checkpoint"
	ToolCheckCompletionStatus = "check_completion_status"
)

var noArgs = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// sessionTools builds the registry a session's model works through. Every
// tool is bound to the session's plan and workspace.
func (r *Runner) sessionTools(s *session) (*plugin.Registry, error) {
	sessionID, planID := s.snap.SessionID, s.snap.PlanID

	tools := []plugin.Tool{
		&plugin.Func{
			ToolName: ToolUpdatePlan,
			Desc:     "Replace the plan with new content. Pass the COMPLETE updated plan in markdown.",
			Params: plugin.Object(map[string]string{
				"updated_plan_content": "The complete updated plan in markdown",
			}),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				content := plugin.String(args, "updated_plan_content")
				if err := plan.ValidateReplacement(content); err != nil {
					return nil, err
				}
				seen := s.planSeen()
				if seen == "" {
					return nil, errors.New("read the plan with get_current_plan before replacing it")
				}
				p, err := r.plans.ReplaceFromMarkdownIfUnchanged(ctx, planID, content, seen)
				if errors.Is(err, plan.ErrStale) {
					return nil, fmt.Errorf("%w; call get_current_plan and apply your changes to the latest version", err)
				}
				if err != nil {
					return nil, err
				}
				if p == nil {
					return nil, plan.ErrNotFound
				}
				s.sawPlan(plan.Render(p))
				return "Plan updated successfully", nil
			},
		},
		&plugin.Func{
			ToolName: ToolGetCurrentPlan,
			Desc:     "Return the current plan in markdown.",
			Params:   noArgs,
			Fn: func(ctx context.Context, _ map[string]any) (any, error) {
				md, ok, err := r.plans.Markdown(ctx, planID)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, plan.ErrNotFound
				}
				s.sawPlan(md)
				return md, nil
			},
		},
		&plugin.Func{
			ToolName: ToolMarkStepCompleted,
			Desc:     "Mark the first open step whose description contains the given text as completed.",
			Params: plugin.Object(map[string]string{
				"step_description": "Text contained in the step to complete",
			}),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				desc := plugin.String(args, "step_description")
				ok, err := r.tracker.MarkCompleted(ctx, planID, desc)
				if err != nil {
					return nil, err
				}
				if !ok {
					return fmt.Sprintf("No open step matches %q", desc), nil
				}
				// The model knows about its own change.
				if md, found, err := r.plans.Markdown(ctx, planID); err == nil && found {
					s.sawPlan(md)
				}
				return fmt.Sprintf("Step marked as completed: %s", desc), nil
			},
		},
		&plugin.Func{
			ToolName: ToolWriteFile,
			Desc:     "Write a file in the session workspace.",
			Params: plugin.Object(map[string]string{
				"file_path": "Path relative to the workspace",
				"content":   "File content",
			}),
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				path, err := r.workspacePath(sessionID, plugin.String(args, "file_path"))
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return nil, fmt.Errorf("create directory: %w", err)
				}
				if err := os.WriteFile(path, []byte(plugin.String(args, "content")), 0o644); err != nil {
					return nil, fmt.Errorf("write file: %w", err)
				}
				return fmt.Sprintf("File written successfully: %s", plugin.String(args, "file_path")), nil
			},
		},
		&plugin.Func{
			ToolName: ToolReadFile,
			Desc:     "Read a file from the session workspace.",
			Params: plugin.Object(map[string]string{
				"file_path": "Path relative to the workspace",
			}),
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				path, err := r.workspacePath(sessionID, plugin.String(args, "file_path"))
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(path)
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("file not found: %s", plugin.String(args, "file_path"))
				}
				if err != nil {
					return nil, fmt.Errorf("read file: %w", err)
				}
				return string(data), nil
			},
		},
		&plugin.Func{
			ToolName: ToolSaveCheckpoint,
			Desc:     "Save progress data to restore in a later iteration.",
			Params: plugin.Object(map[string]string{
				"checkpoint_data": "A JSON object with the data to keep",
			}),
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				var data map[string]any
				if err := json.Unmarshal([]byte(plugin.String(args, "checkpoint_data")), &data); err != nil {
					return nil, fmt.Errorf("checkpoint_data must be a JSON object: %w", err)
				}
				if err := r.checkpoint(ctx, s, data); err != nil {
					return nil, err
				}
				return "Checkpoint saved successfully", nil
			},
		},
		&plugin.Func{
			ToolName: ToolLoadCheckpoint,
			Desc:     "Load the last saved checkpoint.",
			Params:   noArgs,
			Fn: func(ctx context.Context, _ map[string]any) (any, error) {
				cp, err := r.checkpoints.LoadCheckpoint(ctx, sessionID)
				if err != nil {
					return nil, err
				}
				if cp == nil {
					return "No checkpoint found", nil
				}
				return cp, nil
			},
		},
		&plugin.Func{
			ToolName: ToolCheckCompletionStatus,
			Desc:     "Report how many plan steps are completed.",
			Params:   noArgs,
			Fn: func(ctx context.Context, _ map[string]any) (any, error) {
				p, err := r.plans.Get(ctx, planID)
				if err != nil {
					return nil, err
				}
				if p == nil {
					return nil, plan.ErrNotFound
				}
				prog := p.Progress()
				s.mu.Lock()
				s.snap.Progress = prog.ProgressPercentage
				s.snap.LastUpdate = r.now()
				s.mu.Unlock()
				if p.AllStepsCompleted() {
					return fmt.Sprintf("Task is completed! All %d steps are done.", prog.TotalSteps), nil
				}
				return fmt.Sprintf("Task is %.1f%% complete. %d of %d steps completed.",
					prog.ProgressPercentage, prog.CompletedSteps, prog.TotalSteps), nil
			},
		},
	}

	reg := plugin.NewRegistry()
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// workspacePath resolves name inside the session's workspace, refusing
// absolute paths and paths that climb out of it.
func (r *Runner) workspacePath(sessionID, name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("file path %q must be relative to the workspace", name)
	}
	return filepath.Join(r.cfg.WorkspaceDir, sessionID, name), nil
}
