package runner

import "fmt"

const (
	// completionMarker in a final answer ends the session as completed.
	completionMarker = "TASK_COMPLETE"

	continuePrompt = "Continue working on the task. Check your progress and update the plan accordingly."
)

const systemPromptTemplate = `You are an autonomous AI agent designed to work on tasks indefinitely until they are completed.

TASK:
%s

CURRENT PLAN:
%s

GUIDELINES FOR INDEFINITE RUNNING:
1. Work on the task step by step, following the plan
2. Update the plan as you make progress with the update_plan tool
3. Mark steps as completed with the mark_step_completed tool
4. Save your progress regularly with the save_checkpoint tool
5. Use write_file and read_file to keep intermediate results in your workspace
6. If you encounter obstacles, adapt the plan accordingly
7. Check your completion status regularly with the check_completion_status tool
8. When every step is done, answer with %s

IMPORTANT:
- You are running in an indefinite loop; each iteration starts a fresh conversation
- The plan is your memory between iterations, so keep it accurate
- Re-read the plan with get_current_plan after changing it
- Load your last checkpoint with load_checkpoint when you need earlier context
`

func systemPrompt(task, planMarkdown string) string {
	return fmt.Sprintf(systemPromptTemplate, task, planMarkdown, completionMarker)
}
