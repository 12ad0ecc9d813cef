package updater

import "fmt"

var updatePlanSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"updated_plan_content": map[string]any{
			"type":        "string",
			"minLength":   1,
			"description": "The complete updated plan in markdown",
		},
	},
	"required":             []string{"updated_plan_content"},
	"additionalProperties": false,
}

const promptTemplate = `You are a specialized AI agent focused on updating plans.

Your task is to update a plan based on the following instruction:
%s

CURRENT PLAN:
%s

GUIDELINES FOR UPDATING PLANS:
1. Preserve the overall structure of the plan (title heading, metadata lines, "## Steps" section)
2. Keep the task description and creation date unchanged
3. Update the "Updated:" timestamp to the current time
4. When adding new steps, place them in a logical sequence
5. When modifying existing steps, preserve their intent but clarify or expand as needed
6. When addressing challenges, add steps specifically to overcome those challenges
7. When the goal changes, update both the task description and the steps
8. Ensure all steps are specific, actionable, and measurable
9. Use the update_plan tool with the complete updated plan content

Steps must stay in the form "N. [ ] description" or "N. [x] description".
Always return the COMPLETE updated plan, not just the changes.
`

func systemPrompt(instruction, current string) string {
	return fmt.Sprintf(promptTemplate, instruction, current)
}
