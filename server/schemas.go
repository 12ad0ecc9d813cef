package server

// Request body schemas. Required strings must contain a non-blank character.

var nonBlank = map[string]any{"type": "string", "pattern": `\S`}

func object(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func requireText(field string) map[string]any {
	return object([]string{field}, map[string]any{field: nonBlank})
}

var (
	submitTaskSchema = object([]string{"task"}, map[string]any{
		"task": nonBlank,
	})

	createPlanSchema = object([]string{"task"}, map[string]any{
		"task":        nonBlank,
		"description": map[string]any{"type": "string"},
		"steps":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	})

	updatePlanSchema = object([]string{"updates"}, map[string]any{
		"updates": map[string]any{
			"type":          "object",
			"minProperties": 1,
			"properties": map[string]any{
				"title":       nonBlank,
				"description": map[string]any{"type": "string"},
				"status":      map[string]any{"enum": []any{"active", "paused", "completed"}},
				"steps":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
	})

	reorderSchema = object([]string{"order"}, map[string]any{
		"order": map[string]any{"type": "array", "items": map[string]any{"type": "integer", "minimum": 0}},
	})

	importSchema = object([]string{"markdown"}, map[string]any{
		"id":       map[string]any{"type": "string"},
		"markdown": nonBlank,
	})

	addStepSchema = object([]string{"description"}, map[string]any{
		"description": nonBlank,
		"completed":   map[string]any{"type": "boolean"},
	})

	createFromTemplateSchema = object([]string{"task"}, map[string]any{
		"task":     nonBlank,
		"template": map[string]any{"type": "string"},
	})

	startSessionSchema = object(nil, map[string]any{
		"task":       map[string]any{"type": "string"},
		"plan_id":    map[string]any{"type": "string"},
		"session_id": map[string]any{"type": "string"},
	})

	loginSchema = object([]string{"username", "password"}, map[string]any{
		"username": nonBlank,
		"password": map[string]any{"type": "string", "minLength": 1},
	})
)
