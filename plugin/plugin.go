// Package plugin defines the tool interface exposed to LLM-driven sessions.
// Tools are registered in a Registry, advertised to the provider through
// their definitions, and invoked when the model issues a tool call.
package plugin

import (
	"context"
	"slices"

	"github.com/tannus-ai/tannus/provider"
)

// Tool is a capability the model can invoke.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Definition returns the tool definition for the provider.
	Definition() provider.ToolDef

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Params   map[string]any // JSON Schema for the arguments
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Definition() provider.ToolDef {
	return provider.ToolDef{Name: f.ToolName, Description: f.Desc, Parameters: f.Params}
}

func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}

// Object builds a JSON Schema object with string properties. Every listed
// property is required.
func Object(props map[string]string) map[string]any {
	properties := make(map[string]any, len(props))
	required := make([]string, 0, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
		required = append(required, name)
	}
	slices.Sort(required)
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// String returns args[key] when it is a string.
func String(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
