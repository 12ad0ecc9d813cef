package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tannus-ai/tannus/provider"
)

// Registry holds the tools offered to a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name is already registered.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %q not found", name)
	}
	delete(r.tools, name)
	return nil
}

// Definitions returns the provider definitions of every tool.
func (r *Registry) Definitions() []provider.ToolDef {
	tools := r.List()
	defs := make([]provider.ToolDef, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Execute runs the tool named by call after checking its arguments against
// the tool's schema. The result is returned as the text sent back to the
// model: strings as-is, anything else JSON-encoded.
func (r *Registry) Execute(ctx context.Context, call provider.ToolCall) (string, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := ValidateArgs(t.Definition().Parameters, args); err != nil {
		return "", fmt.Errorf("tool %s: %w", call.Name, err)
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", call.Name, err)
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("tool %s: encode result: %w", call.Name, err)
	}
	return string(data), nil
}

// ValidateArgs checks args against a JSON Schema. A nil schema accepts anything.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validate arguments: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}
