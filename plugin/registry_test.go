package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tannus-ai/tannus/provider"
)

func echoTool(name string) *Func {
	return &Func{
		ToolName: name,
		Desc:     "echo the text argument",
		Params:   Object(map[string]string{"text": "text to echo"}),
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return String(args, "text"), nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("echo")); err == nil {
		t.Error("duplicate Register should fail")
	}
	if _, ok := r.Get("echo"); !ok {
		t.Error("Get(echo) not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found")
	}
}

func TestRegistry_ListAndDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_ = r.Register(echoTool(n))
	}
	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[2].Name != "zeta" {
		t.Errorf("Definitions = %+v", defs)
	}
	if err := r.Unregister("mid"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := r.Unregister("mid"); err == nil {
		t.Error("second Unregister should fail")
	}
	if len(r.List()) != 2 {
		t.Errorf("List = %d tools, want 2", len(r.List()))
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool("echo"))
	_ = r.Register(&Func{
		ToolName: "status",
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"done": true}, nil
		},
	})
	_ = r.Register(&Func{
		ToolName: "broken",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("disk full")
		},
	})
	ctx := context.Background()

	out, err := r.Execute(ctx, provider.ToolCall{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	if err != nil || out != "hi" {
		t.Errorf("echo = %q, %v", out, err)
	}

	out, err = r.Execute(ctx, provider.ToolCall{Name: "status"})
	if err != nil || out != `{"done":true}` {
		t.Errorf("status = %q, %v", out, err)
	}

	if _, err := r.Execute(ctx, provider.ToolCall{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("broken err = %v", err)
	}
	if _, err := r.Execute(ctx, provider.ToolCall{Name: "nope"}); err == nil {
		t.Error("unknown tool should fail")
	}
}

func TestRegistry_ExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool("echo"))
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing", nil},
		{"wrong type", map[string]any{"text": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, provider.ToolCall{Name: "echo", Arguments: tt.args})
			if err == nil || !strings.Contains(err.Error(), "invalid arguments") {
				t.Errorf("err = %v, want invalid arguments", err)
			}
		})
	}
}

func TestObjectSchema(t *testing.T) {
	s := Object(map[string]string{"b": "", "a": ""})
	req, _ := s["required"].([]string)
	if len(req) != 2 || req[0] != "a" || req[1] != "b" {
		t.Errorf("required = %v", s["required"])
	}
}
