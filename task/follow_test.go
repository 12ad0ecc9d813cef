package task

import (
	"context"
	"testing"

	"github.com/tannus-ai/tannus/comms"
)

func TestFollow(t *testing.T) {
	ctx := context.Background()
	bus := comms.NewInMemoryBus()
	store := NewMemoryStore()
	unsub := Follow(bus, store, nil)
	defer unsub()

	a := &Task{Text: "a", SessionID: "s1"}
	b := &Task{Text: "b", SessionID: "s2"}
	for _, tk := range []*Task{a, b} {
		if _, err := store.Create(ctx, tk); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	publish := func(typ comms.EventType, session string, data map[string]any) {
		t.Helper()
		if err := bus.Publish(ctx, &comms.Event{Type: typ, SessionID: session, Data: data}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	status := func(id string) *Task {
		t.Helper()
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return got
	}

	publish(comms.EventAgentStatus, "s1", map[string]any{"status": "running"})
	if got := status(a.ID); got.Status != StatusInProgress {
		t.Errorf("after running: status = %q, want %q", got.Status, StatusInProgress)
	}
	if got := status(b.ID); got.Status != StatusPending {
		t.Errorf("other session changed: status = %q", got.Status)
	}

	publish(comms.EventAgentStatus, "s1", map[string]any{"status": "paused"})
	if got := status(a.ID); got.Status != StatusInProgress {
		t.Errorf("paused should not change the task: status = %q", got.Status)
	}

	publish(comms.EventTaskCompleted, "s1", nil)
	got := status(a.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("after completion: status = %q, completed_at = %v", got.Status, got.CompletedAt)
	}

	publish(comms.EventAgentStatus, "s1", map[string]any{"status": "stopped"})
	if got := status(a.ID); got.Status != StatusCompleted {
		t.Errorf("finished tasks stay finished: status = %q", got.Status)
	}

	publish(comms.EventAgentStatus, "s2", map[string]any{"status": "error", "error": "boom"})
	got = status(b.ID)
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Errorf("after error: status = %q, error = %q", got.Status, got.Error)
	}
}
