package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tannus-ai/tannus/comms"
)

// sessionStatus maps a session's reported status onto the task lifecycle.
// Statuses not listed leave the task unchanged.
var sessionStatus = map[string]Status{
	"running":   StatusInProgress,
	"completed": StatusCompleted,
	"error":     StatusFailed,
	"timeout":   StatusFailed,
	"stopped":   StatusCanceled,
}

// Follow keeps tasks in step with the sessions serving them by listening
// for session status events on bus. It returns the unsubscribe function.
func Follow(bus comms.Bus, store Store, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	handle := func(ctx context.Context, evt *comms.Event) error {
		if evt.SessionID == "" {
			return nil
		}
		var next Status
		if evt.Type == comms.EventTaskCompleted {
			next = StatusCompleted
		} else {
			s, ok := sessionStatus[fmt.Sprint(evt.Data["status"])]
			if !ok {
				return nil
			}
			next = s
		}
		var errMsg string
		if e, ok := evt.Data["error"].(string); ok {
			errMsg = e
		}
		if err := apply(ctx, store, evt.SessionID, next, errMsg); err != nil {
			logger.Warn("follow task status", "session_id", evt.SessionID, "error", err)
		}
		return nil
	}
	unsubStatus := bus.Subscribe(string(comms.EventAgentStatus), handle)
	unsubDone := bus.Subscribe(string(comms.EventTaskCompleted), handle)
	return func() {
		unsubStatus()
		unsubDone()
	}
}

func apply(ctx context.Context, store Store, sessionID string, next Status, errMsg string) error {
	tasks, err := store.List(ctx, Filter{SessionID: sessionID})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == next || t.Status.Done() {
			continue
		}
		t.Status = next
		if errMsg != "" {
			t.Error = errMsg
		}
		if next.Done() {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
		if err := store.Update(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
