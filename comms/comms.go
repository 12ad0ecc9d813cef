// Package comms provides the in-process event bus that fans plan and session
// changes out to live clients and to cache invalidation.
package comms

import (
	"context"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventPlanUpdated   EventType = "plan_updated"
	EventStepCompleted EventType = "step_completed"
	EventAgentStatus   EventType = "agent_status_update"
	EventTaskUpdate    EventType = "task_update"
	EventTaskCompleted EventType = "task_completed"
	EventAgentAction   EventType = "agent_action"
	EventError         EventType = "error"
)

// AllEvents is the topic that receives every published event.
const AllEvents = "*"

// Event is a change notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	PlanID    string         `json:"plan_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Rooms returns the live-update rooms interested in e.
func (e *Event) Rooms() []string {
	var rooms []string
	if e.PlanID != "" {
		rooms = append(rooms, "plan:"+e.PlanID)
	}
	if e.SessionID != "" {
		rooms = append(rooms, "session:"+e.SessionID)
	}
	return rooms
}

// Handler processes a published event.
type Handler func(ctx context.Context, evt *Event) error

// Bus delivers events to subscribers of their type and to AllEvents.
type Bus interface {
	// Publish delivers evt synchronously to every matching subscriber.
	Publish(ctx context.Context, evt *Event) error

	// Subscribe registers a handler for an event type, or AllEvents.
	// Returns an unsubscribe function.
	Subscribe(topic string, handler Handler) (unsubscribe func())

	// History returns recent events for the topic in chronological order.
	History(topic string, limit int) ([]*Event, error)
}
