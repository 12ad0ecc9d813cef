package comms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryBus is a thread-safe in-process event bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // topic -> handlers
	history  []*Event
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		maxHist:  1000,
	}
}

// Publish records evt and hands it to subscribers of evt.Type and AllEvents.
// Handler errors are collected; every handler runs regardless.
func (b *InMemoryBus) Publish(ctx context.Context, evt *Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	// Collect handlers to invoke outside the lock
	var targets []Handler
	for _, e := range b.handlers[string(evt.Type)] {
		targets = append(targets, e.handler)
	}
	for _, e := range b.handlers[AllEvents] {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d handler error(s): %w", evt.Type, len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for topic.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, topic)
		} else {
			b.handlers[topic] = filtered
		}
	}
}

// History returns the most recent limit events of the given topic.
// AllEvents matches every event; limit <= 0 returns everything retained.
func (b *InMemoryBus) History(topic string, limit int) ([]*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Event
	for i := len(b.history) - 1; i >= 0; i-- {
		e := b.history[i]
		if topic == AllEvents || string(e.Type) == topic {
			result = append(result, e)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}
