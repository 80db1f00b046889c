// Package reload carries typed configuration-change events between the
// management surface and the pipeline caches. Delivery is in-process,
// at-least-once; subscribers must be idempotent under duplicate events.
package reload

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventType names one kind of configuration change.
type EventType string

const (
	PlatformAdded   EventType = "platform.added"
	PlatformUpdated EventType = "platform.updated"
	PlatformRemoved EventType = "platform.removed"

	RuleAdded   EventType = "rule.added"
	RuleUpdated EventType = "rule.updated"
	RuleRemoved EventType = "rule.removed"

	InstanceAdded    EventType = "instance.added"
	InstanceUpdated  EventType = "instance.updated"
	InstanceRemoved  EventType = "instance.removed"
	InstanceEnabled  EventType = "instance.enabled"
	InstanceDisabled EventType = "instance.disabled"

	FixedListenerChanged EventType = "fixed_listener.changed"
)

// Event is one configuration change. Seq increases monotonically per bus.
type Event struct {
	Seq  uint64
	Type EventType
	ID   string // affected entity id; empty for fixed_listener.changed
}

// Handler consumes one event. A failing handler keeps its previous cache;
// the bus logs and moves on.
type Handler func(Event) error

// Bus fans configuration events out to registered subscribers. Publishing is
// synchronous so a management mutation returns only after the caches saw the
// event at least once.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Handler
	seq         atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]Handler)}
}

// Subscribe registers a named handler. Re-subscribing the same name replaces
// the handler.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = handler
}

// Unsubscribe removes a handler.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, name)
}

// Publish stamps the event with the next sequence number and delivers it to
// every subscriber. Handler failures are logged, never propagated; the
// publisher cannot tell one cache apart from another.
func (b *Bus) Publish(eventType EventType, id string) Event {
	event := Event{
		Seq:  b.seq.Add(1),
		Type: eventType,
		ID:   id,
	}

	b.mu.RLock()
	handlers := make(map[string]Handler, len(b.subscribers))
	for name, h := range b.subscribers {
		handlers[name] = h
	}
	b.mu.RUnlock()

	for name, handler := range handlers {
		if err := handler(event); err != nil {
			slog.Error("reload handler failed, previous cache retained",
				"subscriber", name, "event", string(event.Type), "id", event.ID, "err", err)
		}
	}
	return event
}
