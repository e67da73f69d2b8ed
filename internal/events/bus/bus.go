// Package bus carries typed relay signals between components, either
// in-process or over NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one signal on the bus. Type is a name from the events
// package; subjects add the session scoping (e.g. "session.closed.<id>").
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with an id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event. A non-nil error is logged
// by the bus; it does not stop the subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by the in-memory and
// NATS implementations. Subjects follow NATS conventions: "*" matches
// one token, ">" matches the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to one member of the queue
	// group, for load-balanced consumers.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes and waits for a single reply.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	Close()
	IsConnected() bool
}
