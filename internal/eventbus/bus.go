// Package eventbus is the in-process publish/subscribe bus. It is
// strictly process-local: there is no remote transport and no persistence
// of missed events. Subscribers that are not listening when an event is
// published simply do not see it; durable history lives in the message and
// session stores, not the bus.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one item published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new Event with a fresh ID and the current timestamp.
func NewEvent(eventType, sessionID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one event. A returned error is logged but does not
// block delivery to other subscribers.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live subscription to a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract. Subject patterns support NATS-style
// wildcards: "*" matches one token, ">" matches the remaining tokens.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
