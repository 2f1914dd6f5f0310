// Package bus provides the event bus used to fan session, sandbox, and pool
// notifications out to SSE followers, log streams, and metrics counters.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects. Session-scoped subjects interpolate the session id.
const (
	SubjectSessionEvents = "ash.session.%s.events" // classified timeline events
	SubjectSessionLogs   = "ash.session.%s.logs"   // bridge log lines
	SubjectPoolEvicted   = "ash.pool.evicted"
	SubjectPoolCreated   = "ash.pool.created"
	SubjectRunnerDead    = "ash.runner.dead"
	SubjectRunnerAlive   = "ash.runner.registered"
	SubjectAgentEvents   = "ash.agents"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"` // component that produced the event
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface. Subjects are dot-separated with
// NATS wildcard semantics: * matches one token, > matches the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
