// Package comms carries engine events to whoever is listening: the SSE
// stream of the operator API, loggers, tests. Delivery is best effort.
package comms

import (
	"context"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	TaskEnqueued   EventType = "task.enqueued"
	TaskAssigned   EventType = "task.assigned"
	TaskStarted    EventType = "task.started"
	TaskCompleted  EventType = "task.completed"
	TaskFailed     EventType = "task.failed"
	TaskRetried    EventType = "task.retried"
	TaskCancelled  EventType = "task.cancelled"
	TaskReassigned EventType = "task.reassigned"
	TaskRequeued   EventType = "task.requeued"
	TaskEscalated  EventType = "task.escalated"
	TaskDeleted    EventType = "task.deleted"

	AgentRegistered EventType = "agent.registered"
	AgentStale      EventType = "agent.stale"
	AgentDemoted    EventType = "agent.demoted"

	LockAcquired      EventType = "lock.acquired"
	LockReleased      EventType = "lock.released"
	LockConflict      EventType = "lock.conflict"
	LockExpired       EventType = "lock.expired"
	LockForceReleased EventType = "lock.force_released"

	AlertRaised EventType = "alert.raised"
)

// Topic is the part of the event type before the dot ("task", "lock", ...).
func (t EventType) Topic() string {
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// AllTopics subscribes a handler to every event.
const AllTopics = "*"

// Event is one engine notification.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Subject   string            `json:"subject"` // task, agent or lock id, or resource path
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, ev *Event) error

// Bus fans events out to subscribers.
type Bus interface {
	// Publish delivers ev synchronously to every handler subscribed to its
	// topic and to AllTopics.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for a topic. Returns an unsubscribe
	// function.
	Subscribe(topic string, handler Handler) (unsubscribe func())

	// History returns recent events of a topic, oldest first.
	History(topic string, limit int) ([]*Event, error)
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Notify(ev Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(Event) {}
