package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a generic event in the system
type Event interface {
	// Type returns the event type identifier (e.g., "job.completed", "instance.anomaly")
	Type() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// Metadata returns additional context-specific data
	Metadata() map[string]any
	// ID returns a unique identifier for this event
	ID() string
}

// EventHandler processes events of a specific type
type EventHandler func(ctx context.Context, event Event) error

// UnsubscribeFunc removes a previously registered handler
type UnsubscribeFunc func() error

// EventBus provides a generic interface for publishing and subscribing to events
type EventBus interface {
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for events of a specific type
	Subscribe(eventType string, handler EventHandler) (UnsubscribeFunc, error)

	// SubscribeWithPriority registers a handler; higher priority handlers run first
	SubscribeWithPriority(eventType string, handler EventHandler, priority Priority) (UnsubscribeFunc, error)

	Close() error
	Health() Health
}

// Priority defines event handler execution priority
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Health represents the health status of an event bus
type Health struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
	LastError   string `json:"last_error"`
}

// BaseEvent provides a common implementation of the Event interface
type BaseEvent struct {
	id        string
	eventType string
	timestamp time.Time
	metadata  map[string]any
}

// NewBaseEvent creates a new base event
func NewBaseEvent(eventType string, metadata map[string]any) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &BaseEvent{
		id:        uuid.New().String(),
		eventType: eventType,
		timestamp: time.Now(),
		metadata:  metadata,
	}
}

func (e *BaseEvent) Type() string             { return e.eventType }
func (e *BaseEvent) Timestamp() time.Time     { return e.timestamp }
func (e *BaseEvent) Metadata() map[string]any { return e.metadata }
func (e *BaseEvent) ID() string               { return e.id }

// WithMetadata adds metadata to the event
func (e *BaseEvent) WithMetadata(key string, value any) *BaseEvent {
	e.metadata[key] = value
	return e
}
