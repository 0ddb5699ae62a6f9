package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
	gookitEvent "github.com/gookit/event"
)

const payloadKey = "payload"

// gookitEventBus implements EventBus using gookit/event as the underlying implementation
type gookitEventBus struct {
	manager     *gookitEvent.Manager
	logger      *applogger.Logger
	subscribers map[string]int
	mu          sync.RWMutex
	lastError   string
	closed      bool
}

// NewGookitEventBus creates a new synchronous event bus using gookit/event
func NewGookitEventBus(name string, logger *applogger.Logger) EventBus {
	return &gookitEventBus{
		manager:     gookitEvent.NewManager(name),
		logger:      logger.WithComponent("event_bus"),
		subscribers: make(map[string]int),
	}
}

// Publish fires the event to every listener registered for its type
func (b *gookitEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.RUnlock()

	b.logger.DebugContext(ctx, "publishing event",
		slog.String("type", event.Type()),
		slog.String("id", event.ID()))

	err, _ := b.manager.Fire(event.Type(), gookitEvent.M{payloadKey: event})
	if err != nil {
		b.mu.Lock()
		b.lastError = err.Error()
		b.mu.Unlock()

		b.logger.ErrorCtx(ctx, "failed to publish event", err,
			slog.String("type", event.Type()),
			slog.String("id", event.ID()))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Subscribe registers a handler for events of a specific type
func (b *gookitEventBus) Subscribe(eventType string, handler EventHandler) (UnsubscribeFunc, error) {
	return b.SubscribeWithPriority(eventType, handler, PriorityNormal)
}

// SubscribeWithPriority registers a handler with a specific priority
func (b *gookitEventBus) SubscribeWithPriority(eventType string, handler EventHandler, priority Priority) (UnsubscribeFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	gookitPriority := gookitEvent.Normal
	switch priority {
	case PriorityHigh:
		gookitPriority = gookitEvent.High
	case PriorityLow:
		gookitPriority = gookitEvent.Low
	}

	listener := &handlerListener{handler: handler}

	b.manager.On(eventType, listener, gookitPriority)
	b.subscribers[eventType]++

	b.logger.Debug("subscribed to event type",
		slog.String("type", eventType),
		slog.Int("priority", int(priority)))

	var once sync.Once
	return func() error {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			b.manager.RemoveListener(eventType, listener)
			if b.subscribers[eventType]--; b.subscribers[eventType] <= 0 {
				delete(b.subscribers, eventType)
			}
		})
		return nil
	}, nil
}

// Close gracefully shuts down the event bus
func (b *gookitEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.subscribers = make(map[string]int)
	b.manager.Clear()
	b.closed = true
	return nil
}

// Health returns the health status of the event bus
func (b *gookitEventBus) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := "healthy"
	message := "Event bus is operating normally"

	if b.closed {
		status = "unhealthy"
		message = "Event bus is closed"
	} else if b.lastError != "" {
		status = "degraded"
		message = "Event bus has recent errors"
	}

	total := 0
	for _, n := range b.subscribers {
		total += n
	}

	return Health{
		Status:      status,
		Message:     message,
		Subscribers: total,
		LastError:   b.lastError,
	}
}

// handlerListener adapts an EventHandler to gookit. Listeners are removed by
// identity, so each subscription gets its own pointer.
type handlerListener struct {
	handler EventHandler
}

func (l *handlerListener) Handle(e gookitEvent.Event) error {
	if ourEvent, ok := e.Get(payloadKey).(Event); ok {
		return l.handler(context.Background(), ourEvent)
	}
	return fmt.Errorf("invalid event payload received: %T", e.Get(payloadKey))
}
