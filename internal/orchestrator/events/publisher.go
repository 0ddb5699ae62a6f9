package events

import (
	"context"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/pkg/events"
)

// EventPublisher groups the domain publishers that share one bus.
type EventPublisher struct {
	bus       events.EventBus
	Jobs      *JobEventPublisher
	Instances *InstanceEventPublisher
}

// NewEventPublisher creates publishers on top of bus.
func NewEventPublisher(bus events.EventBus) *EventPublisher {
	return &EventPublisher{
		bus:       bus,
		Jobs:      &JobEventPublisher{bus: bus},
		Instances: &InstanceEventPublisher{bus: bus},
	}
}

// Bus returns the underlying event bus.
func (p *EventPublisher) Bus() events.EventBus {
	return p.bus
}

// Close closes the underlying event bus.
func (p *EventPublisher) Close() error {
	return p.bus.Close()
}

// JobEventPublisher publishes job lifecycle events.
type JobEventPublisher struct {
	bus events.EventBus
}

func (p *JobEventPublisher) PublishSubmitted(ctx context.Context, jobID, key, kind string) error {
	return p.bus.Publish(ctx, events.NewBaseEvent(EventJobSubmitted, map[string]any{
		MetaJobID:       jobID,
		MetaResourceKey: key,
		MetaKind:        kind,
	}))
}

func (p *JobEventPublisher) PublishCompleted(ctx context.Context, jobID, key, kind string, took time.Duration) error {
	return p.bus.Publish(ctx, events.NewBaseEvent(EventJobCompleted, map[string]any{
		MetaJobID:       jobID,
		MetaResourceKey: key,
		MetaKind:        kind,
		MetaDurationMS:  took.Milliseconds(),
	}))
}

func (p *JobEventPublisher) PublishFailed(ctx context.Context, jobID, key, kind, errMsg string, took time.Duration) error {
	return p.bus.Publish(ctx, events.NewBaseEvent(EventJobFailed, map[string]any{
		MetaJobID:       jobID,
		MetaResourceKey: key,
		MetaKind:        kind,
		MetaError:       errMsg,
		MetaDurationMS:  took.Milliseconds(),
	}))
}

// InstanceEventPublisher publishes instance-level signals.
type InstanceEventPublisher struct {
	bus events.EventBus
}

// PublishAnomaly reports an anomaly to whoever observes the bus.
func (p *InstanceEventPublisher) PublishAnomaly(ctx context.Context, a Anomaly) error {
	return p.bus.Publish(ctx, NewAnomalyDetectedEvent(a))
}
