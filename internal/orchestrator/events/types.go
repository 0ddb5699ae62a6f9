// Package events defines the orchestrator's event types and domain publishers.
package events

import (
	"github.com/chiquitav2/vnas-orchestrator/pkg/events"
)

// Job lifecycle events
const (
	EventJobSubmitted = "job.submitted"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Instance events
const (
	EventInstanceAnomaly = "instance.anomaly"
)

// Metadata keys shared by event payloads
const (
	MetaJobID       = "job_id"
	MetaResourceKey = "resource_key"
	MetaKind        = "kind"
	MetaStatus      = "status"
	MetaError       = "error"
	MetaDurationMS  = "duration_ms"
)

// Anomaly kinds
const (
	AnomalyMultipleInstances = "multiple_instances"
)

// Anomaly is an unexpected backend state that did not fail the operation but
// must reach an operator.
type Anomaly struct {
	Kind        string   `json:"kind"`
	ResourceKey string   `json:"resource_key"`
	Backend     string   `json:"backend"`
	Detail      string   `json:"detail"`
	InstanceIDs []string `json:"instance_ids,omitempty"`
}

// AnomalyDetectedEvent carries an Anomaly on the bus.
type AnomalyDetectedEvent struct {
	*events.BaseEvent
	Anomaly Anomaly
}

// NewAnomalyDetectedEvent wraps a for publishing.
func NewAnomalyDetectedEvent(a Anomaly) *AnomalyDetectedEvent {
	return &AnomalyDetectedEvent{
		BaseEvent: events.NewBaseEvent(EventInstanceAnomaly, map[string]any{
			MetaResourceKey: a.ResourceKey,
			MetaKind:        a.Kind,
			"backend":       a.Backend,
		}),
		Anomaly: a,
	}
}
