package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chiquitav2/vnas-orchestrator/pkg/events"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

// Notifier delivers anomalies to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, a Anomaly) error
}

// LogNotifier writes anomalies as warnings to the structured log.
type LogNotifier struct {
	logger *applogger.Logger
}

func NewLogNotifier(logger *applogger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithComponent("anomaly")}
}

func (n *LogNotifier) Notify(ctx context.Context, a Anomaly) error {
	n.logger.WithContext(ctx).Warn("anomaly detected",
		slog.String("kind", a.Kind),
		slog.String("resource_key", a.ResourceKey),
		slog.String("backend", a.Backend),
		slog.String("detail", a.Detail),
		slog.String("instance_ids", strings.Join(a.InstanceIDs, ",")))
	return nil
}

// AnomalyReporter forwards AnomalyDetected events to a Notifier.
type AnomalyReporter struct {
	notifier    Notifier
	unsubscribe events.UnsubscribeFunc
}

// NewAnomalyReporter subscribes to anomaly events on bus.
func NewAnomalyReporter(bus events.EventBus, notifier Notifier) (*AnomalyReporter, error) {
	r := &AnomalyReporter{notifier: notifier}

	unsubscribe, err := bus.Subscribe(EventInstanceAnomaly, r.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe anomaly reporter: %w", err)
	}
	r.unsubscribe = unsubscribe
	return r, nil
}

func (r *AnomalyReporter) handle(ctx context.Context, e events.Event) error {
	ev, ok := e.(*AnomalyDetectedEvent)
	if !ok {
		return fmt.Errorf("unexpected event payload %T for %s", e, EventInstanceAnomaly)
	}
	return r.notifier.Notify(ctx, ev.Anomaly)
}

// Close stops forwarding.
func (r *AnomalyReporter) Close() error {
	return r.unsubscribe()
}
