package events

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/pkg/events"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu        sync.Mutex
	anomalies []Anomaly
}

func (n *recordingNotifier) Notify(ctx context.Context, a Anomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anomalies = append(n.anomalies, a)
	return nil
}

func TestAnomalyReporter_ForwardsToNotifier(t *testing.T) {
	bus := events.NewGookitEventBus("test", applogger.NewNop())
	defer bus.Close()

	notifier := &recordingNotifier{}
	reporter, err := NewAnomalyReporter(bus, notifier)
	require.NoError(t, err)

	publisher := NewEventPublisher(bus)
	anomaly := Anomaly{
		Kind:        AnomalyMultipleInstances,
		ResourceKey: "u1",
		Backend:     "hetzner",
		InstanceIDs: []string{"1", "2"},
	}
	require.NoError(t, publisher.Instances.PublishAnomaly(context.Background(), anomaly))

	require.Len(t, notifier.anomalies, 1)
	assert.Equal(t, anomaly, notifier.anomalies[0])

	require.NoError(t, reporter.Close())
	require.NoError(t, publisher.Instances.PublishAnomaly(context.Background(), anomaly))
	assert.Len(t, notifier.anomalies, 1)
}

func TestJobEventPublisher(t *testing.T) {
	bus := events.NewGookitEventBus("test", applogger.NewNop())
	defer bus.Close()

	var got []events.Event
	for _, typ := range []string{EventJobSubmitted, EventJobCompleted, EventJobFailed} {
		_, err := bus.Subscribe(typ, func(ctx context.Context, e events.Event) error {
			got = append(got, e)
			return nil
		})
		require.NoError(t, err)
	}

	p := NewEventPublisher(bus).Jobs
	ctx := context.Background()
	require.NoError(t, p.PublishSubmitted(ctx, "u1.a", "u1", "create"))
	require.NoError(t, p.PublishCompleted(ctx, "u1.a", "u1", "create", 2*time.Second))
	require.NoError(t, p.PublishFailed(ctx, "u1.b", "u1", "reboot", "unreachable", time.Second))

	require.Len(t, got, 3)
	assert.Equal(t, EventJobSubmitted, got[0].Type())
	assert.Equal(t, int64(2000), got[1].Metadata()[MetaDurationMS])
	assert.Equal(t, "unreachable", got[2].Metadata()[MetaError])
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	cfg := applogger.DefaultConfig()
	cfg.Format = applogger.FormatJSON
	cfg.Output = &buf

	n := NewLogNotifier(applogger.New(cfg))
	require.NoError(t, n.Notify(context.Background(), Anomaly{Kind: AnomalyMultipleInstances, ResourceKey: "u1"}))
	assert.Contains(t, buf.String(), "anomaly detected")
	assert.Contains(t, buf.String(), "multiple_instances")
}
