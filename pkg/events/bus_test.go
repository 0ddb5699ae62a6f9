package events

import (
	"context"
	"errors"
	"testing"

	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGookitEventBus_PublishDeliversPayload(t *testing.T) {
	bus := NewGookitEventBus("test", applogger.NewNop())
	defer bus.Close()

	var received Event
	_, err := bus.Subscribe("job.completed", func(ctx context.Context, e Event) error {
		received = e
		return nil
	})
	require.NoError(t, err)

	sent := NewBaseEvent("job.completed", map[string]any{"job_id": "u1.x"})
	require.NoError(t, bus.Publish(context.Background(), sent))

	require.NotNil(t, received)
	assert.Equal(t, sent.ID(), received.ID())
	assert.Equal(t, "u1.x", received.Metadata()["job_id"])
}

func TestGookitEventBus_PriorityOrder(t *testing.T) {
	bus := NewGookitEventBus("test", applogger.NewNop())
	defer bus.Close()

	var order []string
	_, err := bus.SubscribeWithPriority("instance.anomaly", func(ctx context.Context, e Event) error {
		order = append(order, "low")
		return nil
	}, PriorityLow)
	require.NoError(t, err)
	_, err = bus.SubscribeWithPriority("instance.anomaly", func(ctx context.Context, e Event) error {
		order = append(order, "high")
		return nil
	}, PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewBaseEvent("instance.anomaly", nil)))
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestGookitEventBus_Unsubscribe(t *testing.T) {
	bus := NewGookitEventBus("test", applogger.NewNop())
	defer bus.Close()

	calls := 0
	unsubscribe, err := bus.Subscribe("job.failed", func(ctx context.Context, e Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Health().Subscribers)

	require.NoError(t, unsubscribe())
	require.NoError(t, unsubscribe())
	require.NoError(t, bus.Publish(context.Background(), NewBaseEvent("job.failed", nil)))

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, bus.Health().Subscribers)
}

func TestGookitEventBus_HandlerErrorDegradesHealth(t *testing.T) {
	bus := NewGookitEventBus("test", applogger.NewNop())
	defer bus.Close()

	_, err := bus.Subscribe("job.failed", func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	err = bus.Publish(context.Background(), NewBaseEvent("job.failed", nil))
	assert.Error(t, err)
	assert.Equal(t, "degraded", bus.Health().Status)
}

func TestGookitEventBus_Closed(t *testing.T) {
	bus := NewGookitEventBus("test", applogger.NewNop())
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(context.Background(), NewBaseEvent("job.failed", nil)))
	_, err := bus.Subscribe("job.failed", func(ctx context.Context, e Event) error { return nil })
	assert.Error(t, err)
	assert.Equal(t, "unhealthy", bus.Health().Status)
}
