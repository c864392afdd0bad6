package rabbit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminOperationsWithoutChannel(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()

	operations := map[string]func() error{
		"CreateQueue": func() error { _, err := client.CreateQueue(ctx, "q"); return err },
		"CheckQueue":  func() error { _, err := client.CheckQueue(ctx, "q"); return err },
		"DeleteQueue": func() error { _, err := client.DeleteQueue(ctx, "q"); return err },
		"PurgeQueue":  func() error { _, err := client.PurgeQueue(ctx, "q"); return err },
		"Get":         func() error { _, _, err := client.Get(ctx, "q"); return err },
		"CreateExchange": func() error {
			return client.CreateExchange(ctx, "x", ExchangeTopic)
		},
		"CheckExchange":  func() error { return client.CheckExchange(ctx, "x") },
		"DeleteExchange": func() error { return client.DeleteExchange(ctx, "x") },
		"BindQueue":      func() error { return client.BindQueue(ctx, "q", "x", "#") },
	}

	for name, op := range operations {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrNoChannel)
		})
	}

	assert.Equal(t, 0, broker.dialCount())
	assert.Equal(t, StateClosed, client.ConnectionState())
	assert.Equal(t, StateClosed, client.ChannelState())
}

func TestAdminOperationsAfterChannelClosed(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()

	require.NoError(t, client.EnsureReady(ctx))
	require.NoError(t, client.CloseChannel(ctx))

	_, err := client.CreateQueue(ctx, "q")
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.Equal(t, StateOpen, client.ConnectionState())
	assert.Equal(t, 1, broker.channelCount())
}

func TestQueueLifecycle(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()
	require.NoError(t, client.EnsureReady(ctx))

	info, err := client.CreateQueue(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{Queue: "lifecycle"}, info)

	for i := 0; i < 2; i++ {
		require.NoError(t, client.Send(ctx, map[string]int{"i": i}, "lifecycle", PublishOptions{}))
	}

	info, err = client.CheckQueue(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, 2, info.MessageCount)

	purged, err := client.PurgeQueue(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	require.NoError(t, client.Send(ctx, map[string]int{"i": 3}, "lifecycle", PublishOptions{}))

	info, err = client.DeleteQueue(ctx, "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, 1, info.MessageCount)
}

func TestCheckMissingQueueClosesChannel(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()
	require.NoError(t, client.EnsureReady(ctx))

	_, err := client.CheckQueue(ctx, "missing")
	assert.ErrorIs(t, err, ErrQueueNotFound)

	// the broker closes the channel on a 404; the connection survives
	require.Eventually(t, func() bool { return client.ChannelState() == StateClosed }, waitTimeout, time.Millisecond)
	assert.Equal(t, StateOpen, client.ConnectionState())

	require.NoError(t, client.EnsureReady(ctx))
	assert.Equal(t, 1, broker.dialCount())
	assert.Equal(t, 2, broker.channelCount())
}

func TestExchangeLifecycle(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()
	require.NoError(t, client.EnsureReady(ctx))

	require.NoError(t, client.CreateExchange(ctx, "events", ""))
	require.NoError(t, client.CheckExchange(ctx, "events"))
	require.NoError(t, client.DeleteExchange(ctx, "events"))

	err := client.CheckExchange(ctx, "events")
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}

func TestCreateExchangeKindConflict(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()
	require.NoError(t, client.EnsureReady(ctx))

	require.NoError(t, client.CreateExchange(ctx, "events", ExchangeTopic))
	err := client.CreateExchange(ctx, "events", "fanout")
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestBindQueueToMissingExchange(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()
	require.NoError(t, client.EnsureReady(ctx))

	_, err := client.CreateQueue(ctx, "orphan")
	require.NoError(t, err)

	err = client.BindQueue(ctx, "orphan", "nowhere", "#")
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}

func TestGetEmptyQueue(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker)
	ctx := context.Background()
	require.NoError(t, client.EnsureReady(ctx))

	_, err := client.CreateQueue(ctx, "empty")
	require.NoError(t, err)

	d, ok, err := client.Get(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, d)
}
