package broker

import (
	"context"
	"testing"
	"time"

	"fanoutbench/metrics"
	"fanoutbench/protocol"
	"fanoutbench/sink"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTapPushesBrokerEvents(t *testing.T) {
	b := NewLocal()
	defer b.Close()
	s := sink.New(8)
	tally := metrics.NewTally()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tap := NewTap(b, "item-1", s, tally, zap.NewNop().Sugar())
	require.NoError(t, tap.Start(ctx))
	assert.Equal(t, 1, b.Subscribers(Channel("item-1")))

	ev := protocol.NewBidEvent("evt-1", "item-1", "u1", 150, 120)
	data, err := protocol.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Channel("item-1"), data))

	got, err := s.Pull(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sink.SourceBroker, got.Source)
	assert.Equal(t, "evt-1", got.CorrelationID)
	assert.True(t, got.HasServerTime())
	assert.Equal(t, 150.0, got.Payload.Amount)
	assert.Equal(t, int64(1), tap.Received())
}

func TestTapDropsMalformedAndControl(t *testing.T) {
	b := NewLocal()
	defer b.Close()
	s := sink.New(8)
	tally := metrics.NewTally()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tap := NewTap(b, "item-2", s, tally, zap.NewNop().Sugar())
	require.NoError(t, tap.Start(ctx))

	ch := Channel("item-2")
	require.NoError(t, b.Publish(ctx, ch, []byte("{not json")))
	require.NoError(t, b.Publish(ctx, ch, protocol.ConnectedBytes))
	require.NoError(t, b.Publish(ctx, ch, []byte(`{"event_id":"evt-2","timestamp":"yesterday"}`)))

	assert.Equal(t, int64(1), tap.Dropped())
	assert.Equal(t, int64(1), tally.Count(metrics.MalformedMessage))
	assert.Equal(t, int64(1), tally.Count(metrics.BadTimestamp))

	got, err := s.Pull(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "evt-2", got.CorrelationID)
	assert.False(t, got.HasServerTime())
	assert.Equal(t, 0, s.Len())
}

func TestTapStopUnsubscribes(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	tap := NewTap(b, "item-3", sink.New(1), nil, zap.NewNop().Sugar())
	require.NoError(t, tap.Start(context.Background()))
	require.NoError(t, tap.Stop(context.Background()))
	assert.Equal(t, 0, b.Subscribers(Channel("item-3")))
}

func TestTapIgnoresAfterCancel(t *testing.T) {
	b := NewLocal()
	defer b.Close()
	s := sink.New(1)

	ctx, cancel := context.WithCancel(context.Background())
	tap := NewTap(b, "item-4", s, nil, zap.NewNop().Sugar())
	require.NoError(t, tap.Start(ctx))
	cancel()

	data, _ := protocol.Encode(protocol.NewBidEvent("evt-4", "item-4", "u", 1, 0))
	require.NoError(t, b.Publish(context.Background(), Channel("item-4"), data))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), tap.Received())
}
