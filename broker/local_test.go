package broker

import (
	"context"
	"fmt"
	"testing"

	"fanoutbench/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector decodes every bid event delivered to one subscriber, in order.
type collector struct {
	channels []string
	eventIDs []string
	amounts  []float64
}

func (c *collector) handle(t *testing.T) MessageHandler {
	return func(channel string, data []byte) {
		msg, err := protocol.Decode(data)
		if !assert.NoError(t, err) || !assert.Equal(t, protocol.KindData, msg.Kind) {
			return
		}
		c.channels = append(c.channels, channel)
		c.eventIDs = append(c.eventIDs, msg.Data.EventID)
		c.amounts = append(c.amounts, msg.Data.Amount)
	}
}

func publishBids(t *testing.T, b Broker, itemID string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-evt-%d", itemID, i)
		data, err := protocol.Encode(protocol.NewBidEvent(ids[i], itemID, "bidder", float64(100+i), float64(99+i)))
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), Channel(itemID), data))
	}
	return ids
}

func TestLocalDeliversBidEventsInOrder(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	subs := make([]*collector, 3)
	for i := range subs {
		subs[i] = &collector{}
		require.NoError(t, b.Subscribe(context.Background(), Channel("item-1"), subs[i].handle(t)))
	}

	ids := publishBids(t, b, "item-1", 5)

	for i, c := range subs {
		assert.Equal(t, ids, c.eventIDs, "subscriber %d", i)
		assert.Equal(t, []float64{100, 101, 102, 103, 104}, c.amounts, "subscriber %d", i)
		for _, ch := range c.channels {
			assert.Equal(t, "bid_events:item-1", ch)
		}
	}
}

func TestLocalItemsAreIsolated(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	var a, other collector
	require.NoError(t, b.Subscribe(context.Background(), Channel("item-a"), a.handle(t)))
	require.NoError(t, b.Subscribe(context.Background(), Channel("item-b"), other.handle(t)))

	idsA := publishBids(t, b, "item-a", 2)
	idsB := publishBids(t, b, "item-b", 1)

	assert.Equal(t, idsA, a.eventIDs)
	assert.Equal(t, idsB, other.eventIDs)

	// nobody listens on item-c; publishing still succeeds
	publishBids(t, b, "item-c", 1)
	assert.Equal(t, int64(4), b.Published())
}

func TestLocalUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	var c collector
	ch := Channel("item-unsub")
	require.NoError(t, b.Subscribe(context.Background(), ch, c.handle(t)))
	require.NoError(t, b.Subscribe(context.Background(), ch, c.handle(t)))
	assert.Equal(t, 2, b.Subscribers(ch))

	first := publishBids(t, b, "item-unsub", 1)
	assert.Equal(t, []string{first[0], first[0]}, c.eventIDs)

	require.NoError(t, b.Unsubscribe(context.Background(), ch))
	assert.Zero(t, b.Subscribers(ch))
	publishBids(t, b, "item-unsub", 1)
	assert.Len(t, c.eventIDs, 2)

	assert.NoError(t, b.Unsubscribe(context.Background(), Channel("never-subscribed")))
}

func TestLocalClose(t *testing.T) {
	b := NewLocal()

	var c collector
	require.NoError(t, b.Subscribe(context.Background(), Channel("item-close"), c.handle(t)))
	require.NoError(t, b.Close())

	data, err := protocol.Encode(protocol.NewBidEvent("late", "item-close", "bidder", 1, 0))
	require.NoError(t, err)
	assert.ErrorIs(t, b.Publish(context.Background(), Channel("item-close"), data), ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), Channel("item-close"), c.handle(t)), ErrClosed)
	assert.Empty(t, c.eventIDs)
	assert.Zero(t, b.Subscribers(Channel("item-close")))
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "bid_events:abc", Channel("abc"))
}

func BenchmarkLocalPublishBidEvent(b *testing.B) {
	br := NewLocal()
	defer br.Close()
	ch := Channel("bench")
	br.Subscribe(context.Background(), ch, func(string, []byte) {})
	data, _ := protocol.Encode(protocol.NewBidEvent("evt-bench", "bench", "bidder", 100, 99))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		br.Publish(context.Background(), ch, data)
	}
}
