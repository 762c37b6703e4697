// Package broker is the pub/sub leg between the bidding API and the
// broadcast service. The harness taps it to time the broker hop on its own.
package broker

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("broker closed")

// ChannelPrefix is prepended to the item id to form the bid-events channel.
const ChannelPrefix = "bid_events:"

type MessageHandler func(channel string, data []byte)

type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

// Channel names the channel bid events for itemID are published on.
func Channel(itemID string) string {
	return ChannelPrefix + itemID
}
