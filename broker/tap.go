package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"fanoutbench/metrics"
	"fanoutbench/protocol"
	"fanoutbench/sink"

	"go.uber.org/zap"
)

// Tap subscribes to an item's bid-events channel and pushes every event into
// a sink tagged as sink.SourceBroker. Its samples time the API-to-broker leg
// and never count toward listener delivery.
type Tap struct {
	b       Broker
	channel string
	sink    *sink.Sink
	rec     metrics.Recorder
	log     *zap.SugaredLogger

	ctx      context.Context
	received atomic.Int64
	dropped  atomic.Int64
}

func NewTap(b Broker, itemID string, s *sink.Sink, rec metrics.Recorder, log *zap.SugaredLogger) *Tap {
	if rec == nil {
		rec = metrics.Discard
	}
	return &Tap{b: b, channel: Channel(itemID), sink: s, rec: rec, log: log}
}

// Start subscribes; events are pushed until ctx is done or Stop is called.
func (t *Tap) Start(ctx context.Context) error {
	t.ctx = ctx
	if err := t.b.Subscribe(ctx, t.channel, t.handle); err != nil {
		return err
	}
	t.log.Infof("broker tap subscribed to %s", t.channel)
	return nil
}

func (t *Tap) handle(_ string, data []byte) {
	now := time.Now()
	if t.ctx.Err() != nil {
		return
	}
	msg, err := protocol.Decode(data)
	if msg == nil {
		t.dropped.Add(1)
		t.rec.Record(metrics.Event{Kind: metrics.MalformedMessage, Source: sink.SourceBroker, Err: err, At: now})
		return
	}
	if msg.Kind != protocol.KindData {
		return
	}
	if errors.Is(err, protocol.ErrBadTimestamp) {
		t.rec.Record(metrics.Event{Kind: metrics.BadTimestamp, Source: sink.SourceBroker, Err: err, At: now})
	}

	ev := sink.Event{
		Source:        sink.SourceBroker,
		CorrelationID: msg.Data.EventID,
		ReceivedAt:    now,
		ServerTime:    msg.ServerTime,
		Payload:       msg.Data,
	}
	if err := t.sink.Push(t.ctx, ev); err != nil {
		return
	}
	t.received.Add(1)
}

func (t *Tap) Stop(ctx context.Context) error {
	return t.b.Unsubscribe(ctx, t.channel)
}

func (t *Tap) Received() int64 {
	return t.received.Load()
}

func (t *Tap) Dropped() int64 {
	return t.dropped.Load()
}
