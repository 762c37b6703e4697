package sink

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"fanoutbench/protocol"
)

var ErrPollTimeout = errors.New("no event within poll interval")

// SourceBroker marks events read straight off the pub/sub channel rather
// than from a listener connection.
const SourceBroker = "broker"

// Event is one inbound data message as seen by a listener. It is never
// mutated after Push.
type Event struct {
	Source        string
	CorrelationID string
	ReceivedAt    time.Time
	ServerTime    time.Time
	Payload       *protocol.BidEvent
}

func (e Event) HasServerTime() bool {
	return !e.ServerTime.IsZero()
}

// Sink is a many-producer, single-consumer queue. Order is preserved per
// producer only.
type Sink struct {
	ch     chan Event
	pushed atomic.Int64
	pulled atomic.Int64
}

func New(size int) *Sink {
	if size <= 0 {
		size = 4096
	}
	return &Sink{ch: make(chan Event, size)}
}

// Push blocks while the buffer is full, so no event is dropped; it gives up
// only when ctx is done.
func (s *Sink) Push(ctx context.Context, ev Event) error {
	select {
	case s.ch <- ev:
		s.pushed.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull waits up to wait for the next event.
func (s *Sink) Pull(ctx context.Context, wait time.Duration) (Event, error) {
	select {
	case ev := <-s.ch:
		s.pulled.Add(1)
		return ev, nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ev := <-s.ch:
		s.pulled.Add(1)
		return ev, nil
	case <-timer.C:
		return Event{}, ErrPollTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Drain discards everything currently buffered and returns how many events
// were dropped.
func (s *Sink) Drain() int {
	n := 0
	for {
		select {
		case <-s.ch:
			s.pulled.Add(1)
			n++
		default:
			return n
		}
	}
}

func (s *Sink) Len() int {
	return len(s.ch)
}

func (s *Sink) Pushed() int64 {
	return s.pushed.Load()
}

func (s *Sink) Pulled() int64 {
	return s.pulled.Load()
}
