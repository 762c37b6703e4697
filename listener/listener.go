// Package listener reads one event stream and feeds its data events into
// the shared sink.
package listener

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"fanoutbench/metrics"
	"fanoutbench/pool"
	"fanoutbench/protocol"
	"fanoutbench/sink"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Reader is the read side of a pooled connection.
type Reader interface {
	Read(ctx context.Context) ([]byte, error)
}

// ClosureReporter is told when a stream ends on its own.
type ClosureReporter interface {
	MarkClosed(id string)
}

type Options struct {
	Pool     ClosureReporter
	Recorder metrics.Recorder
	Logger   *zap.SugaredLogger
}

type Stats struct {
	Control   int
	Data      int
	Malformed int
}

// Run consumes conn until it closes or ctx is done. It never returns an
// error: a dead stream is reported to the pool and the run goes on.
func Run(ctx context.Context, conn *pool.Conn, s *sink.Sink, opts Options) Stats {
	return run(ctx, conn.ID, conn, s, opts)
}

func run(ctx context.Context, id string, r Reader, s *sink.Sink, opts Options) Stats {
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.Discard
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	defer func() {
		if opts.Pool != nil {
			opts.Pool.MarkClosed(id)
		}
	}()

	var st Stats
	for {
		data, err := r.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) && ctx.Err() == nil {
				log.Warnf("read error [%s]: %v", id, err)
			} else {
				log.Debugf("stream closed [%s]: %v", id, err)
			}
			return st
		}
		now := time.Now()

		msg, err := protocol.Decode(data)
		if msg == nil {
			st.Malformed++
			rec.Record(metrics.Event{Kind: metrics.MalformedMessage, Source: id, Err: err, At: now})
			log.Warnf("dropping malformed message [%s]: %v", id, err)
			continue
		}
		if msg.Kind == protocol.KindControl {
			st.Control++
			rec.Record(metrics.Event{Kind: metrics.ControlMessage, Source: id, At: now})
			continue
		}
		if errors.Is(err, protocol.ErrBadTimestamp) {
			rec.Record(metrics.Event{Kind: metrics.BadTimestamp, Source: id, CorrelationID: msg.Data.EventID, Err: err, At: now})
		}

		ev := sink.Event{
			Source:        id,
			CorrelationID: msg.Data.EventID,
			ReceivedAt:    now,
			ServerTime:    msg.ServerTime,
			Payload:       msg.Data,
		}
		if err := s.Push(ctx, ev); err != nil {
			return st
		}
		st.Data++
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pool.ErrClosed) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed")
}
