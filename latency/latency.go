// Package latency correlates inbound stream events with the trigger that
// caused them and turns each match into a delivery latency sample.
//
// Matching is keyed only by the correlation id the target issued. Arrival
// order across connections is meaningless (the sink is FIFO per producer
// only), so an event for an earlier trigger that shows up late is stale and
// is counted, never measured.
package latency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fanoutbench/metrics"
	"fanoutbench/sink"
	"fanoutbench/skew"
	"fanoutbench/trigger"

	"go.uber.org/zap"
)

var (
	ErrStaleEvent   = errors.New("stale event")
	ErrClockAnomaly = errors.New("negative latency")
	ErrDuplicate    = errors.New("duplicate delivery")
	ErrUnknownMode  = errors.New("unknown time-reference mode")
)

type Mode int

const (
	// ModeClient measures receive time against local dispatch time.
	ModeClient Mode = iota
	// ModeServer measures receive time against the server's own timestamp.
	ModeServer
	// ModeOffset is ModeServer plus the skew estimator's correction.
	ModeOffset
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeOffset:
		return "offset"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "client":
		return ModeClient, nil
	case "server":
		return ModeServer, nil
	case "offset", "offset-corrected":
		return ModeOffset, nil
	}
	return ModeClient, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

type Sample struct {
	ValueMs float64
	Mode    Mode
	Source  string
}

// Set holds the samples for one trigger, in arrival order.
type Set struct {
	CorrelationID string
	Mode          Mode
	Expected      int
	Delivered     int
	Samples       []Sample
	Broker        []Sample
	Stale         int
	Duplicates    int
	Anomalies     int
	TimedOut      bool
	Cancelled     bool
	Elapsed       time.Duration
}

// Ratio is delivered/expected, or 0 when nothing was expected.
func (s *Set) Ratio() float64 {
	if s.Expected <= 0 {
		return 0
	}
	return float64(s.Delivered) / float64(s.Expected)
}

func (s *Set) Complete() bool {
	return s.Delivered >= s.Expected
}

func (s *Set) Values() []float64 {
	out := make([]float64, len(s.Samples))
	for i, smp := range s.Samples {
		out[i] = smp.ValueMs
	}
	return out
}

func (s *Set) BrokerValues() []float64 {
	out := make([]float64, len(s.Broker))
	for i, smp := range s.Broker {
		out[i] = smp.ValueMs
	}
	return out
}

type Options struct {
	Mode         Mode
	PollInterval time.Duration
	Deadline     time.Duration
	// Estimator supplies the running correction in ModeOffset. A fresh one
	// with the default margin is created when nil.
	Estimator *skew.Estimator
}

type Calculator struct {
	sink *sink.Sink
	opts Options
	rec  metrics.Recorder
	log  *zap.SugaredLogger
}

func New(s *sink.Sink, opts Options, rec metrics.Recorder, log *zap.SugaredLogger) *Calculator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 10 * time.Second
	}
	if opts.Estimator == nil {
		opts.Estimator = skew.NewEstimator(skew.DefaultMarginMs)
	}
	if rec == nil {
		rec = metrics.Discard
	}
	return &Calculator{sink: s, opts: opts, rec: rec, log: log}
}

func (c *Calculator) Mode() Mode {
	return c.opts.Mode
}

func (c *Calculator) Estimator() *skew.Estimator {
	return c.opts.Estimator
}

// Collect drains the sink for one active trigger until every expected
// listener has delivered or the deadline passes. A context cancellation
// returns the partial set with Cancelled set; it is never discarded.
func (c *Calculator) Collect(ctx context.Context, rec trigger.Record) *Set {
	start := time.Now()
	set := &Set{
		CorrelationID: rec.CorrelationID,
		Mode:          c.opts.Mode,
		Expected:      rec.Expected,
	}
	seen := make(map[string]struct{}, rec.Expected)
	deadline := start.Add(c.opts.Deadline)
	var held []sink.Event

	for set.Delivered < set.Expected {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			set.TimedOut = true
			break
		}
		wait := c.opts.PollInterval
		if remaining < wait {
			wait = remaining
		}

		ev, err := c.sink.Pull(ctx, wait)
		if err != nil {
			if errors.Is(err, sink.ErrPollTimeout) {
				continue
			}
			set.Cancelled = true
			break
		}

		if c.holdBroker(ev, rec) {
			held = append(held, ev)
			continue
		}
		if err := c.accept(set, seen, ev, rec); err != nil {
			switch {
			case errors.Is(err, ErrStaleEvent):
				set.Stale++
				c.rec.Record(metrics.Event{Kind: metrics.StaleEvent, Source: ev.Source, CorrelationID: ev.CorrelationID, At: ev.ReceivedAt})
			case errors.Is(err, ErrDuplicate):
				set.Duplicates++
				c.rec.Record(metrics.Event{Kind: metrics.DuplicateEvent, Source: ev.Source, CorrelationID: ev.CorrelationID, At: ev.ReceivedAt})
			case errors.Is(err, ErrClockAnomaly):
				set.Anomalies++
				c.rec.Record(metrics.Event{Kind: metrics.ClockAnomaly, Source: ev.Source, CorrelationID: ev.CorrelationID, Err: err, At: ev.ReceivedAt})
				c.log.Warnf("clock anomaly [%s]: %v", ev.Source, err)
			}
		}
	}

	c.settleBroker(set, held)
	set.Elapsed = time.Since(start)
	if set.TimedOut {
		c.rec.Record(metrics.Event{Kind: metrics.TriggerTimedOut, CorrelationID: rec.CorrelationID, At: time.Now()})
		c.log.Infof("timeout: only %d/%d listeners received %s", set.Delivered, set.Expected, rec.CorrelationID)
	}
	return set
}

// accept files one event into set. Anomalous samples still count as
// delivered: the event arrived, only its timing is unusable.
func (c *Calculator) accept(set *Set, seen map[string]struct{}, ev sink.Event, rec trigger.Record) error {
	if ev.CorrelationID != rec.CorrelationID {
		return ErrStaleEvent
	}

	if ev.Source == sink.SourceBroker {
		smp, err := c.measure(ev, rec)
		if err != nil {
			return err
		}
		set.Broker = append(set.Broker, smp)
		c.rec.Record(metrics.Event{Kind: metrics.BrokerSample, Source: ev.Source, CorrelationID: ev.CorrelationID, ValueMs: smp.ValueMs, Mode: smp.Mode.String()})
		return nil
	}

	if _, dup := seen[ev.Source]; dup {
		return ErrDuplicate
	}
	seen[ev.Source] = struct{}{}
	set.Delivered++

	smp, err := c.measure(ev, rec)
	if err != nil {
		return err
	}
	set.Samples = append(set.Samples, smp)
	c.rec.Record(metrics.Event{Kind: metrics.SampleRecorded, Source: ev.Source, CorrelationID: ev.CorrelationID, ValueMs: smp.ValueMs, Mode: smp.Mode.String(), At: ev.ReceivedAt})
	return nil
}

// holdBroker reports whether ev is a broker-leg event that must wait for the
// listener-derived offset. Broker hops are shorter than the stream path, so
// they never feed the skew floor.
func (c *Calculator) holdBroker(ev sink.Event, rec trigger.Record) bool {
	return c.opts.Mode == ModeOffset &&
		ev.Source == sink.SourceBroker &&
		ev.CorrelationID == rec.CorrelationID &&
		ev.HasServerTime()
}

// settleBroker corrects held broker events with the offset the listeners
// produced. A negative residual is dropped and recorded.
func (c *Calculator) settleBroker(set *Set, held []sink.Event) {
	est := c.opts.Estimator
	for _, ev := range held {
		v, ok := est.Apply(Millis(ev.ReceivedAt.Sub(ev.ServerTime)))
		if !ok {
			c.rec.Record(metrics.Event{Kind: metrics.ClockAnomaly, Source: ev.Source, CorrelationID: ev.CorrelationID, ValueMs: v, At: ev.ReceivedAt})
			continue
		}
		set.Broker = append(set.Broker, Sample{ValueMs: v, Mode: ModeOffset, Source: ev.Source})
		c.rec.Record(metrics.Event{Kind: metrics.BrokerSample, Source: ev.Source, CorrelationID: ev.CorrelationID, ValueMs: v, Mode: ModeOffset.String()})
	}
}

func (c *Calculator) measure(ev sink.Event, rec trigger.Record) (Sample, error) {
	smp := Sample{Mode: c.opts.Mode, Source: ev.Source}

	if c.opts.Mode == ModeClient || !ev.HasServerTime() {
		smp.Mode = ModeClient
		smp.ValueMs = Millis(ev.ReceivedAt.Sub(rec.DispatchedAt))
	} else {
		smp.ValueMs = Millis(ev.ReceivedAt.Sub(ev.ServerTime))
	}

	if smp.Mode == ModeOffset {
		est := c.opts.Estimator
		est.Observe(smp.ValueMs)
		v, ok := est.Apply(smp.ValueMs)
		if !ok {
			return smp, fmt.Errorf("%w: %.3fms after %.3fms correction", ErrClockAnomaly, v, est.Offset())
		}
		smp.ValueMs = v
		return smp, nil
	}

	if smp.ValueMs < 0 {
		return smp, fmt.Errorf("%w: %.3fms in %s mode", ErrClockAnomaly, smp.ValueMs, smp.Mode)
	}
	return smp, nil
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
