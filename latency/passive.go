package latency

import (
	"context"
	"errors"
	"time"

	"fanoutbench/metrics"
	"fanoutbench/sink"
	"fanoutbench/skew"
)

type rawSample struct {
	source string
	ms     float64
}

// PassiveResult is what a listen-only session saw: raw server-relative
// latencies grouped by correlation id, before any skew correction.
type PassiveResult struct {
	order  []string
	raws   map[string][]rawSample
	broker map[string][]rawSample
	seen   map[string]map[string]struct{}

	Events            int
	Duplicates        int
	MissingServerTime int
	Cancelled         bool
	Elapsed           time.Duration
}

func newPassiveResult() *PassiveResult {
	return &PassiveResult{
		raws:   make(map[string][]rawSample),
		broker: make(map[string][]rawSample),
		seen:   make(map[string]map[string]struct{}),
	}
}

// Passive listens for duration with no local trigger. Every data event that
// carries a server timestamp contributes receive-minus-server latency, kept
// unfiltered so the skew floor is visible.
func (c *Calculator) Passive(ctx context.Context, duration time.Duration) *PassiveResult {
	start := time.Now()
	res := newPassiveResult()
	deadline := start.Add(duration)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
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
			res.Cancelled = true
			break
		}
		res.add(ev)
		if ev.Source != sink.SourceBroker && ev.HasServerTime() {
			c.opts.Estimator.Observe(Millis(ev.ReceivedAt.Sub(ev.ServerTime)))
		}
	}

	res.Elapsed = time.Since(start)
	res.record(c.rec)
	return res
}

func (r *PassiveResult) add(ev sink.Event) {
	r.Events++
	if !ev.HasServerTime() {
		r.MissingServerTime++
		return
	}
	smp := rawSample{source: ev.Source, ms: Millis(ev.ReceivedAt.Sub(ev.ServerTime))}

	if ev.Source == sink.SourceBroker {
		r.broker[ev.CorrelationID] = append(r.broker[ev.CorrelationID], smp)
		return
	}

	sources, ok := r.seen[ev.CorrelationID]
	if !ok {
		sources = make(map[string]struct{})
		r.seen[ev.CorrelationID] = sources
		r.order = append(r.order, ev.CorrelationID)
	}
	if _, dup := sources[ev.Source]; dup {
		r.Duplicates++
		return
	}
	sources[ev.Source] = struct{}{}
	r.raws[ev.CorrelationID] = append(r.raws[ev.CorrelationID], smp)
}

func (r *PassiveResult) record(rec metrics.Recorder) {
	for i := 0; i < r.Duplicates; i++ {
		rec.Record(metrics.Event{Kind: metrics.DuplicateEvent})
	}
}

// Raw returns every listener raw latency in first-seen id order.
func (r *PassiveResult) Raw() []float64 {
	var out []float64
	for _, id := range r.order {
		for _, smp := range r.raws[id] {
			out = append(out, smp.ms)
		}
	}
	return out
}

func (r *PassiveResult) EventIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Offset is the session-wide skew estimate over all listener raws.
func (r *PassiveResult) Offset(marginMs float64) float64 {
	return skew.Estimate(r.Raw(), marginMs)
}

// Sets applies offset to every raw sample and groups the result per event.
// expected is the number of listeners each broadcast should have reached.
func (r *PassiveResult) Sets(offset float64, expected int, rec metrics.Recorder) []*Set {
	if rec == nil {
		rec = metrics.Discard
	}
	sets := make([]*Set, 0, len(r.order))
	for _, id := range r.order {
		raws := r.raws[id]
		set := &Set{
			CorrelationID: id,
			Mode:          ModeOffset,
			Expected:      expected,
			Delivered:     len(raws),
		}
		for _, smp := range raws {
			v, ok := skew.Correct(smp.ms, offset)
			if !ok {
				set.Anomalies++
				rec.Record(metrics.Event{Kind: metrics.ClockAnomaly, Source: smp.source, CorrelationID: id, ValueMs: v})
				continue
			}
			set.Samples = append(set.Samples, Sample{ValueMs: v, Mode: ModeOffset, Source: smp.source})
			rec.Record(metrics.Event{Kind: metrics.SampleRecorded, Source: smp.source, CorrelationID: id, ValueMs: v, Mode: ModeOffset.String()})
		}
		for _, smp := range r.broker[id] {
			v, ok := skew.Correct(smp.ms, offset)
			if !ok {
				continue
			}
			set.Broker = append(set.Broker, Sample{ValueMs: v, Mode: ModeOffset, Source: smp.source})
		}
		sets = append(sets, set)
	}
	return sets
}
