package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

type Kind int

const (
	ConnectionOpened Kind = iota
	ConnectionFailed
	ConnectionClosed
	ControlMessage
	MalformedMessage
	BadTimestamp
	StaleEvent
	DuplicateEvent
	ClockAnomaly
	SampleRecorded
	BrokerSample
	TriggerDispatched
	DispatchRejected
	TriggerTimedOut
	numKinds
)

var kindNames = [numKinds]string{
	ConnectionOpened:  "connection_opened",
	ConnectionFailed:  "connection_failed",
	ConnectionClosed:  "connection_closed",
	ControlMessage:    "control_message",
	MalformedMessage:  "malformed_message",
	BadTimestamp:      "bad_timestamp",
	StaleEvent:        "stale_event",
	DuplicateEvent:    "duplicate_event",
	ClockAnomaly:      "clock_anomaly",
	SampleRecorded:    "sample_recorded",
	BrokerSample:      "broker_sample",
	TriggerDispatched: "trigger_dispatched",
	DispatchRejected:  "dispatch_rejected",
	TriggerTimedOut:   "trigger_timed_out",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// Event is the single record type every component emits. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind          Kind
	Source        string
	CorrelationID string
	ValueMs       float64
	Mode          string
	Err           error
	At            time.Time
}

type Recorder interface {
	Record(ev Event)
}

type discard struct{}

func (discard) Record(Event) {}

// Discard drops every event.
var Discard Recorder = discard{}

// Tally counts events per kind. Safe for concurrent use.
type Tally struct {
	counts [numKinds]atomic.Int64
}

func NewTally() *Tally {
	return &Tally{}
}

func (t *Tally) Record(ev Event) {
	if ev.Kind < 0 || ev.Kind >= numKinds {
		return
	}
	t.counts[ev.Kind].Add(1)
}

func (t *Tally) Count(k Kind) int64 {
	if k < 0 || k >= numKinds {
		return 0
	}
	return t.counts[k].Load()
}

// Snapshot returns the non-zero counters keyed by kind name.
func (t *Tally) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for k := Kind(0); k < numKinds; k++ {
		if n := t.counts[k].Load(); n > 0 {
			out[k.String()] = n
		}
	}
	return out
}

type multi struct {
	recs []Recorder
}

func (m *multi) Record(ev Event) {
	for _, r := range m.recs {
		r.Record(ev)
	}
}

// Multi fans one event out to several recorders, skipping nils.
func Multi(recs ...Recorder) Recorder {
	var out []Recorder
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return &multi{recs: out}
}

// Log keeps the most recent events. The session reports the failed ones.
type Log struct {
	mu     sync.Mutex
	events []Event
	max    int
}

func NewLog(max int) *Log {
	if max <= 0 {
		max = 256
	}
	return &Log{max: max}
}

func (l *Log) Record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.max {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, ev)
}

func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Log) Filter(k Kind) []Event {
	var out []Event
	for _, ev := range l.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
