package session

import (
	"io"
	"time"

	"fanoutbench/latency"
	"fanoutbench/metrics"
	"fanoutbench/pool"
	"fanoutbench/protocol"
	"fanoutbench/stats"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type SetReport struct {
	CorrelationID string  `json:"event_id"`
	Mode          string  `json:"mode"`
	Expected      int     `json:"expected"`
	Delivered     int     `json:"delivered"`
	Ratio         float64 `json:"delivery_ratio"`
	Samples       int     `json:"samples"`
	BrokerSamples int     `json:"broker_samples,omitempty"`
	Stale         int     `json:"stale"`
	Duplicates    int     `json:"duplicates"`
	Anomalies     int     `json:"anomalies"`
	TimedOut      bool    `json:"timed_out"`
	Cancelled     bool    `json:"cancelled"`
	ElapsedMs     float64 `json:"elapsed_ms"`
}

// ErrorEntry is one failed event from the tail of the run's event log. At is
// epoch seconds.
type ErrorEntry struct {
	Kind          string  `json:"kind"`
	Source        string  `json:"source,omitempty"`
	CorrelationID string  `json:"event_id,omitempty"`
	Error         string  `json:"error"`
	At            float64 `json:"at"`
}

type Report struct {
	RunID      string    `json:"run_id"`
	ItemID     string    `json:"item_id"`
	Mode       string    `json:"mode"`
	ListenOnly bool      `json:"listen_only"`
	StartedAt  time.Time `json:"started_at"`
	ElapsedMs  float64   `json:"elapsed_ms"`

	Requested  int   `json:"connections_requested"`
	Connected  int   `json:"connections_established"`
	Failed     int   `json:"connections_failed"`
	Dispatched int   `json:"triggers_attempted"`
	Rejected   int   `json:"triggers_rejected"`
	Messages   int64 `json:"messages_received"`

	OffsetMs float64        `json:"clock_offset_ms,omitempty"`
	Summary  stats.Summary  `json:"summary"`
	Broker   *stats.Summary `json:"broker,omitempty"`
	Sets     []SetReport    `json:"triggers"`

	Events       map[string]int64       `json:"events"`
	RecentErrors []ErrorEntry           `json:"recent_errors,omitempty"`
	Process      metrics.ProcessSummary `json:"process"`
}

func (s *Session) report(sets []*latency.Set, conns []*pool.Conn, ds dispatchStats, offset float64, elapsed time.Duration, proc metrics.ProcessSummary) *Report {
	mode := s.mode
	if s.cfg.ListenOnly {
		mode = latency.ModeOffset
	}
	rep := &Report{
		RunID:      s.ID,
		ItemID:     s.cfg.ItemID,
		Mode:       mode.String(),
		ListenOnly: s.cfg.ListenOnly,
		StartedAt:  time.Now().Add(-elapsed),
		ElapsedMs:  latency.Millis(elapsed),
		Requested:  s.cfg.Connections,
		Connected:  len(conns),
		Failed:     s.pool.Failed(),
		Dispatched: ds.attempted,
		Rejected:   ds.rejected,
		OffsetMs:   offset,
		Summary:    stats.Summarize(sets...),
		Sets:       make([]SetReport, 0, len(sets)),
		Events:     s.tally.Snapshot(),
		Process:    proc,
	}
	for _, c := range conns {
		rep.Messages += c.Messages()
	}
	rep.RecentErrors = recentErrors(s.events.Events())
	if b := stats.SummarizeBroker(sets...); !b.NoData {
		rep.Broker = &b
	}
	for _, set := range sets {
		rep.Sets = append(rep.Sets, SetReport{
			CorrelationID: set.CorrelationID,
			Mode:          set.Mode.String(),
			Expected:      set.Expected,
			Delivered:     set.Delivered,
			Ratio:         set.Ratio(),
			Samples:       len(set.Samples),
			BrokerSamples: len(set.Broker),
			Stale:         set.Stale,
			Duplicates:    set.Duplicates,
			Anomalies:     set.Anomalies,
			TimedOut:      set.TimedOut,
			Cancelled:     set.Cancelled,
			ElapsedMs:     latency.Millis(set.Elapsed),
		})
	}
	return rep
}

func recentErrors(events []metrics.Event) []ErrorEntry {
	var out []ErrorEntry
	for _, ev := range events {
		if ev.Err == nil {
			continue
		}
		out = append(out, ErrorEntry{
			Kind:          ev.Kind.String(),
			Source:        ev.Source,
			CorrelationID: ev.CorrelationID,
			Error:         ev.Err.Error(),
			At:            protocol.EpochSeconds(ev.At),
		})
	}
	return out
}

func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
