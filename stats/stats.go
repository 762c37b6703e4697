// Package stats aggregates latency sets into percentile summaries. Every
// percentile in the module goes through Percentile so the rule is the same
// everywhere.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"

	"fanoutbench/latency"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Percentile returns the nearest-rank p-quantile of an ascending slice: the
// element at floor(p*n), clamped to the last index. No interpolation, so
// the result is always a member of sorted. p is a fraction in [0,1].
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	idx := int(math.Floor(p * float64(n)))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

type Summary struct {
	NoData bool `json:"no_data"`

	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	Median float64 `json:"median_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`

	Triggers      int     `json:"triggers"`
	Delivered     int     `json:"delivered"`
	Expected      int     `json:"expected"`
	DeliveryRatio float64 `json:"delivery_ratio"`
	Stale         int     `json:"stale"`
	Duplicates    int     `json:"duplicates"`
	Anomalies     int     `json:"anomalies"`
	TimedOut      int     `json:"timed_out"`
	Cancelled     int     `json:"cancelled"`
}

// Summarize folds the listener samples of sets into one Summary. It does
// not modify its input.
func Summarize(sets ...*latency.Set) Summary {
	return summarize(sets, (*latency.Set).Values)
}

// SummarizeBroker is Summarize over the broker-tap samples only.
func SummarizeBroker(sets ...*latency.Set) Summary {
	return summarize(sets, (*latency.Set).BrokerValues)
}

func summarize(sets []*latency.Set, values func(*latency.Set) []float64) Summary {
	var s Summary
	var all []float64
	for _, set := range sets {
		if set == nil {
			continue
		}
		s.Triggers++
		s.Delivered += set.Delivered
		s.Expected += set.Expected
		s.Stale += set.Stale
		s.Duplicates += set.Duplicates
		s.Anomalies += set.Anomalies
		if set.TimedOut {
			s.TimedOut++
		}
		if set.Cancelled {
			s.Cancelled++
		}
		all = append(all, values(set)...)
	}
	if s.Expected > 0 {
		s.DeliveryRatio = float64(s.Delivered) / float64(s.Expected)
	}

	if len(all) == 0 {
		s.NoData = true
		return s
	}

	sorted := make([]float64, len(all))
	copy(sorted, all)
	sort.Float64s(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	s.Count = len(sorted)
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.Mean = total / float64(len(sorted))
	s.P50 = Percentile(sorted, 0.50)
	s.P95 = Percentile(sorted, 0.95)
	s.P99 = Percentile(sorted, 0.99)
	s.Median = s.P50
	return s
}

func (s Summary) String() string {
	if s.NoData {
		return "no data"
	}
	return fmt.Sprintf("n=%d min=%.2fms p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms mean=%.2fms delivered=%d/%d (%.1f%%) stale=%d anomalies=%d",
		s.Count, s.Min, s.P50, s.P95, s.P99, s.Max, s.Mean,
		s.Delivered, s.Expected, s.DeliveryRatio*100, s.Stale, s.Anomalies)
}

func (s Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
