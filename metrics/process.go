package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type ProcessSample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
}

type ProcessSummary struct {
	Samples       int     `json:"samples"`
	PeakCPU       float64 `json:"peak_cpu_percent"`
	MeanCPU       float64 `json:"mean_cpu_percent"`
	PeakRSSBytes  uint64  `json:"peak_rss_bytes"`
	FinalRSSBytes uint64  `json:"final_rss_bytes"`
}

// ProcessSampler records CPU and RSS of the harness itself, so a saturated
// client can be told apart from a slow target.
type ProcessSampler struct {
	proc     *process.Process
	interval time.Duration
	prom     *Prom

	mu      sync.Mutex
	samples []ProcessSample
}

func NewProcessSampler(interval time.Duration, prom *Prom) (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Second
	}
	// prime the cpu counter so the first tick reports a real delta
	proc.Percent(0)
	return &ProcessSampler{proc: proc, interval: interval, prom: prom}, nil
}

func (s *ProcessSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sample()
		case <-ctx.Done():
			return
		}
	}
}

func (s *ProcessSampler) Sample() ProcessSample {
	sample := ProcessSample{At: time.Now()}
	if cpu, err := s.proc.Percent(0); err == nil {
		sample.CPUPercent = cpu
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		sample.RSSBytes = mem.RSS
	}

	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.SetProcess(sample.CPUPercent, sample.RSSBytes)
	}
	return sample
}

func (s *ProcessSampler) Summary() ProcessSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum ProcessSummary
	sum.Samples = len(s.samples)
	if sum.Samples == 0 {
		return sum
	}
	var total float64
	for _, smp := range s.samples {
		total += smp.CPUPercent
		if smp.CPUPercent > sum.PeakCPU {
			sum.PeakCPU = smp.CPUPercent
		}
		if smp.RSSBytes > sum.PeakRSSBytes {
			sum.PeakRSSBytes = smp.RSSBytes
		}
	}
	sum.MeanCPU = total / float64(sum.Samples)
	sum.FinalRSSBytes = s.samples[len(s.samples)-1].RSSBytes
	return sum
}
