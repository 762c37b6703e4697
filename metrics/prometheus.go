package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Prom exports events on a registry owned by one session, so parallel runs
// in the same process never share series.
type Prom struct {
	reg     *prometheus.Registry
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	live    prometheus.Gauge
	cpu     prometheus.Gauge
	rss     prometheus.Gauge
}

func NewProm(runID string) *Prom {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"run": runID}
	return &Prom{
		reg: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "fanout_events_total",
			Help:        "Measurement events by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "fanout_delivery_latency_ms",
			Help:        "Per-listener delivery latency in milliseconds.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.5, 2, 16),
		}, []string{"mode"}),
		live: f.NewGauge(prometheus.GaugeOpts{
			Name:        "fanout_live_connections",
			Help:        "Open event-stream connections.",
			ConstLabels: labels,
		}),
		cpu: f.NewGauge(prometheus.GaugeOpts{
			Name:        "fanout_process_cpu_percent",
			Help:        "Harness process CPU usage.",
			ConstLabels: labels,
		}),
		rss: f.NewGauge(prometheus.GaugeOpts{
			Name:        "fanout_process_rss_bytes",
			Help:        "Harness process resident memory.",
			ConstLabels: labels,
		}),
	}
}

func (p *Prom) Record(ev Event) {
	p.events.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case SampleRecorded:
		p.latency.WithLabelValues(ev.Mode).Observe(ev.ValueMs)
	case BrokerSample:
		p.latency.WithLabelValues("broker").Observe(ev.ValueMs)
	case ConnectionOpened:
		p.live.Inc()
	case ConnectionClosed:
		p.live.Dec()
	}
}

func (p *Prom) SetProcess(cpuPercent float64, rssBytes uint64) {
	p.cpu.Set(cpuPercent)
	p.rss.Set(float64(rssBytes))
}

func (p *Prom) Registry() *prometheus.Registry {
	return p.reg
}

func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is done.
func Serve(ctx context.Context, port int, p *Prom, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics listening on :%d", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
