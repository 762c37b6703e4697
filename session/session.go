// Package session owns one measurement run: its connections, listeners,
// trigger driver, counters and result. Nothing in it is process-wide, so
// independent sessions can run side by side.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fanoutbench/broker"
	"fanoutbench/config"
	"fanoutbench/latency"
	"fanoutbench/listener"
	"fanoutbench/metrics"
	"fanoutbench/pool"
	"fanoutbench/sink"
	"fanoutbench/skew"
	"fanoutbench/stats"
	"fanoutbench/trigger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoSamples = errors.New("no latency samples collected")

// eventLogSize bounds the in-memory tail of typed events kept for the report.
const eventLogSize = 256

const brokerStopTimeout = 2 * time.Second

type Session struct {
	ID  string
	cfg *config.Config
	log *zap.SugaredLogger

	mode   latency.Mode
	sink   *sink.Sink
	pool   *pool.Pool
	calc   *latency.Calculator
	driver *trigger.Driver

	tally  *metrics.Tally
	events *metrics.Log
	prom   *metrics.Prom
	rec    metrics.Recorder

	broker     broker.Broker
	ownsBroker bool
	httpClient *http.Client
}

type Option func(*Session)

// WithBroker taps b for broker-leg samples instead of dialing Redis.
func WithBroker(b broker.Broker) Option {
	return func(s *Session) { s.broker = b }
}

// WithHTTPClient sets the client the trigger driver posts with.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

func New(cfg *config.Config, log *zap.SugaredLogger, opts ...Option) (*Session, error) {
	mode, err := latency.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if cfg.ItemID == "" {
		cfg.ItemID = uuid.NewString()
	}

	s := &Session{
		ID:     uuid.NewString(),
		cfg:    cfg,
		mode:   mode,
		sink:   sink.New(cfg.SinkBufferSize),
		tally:  metrics.NewTally(),
		events: metrics.NewLog(eventLogSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = log.With("run", s.ID[:8], "item", cfg.ItemID)
	s.prom = metrics.NewProm(s.ID)
	s.rec = metrics.Multi(s.tally, s.events, s.prom)

	s.pool = pool.New(cfg, s.log, s.rec)
	s.calc = latency.New(s.sink, latency.Options{
		Mode:         mode,
		PollInterval: cfg.PollInterval.Duration,
		Deadline:     cfg.TriggerDeadline.Duration,
		Estimator:    skew.NewEstimator(cfg.SkewMarginMs),
	}, s.rec, s.log)
	if !cfg.ListenOnly {
		s.driver = trigger.New(trigger.Options{
			BidURL:          cfg.BidURL(),
			UserID:          cfg.UserID,
			Timeout:         cfg.RequestTimeout.Duration,
			BreakerFailures: uint32(cfg.BreakerFailures),
			BreakerCooldown: cfg.BreakerCooldown.Duration,
		}, s.httpClient, s.rec, s.log)
	}
	return s, nil
}

func (s *Session) Pool() *pool.Pool {
	return s.pool
}

func (s *Session) Tally() *metrics.Tally {
	return s.tally
}

func (s *Session) Prom() *metrics.Prom {
	return s.prom
}

// Run executes the session end to end. Connections are always released
// before it returns, on every path. A report is returned whenever the pool
// came up, even if the run then produced no samples.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.pool.Teardown()

	started := time.Now()
	aux := s.startAux(ctx)

	conns, err := s.pool.Establish(ctx, s.cfg.Connections, s.cfg.ItemStreamURL())
	if err != nil {
		cancel()
		aux.Wait()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	opts := listener.Options{Pool: s.pool, Recorder: s.rec, Logger: s.log}
	for _, c := range conns {
		g.Go(func() error {
			listener.Run(gctx, c, s.sink, opts)
			return nil
		})
	}

	tap, err := s.startTap(gctx)
	if err != nil {
		s.log.Warnf("broker tap disabled: %v", err)
	}

	var (
		sets   []*latency.Set
		offset float64
		ds     dispatchStats
	)
	if s.cfg.ListenOnly {
		sets, offset = s.listen(gctx, len(conns))
	} else {
		sets, ds = s.drive(gctx)
	}

	cancel()
	if tap != nil {
		s.log.Debugf("broker tap received %d events (%d dropped)", tap.Received(), tap.Dropped())
	}
	if s.ownsBroker && s.broker != nil {
		s.closeBroker(tap)
	}
	s.pool.Teardown()
	g.Wait()
	proc := aux.Wait()

	rep := s.report(sets, conns, ds, offset, time.Since(started), proc)
	s.log.Infof("result: %s", rep.Summary)
	if rep.Summary.NoData {
		return rep, ErrNoSamples
	}
	return rep, nil
}

type dispatchStats struct {
	attempted int
	rejected  int
}

// drive runs the correlated trigger loop: one active trigger at a time,
// each collected to completion or deadline before the next is sent.
func (s *Session) drive(ctx context.Context) ([]*latency.Set, dispatchStats) {
	var ds dispatchStats
	amounts := trigger.Amounts(s.cfg.StartAmount, s.cfg.AmountStep, s.cfg.Triggers)
	sets := make([]*latency.Set, 0, len(amounts))

	for i, amount := range amounts {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && !sleep(ctx, s.cfg.Interval.Duration) {
			break
		}

		ds.attempted++
		rec, err := s.driver.Dispatch(ctx, amount)
		if err != nil {
			ds.rejected++
			s.log.Warnf("trigger %d/%d skipped: %v", i+1, len(amounts), err)
			continue
		}
		rec.Expected = s.pool.LiveCount()

		set := s.calc.Collect(ctx, rec)
		sets = append(sets, set)
		sum := stats.Summarize(set)
		s.log.Infof("trigger %d/%d [%s]: %d/%d delivered, p50=%.1fms max=%.1fms stale=%d",
			i+1, len(amounts), shortID(rec.CorrelationID), set.Delivered, set.Expected, sum.P50, sum.Max, set.Stale)
	}
	return sets, ds
}

// listen runs a passive session and returns offset-corrected sets.
func (s *Session) listen(ctx context.Context, live int) ([]*latency.Set, float64) {
	if s.mode != latency.ModeOffset {
		s.log.Infof("listen-only session: using offset mode instead of %s", s.mode)
	}
	s.log.Infof("listening for %s", s.cfg.ListenDuration.Duration)

	res := s.calc.Passive(ctx, s.cfg.ListenDuration.Duration)
	offset := res.Offset(s.cfg.SkewMarginMs)
	if offset > 0 {
		s.log.Infof("clock skew detected: min raw %.1fms, applying +%.1fms", s.calc.Estimator().Min(), offset)
	}
	if res.MissingServerTime > 0 {
		s.log.Warnf("%d events carried no server timestamp and were not measured", res.MissingServerTime)
	}
	return res.Sets(offset, live, s.rec), offset
}

// startTap subscribes the broker-leg tap when one is configured.
func (s *Session) startTap(ctx context.Context) (*broker.Tap, error) {
	if s.broker == nil && s.cfg.RedisTap {
		b, err := broker.NewRedis(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		s.broker = b
		s.ownsBroker = true
	}
	if s.broker == nil {
		return nil, nil
	}
	tap := broker.NewTap(s.broker, s.cfg.ItemID, s.sink, s.rec, s.log)
	if err := tap.Start(ctx); err != nil {
		return nil, err
	}
	return tap, nil
}

// closeBroker releases a broker the session dialed itself. A shared broker is
// left subscribed: its Unsubscribe is per channel, not per handler.
func (s *Session) closeBroker(tap *broker.Tap) {
	if tap != nil {
		ctx, cancel := context.WithTimeout(context.Background(), brokerStopTimeout)
		if err := tap.Stop(ctx); err != nil {
			s.log.Debugf("broker tap unsubscribe: %v", err)
		}
		cancel()
	}
	if err := s.broker.Close(); err != nil {
		s.log.Debugf("broker close: %v", err)
	}
}

type auxTasks struct {
	g       *errgroup.Group
	sampler *metrics.ProcessSampler
}

// startAux launches the metrics endpoint and the process sampler. Neither
// can fail the run.
func (s *Session) startAux(ctx context.Context) *auxTasks {
	a := &auxTasks{g: new(errgroup.Group)}
	if s.cfg.MetricsEnabled {
		a.g.Go(func() error {
			if err := metrics.Serve(ctx, s.cfg.MetricsPort, s.prom, s.log); err != nil {
				s.log.Warnf("metrics server: %v", err)
			}
			return nil
		})
	}
	sampler, err := metrics.NewProcessSampler(s.cfg.SampleInterval.Duration, s.prom)
	if err != nil {
		s.log.Warnf("process sampler disabled: %v", err)
		return a
	}
	a.sampler = sampler
	a.g.Go(func() error {
		sampler.Run(ctx)
		return nil
	})
	return a
}

func (a *auxTasks) Wait() metrics.ProcessSummary {
	a.g.Wait()
	if a.sampler == nil {
		return metrics.ProcessSummary{}
	}
	return a.sampler.Summary()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s [item=%s mode=%s conns=%d]", s.ID, s.cfg.ItemID, s.mode, s.cfg.Connections)
}
