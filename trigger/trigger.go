package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fanoutbench/metrics"
	"fanoutbench/protocol"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrDispatchRejected = errors.New("dispatch rejected")

// errDeclined marks an answer from a healthy target that simply refused the
// bid. It must not count against the circuit breaker.
var errDeclined = errors.New("declined by target")

const maxResponseBytes = 64 << 10

// Record ties one state-changing request to the correlation id the target
// issued for it.
type Record struct {
	CorrelationID string
	DispatchedAt  time.Time
	Amount        float64
	Expected      int
}

type Options struct {
	BidURL          string
	UserID          string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type Driver struct {
	client  *http.Client
	bidURL  string
	userID  string
	breaker *gobreaker.CircuitBreaker
	rec     metrics.Recorder
	log     *zap.SugaredLogger
}

// New builds a driver. client may be nil; a dedicated client is created so
// triggers never share a transport with the monitored streams.
func New(opts Options, client *http.Client, rec metrics.Recorder, log *zap.SugaredLogger) *Driver {
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if rec == nil {
		rec = metrics.Discard
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	d := &Driver{
		client: client,
		bidURL: opts.BidURL,
		userID: opts.UserID,
		rec:    rec,
		log:    log,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "trigger",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errDeclined)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("%s breaker %s -> %s", name, from, to)
		},
	})
	return d
}

// Dispatch places one bid. The dispatch time is taken immediately before the
// request is written. Any failure wraps ErrDispatchRejected; the caller is
// expected to skip the round.
func (d *Driver) Dispatch(ctx context.Context, amount float64) (Record, error) {
	body, err := protocol.Encode(protocol.BidRequest{UserID: d.userID, Amount: amount})
	if err != nil {
		return Record{}, err
	}

	dispatchedAt := time.Now()
	out, err := d.breaker.Execute(func() (interface{}, error) {
		return d.post(ctx, body)
	})
	if err != nil {
		if !errors.Is(err, ErrDispatchRejected) {
			err = fmt.Errorf("%w: %w", ErrDispatchRejected, err)
		}
		d.rec.Record(metrics.Event{Kind: metrics.DispatchRejected, Err: err, At: time.Now()})
		d.log.Debugf("dispatch %.2f failed: %v", amount, err)
		return Record{}, err
	}

	resp := out.(*protocol.BidResponse)
	rec := Record{
		CorrelationID: resp.EventID,
		DispatchedAt:  dispatchedAt,
		Amount:        amount,
	}
	d.rec.Record(metrics.Event{Kind: metrics.TriggerDispatched, CorrelationID: rec.CorrelationID, At: dispatchedAt})
	return rec, nil
}

func (d *Driver) post(ctx context.Context, body []byte) (*protocol.BidResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.bidURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: status %d: %s", ErrDispatchRejected, resp.StatusCode, snippet(data))
		if resp.StatusCode < 500 {
			err = fmt.Errorf("%w: %w", errDeclined, err)
		}
		return nil, err
	}

	var br protocol.BidResponse
	if err := json.Unmarshal(data, &br); err != nil {
		return nil, fmt.Errorf("%w: bad response body: %v", ErrDispatchRejected, err)
	}
	if !br.Success {
		return nil, fmt.Errorf("%w: %w: %s", ErrDispatchRejected, errDeclined, br.Message)
	}
	if br.EventID == "" {
		return nil, fmt.Errorf("%w: response carries no event_id", ErrDispatchRejected)
	}
	return &br, nil
}

func (d *Driver) BreakerState() gobreaker.State {
	return d.breaker.State()
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Amounts returns n strictly increasing bid amounts starting at start. A
// negative n yields none.
func Amounts(start, step float64, n int) []float64 {
	if step <= 0 {
		step = 1
	}
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}
