// Package pool opens and owns the event-stream connections of a session.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fanoutbench/config"
	"fanoutbench/metrics"
	"fanoutbench/protocol"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var (
	ErrNoConnections    = errors.New("no connections established")
	ErrConnectionFailed = errors.New("connection failed")
)

type Pool struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	rec  metrics.Recorder
	pace *Pacer

	mu    sync.RWMutex
	conns []*Conn
	byID  map[string]*Conn

	failed   atomic.Int64
	nextID   atomic.Int64
	tornDown atomic.Bool
}

func New(cfg *config.Config, log *zap.SugaredLogger, rec metrics.Recorder) *Pool {
	if rec == nil {
		rec = metrics.Discard
	}
	return &Pool{
		cfg:  cfg,
		log:  log,
		rec:  rec,
		pace: NewPacer(cfg.DialRatePerSec, cfg.DialConcurrency),
		byID: make(map[string]*Conn),
	}
}

// Establish dials n connections to endpoint concurrently and returns the
// ones that opened. Individual failures are logged and counted; only a
// pool with no live connection at all is an error.
func (p *Pool) Establish(ctx context.Context, n int, endpoint string) ([]*Conn, error) {
	if n <= 0 {
		return nil, ErrNoConnections
	}

	concurrency := p.cfg.DialConcurrency
	if concurrency <= 0 || concurrency > n {
		concurrency = n
	}
	sem := make(chan struct{}, concurrency)

	start := time.Now()
	conns := make([]*Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		c := newConn(fmt.Sprintf("conn-%d", p.nextID.Add(1)-1))
		conns[i] = c

		if err := p.pace.Wait(ctx); err != nil {
			c.fail()
			p.failed.Add(1)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.dial(ctx, c, endpoint); err != nil {
				c.fail()
				p.failed.Add(1)
				p.rec.Record(metrics.Event{Kind: metrics.ConnectionFailed, Source: c.ID, Err: err, At: time.Now()})
				p.log.Debugf("dial error [%s]: %v", c.ID, err)
				return
			}
			p.rec.Record(metrics.Event{Kind: metrics.ConnectionOpened, Source: c.ID, At: c.ConnectedAt})
		}(c)
	}
	wg.Wait()

	live := make([]*Conn, 0, n)
	p.mu.Lock()
	for _, c := range conns {
		p.conns = append(p.conns, c)
		p.byID[c.ID] = c
		if c.IsOpen() {
			live = append(live, c)
		}
	}
	p.mu.Unlock()

	failed := n - len(live)
	p.log.Infof("established %d/%d connections in %s (%d failed)", len(live), n, time.Since(start).Round(time.Millisecond), failed)
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: 0/%d to %s", ErrNoConnections, n, endpoint)
	}
	return live, nil
}

func (p *Pool) dial(ctx context.Context, c *Conn, endpoint string) error {
	dialCtx := ctx
	if p.cfg.DialTimeout.Duration > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.DialTimeout.Duration)
		defer cancel()
	}

	mode := websocket.CompressionDisabled
	if p.cfg.CompressionEnabled {
		mode = websocket.CompressionContextTakeover
	}
	ws, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		CompressionMode: mode,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if p.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(p.cfg.MaxMessageSize)
	}

	if wait := p.cfg.HandshakeTimeout.Duration; wait > 0 {
		readCtx, readCancel := context.WithTimeout(ctx, wait)
		_, data, err := ws.Read(readCtx)
		readCancel()
		if err != nil {
			ws.CloseNow()
			return fmt.Errorf("%w: handshake: %w", ErrConnectionFailed, err)
		}
		msg, err := protocol.Decode(data)
		if err != nil || msg.Kind != protocol.KindControl {
			ws.Close(websocket.StatusPolicyViolation, "expected handshake")
			return fmt.Errorf("%w: first frame is not a handshake", ErrConnectionFailed)
		}
	}

	c.open(ws)
	return nil
}

func (p *Pool) LiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, c := range p.conns {
		if c.IsOpen() {
			n++
		}
	}
	return n
}

func (p *Pool) Failed() int {
	return int(p.failed.Load())
}

func (p *Pool) Get(id string) *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// MarkClosed records that a listener saw its connection end.
func (p *Pool) MarkClosed(id string) {
	c := p.Get(id)
	if c == nil {
		return
	}
	if c.close() {
		p.rec.Record(metrics.Event{Kind: metrics.ConnectionClosed, Source: id, At: time.Now()})
	}
}

// Teardown closes every connection. It is idempotent and safe to call while
// listeners are still reading: their next Read returns an error.
func (p *Pool) Teardown() {
	if !p.tornDown.CompareAndSwap(false, true) {
		return
	}
	p.mu.RLock()
	conns := make([]*Conn, len(p.conns))
	copy(conns, p.conns)
	p.mu.RUnlock()

	closed := 0
	for _, c := range conns {
		if c.close() {
			closed++
			p.rec.Record(metrics.Event{Kind: metrics.ConnectionClosed, Source: c.ID, At: time.Now()})
		}
	}
	p.log.Debugf("teardown closed %d connections", closed)
}
