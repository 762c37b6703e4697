package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fanoutbench/config"
	"fanoutbench/metrics"
	"fanoutbench/targettest"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DialRatePerSec = 0
	cfg.DialConcurrency = 8
	cfg.DialTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.HandshakeTimeout = config.Duration{Duration: time.Second}
	return cfg
}

func TestEstablishAll(t *testing.T) {
	target := targettest.Start(targettest.Options{})
	defer target.Close()

	tally := metrics.NewTally()
	p := New(testConfig(), zap.NewNop().Sugar(), tally)
	defer p.Teardown()

	conns, err := p.Establish(context.Background(), 20, target.WSURL+"/ws/items/item-p")
	require.NoError(t, err)
	assert.Len(t, conns, 20)
	assert.Equal(t, 20, p.LiveCount())
	assert.Equal(t, 0, p.Failed())
	assert.Equal(t, int64(20), tally.Count(metrics.ConnectionOpened))

	ids := map[string]bool{}
	for _, c := range conns {
		assert.Equal(t, StateOpen, c.State())
		ids[c.ID] = true
	}
	assert.Len(t, ids, 20)

	// handshake was consumed before Establish returned
	assert.Equal(t, 20, target.Clients("item-p"))
}

func TestEstablishZero(t *testing.T) {
	p := New(testConfig(), zap.NewNop().Sugar(), nil)
	_, err := p.Establish(context.Background(), 0, "ws://127.0.0.1:1/ws/items/x")
	assert.ErrorIs(t, err, ErrNoConnections)
}

func TestEstablishUnreachable(t *testing.T) {
	tally := metrics.NewTally()
	p := New(testConfig(), zap.NewNop().Sugar(), tally)

	conns, err := p.Establish(context.Background(), 3, "ws://127.0.0.1:1/ws/items/x")
	assert.ErrorIs(t, err, ErrNoConnections)
	assert.Nil(t, conns)
	assert.Equal(t, 3, p.Failed())
	assert.Equal(t, int64(3), tally.Count(metrics.ConnectionFailed))
}

func TestEstablishPartial(t *testing.T) {
	var n atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1)%2 == 0 {
			http.Error(w, "full", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"connected"}`))
		conn.Read(r.Context())
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := testConfig()
	cfg.DialConcurrency = 1
	p := New(cfg, zap.NewNop().Sugar(), nil)
	defer p.Teardown()

	conns, err := p.Establish(context.Background(), 4, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	require.NoError(t, err)
	assert.Len(t, conns, 2)
	assert.Equal(t, 2, p.Failed())
	assert.Equal(t, 2, p.LiveCount())
}

func TestEstablishRejectsMissingHandshake(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"event_id":"too-early"}`))
		conn.Read(r.Context())
	}))
	defer ts.Close()

	p := New(testConfig(), zap.NewNop().Sugar(), nil)
	_, err := p.Establish(context.Background(), 1, "ws"+strings.TrimPrefix(ts.URL, "http"))
	assert.True(t, errors.Is(err, ErrNoConnections))
}

func TestTeardownIdempotent(t *testing.T) {
	target := targettest.Start(targettest.Options{})
	defer target.Close()

	tally := metrics.NewTally()
	p := New(testConfig(), zap.NewNop().Sugar(), tally)
	conns, err := p.Establish(context.Background(), 3, target.WSURL+"/ws/items/item-t")
	require.NoError(t, err)

	p.MarkClosed(conns[0].ID)
	assert.Equal(t, StateClosed, conns[0].State())
	assert.Equal(t, 2, p.LiveCount())

	p.Teardown()
	p.Teardown()
	assert.Equal(t, 0, p.LiveCount())
	assert.Equal(t, int64(3), tally.Count(metrics.ConnectionClosed))

	_, err = conns[1].Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// unknown ids are ignored
	p.MarkClosed("conn-404")
}

func TestPacer(t *testing.T) {
	ctx := context.Background()
	unlimited := NewPacer(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Wait(ctx))
	}

	p := NewPacer(1000, 2)
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	short, cancelShort := context.WithTimeout(ctx, 50*time.Microsecond)
	assert.Error(t, p.Wait(short), "burst spent, next token is ~1ms away")
	cancelShort()

	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, p.Wait(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	slow := NewPacer(1, 1)
	require.NoError(t, slow.Wait(ctx))
	assert.Error(t, slow.Wait(cancelled))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
