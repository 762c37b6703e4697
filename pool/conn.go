package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var ErrClosed = errors.New("connection closed")

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Conn is one event-stream connection. It is owned by the Pool; listeners
// only read from it.
type Conn struct {
	ID          string
	ws          *websocket.Conn
	ConnectedAt time.Time
	state       atomic.Int32
	msgCount    atomic.Int64
}

func newConn(id string) *Conn {
	c := &Conn{ID: id}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) open(ws *websocket.Conn) {
	c.ws = ws
	c.ConnectedAt = time.Now()
	c.state.Store(int32(StateOpen))
}

func (c *Conn) fail() {
	c.state.Store(int32(StateFailed))
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) IsOpen() bool {
	return c.State() == StateOpen
}

// Read returns the next message payload.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if c.ws == nil || c.State() != StateOpen {
		return nil, ErrClosed
	}
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	c.msgCount.Add(1)
	return data, nil
}

func (c *Conn) Messages() int64 {
	return c.msgCount.Load()
}

// close moves an open connection to closed exactly once and releases the
// socket. It reports whether this call did the transition.
func (c *Conn) close() bool {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		return false
	}
	if c.ws != nil {
		c.ws.CloseNow()
	}
	return true
}
