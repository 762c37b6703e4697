// Package targettest runs an in-process stand-in for the bidding backend:
// the item event stream, the bid endpoint and the item state endpoint. Bids
// are published through a broker exactly like the real API does, and the
// broadcast side fans them out to every stream subscribed to the item.
package targettest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fanoutbench/broker"
	"fanoutbench/protocol"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Options struct {
	// Broker carries bid events from the API to the broadcaster. A
	// LocalBroker is used when nil.
	Broker broker.Broker
	// Skew is added to every event timestamp, simulating a server clock
	// that runs ahead (positive) or behind.
	Skew time.Duration
	// OmitTimestamps strips the timestamp field from events.
	OmitTimestamps bool
	// Duplicate sends every event twice on each stream.
	Duplicate bool
	// Deliver, when set, decides per client index whether it gets an event.
	Deliver func(clientIndex int) bool
	// BidStatus forces every bid request to fail with this HTTP status.
	BidStatus int
	// SendBufferSize is the per-stream outbound queue.
	SendBufferSize int
}

type Server struct {
	opts   Options
	broker broker.Broker
	http   *httptest.Server

	mu    sync.Mutex
	items map[string]*item

	nextClient atomic.Int64
	bids       atomic.Int64
	broadcasts atomic.Int64

	WSURL  string
	APIURL string
}

type item struct {
	currentBid float64
	bidder     string
	clients    map[*client]struct{}
	subscribed bool
}

type client struct {
	id    string
	index int
	send  chan []byte
}

// Start serves a new target on a loopback port.
func Start(opts Options) *Server {
	s := New(opts)
	s.http = httptest.NewServer(s.Handler())
	s.APIURL = s.http.URL
	s.WSURL = "ws" + strings.TrimPrefix(s.http.URL, "http")
	return s
}

func New(opts Options) *Server {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	b := opts.Broker
	if b == nil {
		b = broker.NewLocal()
	}
	return &Server{opts: opts, broker: b, items: make(map[string]*item)}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/items/{id}", s.handleStream)
	mux.HandleFunc("POST /api/v1/items/{id}/bid", s.handleBid)
	mux.HandleFunc("GET /api/v1/items/{id}", s.handleState)
	return mux
}

func (s *Server) Broker() broker.Broker {
	return s.broker
}

func (s *Server) Close() {
	if s.http != nil {
		s.http.CloseClientConnections()
		s.http.Close()
	}
	s.broker.Close()
}

func (s *Server) itemLocked(id string) *item {
	it, ok := s.items[id]
	if !ok {
		it = &item{clients: make(map[*client]struct{})}
		s.items[id] = it
	}
	return it
}

// SetState overwrites an item's current bid, e.g. to stage a lost update.
func (s *Server) SetState(itemID string, bid float64, bidder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.itemLocked(itemID)
	it.currentBid = bid
	it.bidder = bidder
}

func (s *Server) Clients(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; ok {
		return len(it.clients)
	}
	return 0
}

func (s *Server) Bids() int64 {
	return s.bids.Load()
}

func (s *Server) Broadcasts() int64 {
	return s.broadcasts.Load()
}

// WaitClients blocks until itemID has at least n streams or ctx is done.
func (s *Server) WaitClients(ctx context.Context, itemID string, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for s.Clients(itemID) < n {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// subscribe registers the item's broadcaster on the broker once.
func (s *Server) subscribe(ctx context.Context, itemID string) error {
	s.mu.Lock()
	it := s.itemLocked(itemID)
	if it.subscribed {
		s.mu.Unlock()
		return nil
	}
	it.subscribed = true
	s.mu.Unlock()

	return s.broker.Subscribe(ctx, broker.Channel(itemID), func(_ string, data []byte) {
		s.broadcast(itemID, data)
	})
}

func (s *Server) broadcast(itemID string, data []byte) {
	s.mu.Lock()
	it, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return
	}
	targets := make([]*client, 0, len(it.clients))
	for c := range it.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	s.broadcasts.Add(1)
	for _, c := range targets {
		if s.opts.Deliver != nil && !s.opts.Deliver(c.index) {
			continue
		}
		c.enqueue(data)
		if s.opts.Duplicate {
			c.enqueue(data)
		}
	}
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.subscribe(context.Background(), itemID); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	c := &client{
		id:    uuid.NewString(),
		index: int(s.nextClient.Add(1) - 1),
		send:  make(chan []byte, s.opts.SendBufferSize),
	}
	s.mu.Lock()
	s.itemLocked(itemID).clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if it, ok := s.items[itemID]; ok {
			delete(it.clients, c)
		}
		s.mu.Unlock()
	}()

	hello, _ := protocol.Encode(&protocol.Control{Type: protocol.TypeConnected, ItemID: itemID, ClientID: c.id})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		conn.CloseNow()
		return
	}

	go s.writePump(ctx, conn, c)
	s.readPump(ctx, conn)
	cancel()
}

// readPump discards client frames until the stream ends.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, c *client) {
	defer conn.CloseNow()
	for {
		select {
		case data := <-c.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		}
	}
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")

	if s.opts.BidStatus != 0 {
		w.WriteHeader(s.opts.BidStatus)
		json.NewEncoder(w).Encode(protocol.BidResponse{Message: "bid rejected by target"})
		return
	}

	var req protocol.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(protocol.BidResponse{Message: "invalid bid"})
		return
	}
	s.bids.Add(1)

	s.mu.Lock()
	it := s.itemLocked(itemID)
	if req.Amount <= it.currentBid {
		current := it.currentBid
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(protocol.BidResponse{
			Success:    false,
			Message:    "Bid must be higher than current bid",
			CurrentBid: current,
			YourBid:    req.Amount,
		})
		return
	}
	previous := it.currentBid
	it.currentBid = req.Amount
	it.bidder = req.UserID
	s.mu.Unlock()

	eventID := uuid.NewString()
	ev := protocol.NewBidEvent(eventID, itemID, req.UserID, req.Amount, previous)
	ev.BidID = uuid.NewString()
	switch {
	case s.opts.OmitTimestamps:
		ev.Timestamp = ""
	case s.opts.Skew != 0:
		ev.Timestamp = time.Now().Add(s.opts.Skew).UTC().Format(time.RFC3339Nano)
	}
	data, _ := protocol.Encode(ev)

	if err := s.broker.Publish(r.Context(), broker.Channel(itemID), data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(protocol.BidResponse{Message: err.Error()})
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(protocol.BidResponse{
		Success:    true,
		EventID:    eventID,
		Message:    "Bid placed successfully",
		CurrentBid: req.Amount,
		YourBid:    req.Amount,
		IsHighest:  true,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	s.mu.Lock()
	it, ok := s.items[itemID]
	var state protocol.ItemState
	if ok {
		state = protocol.ItemState{ID: itemID, CurrentBid: it.currentBid, HighestBidderID: it.bidder}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "item not found"})
		return
	}
	json.NewEncoder(w).Encode(state)
}

// Bid places a bid through the HTTP endpoint, as an external client would.
func (s *Server) Bid(ctx context.Context, itemID, userID string, amount float64) (protocol.BidResponse, error) {
	var out protocol.BidResponse
	body, err := protocol.Encode(protocol.BidRequest{UserID: userID, Amount: amount})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL+"/api/v1/items/"+itemID+"/bid", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Client().Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode bid response (%d): %w", resp.StatusCode, err)
	}
	return out, nil
}
