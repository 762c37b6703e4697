package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrMalformed = errors.New("malformed message")

type Kind int

const (
	KindControl Kind = iota
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

const (
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeBid       = "bid"
)

var controlTypes = map[string]struct{}{
	TypeConnected: {},
	TypePing:      {},
	TypePong:      {},
	"subscribed":  {},
}

// BidEvent is the broadcast payload. Fields other than EventID are optional.
type BidEvent struct {
	Type        string  `json:"type,omitempty"`
	EventID     string  `json:"event_id"`
	ItemID      string  `json:"item_id,omitempty"`
	BidID       string  `json:"bid_id,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	PreviousBid float64 `json:"previous_bid,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type Control struct {
	Type     string `json:"type"`
	ItemID   string `json:"itemId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// Message is the decoded form of one stream frame. Exactly one of Control
// and Data is set, according to Kind.
type Message struct {
	Kind       Kind
	Control    *Control
	Data       *BidEvent
	ServerTime time.Time
}

// frameHead holds the fields needed to classify a frame before full decoding.
type frameHead struct {
	Type    *string `json:"type"`
	EventID *string `json:"event_id"`
}

func Decode(data []byte) (*Message, error) {
	var p frameHead
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	typ := ""
	if p.Type != nil {
		typ = *p.Type
	}
	if _, ok := controlTypes[typ]; ok {
		var c Control
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Message{Kind: KindControl, Control: &c}, nil
	}

	if p.EventID == nil || *p.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id (type %q)", ErrMalformed, typ)
	}
	var ev BidEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := &Message{Kind: KindData, Data: &ev}
	if ev.Timestamp != "" {
		ts, err := ParseTimestamp(ev.Timestamp)
		if err != nil {
			return msg, err
		}
		msg.ServerTime = ts
	}
	return msg, nil
}

func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

var ErrBadTimestamp = errors.New("unparseable timestamp")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC3339 with or without fractional seconds, and the
// zone-less ISO forms some emitters produce. Zone-less values are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// EpochSeconds returns t as fractional seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// NewBidEvent builds a data frame stamped with the current UTC time.
func NewBidEvent(eventID, itemID, userID string, amount, previous float64) *BidEvent {
	return &BidEvent{
		Type:        TypeBid,
		EventID:     eventID,
		ItemID:      itemID,
		UserID:      userID,
		Amount:      amount,
		PreviousBid: previous,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type BidRequest struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

type BidResponse struct {
	Success    bool    `json:"success"`
	EventID    string  `json:"event_id,omitempty"`
	Message    string  `json:"message,omitempty"`
	CurrentBid float64 `json:"current_bid"`
	YourBid    float64 `json:"your_bid,omitempty"`
	IsHighest  bool    `json:"is_highest,omitempty"`
}

type ItemState struct {
	ID              string  `json:"id,omitempty"`
	CurrentBid      float64 `json:"current_bid"`
	HighestBidderID string  `json:"highest_bidder_id"`
}

// pre-encoded handshake frame
var ConnectedBytes []byte

func init() {
	ConnectedBytes, _ = json.Marshal(&Control{Type: TypeConnected})
}
