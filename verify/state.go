package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fanoutbench/protocol"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ErrItemNotFound = errors.New("item not found")

// State is one read of an item's converged value.
type State struct {
	ItemID   string
	Bid      decimal.Decimal
	BidderID string
}

type StateReader interface {
	Read(ctx context.Context, itemID string) (State, error)
}

// HTTPReader reads state from the target's item endpoint.
type HTTPReader struct {
	BaseURL string
	Client  *http.Client
}

func (h *HTTPReader) Read(ctx context.Context, itemID string) (State, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(h.BaseURL, "/") + "/api/v1/items/" + itemID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return State{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return State{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return State{}, fmt.Errorf("get %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var st protocol.ItemState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return State{}, fmt.Errorf("decode item state: %w", err)
	}
	return State{ItemID: itemID, Bid: decimal.NewFromFloat(st.CurrentBid), BidderID: st.HighestBidderID}, nil
}

// RedisReader reads the same keys the bidding API writes.
type RedisReader struct {
	Client *redis.Client
}

func bidKey(itemID string) string    { return "item:" + itemID + ":current_bid" }
func bidderKey(itemID string) string { return "item:" + itemID + ":highest_bidder" }

func (r *RedisReader) Read(ctx context.Context, itemID string) (State, error) {
	pipe := r.Client.Pipeline()
	bid := pipe.Get(ctx, bidKey(itemID))
	bidder := pipe.Get(ctx, bidderKey(itemID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("redis state %s: %w", itemID, err)
	}

	raw, err := bid.Result()
	if errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err != nil {
		return State{}, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return State{}, fmt.Errorf("redis state %s: bad bid %q: %w", itemID, raw, err)
	}

	st := State{ItemID: itemID, Bid: amount}
	if v, err := bidder.Result(); err == nil {
		st.BidderID = v
	}
	return st, nil
}
