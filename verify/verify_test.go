package verify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fanoutbench/targettest"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func subs(amounts ...int64) []Submission {
	out := make([]Submission, len(amounts))
	for i, a := range amounts {
		out[i] = Submission{UserID: "u", Amount: decimal.NewFromInt(a)}
	}
	return out
}

func TestVerifyPasses(t *testing.T) {
	res, err := Verify(decimal.NewFromInt(120), subs(100, 120, 90))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.LostUpdate)
	assert.Equal(t, 0, res.IncorrectlyRejectedCount)
	assert.True(t, res.ExpectedMaxBid.Equal(decimal.NewFromInt(120)))
	assert.True(t, res.BidRange.Min.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, "103.3333333333333333", res.BidRange.Avg.String())
	assert.Equal(t, 3, res.TotalBidsSubmitted)
}

func TestVerifyLostUpdate(t *testing.T) {
	res, err := Verify(decimal.NewFromInt(100), subs(100, 120, 90))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLostUpdate)
	assert.ErrorIs(t, err, ErrIncorrectRejection)
	assert.False(t, res.Success)
	assert.True(t, res.LostUpdate)
	assert.GreaterOrEqual(t, res.IncorrectlyRejectedCount, 1)
	require.Len(t, res.IncorrectlyRejected, 1)
	assert.True(t, res.IncorrectlyRejected[0].Amount.Equal(decimal.NewFromInt(120)))
	assert.NotEmpty(t, res.Error)
}

func TestVerifyFinalAboveEverything(t *testing.T) {
	// a final value nobody submitted is a lost update but rejects nothing
	res, err := Verify(decimal.NewFromInt(500), subs(100, 120))
	assert.ErrorIs(t, err, ErrLostUpdate)
	assert.False(t, errors.Is(err, ErrIncorrectRejection))
	assert.Equal(t, 0, res.IncorrectlyRejectedCount)
}

func TestVerifyEmpty(t *testing.T) {
	res, err := Verify(decimal.NewFromInt(1), nil)
	assert.ErrorIs(t, err, ErrNoSubmissions)
	assert.False(t, res.Success)
}

func TestVerifyDecimalExact(t *testing.T) {
	a := decimal.RequireFromString("100.10")
	b := decimal.RequireFromString("100.20")
	final := decimal.RequireFromString("100.2")
	_, err := Verify(final, []Submission{{Amount: a}, {Amount: b}})
	assert.NoError(t, err)
}

func TestVerifyCapsListedRejections(t *testing.T) {
	res, err := Verify(decimal.NewFromInt(1), subs(2, 3, 4, 5, 6, 7, 8))
	assert.Error(t, err)
	assert.Equal(t, 7, res.IncorrectlyRejectedCount)
	assert.Len(t, res.IncorrectlyRejected, maxListed)
}

func TestLoadSubmissions(t *testing.T) {
	in := `[{"user_id":"a","amount":100.5,"timestamp":1700000000.25},{"user_id":"b","amount":"120"}]`
	got, err := LoadSubmissions(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].UserID)
	assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, 1700000000.25, got[0].Timestamp)
	assert.True(t, got[1].Amount.Equal(decimal.NewFromInt(120)))

	_, err = LoadSubmissions(strings.NewReader(`{"user_id":"a"}`))
	assert.Error(t, err)
}

func TestResultWriteJSON(t *testing.T) {
	res, _ := Verify(decimal.NewFromInt(120), subs(100, 120, 90))
	var buf bytes.Buffer
	require.NoError(t, res.WriteJSON(&buf))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, false, decoded["lost_update"])
	assert.Equal(t, 3.0, decoded["total_bids_submitted"])
}

func TestHTTPReader(t *testing.T) {
	target := targettest.Start(targettest.Options{})
	defer target.Close()
	target.SetState("item-v", 120.5, "alice")

	r := &HTTPReader{BaseURL: target.APIURL + "/"}
	st, err := r.Read(context.Background(), "item-v")
	require.NoError(t, err)
	assert.True(t, st.Bid.Equal(decimal.RequireFromString("120.5")))
	assert.Equal(t, "alice", st.BidderID)

	_, err = r.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestHTTPReaderEndToEnd(t *testing.T) {
	target := targettest.Start(targettest.Options{})
	defer target.Close()
	ctx := context.Background()

	var log []Submission
	for _, amt := range []float64{100, 120, 90} {
		_, err := target.Bid(ctx, "item-e2e", "user", amt)
		require.NoError(t, err)
		log = append(log, Submission{UserID: "user", Amount: decimal.NewFromFloat(amt)})
	}

	st, err := (&HTTPReader{BaseURL: target.APIURL}).Read(ctx, "item-e2e")
	require.NoError(t, err)
	res, err := Verify(st.Bid, log)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// a lost update staged on the target is caught
	target.SetState("item-e2e", 100, "user")
	st, err = (&HTTPReader{BaseURL: target.APIURL}).Read(ctx, "item-e2e")
	require.NoError(t, err)
	_, err = Verify(st.Bid, log)
	assert.ErrorIs(t, err, ErrLostUpdate)
}

type steppingReader struct {
	n    atomic.Int64
	fail bool
}

func (s *steppingReader) Read(ctx context.Context, itemID string) (State, error) {
	n := s.n.Add(1)
	if s.fail && n == 2 {
		return State{}, errors.New("boom")
	}
	return State{ItemID: itemID, Bid: decimal.NewFromInt(100 + n)}, nil
}

func TestMonitorAdvancing(t *testing.T) {
	r := &steppingReader{fail: true}
	rep := Monitor(context.Background(), r, "item-m", 10*time.Millisecond, 45*time.Millisecond, zap.NewNop().Sugar())

	assert.GreaterOrEqual(t, len(rep.Samples), 3)
	assert.Equal(t, 1, rep.Failures)
	assert.True(t, rep.Advancing)
	assert.True(t, rep.StartBid.Equal(decimal.NewFromInt(101)))
	assert.True(t, rep.Increase.IsPositive())
}

type fixedReader struct{}

func (fixedReader) Read(ctx context.Context, itemID string) (State, error) {
	return State{ItemID: itemID, Bid: decimal.NewFromInt(100)}, nil
}

func TestMonitorStalled(t *testing.T) {
	rep := Monitor(context.Background(), fixedReader{}, "item-s", 5*time.Millisecond, 20*time.Millisecond, zap.NewNop().Sugar())
	assert.False(t, rep.Advancing)
	assert.True(t, rep.Increase.IsZero())
}

func TestMonitorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := Monitor(ctx, fixedReader{}, "item-c", time.Second, time.Minute, zap.NewNop().Sugar())
	assert.Len(t, rep.Samples, 1)
	assert.False(t, rep.Advancing)
}

func TestRedisReader(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("skipping redis test: set REDIS_TEST_ADDR to enable")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	itemID := "verify-redis-item"
	require.NoError(t, client.Set(ctx, bidKey(itemID), "130.25", 0).Err())
	require.NoError(t, client.Set(ctx, bidderKey(itemID), "carol", 0).Err())
	defer client.Del(ctx, bidKey(itemID), bidderKey(itemID))

	r := &RedisReader{Client: client}
	st, err := r.Read(ctx, itemID)
	require.NoError(t, err)
	assert.True(t, st.Bid.Equal(decimal.RequireFromString("130.25")))
	assert.Equal(t, "carol", st.BidderID)

	_, err = r.Read(ctx, "verify-redis-missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}
