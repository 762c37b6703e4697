package verify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MonitorSample struct {
	At      time.Time       `json:"at"`
	Elapsed time.Duration   `json:"elapsed"`
	Bid     decimal.Decimal `json:"bid"`
	Bidder  string          `json:"bidder,omitempty"`
	Err     string          `json:"error,omitempty"`
}

type MonitorReport struct {
	ItemID    string          `json:"item_id"`
	Samples   []MonitorSample `json:"samples"`
	Failures  int             `json:"failures"`
	StartBid  decimal.Decimal `json:"start_bid"`
	EndBid    decimal.Decimal `json:"end_bid"`
	Increase  decimal.Decimal `json:"increase"`
	Advancing bool            `json:"advancing"`
}

// Monitor reads an item's state every interval for duration and reports
// whether the value kept moving. A stalled value while bids are being
// placed means the write path is blocked.
func Monitor(ctx context.Context, reader StateReader, itemID string, interval, duration time.Duration, log *zap.SugaredLogger) MonitorReport {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	rep := MonitorReport{ItemID: itemID}
	start := time.Now()
	deadline := start.Add(duration)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := time.Now()
		smp := MonitorSample{At: now, Elapsed: now.Sub(start)}
		st, err := reader.Read(ctx, itemID)
		if err != nil {
			rep.Failures++
			smp.Err = err.Error()
			log.Warnf("state read [%s]: %v", itemID, err)
		} else {
			smp.Bid = st.Bid
			smp.Bidder = st.BidderID
			log.Infof("t=%3ds bid=%s bidder=%s", int(smp.Elapsed.Seconds()), st.Bid.StringFixed(2), st.BidderID)
		}
		rep.Samples = append(rep.Samples, smp)

		if time.Until(deadline) <= 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return rep.finish()
		}
	}
	return rep.finish()
}

func (r MonitorReport) finish() MonitorReport {
	var ok []MonitorSample
	for _, s := range r.Samples {
		if s.Err == "" {
			ok = append(ok, s)
		}
	}
	if len(ok) < 2 {
		return r
	}
	r.StartBid = ok[0].Bid
	r.EndBid = ok[len(ok)-1].Bid
	r.Increase = r.EndBid.Sub(r.StartBid)
	r.Advancing = r.Increase.IsPositive()
	return r
}
