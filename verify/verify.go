// Package verify checks a contended item for lost updates after a load run:
// the converged highest bid must equal the largest amount anyone submitted.
package verify

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrLostUpdate         = errors.New("lost update")
	ErrIncorrectRejection = errors.New("incorrect rejection")
	ErrNoSubmissions      = errors.New("no bids submitted")
)

// Submission is one attempted bid as recorded by the load generator.
type Submission struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

type Range struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
	Avg decimal.Decimal `json:"avg"`
}

type Result struct {
	Success                  bool            `json:"success"`
	FinalBid                 decimal.Decimal `json:"final_bid"`
	FinalBidder              string          `json:"final_bidder,omitempty"`
	ExpectedMaxBid           decimal.Decimal `json:"expected_max_bid"`
	LostUpdate               bool            `json:"lost_update"`
	IncorrectlyRejectedCount int             `json:"incorrectly_rejected_count"`
	IncorrectlyRejected      []Submission    `json:"incorrectly_rejected,omitempty"`
	TotalBidsSubmitted       int             `json:"total_bids_submitted"`
	BidRange                 Range           `json:"bid_range"`
	Error                    string          `json:"error,omitempty"`
}

// maxListed caps how many offending submissions a Result carries.
const maxListed = 5

// Verify compares final against the submission log. The returned error joins
// every violation found; Result is filled in either way.
func Verify(final decimal.Decimal, subs []Submission) (Result, error) {
	res := Result{FinalBid: final, TotalBidsSubmitted: len(subs)}
	if len(subs) == 0 {
		res.Error = ErrNoSubmissions.Error()
		return res, ErrNoSubmissions
	}

	lo, hi, sum := subs[0].Amount, subs[0].Amount, decimal.Zero
	for _, s := range subs {
		if s.Amount.LessThan(lo) {
			lo = s.Amount
		}
		if s.Amount.GreaterThan(hi) {
			hi = s.Amount
		}
		sum = sum.Add(s.Amount)
	}
	res.ExpectedMaxBid = hi
	res.BidRange = Range{Min: lo, Max: hi, Avg: sum.Div(decimal.NewFromInt(int64(len(subs))))}

	var errs []error
	if !final.Equal(hi) {
		res.LostUpdate = true
		errs = append(errs, fmt.Errorf("%w: final %s, max submitted %s", ErrLostUpdate, final, hi))
	}

	for _, s := range subs {
		if s.Amount.GreaterThan(final) {
			res.IncorrectlyRejectedCount++
			if len(res.IncorrectlyRejected) < maxListed {
				res.IncorrectlyRejected = append(res.IncorrectlyRejected, s)
			}
		}
	}
	if res.IncorrectlyRejectedCount > 0 {
		errs = append(errs, fmt.Errorf("%w: %d bids above final %s", ErrIncorrectRejection, res.IncorrectlyRejectedCount, final))
	}

	err := errors.Join(errs...)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	return res, err
}

// LoadSubmissions reads a JSON array of submissions. Amounts may be numbers
// or numeric strings.
func LoadSubmissions(r io.Reader) ([]Submission, error) {
	var subs []Submission
	if err := json.NewDecoder(r).Decode(&subs); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}
	return subs, nil
}

func (r Result) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
