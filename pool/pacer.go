package pool

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer spaces out dials so a large pool does not arrive at the target as
// one SYN burst.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer allows ratePerSec dials with the given burst. A non-positive
// rate disables pacing.
func NewPacer(ratePerSec, burst int) *Pacer {
	if ratePerSec <= 0 {
		return &Pacer{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (p *Pacer) Wait(ctx context.Context) error {
	return p.lim.Wait(ctx)
}
