// Package skew estimates the clock offset between this host and the host
// stamping server timestamps, for sessions with no local trigger to time
// against.
//
// The estimate treats the most negative raw latency as the skew floor, i.e.
// it assumes the fastest delivery took close to zero time. That is an
// approximation: under sustained load the fastest sample is still slow and
// the offset over-corrects by that amount.
package skew

import (
	"math"
	"sync"
)

const DefaultMarginMs = 10.0

// Estimate returns |min(raws)| + marginMs when the minimum is negative, and
// zero otherwise. The result is never negative.
func Estimate(raws []float64, marginMs float64) float64 {
	if len(raws) == 0 {
		return 0
	}
	min := math.Inf(1)
	for _, r := range raws {
		if r < min {
			min = r
		}
	}
	return offsetFor(min, marginMs)
}

func offsetFor(min, marginMs float64) float64 {
	if min >= 0 {
		return 0
	}
	if marginMs < 0 {
		marginMs = 0
	}
	return math.Abs(min) + marginMs
}

// Correct applies offset to raw. ok is false for a negative residual, which
// callers drop.
func Correct(raw, offset float64) (float64, bool) {
	v := raw + offset
	return v, v >= 0
}

// Estimator is the running form used while a session is still receiving:
// the offset tracks the minimum seen so far.
type Estimator struct {
	mu       sync.Mutex
	marginMs float64
	min      float64
	n        int
}

func NewEstimator(marginMs float64) *Estimator {
	return &Estimator{marginMs: marginMs, min: math.Inf(1)}
}

func (e *Estimator) Observe(raw float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	if raw < e.min {
		e.min = raw
	}
}

func (e *Estimator) Offset() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.n == 0 {
		return 0
	}
	return offsetFor(e.min, e.marginMs)
}

// Apply corrects raw with the current offset. ok is false for a negative
// residual, which callers drop.
func (e *Estimator) Apply(raw float64) (float64, bool) {
	return Correct(raw, e.Offset())
}

func (e *Estimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

// Min returns the smallest raw value observed, or 0 before any observation.
func (e *Estimator) Min() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.n == 0 {
		return 0
	}
	return e.min
}
