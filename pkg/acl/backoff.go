package acl

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the wait before reconnect attempt n (0-based):
//
//	min(Base * Multiplier^n * (1 + U*Jitter), Max),  U uniform in [0,1)
//
// Jitter is capped at Multiplier-1 so that delays never decrease with n.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	rand func() float64
}

// DefaultBackoff reproduces the 1s, 2s, 4s ... 256s retry table.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Max:        256 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (b Backoff) Delay(n int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > mult-1 {
		jitter = mult - 1
	}
	if n < 0 {
		n = 0
	}

	u := rand.Float64
	if b.rand != nil {
		u = b.rand
	}

	d := float64(base) * math.Pow(mult, float64(n)) * (1 + u()*jitter)
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return b.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
