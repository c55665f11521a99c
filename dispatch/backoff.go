package dispatch

import (
	"math/rand"
	"time"
)

// Backoff computes the exponential, jittered delay before a retry (§4.7
// "Backoff"). base=500ms, factor=2, jitter=+-20%, cap=8s. attempt is
// 0-indexed: the delay before the first retry uses attempt=0.
func Backoff(attempt int) time.Duration {
	const (
		base   = 500 * time.Millisecond
		factor = 2.0
		cap_   = 8 * time.Second
	)

	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= factor
	}
	if delay > float64(cap_) {
		delay = float64(cap_)
	}

	jitter := delay * 0.2
	delay += jitter*rand.Float64()*2 - jitter

	if delay > float64(cap_) {
		delay = float64(cap_)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
