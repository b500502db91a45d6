package jobs

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase   = 10 * time.Second
	backoffMax    = 15 * time.Minute
	backoffJitter = 2 * time.Second
)

// Backoff returns the delay before the next run after the given number of
// completed attempts: min(15m, 10s * 2^attempts) plus a small random jitter so
// jobs failing against the same upstream don't retry in lockstep.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	expo := float64(backoffBase) * math.Pow(2, float64(attempts))
	wait := time.Duration(expo)
	if wait > backoffMax || wait <= 0 {
		wait = backoffMax
	}
	wait += time.Duration(rand.Int63n(int64(backoffJitter)))
	if wait > backoffMax {
		wait = backoffMax
	}
	return wait
}
