package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns base * 2^(attempt-1) capped at max, with half
// the interval randomized to spread retries out.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
