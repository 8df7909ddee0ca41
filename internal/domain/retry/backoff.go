// Package retry schedules delayed re-processing of events with exponential backoff.
package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff returns min(base * 2^attempt, maxDelay) + jitter.
func Backoff(base, maxDelay time.Duration, attempt int, jitter time.Duration) time.Duration {
	if base <= 0 {
		return jitter
	}
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d + jitter
}

// uniformJitter draws from [0, limit).
func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
