package redisstore

import (
	"time"

	"github.com/google/uuid"
)

const defaultKeyPrefix = "meterline:"

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key the store writes.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithLivenessTimeout sets how long a lease stays valid without renewal.
func WithLivenessTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.liveness = d
		}
	}
}

// WithClock overrides the time source. Lease expiry is judged by this
// clock rather than by Redis TTLs, so every process must use a synchronized
// clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOwnerFunc overrides lease owner generation.
func WithOwnerFunc(f func() string) Option {
	return func(s *Store) {
		if f != nil {
			s.newOwner = f
		}
	}
}

func defaultOwner() string { return uuid.NewString() }
