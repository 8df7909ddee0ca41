package dedupe

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLivenessTimeout bounds how long an attempt may hold a lease without renewal.
const DefaultLivenessTimeout = 60 * time.Second

// Option applies a configuration option to the InMemoryStore.
type Option func(*InMemoryStore)

// WithLivenessTimeout sets the lease duration.
func WithLivenessTimeout(d time.Duration) Option {
	return func(s *InMemoryStore) {
		if d > 0 {
			s.liveness = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOwnerFunc overrides lease owner token generation.
func WithOwnerFunc(f func() string) Option {
	return func(s *InMemoryStore) {
		if f != nil {
			s.newOwner = f
		}
	}
}

func defaultOwner() string { return uuid.NewString() }
