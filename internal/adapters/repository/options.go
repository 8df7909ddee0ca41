package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/okian/meterline/pkg/logger"
)

// Option applies a configuration option to the GormStore.
type Option func(*GormStore)

// WithLivenessTimeout sets how long a lease stays valid without renewal.
func WithLivenessTimeout(d time.Duration) Option {
	return func(s *GormStore) {
		if d > 0 {
			s.liveness = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *GormStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOwnerFunc overrides lease owner generation.
func WithOwnerFunc(f func() string) Option {
	return func(s *GormStore) {
		if f != nil {
			s.newOwner = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *GormStore) {
		if l != nil {
			s.log = l
		}
	}
}

func defaultOwner() string { return uuid.NewString() }

// OpenOption configures Open.
type OpenOption func(*openConfig)

type openConfig struct {
	tracing      bool
	maxOpenConns int
}

// WithTracing registers the OpenTelemetry GORM plugin.
func WithTracing(enabled bool) OpenOption {
	return func(c *openConfig) { c.tracing = enabled }
}

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) OpenOption {
	return func(c *openConfig) {
		if n > 0 {
			c.maxOpenConns = n
		}
	}
}
