package retry

import (
	"time"

	"github.com/okian/meterline/pkg/logger"
)

// Default scheduler configuration.
const (
	DefaultBase         = 500 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Minute
	DefaultMaxAttempts  = 8
	defaultRequeueDelay = 50 * time.Millisecond
)

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithBase sets the backoff base delay; jitter is drawn from [0, base).
func WithBase(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.base = d
		}
	}
}

// WithMaxDelay caps the exponential part of the backoff.
func WithMaxDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxDelay = d
		}
	}
}

// WithMaxAttempts bounds the number of attempts per event.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithJitter overrides the jitter source. It receives the base delay.
func WithJitter(f func(limit time.Duration) time.Duration) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.jitter = f
		}
	}
}

// WithRequeueDelay sets how long a due job waits when the queue is full.
func WithRequeueDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.requeueDelay = d
		}
	}
}

// WithClock overrides the time source used to compute due times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}
