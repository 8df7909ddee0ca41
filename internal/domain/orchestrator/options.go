package orchestrator

import (
	"time"

	"github.com/okian/meterline/pkg/logger"
)

// Default orchestration settings.
const (
	DefaultInflightDelay = 250 * time.Millisecond
	DefaultPortTimeout   = 10 * time.Second
	DefaultSweepBatch    = 500
)

// Option applies a configuration option to the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAlerter sets the alert sink.
func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.alerter = a
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithInflightDelay sets the base delay before re-checking an event held by
// another attempt. A jitter of up to the same amount is added.
func WithInflightDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.inflightDelay = d
		}
	}
}

// WithPortTimeout bounds each port call. It must stay below the lease
// liveness timeout.
func WithPortTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.portTimeout = d
		}
	}
}

// WithSweepBatch caps how many records one recovery sweep reschedules.
func WithSweepBatch(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sweepBatch = n
		}
	}
}

// WithJitter overrides the in-flight jitter source.
func WithJitter(f func(limit time.Duration) time.Duration) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.jitter = f
		}
	}
}
