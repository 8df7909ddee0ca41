package validate

import "time"

// Option applies a configuration option to the Validator.
type Option func(*Validator)

// WithEventTypes sets the recognized event_type values.
func WithEventTypes(types ...string) Option {
	return func(v *Validator) {
		for _, t := range types {
			v.eventTypes[t] = struct{}{}
		}
	}
}

// WithFutureSkew sets how far occurred_at may be ahead of the clock.
func WithFutureSkew(d time.Duration) Option {
	return func(v *Validator) {
		if d >= 0 {
			v.futureSkew = d
		}
	}
}
