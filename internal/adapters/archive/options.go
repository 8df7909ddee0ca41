package archive

import (
	"time"

	"github.com/okian/meterline/pkg/logger"
)

// Default archival settings.
const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultBatch     = 1000
	DefaultPrefix    = "records/"
)

// Option applies a configuration option to the Archiver.
type Option func(*Archiver)

// WithPrefix sets the object key prefix.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) { a.prefix = prefix }
}

// WithRetention sets how long terminal records stay in the store.
func WithRetention(d time.Duration) Option {
	return func(a *Archiver) {
		if d > 0 {
			a.retention = d
		}
	}
}

// WithBatch caps records per archive object.
func WithBatch(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.batch = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.log = l
		}
	}
}
