// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Keys are flat snake_case and map 1:1 to METERLINE_ environment variables.
// - New(ctx) returns defaults; Load(ctx) layers file and env on top.
// - Durations are stored as milliseconds and exposed through accessors.
package config

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

const maxNodeID = 1023

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of orchestration workers.
	WorkerCount int `koanf:"worker_count"`

	// NodeID distinguishes audit id generators sharing one log (0-1023).
	NodeID int64 `koanf:"node_id"`

	// StoreDriver selects the idempotency store and audit log backend.
	StoreDriver string `koanf:"store_driver"`
	// StoreDSN is the sqlite path or postgres DSN.
	StoreDSN string `koanf:"store_dsn"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// LivenessTimeoutMS is how long a lease stays valid without renewal.
	LivenessTimeoutMS int `koanf:"liveness_timeout_ms"`

	// MaxAttempts bounds the number of attempts per event.
	MaxAttempts int `koanf:"max_attempts"`
	// RetryBaseMS and RetryMaxDelayMS shape exponential backoff.
	RetryBaseMS     int `koanf:"retry_base_ms"`
	RetryMaxDelayMS int `koanf:"retry_max_delay_ms"`
	// InflightDelayMS is the re-check delay for events held by another attempt.
	InflightDelayMS int `koanf:"inflight_delay_ms"`

	// FutureSkewMS is how far occurred_at may lie ahead of the clock.
	FutureSkewMS int `koanf:"future_skew_ms"`
	// EventTypes is the recognized event_type set.
	EventTypes []string `koanf:"event_types"`

	// MeteringURL and BillingURL select HTTP ports; empty means simulated.
	MeteringURL   string  `koanf:"metering_url"`
	BillingURL    string  `koanf:"billing_url"`
	PortTimeoutMS int     `koanf:"port_timeout_ms"`
	PortRateLimit float64 `koanf:"port_rate_limit"`
	PortBurst     int     `koanf:"port_burst"`

	// Simulated port behaviour.
	SimLatencyMinMS  int     `koanf:"sim_latency_min_ms"`
	SimLatencyMaxMS  int     `koanf:"sim_latency_max_ms"`
	SimTransientRate float64 `koanf:"sim_transient_rate"`
	SimPermanentRate float64 `koanf:"sim_permanent_rate"`

	// Recovery sweep.
	SweepIntervalMS int `koanf:"sweep_interval_ms"`
	SweepBatch      int `koanf:"sweep_batch"`

	// Archival of terminal records to S3-compatible storage.
	ArchiveEnabled        bool   `koanf:"archive_enabled"`
	ArchiveBucket         string `koanf:"archive_bucket"`
	ArchivePrefix         string `koanf:"archive_prefix"`
	ArchiveRegion         string `koanf:"archive_region"`
	ArchiveEndpoint       string `koanf:"archive_endpoint"`
	ArchiveAccessKey      string `koanf:"archive_access_key"`
	ArchiveSecretKey      string `koanf:"archive_secret_key"`
	ArchiveRetentionHours int    `koanf:"archive_retention_hours"`
	ArchiveIntervalMS     int    `koanf:"archive_interval_ms"`
	ArchiveBatch          int    `koanf:"archive_batch"`

	TracingEnabled     bool    `koanf:"tracing_enabled"`
	TracingEndpoint    string  `koanf:"tracing_endpoint"`
	TracingSampleRatio float64 `koanf:"tracing_sample_ratio"`
}

// New returns a Config populated with defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":9080",
		QueueSize:             10_000,
		WorkerCount:           runtime.NumCPU() * 4,
		NodeID:                1,
		StoreDriver:           DriverMemory,
		StoreDSN:              "meterline.db",
		RedisAddr:             "localhost:6379",
		LivenessTimeoutMS:     60_000,
		MaxAttempts:           8,
		RetryBaseMS:           500,
		RetryMaxDelayMS:       300_000,
		InflightDelayMS:       250,
		FutureSkewMS:          300_000,
		EventTypes:            []string{"completion", "embedding", "moderation", "image_generation", "audio"},
		PortTimeoutMS:         10_000,
		PortRateLimit:         200,
		PortBurst:             50,
		SimLatencyMinMS:       5,
		SimLatencyMaxMS:       25,
		SweepIntervalMS:       30_000,
		SweepBatch:            500,
		ArchivePrefix:         "records/",
		ArchiveRegion:         "us-east-1",
		ArchiveRetentionHours: 24 * 30,
		ArchiveIntervalMS:     3_600_000,
		ArchiveBatch:          1_000,
		TracingEndpoint:       "localhost:4318",
		TracingSampleRatio:    0.1,
	}
}

// LivenessTimeout returns the lease liveness timeout.
func (c *Config) LivenessTimeout() time.Duration { return ms(c.LivenessTimeoutMS) }

// RetryBase returns the backoff base delay.
func (c *Config) RetryBase() time.Duration { return ms(c.RetryBaseMS) }

// RetryMaxDelay returns the backoff cap.
func (c *Config) RetryMaxDelay() time.Duration { return ms(c.RetryMaxDelayMS) }

// InflightDelay returns the in-flight re-check delay.
func (c *Config) InflightDelay() time.Duration { return ms(c.InflightDelayMS) }

// FutureSkew returns the allowed clock skew for occurred_at.
func (c *Config) FutureSkew() time.Duration { return ms(c.FutureSkewMS) }

// PortTimeout returns the per-call port timeout.
func (c *Config) PortTimeout() time.Duration { return ms(c.PortTimeoutMS) }

// SweepInterval returns the recovery sweep period.
func (c *Config) SweepInterval() time.Duration { return ms(c.SweepIntervalMS) }

// ArchiveInterval returns the archival period.
func (c *Config) ArchiveInterval() time.Duration { return ms(c.ArchiveIntervalMS) }

// ArchiveRetention returns how long terminal records stay before archival.
func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.ArchiveRetentionHours) * time.Hour
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.NodeID < 0 || c.NodeID > maxNodeID:
		return fmt.Errorf("%w: node_id must be within [0,%d]", ErrInvalidConfig, maxNodeID)
	case !slices.Contains([]string{DriverMemory, DriverSQLite, DriverPostgres, DriverRedis}, c.StoreDriver):
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	case c.RetryBaseMS <= 0 || c.RetryMaxDelayMS < c.RetryBaseMS:
		return fmt.Errorf("%w: retry_base_ms must be positive and not above retry_max_delay_ms", ErrInvalidConfig)
	case c.LivenessTimeoutMS <= 0:
		return fmt.Errorf("%w: liveness_timeout_ms must be positive", ErrInvalidConfig)
	case c.PortTimeoutMS <= 0 || c.PortTimeoutMS >= c.LivenessTimeoutMS:
		return fmt.Errorf("%w: port_timeout_ms must be positive and below liveness_timeout_ms", ErrInvalidConfig)
	case len(c.EventTypes) == 0:
		return fmt.Errorf("%w: event_types must not be empty", ErrInvalidConfig)
	case c.SimLatencyMinMS < 0 || c.SimLatencyMaxMS < c.SimLatencyMinMS:
		return fmt.Errorf("%w: sim latency bounds are inverted", ErrInvalidConfig)
	case !rate(c.SimTransientRate) || !rate(c.SimPermanentRate):
		return fmt.Errorf("%w: sim failure rates must be within [0,1]", ErrInvalidConfig)
	case c.SweepIntervalMS <= 0 || c.SweepBatch <= 0:
		return fmt.Errorf("%w: sweep settings must be positive", ErrInvalidConfig)
	case c.ArchiveEnabled && c.ArchiveBucket == "":
		return fmt.Errorf("%w: archive_bucket is required when archiving", ErrInvalidConfig)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func rate(v float64) bool { return v >= 0 && v <= 1 }
