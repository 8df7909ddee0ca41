// Package repository persists idempotency records and audit entries in a
// relational database through GORM. SQLite and PostgreSQL are supported.
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/meterline/internal/domain/audit"
	"github.com/okian/meterline/internal/domain/dedupe"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the database. SQLite connections are capped at one so
// that writers serialize.
func Open(driver, dsn string, opts ...OpenOption) (*gorm.DB, error) {
	cfg := openConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
		cfg.maxOpenConns = 1
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, driver, err)
	}

	if cfg.tracing {
		if err := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName(driver), otelgorm.WithoutQueryVariables())); err != nil {
			return nil, fmt.Errorf("%w: tracing plugin: %w", ErrOpen, err)
		}
	}

	if cfg.maxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpen, err)
		}
		sqlDB.SetMaxOpenConns(cfg.maxOpenConns)
	}
	return db, nil
}

// Migrate creates or updates the tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&recordRow{}, &auditRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Times are stored as UTC unix nanoseconds; zero means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// observe records latency and counts errors other than the store's
// expected answers.
func observe(op string, start time.Time, err error) {
	recordStoreLatency(op, start)
	if err != nil && !errors.Is(err, dedupe.ErrNotFound) && !errors.Is(err, dedupe.ErrLeaseLost) &&
		!errors.Is(err, dedupe.ErrConflict) && !errors.Is(err, audit.ErrDuplicateEntry) {
		recordStoreError(op)
	}
}
