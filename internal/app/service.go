// Package service assembles the ingestion pipeline and implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/okian/meterline/internal/adapters/archive"
	"github.com/okian/meterline/internal/adapters/downstream"
	eventqueue "github.com/okian/meterline/internal/adapters/mq/queue"
	workerpool "github.com/okian/meterline/internal/adapters/mq/worker"
	"github.com/okian/meterline/internal/adapters/redisstore"
	"github.com/okian/meterline/internal/adapters/repository"
	"github.com/okian/meterline/internal/config"
	"github.com/okian/meterline/internal/domain/audit"
	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/internal/domain/orchestrator"
	"github.com/okian/meterline/internal/domain/ports"
	"github.com/okian/meterline/internal/domain/retry"
	"github.com/okian/meterline/internal/domain/validate"
	"github.com/okian/meterline/pkg/logger"
	"github.com/okian/meterline/pkg/metrics"
)

// ErrNotStarted is returned by API calls made before Start.
var ErrNotStarted = errors.New("service not started")

const stopTimeout = 30 * time.Second

// Service owns the pipeline components and their background loops.
type Service struct {
	mu  sync.RWMutex
	cfg *config.Config

	// Overrides from options.
	metering ports.MeteringPort
	billing  ports.BillingPort
	alerter  orchestrator.Alerter
	putter   archive.ObjectPutter

	// Core components
	store     dedupe.Store
	auditLog  audit.Log
	queue     *eventqueue.InMemoryQueue
	scheduler *retry.Scheduler
	orch      *orchestrator.Orchestrator
	pool      *workerpool.Pool
	closers   []func() error

	// State
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	logger logger.Logger
}

// New constructs a Service from cfg. Components are built in Start.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New(context.Background())
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger = s.logger.Named("service")
	return s
}

// Start builds the pipeline and starts workers, the retry scheduler, the
// recovery sweep and, when enabled, the archiver.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.logger.Info(ctx, "starting meterline service...", logger.String("store_driver", s.cfg.StoreDriver))

	if err := s.openStorage(ctx); err != nil {
		s.closeAll(ctx)
		return err
	}

	recorder, err := audit.NewRecorder(s.auditLog, s.cfg.NodeID, nil)
	if err != nil {
		s.closeAll(ctx)
		return fmt.Errorf("audit recorder: %w", err)
	}

	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.QueueSize))
	s.scheduler = retry.New(s.queue,
		retry.WithBase(s.cfg.RetryBase()),
		retry.WithMaxDelay(s.cfg.RetryMaxDelay()),
		retry.WithMaxAttempts(s.cfg.MaxAttempts),
		retry.WithLogger(s.logger),
	)

	metering, billing := s.ports()
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(s.logger),
		orchestrator.WithInflightDelay(s.cfg.InflightDelay()),
		orchestrator.WithPortTimeout(s.cfg.PortTimeout()),
		orchestrator.WithSweepBatch(s.cfg.SweepBatch),
	}
	if s.alerter != nil {
		orchOpts = append(orchOpts, orchestrator.WithAlerter(s.alerter))
	}
	s.orch, err = orchestrator.New(orchestrator.Deps{
		Validator: validate.New(
			validate.WithEventTypes(s.cfg.EventTypes...),
			validate.WithFutureSkew(s.cfg.FutureSkew()),
		),
		Store:     s.store,
		Audit:     recorder,
		Metering:  metering,
		Billing:   billing,
		Scheduler: s.scheduler,
		Queue:     s.queue,
	}, orchOpts...)
	if err != nil {
		s.closeAll(ctx)
		return fmt.Errorf("orchestrator: %w", err)
	}

	var archiver *archive.Archiver
	if s.cfg.ArchiveEnabled {
		if archiver, err = s.newArchiver(ctx); err != nil {
			s.closeAll(ctx)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.pool = workerpool.NewPool(s.cfg.WorkerCount, s.queue, s.orch,
		workerpool.WithJobTimeout(s.cfg.LivenessTimeout()),
		workerpool.WithLogger(s.logger.Named("worker")),
	)
	s.pool.Start(runCtx)

	s.goLoop(func() { s.scheduler.Run(runCtx) })
	s.goLoop(func() { s.sweepLoop(runCtx) })
	if archiver != nil {
		s.goLoop(func() { archiver.Run(runCtx, s.cfg.ArchiveInterval()) })
	}

	s.started = true
	s.logger.Info(ctx, "meterline service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.cfg.QueueSize),
		logger.Int("max_attempts", s.cfg.MaxAttempts),
	)
	return nil
}

func (s *Service) openStorage(ctx context.Context) error {
	liveness := s.cfg.LivenessTimeout()
	switch s.cfg.StoreDriver {
	case config.DriverMemory:
		s.store = dedupe.NewInMemoryStore(dedupe.WithLivenessTimeout(liveness))
		s.auditLog = audit.NewInMemoryLog()
		return nil

	case config.DriverSQLite, config.DriverPostgres:
		db, err := s.openDB(s.cfg.StoreDriver, s.cfg.StoreDSN)
		if err != nil {
			return err
		}
		store, err := repository.NewGormStore(db,
			repository.WithLivenessTimeout(liveness),
			repository.WithLogger(s.logger),
		)
		if err != nil {
			return fmt.Errorf("record store: %w", err)
		}
		s.store = store
		return s.openGormAudit(db)

	case config.DriverRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		}, redisstore.WithLivenessTimeout(liveness))
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		s.store = store
		s.closers = append(s.closers, store.Close)

		// The audit trail stays in SQL; redis holds only the hot records.
		db, err := s.openDB(config.DriverSQLite, s.cfg.StoreDSN)
		if err != nil {
			return err
		}
		return s.openGormAudit(db)
	}
	return fmt.Errorf("%w: %s", repository.ErrUnsupportedDriver, s.cfg.StoreDriver)
}

func (s *Service) openDB(driver, dsn string) (*gorm.DB, error) {
	db, err := repository.Open(driver, dsn, repository.WithTracing(s.cfg.TracingEnabled))
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		s.closers = append(s.closers, sqlDB.Close)
	}
	if err := repository.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func (s *Service) openGormAudit(db *gorm.DB) error {
	log, err := repository.NewAuditLog(db)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	s.auditLog = log
	return nil
}

// ports picks HTTP adapters when URLs are configured and simulators otherwise.
func (s *Service) ports() (ports.MeteringPort, ports.BillingPort) {
	metering, billing := s.metering, s.billing
	limit := downstream.WithRateLimit(s.cfg.PortRateLimit, s.cfg.PortBurst)
	sim := []downstream.SimOption{
		downstream.WithLatencyRange(
			time.Duration(s.cfg.SimLatencyMinMS)*time.Millisecond,
			time.Duration(s.cfg.SimLatencyMaxMS)*time.Millisecond,
		),
		downstream.WithFailureRates(s.cfg.SimTransientRate, s.cfg.SimPermanentRate),
	}

	if metering == nil {
		if s.cfg.MeteringURL != "" {
			metering = downstream.NewHTTPMetering(s.cfg.MeteringURL, limit)
		} else {
			metering = downstream.NewSimMetering(sim...)
			s.logger.Warn(context.Background(), "metering_url not set, using simulated metering")
		}
	}
	if billing == nil {
		if s.cfg.BillingURL != "" {
			billing = downstream.NewHTTPBilling(s.cfg.BillingURL, limit)
		} else {
			billing = downstream.NewSimBilling(sim...)
			s.logger.Warn(context.Background(), "billing_url not set, using simulated billing")
		}
	}
	return metering, billing
}

func (s *Service) newArchiver(ctx context.Context) (*archive.Archiver, error) {
	putter := s.putter
	if putter == nil {
		client, err := archive.NewS3Client(ctx, archive.S3Config{
			Region:    s.cfg.ArchiveRegion,
			Endpoint:  s.cfg.ArchiveEndpoint,
			AccessKey: s.cfg.ArchiveAccessKey,
			SecretKey: s.cfg.ArchiveSecretKey,
		})
		if err != nil {
			return nil, err
		}
		putter = client
	}
	a, err := archive.New(s.store, putter, s.cfg.ArchiveBucket,
		archive.WithPrefix(s.cfg.ArchivePrefix),
		archive.WithRetention(s.cfg.ArchiveRetention()),
		archive.WithBatch(s.cfg.ArchiveBatch),
		archive.WithLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("archiver: %w", err)
	}
	return a, nil
}

func (s *Service) goLoop(fn func()) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		fn()
	}()
}

// sweepLoop runs Recover at start-up and then every sweep interval.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		if _, err := s.orch.Recover(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error(ctx, "recovery sweep failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	s.logger.Info(ctx, "stopping meterline service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool did not drain", logger.Error(err))
	}
	s.cancel()
	s.loops.Wait()
	s.closeAll(ctx)

	s.started = false
	s.logger.Info(ctx, "meterline service stopped")
}

func (s *Service) closeAll(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn(ctx, "close failed", logger.Error(err))
		}
	}
	s.closers = nil
}

// Submit validates and admits one raw event.
func (s *Service) Submit(ctx context.Context, raw []byte) (orchestrator.Result, error) {
	orch := s.orchestrator()
	if orch == nil {
		return orchestrator.Result{}, ErrNotStarted
	}
	return orch.Submit(ctx, raw)
}

// Record returns the idempotency record of an event.
func (s *Service) Record(ctx context.Context, eventID string) (model.IdempotencyRecord, error) {
	s.mu.RLock()
	store, started := s.store, s.started
	s.mu.RUnlock()
	if !started {
		return model.IdempotencyRecord{}, ErrNotStarted
	}
	return store.Get(ctx, eventID)
}

// Audit queries the audit trail.
func (s *Service) Audit(ctx context.Context, f audit.Filter) ([]model.AuditEntry, error) {
	s.mu.RLock()
	log, started := s.auditLog, s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	return log.Query(ctx, f)
}

// Recover runs one recovery sweep immediately.
func (s *Service) Recover(ctx context.Context) (int, error) {
	orch := s.orchestrator()
	if orch == nil {
		return 0, ErrNotStarted
	}
	return orch.Recover(ctx)
}

func (s *Service) orchestrator() *orchestrator.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil
	}
	return s.orch
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":      s.started,
		"store_driver": s.cfg.StoreDriver,
		"worker_count": s.cfg.WorkerCount,
		"queue_size":   s.cfg.QueueSize,
		"max_attempts": s.cfg.MaxAttempts,
	}
	if !s.started {
		return stats
	}

	queueLen := s.queue.Len(context.Background())
	pending := s.scheduler.Pending()
	active := s.pool.Active()
	stats["queue_length"] = queueLen
	stats["retries_pending"] = pending
	stats["active_workers"] = active

	st := s.orch.Stats()
	stats["received"] = st.Received
	stats["accepted"] = st.Accepted
	stats["duplicates"] = st.Duplicates
	stats["in_flight"] = st.InFlight
	stats["invalid"] = st.Invalid
	stats["succeeded"] = st.Succeeded
	stats["failed"] = st.Failed
	stats["retries"] = st.Retries
	stats["recovered"] = st.Recovered

	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateRetriesPending(pending)
	metrics.UpdateWorkerActiveCount(active)
	return stats
}
