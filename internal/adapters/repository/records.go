package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/pkg/logger"
	"github.com/okian/meterline/pkg/metrics"
)

const casAttempts = 3

type recordRow struct {
	EventID        string `gorm:"primaryKey;size:256"`
	Status         string `gorm:"size:16;not null;index:idx_records_status"`
	Stage          string `gorm:"size:16;not null"`
	FirstSeenAt    int64  `gorm:"not null"`
	LastAttemptAt  int64  `gorm:"not null"`
	AttemptCount   int    `gorm:"not null"`
	ResultSummary  string
	Payload        []byte
	LeaseOwner     string `gorm:"size:64;not null;default:''"`
	LeaseExpiresAt int64  `gorm:"not null;default:0"`
	NextAttemptAt  int64  `gorm:"not null;default:0"`
	LastError      string
	ArchivedAt     int64 `gorm:"not null;default:0;index"`
}

func (recordRow) TableName() string { return "idempotency_records" }

func toRecordRow(r model.IdempotencyRecord) recordRow {
	return recordRow{
		EventID:        r.EventID,
		Status:         string(r.Status),
		Stage:          string(r.Stage),
		FirstSeenAt:    toNanos(r.FirstSeenAt),
		LastAttemptAt:  toNanos(r.LastAttemptAt),
		AttemptCount:   r.AttemptCount,
		ResultSummary:  r.ResultSummary,
		Payload:        r.Payload,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: toNanos(r.LeaseExpiresAt),
		NextAttemptAt:  toNanos(r.NextAttemptAt),
		LastError:      r.LastError,
		ArchivedAt:     toNanos(r.ArchivedAt),
	}
}

func (r recordRow) record() model.IdempotencyRecord {
	return model.IdempotencyRecord{
		EventID:        r.EventID,
		Status:         model.Status(r.Status),
		Stage:          model.Stage(r.Stage),
		FirstSeenAt:    fromNanos(r.FirstSeenAt),
		LastAttemptAt:  fromNanos(r.LastAttemptAt),
		AttemptCount:   r.AttemptCount,
		ResultSummary:  r.ResultSummary,
		Payload:        r.Payload,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: fromNanos(r.LeaseExpiresAt),
		NextAttemptAt:  fromNanos(r.NextAttemptAt),
		LastError:      r.LastError,
		ArchivedAt:     fromNanos(r.ArchivedAt),
	}
}

// GormStore implements dedupe.Store on a SQL table. Every transition is a
// single conditional UPDATE, so concurrent processes sharing the database
// agree on lease ownership.
type GormStore struct {
	db       *gorm.DB
	liveness time.Duration
	now      func() time.Time
	newOwner func() string
	log      logger.Logger
}

var _ dedupe.Store = (*GormStore)(nil)

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB, opts ...Option) (*GormStore, error) {
	s := &GormStore{
		db:       db,
		liveness: dedupe.DefaultLivenessTimeout,
		now:      time.Now,
		newOwner: defaultOwner,
		log:      logger.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("repository")
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) Begin(ctx context.Context, req dedupe.BeginRequest) (adm dedupe.Admission, err error) {
	defer func(start time.Time) { observe("begin", start, err) }(time.Now())
	now := s.now()

	if req.Payload != nil {
		lease := model.Lease{EventID: req.EventID, Owner: s.newOwner(), Attempt: 1, ExpiresAt: now.Add(s.liveness)}
		fresh := dedupe.NewRecord(req.EventID, req.Payload, lease, now)
		row := toRecordRow(fresh)
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return dedupe.Admission{}, fmt.Errorf("insert %s: %w", req.EventID, res.Error)
		}
		if res.RowsAffected == 1 {
			return dedupe.Admission{Decision: dedupe.Admitted, Lease: lease, Record: fresh, Inserted: true}, nil
		}
	}

	for i := 0; i < casAttempts; i++ {
		rec, err := s.get(ctx, req.EventID)
		if err != nil {
			return dedupe.Admission{}, err
		}
		decision, retryAt := dedupe.Decide(rec, now)
		if decision != dedupe.Admitted {
			return dedupe.Admission{Decision: decision, Record: rec, RetryAt: retryAt}, nil
		}

		next := dedupe.Reclaim(rec, s.newOwner(), now, s.liveness)
		res := s.db.WithContext(ctx).Model(&recordRow{}).
			Where("event_id = ? AND status = ? AND attempt_count = ? AND lease_owner = ?",
				rec.EventID, string(model.StatusPending), rec.AttemptCount, rec.LeaseOwner).
			Updates(map[string]any{
				"attempt_count":    next.AttemptCount,
				"last_attempt_at":  toNanos(next.LastAttemptAt),
				"lease_owner":      next.LeaseOwner,
				"lease_expires_at": toNanos(next.LeaseExpiresAt),
				"next_attempt_at":  int64(0),
			})
		if res.Error != nil {
			return dedupe.Admission{}, fmt.Errorf("reclaim %s: %w", req.EventID, res.Error)
		}
		if res.RowsAffected == 1 {
			return dedupe.Admission{Decision: dedupe.Admitted, Lease: dedupe.LeaseOf(next), Record: next}, nil
		}
	}
	// Every CAS lost: someone else holds it now.
	return dedupe.Admission{Decision: dedupe.AlreadyInFlight}, nil
}

func (s *GormStore) Complete(ctx context.Context, eventID string, result dedupe.Result) (err error) {
	defer func(start time.Time) { observe("complete", start, err) }(time.Now())

	for i := 0; i < casAttempts; i++ {
		rec, err := s.get(ctx, eventID)
		if err != nil {
			return err
		}
		done, err := dedupe.CheckComplete(rec, result)
		if err != nil || done {
			return err
		}
		res := s.db.WithContext(ctx).Model(&recordRow{}).
			Where("event_id = ? AND status = ?", eventID, string(model.StatusPending)).
			Updates(map[string]any{
				"status":           string(result.Status),
				"stage":            string(model.StageDone),
				"result_summary":   result.Summary,
				"last_attempt_at":  toNanos(s.now()),
				"lease_owner":      "",
				"lease_expires_at": int64(0),
				"next_attempt_at":  int64(0),
			})
		if res.Error != nil {
			return fmt.Errorf("complete %s: %w", eventID, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("complete %s: contended", eventID)
}

func (s *GormStore) Checkpoint(ctx context.Context, lease model.Lease, next model.Stage) (_ model.Lease, err error) {
	defer func(start time.Time) { observe("checkpoint", start, err) }(time.Now())

	now := s.now()
	expires := now.Add(s.liveness)
	res := s.owned(ctx, lease).Updates(map[string]any{
		"stage":            string(next),
		"last_attempt_at":  toNanos(now),
		"lease_expires_at": toNanos(expires),
	})
	if err := s.checkOwned(ctx, lease, res); err != nil {
		return model.Lease{}, err
	}
	lease.ExpiresAt = expires
	return lease, nil
}

func (s *GormStore) Release(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) (err error) {
	defer func(start time.Time) { observe("release", start, err) }(time.Now())

	res := s.owned(ctx, lease).Updates(releaseColumns(retryAt, lastError))
	return s.checkOwned(ctx, lease, res)
}

func (s *GormStore) Park(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) (err error) {
	defer func(start time.Time) { observe("park", start, err) }(time.Now())

	cols := releaseColumns(retryAt, lastError)
	cols["attempt_count"] = dedupe.Unspent(lease)
	res := s.owned(ctx, lease).Updates(cols)
	return s.checkOwned(ctx, lease, res)
}

func releaseColumns(retryAt time.Time, lastError string) map[string]any {
	return map[string]any{
		"lease_owner":      "",
		"lease_expires_at": int64(0),
		"next_attempt_at":  toNanos(retryAt),
		"last_error":       lastError,
	}
}

func (s *GormStore) owned(ctx context.Context, lease model.Lease) *gorm.DB {
	return s.db.WithContext(ctx).Model(&recordRow{}).
		Where("event_id = ? AND status = ? AND lease_owner = ? AND lease_owner <> ''",
			lease.EventID, string(model.StatusPending), lease.Owner)
}

// checkOwned turns a conditional update that matched nothing into the
// right sentinel.
func (s *GormStore) checkOwned(ctx context.Context, lease model.Lease, res *gorm.DB) error {
	if res.Error != nil {
		return fmt.Errorf("update %s: %w", lease.EventID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.get(ctx, lease.EventID); err != nil {
		return err
	}
	return dedupe.ErrLeaseLost
}

func (s *GormStore) Get(ctx context.Context, eventID string) (rec model.IdempotencyRecord, err error) {
	defer func(start time.Time) { observe("get", start, err) }(time.Now())
	return s.get(ctx, eventID)
}

func (s *GormStore) get(ctx context.Context, eventID string) (model.IdempotencyRecord, error) {
	var row recordRow
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.IdempotencyRecord{}, dedupe.ErrNotFound
	}
	if err != nil {
		return model.IdempotencyRecord{}, fmt.Errorf("get %s: %w", eventID, err)
	}
	return row.record(), nil
}

func (s *GormStore) ListResumable(ctx context.Context, now time.Time, limit int) (_ []model.IdempotencyRecord, err error) {
	defer func(start time.Time) { observe("list_resumable", start, err) }(time.Now())
	n := toNanos(now)
	q := s.db.WithContext(ctx).
		Where("status = ?", string(model.StatusPending)).
		Where(s.db.Where("lease_owner <> '' AND lease_expires_at <= ?", n).
			Or("lease_owner = '' AND next_attempt_at <= ?", n))
	return s.list(q, limit)
}

func (s *GormStore) ListArchivable(ctx context.Context, before time.Time, limit int) (_ []model.IdempotencyRecord, err error) {
	defer func(start time.Time) { observe("list_archivable", start, err) }(time.Now())
	q := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(model.StatusSucceeded), string(model.StatusFailed)}).
		Where("archived_at = 0 AND last_attempt_at < ?", toNanos(before))
	return s.list(q, limit)
}

func (s *GormStore) list(q *gorm.DB, limit int) ([]model.IdempotencyRecord, error) {
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []recordRow
	if err := q.Order("first_seen_at, event_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]model.IdempotencyRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *GormStore) MarkArchived(ctx context.Context, eventIDs []string, at time.Time) (err error) {
	defer func(start time.Time) { observe("mark_archived", start, err) }(time.Now())
	if len(eventIDs) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("event_id IN ? AND status IN ?", eventIDs,
			[]string{string(model.StatusSucceeded), string(model.StatusFailed)}).
		Update("archived_at", toNanos(at))
	if res.Error != nil {
		return fmt.Errorf("mark archived: %w", res.Error)
	}
	s.log.Debug(ctx, "records archived", logger.Int64("count", res.RowsAffected))
	return nil
}

// Count returns the number of stored records.
func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func recordStoreLatency(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

func recordStoreError(op string) { metrics.RecordStoreError(op) }
