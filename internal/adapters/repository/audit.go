package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/okian/meterline/internal/domain/audit"
	"github.com/okian/meterline/internal/domain/model"
)

type auditRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement:false"`
	EventID       string `gorm:"size:256;not null;index:idx_audit_event"`
	AttemptNumber int    `gorm:"not null"`
	Stage         string `gorm:"size:16;not null"`
	Outcome       string `gorm:"size:32;not null"`
	Detail        string
	Timestamp     int64 `gorm:"column:recorded_at;not null;index:idx_audit_ts"`
}

func (auditRow) TableName() string { return "audit_entries" }

func (r auditRow) entry() model.AuditEntry {
	return model.AuditEntry{
		ID:            r.ID,
		EventID:       r.EventID,
		AttemptNumber: r.AttemptNumber,
		Stage:         model.Stage(r.Stage),
		Outcome:       model.Outcome(r.Outcome),
		Detail:        r.Detail,
		Timestamp:     fromNanos(r.Timestamp),
	}
}

// AuditLog implements audit.Log on an append-only table.
type AuditLog struct {
	db *gorm.DB
}

var _ audit.Log = (*AuditLog)(nil)

// NewAuditLog migrates the schema and returns the log.
func NewAuditLog(db *gorm.DB) (*AuditLog, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &AuditLog{db: db}, nil
}

func (l *AuditLog) Append(ctx context.Context, e model.AuditEntry) (err error) {
	defer func(start time.Time) { observe("audit_append", start, err) }(time.Now())
	if e.ID == 0 {
		return audit.ErrMissingID
	}
	row := auditRow{
		ID:            e.ID,
		EventID:       e.EventID,
		AttemptNumber: e.AttemptNumber,
		Stage:         string(e.Stage),
		Outcome:       string(e.Outcome),
		Detail:        e.Detail,
		Timestamp:     toNanos(e.Timestamp),
	}
	err = l.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return audit.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries in id order, which is time order for
// snowflake ids.
func (l *AuditLog) Query(ctx context.Context, f audit.Filter) (_ []model.AuditEntry, err error) {
	defer func(start time.Time) { observe("audit_query", start, err) }(time.Now())

	q := l.db.WithContext(ctx).Model(&auditRow{})
	if f.EventID != "" {
		q = q.Where("event_id = ?", f.EventID)
	}
	if f.Stage != "" {
		q = q.Where("stage = ?", string(f.Stage))
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", string(f.Outcome))
	}
	if !f.From.IsZero() {
		q = q.Where("recorded_at >= ?", toNanos(f.From))
	}
	if !f.To.IsZero() {
		q = q.Where("recorded_at < ?", toNanos(f.To))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []auditRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	out := make([]model.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}
