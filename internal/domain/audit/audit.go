// Package audit defines the append-only audit log of pipeline transitions.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/okian/meterline/internal/domain/model"
)

// Sentinel errors.
var (
	ErrDuplicateEntry = errors.New("audit entry already written")
	ErrMissingID      = errors.New("audit entry has no id")
)

// Log is the durable audit trail. Append must either persist the entry or
// return an error; it never drops entries silently.
type Log interface {
	Append(ctx context.Context, entry model.AuditEntry) error
	Query(ctx context.Context, f Filter) ([]model.AuditEntry, error)
}

// Filter selects audit entries. Zero fields match everything.
type Filter struct {
	EventID string
	Stage   model.Stage
	Outcome model.Outcome
	From    time.Time // inclusive
	To      time.Time // exclusive
	Limit   int
}

// Match reports whether e passes the filter.
func (f Filter) Match(e model.AuditEntry) bool {
	switch {
	case f.EventID != "" && e.EventID != f.EventID:
		return false
	case f.Stage != "" && e.Stage != f.Stage:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !e.Timestamp.Before(f.To):
		return false
	}
	return true
}
