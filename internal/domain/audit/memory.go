package audit

import (
	"context"
	"sync"

	"github.com/okian/meterline/internal/domain/model"
)

// InMemoryLog keeps entries in insertion order.
type InMemoryLog struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
	ids     map[int64]struct{}
}

var _ Log = (*InMemoryLog)(nil)

// NewInMemoryLog creates an empty log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{ids: make(map[int64]struct{})}
}

func (l *InMemoryLog) Append(ctx context.Context, entry model.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ID == 0 {
		return ErrMissingID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.ids[entry.ID]; dup {
		return ErrDuplicateEntry
	}
	l.ids[entry.ID] = struct{}{}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *InMemoryLog) Query(ctx context.Context, f Filter) ([]model.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.AuditEntry, 0)
	for _, e := range l.entries {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of entries.
func (l *InMemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
