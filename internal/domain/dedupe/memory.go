package dedupe

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/meterline/internal/domain/model"
)

// InMemoryStore implements Store with a mutex-guarded map. Records are never
// evicted; it suits tests and single-process runs.
type InMemoryStore struct {
	mu       sync.Mutex
	records  map[string]*model.IdempotencyRecord
	size     atomic.Int64
	liveness time.Duration
	now      func() time.Time
	newOwner func() string
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		records:  make(map[string]*model.IdempotencyRecord),
		liveness: DefaultLivenessTimeout,
		now:      time.Now,
		newOwner: defaultOwner,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Begin(ctx context.Context, req BeginRequest) (Admission, error) {
	if err := ctx.Err(); err != nil {
		return Admission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[req.EventID]
	if !ok {
		if req.Payload == nil {
			return Admission{}, ErrNotFound
		}
		lease := model.Lease{EventID: req.EventID, Owner: s.newOwner(), Attempt: 1, ExpiresAt: now.Add(s.liveness)}
		fresh := NewRecord(req.EventID, req.Payload, lease, now)
		s.records[req.EventID] = &fresh
		s.size.Add(1)
		return Admission{Decision: Admitted, Lease: lease, Record: clone(fresh), Inserted: true}, nil
	}

	decision, retryAt := Decide(*rec, now)
	if decision != Admitted {
		return Admission{Decision: decision, Record: clone(*rec), RetryAt: retryAt}, nil
	}
	*rec = Reclaim(*rec, s.newOwner(), now, s.liveness)
	return Admission{Decision: Admitted, Lease: LeaseOf(*rec), Record: clone(*rec)}, nil
}

func (s *InMemoryStore) Complete(ctx context.Context, eventID string, res Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[eventID]
	if !ok {
		return ErrNotFound
	}
	done, err := CheckComplete(*rec, res)
	if err != nil || done {
		return err
	}
	rec.Status = res.Status
	rec.Stage = model.StageDone
	rec.ResultSummary = res.Summary
	rec.LastAttemptAt = s.now()
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = time.Time{}
	rec.NextAttemptAt = time.Time{}
	return nil
}

func (s *InMemoryStore) Checkpoint(ctx context.Context, lease model.Lease, next model.Stage) (model.Lease, error) {
	if err := ctx.Err(); err != nil {
		return model.Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.owned(lease)
	if err != nil {
		return model.Lease{}, err
	}
	now := s.now()
	rec.Stage = next
	rec.LastAttemptAt = now
	rec.LeaseExpiresAt = now.Add(s.liveness)
	return LeaseOf(*rec), nil
}

func (s *InMemoryStore) Release(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) error {
	return s.release(ctx, lease, retryAt, lastError, false)
}

func (s *InMemoryStore) Park(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) error {
	return s.release(ctx, lease, retryAt, lastError, true)
}

func (s *InMemoryStore) release(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string, unspent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.owned(lease)
	if err != nil {
		return err
	}
	if unspent {
		rec.AttemptCount = Unspent(lease)
	}
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = time.Time{}
	rec.NextAttemptAt = retryAt
	rec.LastError = lastError
	return nil
}

// owned must be called with s.mu held.
func (s *InMemoryStore) owned(lease model.Lease) (*model.IdempotencyRecord, error) {
	rec, ok := s.records[lease.EventID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != model.StatusPending || rec.LeaseOwner == "" || rec.LeaseOwner != lease.Owner {
		return nil, ErrLeaseLost
	}
	return rec, nil
}

func (s *InMemoryStore) Get(ctx context.Context, eventID string) (model.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.IdempotencyRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[eventID]
	if !ok {
		return model.IdempotencyRecord{}, ErrNotFound
	}
	return clone(*rec), nil
}

func (s *InMemoryStore) ListResumable(ctx context.Context, now time.Time, limit int) ([]model.IdempotencyRecord, error) {
	return s.list(ctx, limit, func(r *model.IdempotencyRecord) bool { return Resumable(*r, now) })
}

func (s *InMemoryStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]model.IdempotencyRecord, error) {
	return s.list(ctx, limit, func(r *model.IdempotencyRecord) bool {
		return r.Status.Terminal() && r.ArchivedAt.IsZero() && r.LastAttemptAt.Before(before)
	})
}

func (s *InMemoryStore) list(ctx context.Context, limit int, keep func(*model.IdempotencyRecord) bool) ([]model.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]model.IdempotencyRecord, 0)
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, clone(*rec))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkArchived(ctx context.Context, eventIDs []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		if rec, ok := s.records[id]; ok && rec.Status.Terminal() {
			rec.ArchivedAt = at
		}
	}
	return nil
}

// Size returns the number of records.
func (s *InMemoryStore) Size() int64 {
	return s.size.Load()
}

func clone(rec model.IdempotencyRecord) model.IdempotencyRecord {
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec
}
