// Package dedupe defines the idempotency store: the single serialization
// point that decides whether an event is admitted, skipped or left alone.
package dedupe

import (
	"context"
	"errors"
	"time"

	"github.com/okian/meterline/internal/domain/model"
)

// Sentinel errors.
var (
	ErrNotFound  = errors.New("idempotency record not found")
	ErrConflict  = errors.New("conflicting terminal outcome")
	ErrLeaseLost = errors.New("lease lost")
)

// Decision is the outcome of Begin.
type Decision int

const (
	// Admitted means the caller holds the lease and must run the record's stage.
	Admitted Decision = iota + 1
	// AlreadyTerminal means the event finished earlier; nothing to do.
	AlreadyTerminal
	// AlreadyInFlight means another attempt holds the event or a retry is scheduled.
	AlreadyInFlight
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case AlreadyTerminal:
		return "already_terminal"
	case AlreadyInFlight:
		return "already_in_flight"
	default:
		return "unknown"
	}
}

// BeginRequest asks to admit an event. Payload is required the first time an
// event id is seen and ignored afterwards.
type BeginRequest struct {
	EventID string
	Payload []byte
}

// Admission is the answer to Begin.
type Admission struct {
	Decision Decision
	// Lease is set when Decision is Admitted.
	Lease model.Lease
	// Record is the state after the decision was applied.
	Record model.IdempotencyRecord
	// Inserted is true when Begin created the record.
	Inserted bool
	// RetryAt is set when an in-flight event is waiting for a scheduled retry.
	RetryAt time.Time
}

// Result finalizes a record.
type Result struct {
	Status  model.Status
	Summary string
}

// Store tracks per-event processing state.
type Store interface {
	// Begin atomically inserts, reclaims or reports the record for an event.
	Begin(ctx context.Context, req BeginRequest) (Admission, error)
	// Complete moves a pending record to a terminal status. Repeating the same
	// status is a no-op; a different terminal status returns ErrConflict.
	Complete(ctx context.Context, eventID string, res Result) error
	// Checkpoint records the next stage and renews the lease.
	Checkpoint(ctx context.Context, lease model.Lease, next model.Stage) (model.Lease, error)
	// Release frees the lease and records when the scheduled retry is due.
	Release(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) error
	// Park releases the lease like Release and hands back the attempt the
	// admission counted. Callers use it when no port was reached.
	Park(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) error

	Get(ctx context.Context, eventID string) (model.IdempotencyRecord, error)
	// ListResumable returns pending records whose lease expired or whose retry is due.
	ListResumable(ctx context.Context, now time.Time, limit int) ([]model.IdempotencyRecord, error)
	// ListArchivable returns unarchived terminal records last touched before the horizon.
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]model.IdempotencyRecord, error)
	MarkArchived(ctx context.Context, eventIDs []string, at time.Time) error
}

// Decide applies the admission rules to an existing record at now.
// Every Store implementation routes Begin through it.
func Decide(rec model.IdempotencyRecord, now time.Time) (Decision, time.Time) {
	switch {
	case rec.Status.Terminal():
		return AlreadyTerminal, time.Time{}
	case rec.Leased(now):
		return AlreadyInFlight, time.Time{}
	case rec.LeaseOwner == "" && rec.NextAttemptAt.After(now):
		return AlreadyInFlight, rec.NextAttemptAt
	default:
		return Admitted, time.Time{}
	}
}

// Resumable reports whether the recovery sweep should pick up rec at now.
func Resumable(rec model.IdempotencyRecord, now time.Time) bool {
	if rec.Status != model.StatusPending {
		return false
	}
	if rec.LeaseOwner != "" {
		return !now.Before(rec.LeaseExpiresAt)
	}
	return !rec.NextAttemptAt.After(now)
}

// NewRecord builds the pending record inserted on first sighting.
func NewRecord(eventID string, payload []byte, lease model.Lease, now time.Time) model.IdempotencyRecord {
	return model.IdempotencyRecord{
		EventID:        eventID,
		Status:         model.StatusPending,
		Stage:          model.StageMeter,
		FirstSeenAt:    now,
		LastAttemptAt:  now,
		AttemptCount:   1,
		Payload:        append([]byte(nil), payload...),
		LeaseOwner:     lease.Owner,
		LeaseExpiresAt: lease.ExpiresAt,
	}
}

// Reclaim applies an admission to an existing record and returns it with the lease.
func Reclaim(rec model.IdempotencyRecord, owner string, now time.Time, liveness time.Duration) model.IdempotencyRecord {
	rec.AttemptCount++
	rec.LastAttemptAt = now
	rec.LeaseOwner = owner
	rec.LeaseExpiresAt = now.Add(liveness)
	rec.NextAttemptAt = time.Time{}
	return rec
}

// Unspent is the attempt count a parked lease leaves on its record.
func Unspent(lease model.Lease) int {
	return max(lease.Attempt-1, 0)
}

// LeaseOf returns the lease held on rec.
func LeaseOf(rec model.IdempotencyRecord) model.Lease {
	return model.Lease{
		EventID:   rec.EventID,
		Owner:     rec.LeaseOwner,
		Attempt:   rec.AttemptCount,
		ExpiresAt: rec.LeaseExpiresAt,
	}
}

// CheckComplete validates a terminal transition. done reports that the record
// already carries res and nothing must be written.
func CheckComplete(rec model.IdempotencyRecord, res Result) (done bool, err error) {
	if !res.Status.Terminal() {
		return false, errors.New("complete requires a terminal status")
	}
	if rec.Status.Terminal() {
		if rec.Status == res.Status {
			return true, nil
		}
		return false, ErrConflict
	}
	return false, nil
}
