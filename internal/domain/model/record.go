package model

import "time"

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further work will be done for the record.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Stage names a pipeline step. Audit entries use validate, dedup, meter and
// bill; records use meter, bill and done to mark the next step to run.
type Stage string

const (
	StageValidate Stage = "validate"
	StageDedup    Stage = "dedup"
	StageMeter    Stage = "meter"
	StageBill     Stage = "bill"
	StageDone     Stage = "done"
)

// IdempotencyRecord is the durable per-event state. It is created on first
// sighting and never deleted.
type IdempotencyRecord struct {
	EventID       string
	Status        Status
	Stage         Stage
	FirstSeenAt   time.Time
	LastAttemptAt time.Time
	AttemptCount  int
	ResultSummary string

	Payload        []byte
	LeaseOwner     string
	LeaseExpiresAt time.Time
	NextAttemptAt  time.Time
	LastError      string
	ArchivedAt     time.Time
}

// Leased reports whether a live lease holds the record at now.
func (r IdempotencyRecord) Leased(now time.Time) bool {
	return r.LeaseOwner != "" && now.Before(r.LeaseExpiresAt)
}

// Lease is the admission token for one attempt on one event.
type Lease struct {
	EventID   string
	Owner     string
	Attempt   int
	ExpiresAt time.Time
}
