package model

import "time"

// Outcome is the result recorded for one stage of one attempt.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeTransientError Outcome = "transient-error"
	OutcomePermanentError Outcome = "permanent-error"
)

// AuditEntry is an append-only record of a state transition.
type AuditEntry struct {
	ID            int64     `json:"id,string"`
	EventID       string    `json:"event_id"`
	AttemptNumber int       `json:"attempt_number"`
	Stage         Stage     `json:"stage"`
	Outcome       Outcome   `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
