package testevents

import "time"

// Submission results.
const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultInFlight  = "in_flight"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

// Record statuses reported by the service.
const (
	statusPending   = "pending"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// Worker configuration constants.
const (
	WorkerChannelMultiplier = 2
)

// Runner configuration constants.
const (
	PollInterval         = 250 * time.Millisecond
	PercentageMultiplier = 100
)
