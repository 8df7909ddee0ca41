package testevents

import "time"

// Config holds configuration for the event test
type Config struct {
	BaseURL        string        // Base URL of the service
	NumEvents      int           // Number of deliveries to submit, duplicates included
	DuplicateRatio float64       // Share of deliveries that repeat an earlier event_id
	Subjects       int           // Number of distinct subject_id values
	EventType      string        // event_type sent with every event
	Workers        int           // Number of concurrent workers
	Timeout        time.Duration // HTTP request timeout
	WaitTimeout    time.Duration // How long to wait for records to become terminal
	AuditSample    int           // Events whose audit trail is checked for exactly-once billing
	Seed           uint64        // Generator seed; zero picks one from the clock
	OutputFile     string        // Output file for events
	LogFile        string        // Log file for test output
	Verbose        bool          // Enable verbose logging
}

// Event is the wire shape posted to /events.
type Event struct {
	EventID            string           `json:"event_id"`
	OccurredAt         string           `json:"occurred_at"`
	EventType          string           `json:"event_type"`
	SubjectID          string           `json:"subject_id"`
	QuantityDimensions map[string]int64 `json:"quantity_dimensions"`
}

// AckResponse represents the response from event submission
type AckResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// Record mirrors GET /records/{event_id}.
type Record struct {
	EventID       string `json:"event_id"`
	Status        string `json:"status"`
	Stage         string `json:"stage"`
	AttemptCount  int    `json:"attempt_count"`
	ResultSummary string `json:"result_summary"`
	LastError     string `json:"last_error"`
}

type auditPage struct {
	Count int `json:"count"`
}

// Stats holds test statistics
type Stats struct {
	EventsGenerated int
	UniqueEvents    int
	EventsSubmitted int
	EventsAccepted  int
	EventsDuplicate int
	EventsInFlight  int
	EventsRejected  int
	EventsFailed    int

	RecordsSucceeded int
	RecordsFailed    int
	RecordsPending   int
	RecordsMissing   int
	AuditViolations  int

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}
