package orchestrator

import (
	"context"

	"github.com/okian/meterline/pkg/logger"
	"github.com/okian/meterline/pkg/metrics"
)

// Alert reasons.
const (
	ReasonPermanentFailure = "permanent_failure"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonOutcomeConflict  = "outcome_conflict"
	ReasonAuditUnavailable = "audit_unavailable"
)

// Alert flags an event that needs operator attention.
type Alert struct {
	EventID  string
	Reason   string
	Attempts int
	Err      error
}

// Alerter notifies operators.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the error log and counts them.
type LogAlerter struct {
	log logger.Logger
}

// NewLogAlerter builds the default alerter.
func NewLogAlerter(l logger.Logger) *LogAlerter {
	if l == nil {
		l = logger.Get()
	}
	return &LogAlerter{log: l.Named("alert")}
}

func (a *LogAlerter) Alert(ctx context.Context, al Alert) {
	metrics.RecordAlert(al.Reason)
	a.log.Error(ctx, "manual intervention required",
		logger.String("event_id", al.EventID),
		logger.String("reason", al.Reason),
		logger.Int("attempts", al.Attempts),
		logger.Error(al.Err),
	)
}
