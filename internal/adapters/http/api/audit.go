package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/meterline/internal/domain/audit"
	"github.com/okian/meterline/internal/domain/model"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditReader queries the audit trail.
type AuditReader interface {
	Audit(ctx context.Context, f audit.Filter) ([]model.AuditEntry, error)
}

// AuditHandler exports audit entries for compliance reporting.
type AuditHandler struct {
	deps AuditReader
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(deps AuditReader) *AuditHandler {
	return &AuditHandler{deps: deps}
}

type auditResponse struct {
	Entries []model.AuditEntry `json:"entries"`
	Count   int                `json:"count"`
}

// HandleGetAudit handles GET /audit requests.
func (h *AuditHandler) HandleGetAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	entries, err := h.deps.Audit(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries, Count: len(entries)})
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		EventID: q.Get("event_id"),
		Stage:   model.Stage(q.Get("stage")),
		Outcome: model.Outcome(q.Get("outcome")),
		Limit:   defaultAuditLimit,
	}

	switch f.Stage {
	case "", model.StageValidate, model.StageDedup, model.StageMeter, model.StageBill:
	default:
		return f, fmt.Errorf("%w: unknown stage %q", ErrBadRequest, f.Stage)
	}
	switch f.Outcome {
	case "", model.OutcomeOK, model.OutcomeTransientError, model.OutcomePermanentError:
	default:
		return f, fmt.Errorf("%w: unknown outcome %q", ErrBadRequest, f.Outcome)
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("%w: from: %w", ErrBadRequest, err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("%w: to: %w", ErrBadRequest, err)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("%w: from must be before to", ErrBadRequest)
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest)
		}
		f.Limit = min(n, maxAuditLimit)
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be RFC3339: %w", err)
	}
	return t, nil
}
