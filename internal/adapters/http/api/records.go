package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/model"
)

// RecordReader looks up idempotency records.
type RecordReader interface {
	Record(ctx context.Context, eventID string) (model.IdempotencyRecord, error)
}

// RecordsHandler serves idempotency record lookups.
type RecordsHandler struct {
	deps RecordReader
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(deps RecordReader) *RecordsHandler {
	return &RecordsHandler{deps: deps}
}

type recordResponse struct {
	EventID       string     `json:"event_id"`
	Status        string     `json:"status"`
	Stage         string     `json:"stage"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	AttemptCount  int        `json:"attempt_count"`
	ResultSummary string     `json:"result_summary,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
}

func toRecordResponse(rec model.IdempotencyRecord) recordResponse {
	resp := recordResponse{
		EventID:       rec.EventID,
		Status:        string(rec.Status),
		Stage:         string(rec.Stage),
		FirstSeenAt:   rec.FirstSeenAt,
		LastAttemptAt: rec.LastAttemptAt,
		AttemptCount:  rec.AttemptCount,
		ResultSummary: rec.ResultSummary,
		LastError:     rec.LastError,
	}
	if !rec.NextAttemptAt.IsZero() && !rec.Status.Terminal() {
		t := rec.NextAttemptAt
		resp.NextAttemptAt = &t
	}
	if !rec.ArchivedAt.IsZero() {
		t := rec.ArchivedAt
		resp.ArchivedAt = &t
	}
	return resp
}

// HandleGetRecord handles GET /records/{event_id} requests.
func (h *RecordsHandler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}
	id := r.PathValue("event_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	rec, err := h.deps.Record(r.Context(), id)
	switch {
	case errors.Is(err, dedupe.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}
