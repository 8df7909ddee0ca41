package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/okian/meterline/internal/domain/orchestrator"
	"github.com/okian/meterline/pkg/logger"
)

// MaxEventBytes bounds a single POST /events body.
const MaxEventBytes = 1 << 20

// retryAfterSeconds is advertised on 503 so the proxy backs off before redelivery.
const retryAfterSeconds = "1"

// EventSubmitter admits raw events.
type EventSubmitter interface {
	Submit(ctx context.Context, raw []byte) (orchestrator.Result, error)
}

// EventsHandler handles event requests
type EventsHandler struct {
	deps EventSubmitter
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(deps EventSubmitter) *EventsHandler {
	return &EventsHandler{deps: deps}
}

// HandlePostEvent handles POST /events requests. A 2xx answer means the
// event is terminal or durably admitted; 503 asks the proxy to redeliver.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Errorf("%s: %w", op, ErrBodyTooBig))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%s: %w: %w", op, ErrBadRequest, err))
		return
	}

	res, err := h.deps.Submit(r.Context(), raw)
	if err != nil {
		logger.Get().Named("api").Warn(r.Context(), "event not accepted",
			logger.String("event_id", res.EventID),
			logger.Error(err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "unavailable", fmt.Errorf("%s: %w", op, ErrUnavailable))
		return
	}

	switch res.Outcome {
	case orchestrator.Rejected:
		resp := errorResponse{Code: "invalid_event", Message: ErrBadRequest.Error()}
		if res.Invalid != nil {
			resp.Field = res.Invalid.Field
			resp.Message = res.Invalid.Reason
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case orchestrator.Skipped:
		writeJSON(w, http.StatusOK, ackResponse{
			Status:    res.Outcome.String(),
			EventID:   res.EventID,
			Duplicate: true,
			Outcome:   string(res.Status),
		})
	default:
		writeJSON(w, http.StatusAccepted, ackResponse{Status: res.Outcome.String(), EventID: res.EventID})
	}
}
