// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/meterline/internal/domain/audit"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/internal/domain/orchestrator"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	// Submit validates and admits one raw event.
	Submit(ctx context.Context, raw []byte) (orchestrator.Result, error)

	// Read operations expose durable pipeline state.
	Record(ctx context.Context, eventID string) (model.IdempotencyRecord, error)
	Audit(ctx context.Context, f audit.Filter) ([]model.AuditEntry, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	eventsHandler  *EventsHandler
	recordsHandler *RecordsHandler
	auditHandler   *AuditHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:  NewHealthHandler(),
		statsHandler:   NewStatsHandler(statsProvider),
		eventsHandler:  NewEventsHandler(deps),
		recordsHandler: NewRecordsHandler(deps),
		auditHandler:   NewAuditHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events"))
	mux.HandleFunc("/audit", MetricsMiddleware(s.auditHandler.HandleGetAudit, "audit"))
	mux.HandleFunc("/records/{event_id}", MetricsMiddleware(s.recordsHandler.HandleGetRecord, "records"))
}

type ackResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
