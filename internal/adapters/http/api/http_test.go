package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/meterline/internal/adapters/http/api"
	"github.com/okian/meterline/internal/domain/audit"
	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/internal/domain/orchestrator"
)

type mockDependencies struct {
	result    orchestrator.Result
	submitErr error
	submitted [][]byte

	records   map[string]model.IdempotencyRecord
	recordErr error

	entries    []model.AuditEntry
	auditErr   error
	lastFilter audit.Filter
}

func (m *mockDependencies) Submit(_ context.Context, raw []byte) (orchestrator.Result, error) {
	m.submitted = append(m.submitted, raw)
	return m.result, m.submitErr
}

func (m *mockDependencies) Record(_ context.Context, eventID string) (model.IdempotencyRecord, error) {
	if m.recordErr != nil {
		return model.IdempotencyRecord{}, m.recordErr
	}
	rec, ok := m.records[eventID]
	if !ok {
		return model.IdempotencyRecord{}, dedupe.ErrNotFound
	}
	return rec, nil
}

func (m *mockDependencies) Audit(_ context.Context, f audit.Filter) ([]model.AuditEntry, error) {
	m.lastFilter = f
	return m.entries, m.auditErr
}

type mockStatsProvider struct {
	stats map[string]any
}

func (m *mockStatsProvider) GetStats() map[string]any {
	return m.stats
}

func newMux(deps *mockDependencies) *http.ServeMux {
	mux := http.NewServeMux()
	server := api.NewServer(deps, &mockStatsProvider{stats: map[string]any{"received": 3}})
	server.Register(context.Background(), mux)
	return mux
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.NewDecoder(w.Body).Decode(&out), ShouldBeNil)
	return out
}

const validEvent = `{"event_id":"evt-1","occurred_at":"2026-01-01T00:00:00Z","event_type":"completion","subject_id":"cust-1","quantity_dimensions":{"tokens_in":100}}`

func TestPostEvent(t *testing.T) {
	Convey("Given the events endpoint", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When the event is admitted", func() {
			deps.result = orchestrator.Result{Outcome: orchestrator.Accepted, EventID: "evt-1"}
			w := do(mux, http.MethodPost, "/events", validEvent)

			Convey("Then it answers 202 accepted and forwards the raw body", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				body := decode(w)
				So(body["status"], ShouldEqual, "accepted")
				So(body["duplicate"], ShouldEqual, false)
				So(body["event_id"], ShouldEqual, "evt-1")
				So(deps.submitted, ShouldHaveLength, 1)
				So(string(deps.submitted[0]), ShouldEqual, validEvent)
			})
		})

		Convey("When the event is a duplicate", func() {
			deps.result = orchestrator.Result{Outcome: orchestrator.Skipped, EventID: "evt-1", Status: model.StatusSucceeded}
			w := do(mux, http.MethodPost, "/events", validEvent)

			Convey("Then it answers 200 duplicate", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode(w)
				So(body["status"], ShouldEqual, "duplicate")
				So(body["duplicate"], ShouldEqual, true)
				So(body["outcome"], ShouldEqual, "succeeded")
			})
		})

		Convey("When another attempt holds the event", func() {
			deps.result = orchestrator.Result{Outcome: orchestrator.InFlight, EventID: "evt-1"}
			w := do(mux, http.MethodPost, "/events", validEvent)

			Convey("Then it answers 202 in_flight", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(decode(w)["status"], ShouldEqual, "in_flight")
			})
		})

		Convey("When the event fails validation", func() {
			deps.result = orchestrator.Result{
				Outcome: orchestrator.Rejected,
				Invalid: failure.Invalid("subject_id", "is required"),
			}
			w := do(mux, http.MethodPost, "/events", `{"event_id":"evt-1"}`)

			Convey("Then it answers 400 naming the field", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				body := decode(w)
				So(body["code"], ShouldEqual, "invalid_event")
				So(body["field"], ShouldEqual, "subject_id")
				So(body["message"], ShouldEqual, "is required")
			})
		})

		Convey("When the store is unavailable", func() {
			deps.submitErr = errors.New("database is locked")
			w := do(mux, http.MethodPost, "/events", validEvent)

			Convey("Then it answers 503 with Retry-After", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(w.Header().Get("Retry-After"), ShouldEqual, "1")
				So(decode(w)["code"], ShouldEqual, "unavailable")
			})
		})

		Convey("When the body is too large", func() {
			big := strings.Repeat("x", api.MaxEventBytes+1)
			w := do(mux, http.MethodPost, "/events", big)

			Convey("Then it answers 413 without submitting", func() {
				So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
				So(deps.submitted, ShouldBeEmpty)
			})
		})

		Convey("When the method is not POST", func() {
			w := do(mux, http.MethodGet, "/events", "")

			Convey("Then it answers 405", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
				So(w.Header().Get("Allow"), ShouldEqual, http.MethodPost)
			})
		})
	})
}

func TestGetRecord(t *testing.T) {
	Convey("Given the records endpoint", t, func() {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		deps := &mockDependencies{records: map[string]model.IdempotencyRecord{
			"evt-1": {
				EventID:       "evt-1",
				Status:        model.StatusSucceeded,
				Stage:         model.StageDone,
				FirstSeenAt:   now,
				LastAttemptAt: now.Add(time.Second),
				AttemptCount:  2,
				ResultSummary: "metered and billed",
				NextAttemptAt: now.Add(time.Minute),
			},
		}}
		mux := newMux(deps)

		Convey("When the record exists", func() {
			w := do(mux, http.MethodGet, "/records/evt-1", "")

			Convey("Then it is returned without scheduling fields for terminal records", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode(w)
				So(body["status"], ShouldEqual, "succeeded")
				So(body["stage"], ShouldEqual, "done")
				So(body["attempt_count"], ShouldEqual, float64(2))
				So(body["result_summary"], ShouldEqual, "metered and billed")
				So(body, ShouldNotContainKey, "next_attempt_at")
			})
		})

		Convey("When the record is unknown", func() {
			w := do(mux, http.MethodGet, "/records/evt-404", "")

			Convey("Then it answers 404", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
				So(decode(w)["code"], ShouldEqual, "not_found")
			})
		})

		Convey("When the method is not GET", func() {
			w := do(mux, http.MethodDelete, "/records/evt-1", "")

			Convey("Then it answers 405 and names the allowed method", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
				So(w.Header().Get("Allow"), ShouldEqual, http.MethodGet)
				So(decode(w)["code"], ShouldEqual, "method_not_allowed")
			})
		})

		Convey("When the store fails", func() {
			deps.recordErr = errors.New("connection refused")
			w := do(mux, http.MethodGet, "/records/evt-1", "")

			Convey("Then it answers 503", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			})
		})
	})
}

func TestGetAudit(t *testing.T) {
	Convey("Given the audit endpoint", t, func() {
		ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		deps := &mockDependencies{entries: []model.AuditEntry{
			{ID: 7, EventID: "evt-1", AttemptNumber: 1, Stage: model.StageMeter, Outcome: model.OutcomeOK, Timestamp: ts},
		}}
		mux := newMux(deps)

		Convey("When filtering by event, stage, outcome and range", func() {
			w := do(mux, http.MethodGet,
				"/audit?event_id=evt-1&stage=meter&outcome=ok&from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=5", "")

			Convey("Then the filter is forwarded and entries returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				f := deps.lastFilter
				So(f.EventID, ShouldEqual, "evt-1")
				So(f.Stage, ShouldEqual, model.StageMeter)
				So(f.Outcome, ShouldEqual, model.OutcomeOK)
				So(f.From.Equal(ts), ShouldBeTrue)
				So(f.To.Equal(ts.Add(24*time.Hour)), ShouldBeTrue)
				So(f.Limit, ShouldEqual, 5)

				body := decode(w)
				So(body["count"], ShouldEqual, float64(1))
				entries := body["entries"].([]any)
				So(entries[0].(map[string]any)["id"], ShouldEqual, "7")
			})
		})

		Convey("When no limit is given", func() {
			deps.entries = nil
			w := do(mux, http.MethodGet, "/audit", "")

			Convey("Then the default limit applies and an empty list is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.lastFilter.Limit, ShouldEqual, 100)
				So(decode(w)["entries"], ShouldResemble, []any{})
			})
		})

		Convey("When the limit is above the cap", func() {
			do(mux, http.MethodGet, "/audit?limit=50000", "")
			So(deps.lastFilter.Limit, ShouldEqual, 1000)
		})

		Convey("When parameters are malformed", func() {
			for _, q := range []string{
				"stage=charge",
				"outcome=maybe",
				"from=yesterday",
				"limit=-1",
				"from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z",
			} {
				w := do(mux, http.MethodGet, "/audit?"+q, "")
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			}
		})

		Convey("When the method is not GET", func() {
			w := do(mux, http.MethodPost, "/audit", "{}")

			Convey("Then it answers 405 and names the allowed method", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
				So(w.Header().Get("Allow"), ShouldEqual, http.MethodGet)
				So(decode(w)["code"], ShouldEqual, "method_not_allowed")
				So(deps.lastFilter.Limit, ShouldEqual, 0)
			})
		})

		Convey("When the audit log fails", func() {
			deps.auditErr = errors.New("timeout")
			w := do(mux, http.MethodGet, "/audit", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestOperationsEndpoints(t *testing.T) {
	Convey("Given the operations endpoints", t, func() {
		mux := newMux(&mockDependencies{})

		Convey("Then /stats returns the provider snapshot", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["received"], ShouldEqual, float64(3))
		})

		Convey("Then /healthz serves the metrics exposition", func() {
			do(mux, http.MethodGet, "/records/evt-missing", "")
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "meterline_pipeline_http_requests_total")
		})

		Convey("Then unknown paths are not found", func() {
			w := do(mux, http.MethodGet, "/v1/unknown", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}
