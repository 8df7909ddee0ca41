// Package downstream contains the metering and billing port
// implementations: HTTP clients for real services and simulators for local
// runs and load tests.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/internal/domain/ports"
)

const (
	// IdempotencyHeader carries the dedup key on every request.
	IdempotencyHeader = "Idempotency-Key"

	defaultHTTPTimeout = 15 * time.Second
	maxErrorBody       = 512
)

type client struct {
	name    string
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

// newClient posts to url exactly as configured.
func newClient(name, url string, opts ...ClientOption) *client {
	c := &client{
		name: name,
		url:  url,
		http: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// post sends body and classifies the answer. 409 means the service already
// holds the key and counts as success.
func (c *client) post(ctx context.Context, key string, body any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return failure.Transient(c.name, fmt.Errorf("rate limit: %w", err))
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return failure.Permanent(c.name, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return failure.Permanent(c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, key)

	resp, err := c.http.Do(req)
	if err != nil {
		return failure.Transient(c.name, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300, code == http.StatusConflict:
		return nil
	case retryable(code):
		return failure.Transient(c.name, statusError(code, snippet))
	default:
		return failure.Permanent(c.name, statusError(code, snippet))
	}
}

func retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// StatusError is a non-success HTTP answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func statusError(code int, body []byte) error {
	return &StatusError{Code: code, Body: strings.TrimSpace(string(body))}
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type meterRequest struct {
	DedupKey   string         `json:"dedup_key"`
	SubjectID  string         `json:"subject_id"`
	MetricName string         `json:"metric_name"`
	Quantity   model.Quantity `json:"quantity"`
}

// HTTPMetering posts metric increments to a metering service.
type HTTPMetering struct {
	c *client
}

var _ ports.MeteringPort = (*HTTPMetering)(nil)

// NewHTTPMetering builds a client that posts every update to meteringURL.
func NewHTTPMetering(meteringURL string, opts ...ClientOption) *HTTPMetering {
	return &HTTPMetering{c: newClient("metering", meteringURL, opts...)}
}

// Apply sends one increment. The idempotency key is scoped to the metric so
// that each dimension deduplicates on its own.
func (m *HTTPMetering) Apply(ctx context.Context, u model.MeterUpdate) error {
	return m.c.post(ctx, u.DedupKey+":"+u.MetricName, meterRequest{
		DedupKey:   u.DedupKey,
		SubjectID:  u.SubjectID,
		MetricName: u.MetricName,
		Quantity:   u.Quantity,
	})
}

type billingRequest struct {
	DedupKey         string                    `json:"dedup_key"`
	SubjectID        string                    `json:"subject_id"`
	ChargeDimensions map[string]model.Quantity `json:"charge_dimensions"`
}

// HTTPBilling posts ledger transactions to a billing service.
type HTTPBilling struct {
	c *client
}

var _ ports.BillingPort = (*HTTPBilling)(nil)

// NewHTTPBilling builds a client that posts every transaction to billingURL.
func NewHTTPBilling(billingURL string, opts ...ClientOption) *HTTPBilling {
	return &HTTPBilling{c: newClient("billing", billingURL, opts...)}
}

func (b *HTTPBilling) Apply(ctx context.Context, tx model.BillingTransaction) error {
	return b.c.post(ctx, tx.DedupKey, billingRequest{
		DedupKey:         tx.DedupKey,
		SubjectID:        tx.SubjectID,
		ChargeDimensions: tx.ChargeDimensions,
	})
}
