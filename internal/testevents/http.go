package testevents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/meterline/pkg/logger"
)

var errNotFound = errors.New("record not found")

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client *http.Client
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.client.Do(req)
}

// Post performs a POST request with JSON body
func (c *HTTPClient) Post(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// getJSON decodes a 200 response into v.
func (c *HTTPClient) getJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(v)
	case http.StatusNotFound:
		return errNotFound
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
}

// submitEvents submits events concurrently using worker pools
func submitEvents(ctx context.Context, config *Config, events []Event, stats *Stats) {
	log := logger.Get()
	log.Info(ctx, "submitting events", logger.Int("count", len(events)), logger.Int("workers", config.Workers))

	client := newHTTPClient(config.Timeout)
	target := config.BaseURL + "/events"

	var submitted atomic.Int64
	counts := map[string]*atomic.Int64{
		resultAccepted:  {},
		resultDuplicate: {},
		resultInFlight:  {},
		resultRejected:  {},
		resultFailed:    {},
	}

	eventChan := make(chan Event, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range eventChan {
				result := submitSingleEvent(ctx, client, target, event)
				counts[result].Add(1)
				if n := submitted.Add(1); config.Verbose && n%1000 == 0 {
					log.Info(ctx, "progress",
						logger.Int64("submitted", n),
						logger.Int64("accepted", counts[resultAccepted].Load()),
						logger.Int64("duplicate", counts[resultDuplicate].Load()),
						logger.Int64("failed", counts[resultFailed].Load()))
				}
			}
		}()
	}

	go func() {
		defer close(eventChan)
		for _, event := range events {
			select {
			case <-ctx.Done():
				return
			case eventChan <- event:
			}
		}
	}()
	wg.Wait()

	stats.EventsSubmitted = int(submitted.Load())
	stats.EventsAccepted = int(counts[resultAccepted].Load())
	stats.EventsDuplicate = int(counts[resultDuplicate].Load())
	stats.EventsInFlight = int(counts[resultInFlight].Load())
	stats.EventsRejected = int(counts[resultRejected].Load())
	stats.EventsFailed = int(counts[resultFailed].Load())

	log.Info(ctx, "event submission completed",
		logger.Int("accepted", stats.EventsAccepted),
		logger.Int("duplicate", stats.EventsDuplicate),
		logger.Int("inFlight", stats.EventsInFlight),
		logger.Int("rejected", stats.EventsRejected),
		logger.Int("failed", stats.EventsFailed))
}

// submitSingleEvent submits a single event and classifies the answer.
func submitSingleEvent(ctx context.Context, client *HTTPClient, url string, event Event) string {
	resp, err := client.Post(ctx, url, event)
	if err != nil {
		return resultFailed
	}
	defer resp.Body.Close()

	var ack AckResponse
	_ = json.NewDecoder(resp.Body).Decode(&ack)

	switch resp.StatusCode {
	case http.StatusAccepted:
		if ack.Status == resultInFlight {
			return resultInFlight
		}
		return resultAccepted
	case http.StatusOK:
		return resultDuplicate
	case http.StatusBadRequest:
		return resultRejected
	default:
		return resultFailed
	}
}

// getRecord fetches the idempotency record of one event.
func getRecord(ctx context.Context, client *HTTPClient, baseURL, eventID string) (Record, error) {
	var rec Record
	err := client.getJSON(ctx, baseURL+"/records/"+url.PathEscape(eventID), &rec)
	return rec, err
}

// countBillEntries returns how many successful bill stages the audit log holds for an event.
func countBillEntries(ctx context.Context, client *HTTPClient, baseURL, eventID string) (int, error) {
	q := url.Values{}
	q.Set("event_id", eventID)
	q.Set("stage", "bill")
	q.Set("outcome", "ok")
	var page auditPage
	if err := client.getJSON(ctx, baseURL+"/audit?"+q.Encode(), &page); err != nil {
		return 0, err
	}
	return page.Count, nil
}
