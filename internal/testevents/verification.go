package testevents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/meterline/pkg/logger"
)

// ErrVerification is returned when the service broke an exactly-once guarantee.
var ErrVerification = errors.New("verification failed")

// awaitTerminal polls every unique event until its record is terminal or the
// wait times out, and tallies the final statuses.
func awaitTerminal(ctx context.Context, config *Config, ids []string, stats *Stats) map[string]Record {
	client := newHTTPClient(config.Timeout)
	deadline := time.Now().Add(config.WaitTimeout)

	var (
		mu      sync.Mutex
		records = make(map[string]Record, len(ids))
	)
	idChan := make(chan string, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range idChan {
				rec, ok := pollRecord(ctx, client, config.BaseURL, id, deadline)
				if !ok {
					continue
				}
				mu.Lock()
				records[id] = rec
				mu.Unlock()
			}
		}()
	}
	for _, id := range ids {
		idChan <- id
	}
	close(idChan)
	wg.Wait()

	for _, id := range ids {
		rec, ok := records[id]
		switch {
		case !ok:
			stats.RecordsMissing++
		case rec.Status == statusSucceeded:
			stats.RecordsSucceeded++
		case rec.Status == statusFailed:
			stats.RecordsFailed++
		default:
			stats.RecordsPending++
		}
	}
	return records
}

// pollRecord returns the last record seen for id; it stops early once the
// record is terminal.
func pollRecord(ctx context.Context, client *HTTPClient, baseURL, id string, deadline time.Time) (Record, bool) {
	var (
		last  Record
		found bool
	)
	for {
		rec, err := getRecord(ctx, client, baseURL, id)
		if err == nil {
			last, found = rec, true
			if rec.Status == statusSucceeded || rec.Status == statusFailed {
				return last, true
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return last, found
		}
		select {
		case <-ctx.Done():
			return last, found
		case <-time.After(PollInterval):
		}
	}
}

// verifyResults checks that every admitted event reached a terminal record
// and that sampled succeeded events were billed exactly once.
func verifyResults(ctx context.Context, config *Config, ids []string, records map[string]Record, stats *Stats) error {
	log := logger.Get()
	client := newHTTPClient(config.Timeout)

	checked := 0
	for _, id := range ids {
		if checked >= config.AuditSample {
			break
		}
		rec, ok := records[id]
		if !ok || rec.Status != statusSucceeded {
			continue
		}
		n, err := countBillEntries(ctx, client, config.BaseURL, id)
		if err != nil {
			return fmt.Errorf("audit lookup %s: %w", id, err)
		}
		if n != 1 {
			stats.AuditViolations++
			log.Error(ctx, "event billed more or less than once",
				logger.String("event_id", id), logger.Int("bill_entries", n))
		}
		checked++
	}

	for id, rec := range records {
		if rec.Status == statusFailed && config.Verbose {
			log.Warn(ctx, "event failed permanently",
				logger.String("event_id", id),
				logger.Int("attempts", rec.AttemptCount),
				logger.String("last_error", rec.LastError))
		}
	}

	switch {
	case stats.AuditViolations > 0:
		return fmt.Errorf("%w: %d events with wrong bill count", ErrVerification, stats.AuditViolations)
	case stats.RecordsMissing > 0 && stats.EventsFailed == 0 && stats.EventsRejected == 0:
		return fmt.Errorf("%w: %d admitted events have no record", ErrVerification, stats.RecordsMissing)
	case stats.RecordsPending > 0:
		return fmt.Errorf("%w: %d events still pending after %s", ErrVerification, stats.RecordsPending, config.WaitTimeout)
	}
	log.Info(ctx, "result verification completed",
		logger.Int("succeeded", stats.RecordsSucceeded),
		logger.Int("failed", stats.RecordsFailed),
		logger.Int("auditChecked", checked))
	return nil
}
