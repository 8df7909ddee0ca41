package testevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/meterline/pkg/logger"
)

const replayDirPerm = 0o750

// serviceInfo is the subset of GET /stats the runner reports on.
type serviceInfo struct {
	Started     bool   `json:"started"`
	StoreDriver string `json:"store_driver"`
	WorkerCount int    `json:"worker_count"`
	MaxAttempts int    `json:"max_attempts"`
}

// Run drives one load test: preflight, generate, submit, wait for terminal
// records, verify billing, then write the replay file and the report.
func Run(ctx context.Context, config *Config) error {
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get().Named("test-events")

	log.Info(ctx, "starting meterline event test",
		logger.String("baseURL", config.BaseURL),
		logger.Int("events", config.NumEvents),
		logger.Float64("duplicateRatio", config.DuplicateRatio),
		logger.Int("workers", config.Workers),
		logger.String("timeout", config.Timeout.String()),
		logger.Bool("verbose", config.Verbose))

	info, err := preflight(ctx, config)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if !info.Started {
		return errors.New("preflight: service reports it is not started")
	}
	log.Info(ctx, "service ready",
		logger.String("storeDriver", info.StoreDriver),
		logger.Int("workerCount", info.WorkerCount),
		logger.Int("maxAttempts", info.MaxAttempts))

	events := generateEvents(ctx, config, stats)
	ids := uniqueIDs(events)
	submitEvents(ctx, config, events, stats)

	log.Info(ctx, "waiting for terminal records", logger.String("waitTimeout", config.WaitTimeout.String()))
	records := awaitTerminal(ctx, config, ids, stats)
	verifyErr := verifyResults(ctx, config, ids, records, stats)

	if path, err := writeReplay(config.OutputFile, events); err != nil {
		log.Warn(ctx, "replay file not written", logger.Error(err))
	} else {
		log.Info(ctx, "replay file written", logger.String("path", path))
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	report(ctx, log, stats)

	if verifyErr != nil {
		return fmt.Errorf("result verification failed: %w", verifyErr)
	}
	log.Info(ctx, "test completed successfully")
	return nil
}

func preflight(ctx context.Context, config *Config) (serviceInfo, error) {
	var info serviceInfo
	client := newHTTPClient(config.Timeout)
	if err := client.getJSON(ctx, config.BaseURL+"/stats", &info); err != nil {
		return info, err
	}
	return info, nil
}

// writeReplay stores the deliveries as one JSON event per line, in submission
// order, so a run can be replayed against /events verbatim.
func writeReplay(path string, events []Event) (string, error) {
	if len(events) == 0 {
		return "", errors.New("no events generated")
	}
	if path == "" {
		path = "generated_events_" + time.Now().Format("20060102_150405") + ".ndjson"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, replayDirPerm); err != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	enc := json.NewEncoder(f)
	for i := range events {
		if err := enc.Encode(events[i]); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("encode event %d: %w", i, err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return path, nil
}

func report(ctx context.Context, log logger.Logger, stats *Stats) {
	var terminalRate, throughput float64
	if stats.UniqueEvents > 0 {
		terminal := stats.RecordsSucceeded + stats.RecordsFailed
		terminalRate = float64(terminal) / float64(stats.UniqueEvents) * PercentageMultiplier
	}
	if stats.Duration > 0 {
		throughput = float64(stats.EventsSubmitted) / stats.Duration.Seconds()
	}

	log.Info(ctx, "submission summary",
		logger.Int("generated", stats.EventsGenerated),
		logger.Int("unique", stats.UniqueEvents),
		logger.Int("submitted", stats.EventsSubmitted),
		logger.Int("accepted", stats.EventsAccepted),
		logger.Int("duplicate", stats.EventsDuplicate),
		logger.Int("inFlight", stats.EventsInFlight),
		logger.Int("rejected", stats.EventsRejected),
		logger.Int("failed", stats.EventsFailed),
		logger.Float64("eventsPerSecond", throughput))
	log.Info(ctx, "record summary",
		logger.Int("succeeded", stats.RecordsSucceeded),
		logger.Int("failed", stats.RecordsFailed),
		logger.Int("pending", stats.RecordsPending),
		logger.Int("missing", stats.RecordsMissing),
		logger.Int("auditViolations", stats.AuditViolations),
		logger.Float64("terminalRate", terminalRate),
		logger.String("duration", stats.Duration.String()))
}
