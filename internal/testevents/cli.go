package testevents

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/meterline/pkg/logger"
)

const logFilePerm = 0o600

// SetupLogging tees the global logger to stdout and logFile. An empty
// logFile gets a timestamped name. The returned func closes the file.
func SetupLogging(logFile string, verbose bool) (func() error, error) {
	if logFile == "" {
		logFile = "test_log_" + time.Now().Format("20060102_150405") + ".log"
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if err := logger.InitWriter(io.MultiWriter(os.Stdout, file), "text"); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}

	logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	return file.Close, nil
}

// ShowHelp prints usage information for the test events tool.
func ShowHelp() {
	os.Stdout.WriteString(`meterline Event Test Tool
=========================

Posts usage events to a running meterline service, redelivers a share of
them to exercise deduplication, then waits for every event to reach a
terminal record and checks the audit log for exactly-once billing.

Usage:
  go run ./cmd/test-events [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -events int
        Number of deliveries to submit, duplicates included (default 10000)
  -dup float
        Share of deliveries that repeat an earlier event (default 0.1)
  -subjects int
        Number of distinct subject ids (default 100)
  -type string
        event_type sent with every event (default "completion")
  -workers int
        Number of concurrent workers (default CPU cores * 2)
  -timeout duration
        HTTP request timeout (default 30s)
  -wait duration
        How long to wait for terminal records (default 2m)
  -audit int
        Succeeded events whose bill count is verified (default 200)
  -seed uint
        Generator seed, 0 for time based (default 0)
  -output string
        Replay file for generated events, one JSON event per line (default: generated_events_TIMESTAMP.ndjson)
  -log string
        Log file for test output (default: test_log_TIMESTAMP.log)
  -verbose
        Enable verbose logging
  -help
        Show this help message

Examples:
  # Test with default settings
  go run ./cmd/test-events

  # Heavy redelivery against a local service
  go run ./cmd/test-events -events 50000 -dup 0.3 -workers 16 -url http://localhost:9080
`)
}
