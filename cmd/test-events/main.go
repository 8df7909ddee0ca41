package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/meterline/internal/testevents"
)

// Default configuration constants.
const (
	defaultNumEvents      = 10000
	defaultDuplicateRatio = 0.1
	defaultSubjects       = 100
	defaultWorkers        = 2 // multiplier for runtime.NumCPU()
	defaultTimeout        = 30 * time.Second
	defaultWait           = 2 * time.Minute
	defaultAuditSample    = 200
	defaultTestTimeout    = 10 * time.Minute
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:9080", "Base URL of the service")
		numEvents   = flag.Int("events", defaultNumEvents, "Number of deliveries to submit, duplicates included")
		dup         = flag.Float64("dup", defaultDuplicateRatio, "Share of deliveries that repeat an earlier event")
		subjects    = flag.Int("subjects", defaultSubjects, "Number of distinct subject ids")
		eventType   = flag.String("type", "completion", "event_type sent with every event")
		workers     = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout     = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		wait        = flag.Duration("wait", defaultWait, "How long to wait for terminal records")
		auditSample = flag.Int("audit", defaultAuditSample, "Succeeded events whose bill count is verified")
		seed        = flag.Uint64("seed", 0, "Generator seed, 0 for time based")
		outputFile  = flag.String("output", "", "Replay file for generated events, one JSON event per line (default: generated_events_TIMESTAMP.ndjson)")
		logFile     = flag.String("log", "", "Log file for test output (default: test_log_TIMESTAMP.log)")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		help        = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		testevents.ShowHelp()
		return
	}

	closeLog, err := testevents.SetupLogging(*logFile, *verbose)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	config := &testevents.Config{
		BaseURL:        *baseURL,
		NumEvents:      *numEvents,
		DuplicateRatio: *dup,
		Subjects:       *subjects,
		EventType:      *eventType,
		Workers:        max(*workers, 1),
		Timeout:        *timeout,
		WaitTimeout:    *wait,
		AuditSample:    *auditSample,
		Seed:           *seed,
		OutputFile:     *outputFile,
		LogFile:        *logFile,
		Verbose:        *verbose,
	}

	err = testevents.Run(ctx, config)
	_ = closeLog()
	if err != nil {
		os.Stderr.WriteString("Test failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
}
