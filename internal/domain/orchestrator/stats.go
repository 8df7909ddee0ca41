package orchestrator

import "sync/atomic"

// Stats is a snapshot of pipeline counters since start-up.
type Stats struct {
	Received   int64 `json:"received"`
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	InFlight   int64 `json:"in_flight"`
	Invalid    int64 `json:"invalid"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retries    int64 `json:"retries"`
	Recovered  int64 `json:"recovered"`
}

type counters struct {
	received, accepted, duplicates, inFlight, invalid atomic.Int64
	succeeded, failed, retries, recovered             atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:   c.received.Load(),
		Accepted:   c.accepted.Load(),
		Duplicates: c.duplicates.Load(),
		InFlight:   c.inFlight.Load(),
		Invalid:    c.invalid.Load(),
		Succeeded:  c.succeeded.Load(),
		Failed:     c.failed.Load(),
		Retries:    c.retries.Load(),
		Recovered:  c.recovered.Load(),
	}
}
