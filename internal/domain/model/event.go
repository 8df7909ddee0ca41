// Package model contains domain models passed between layers.
package model

import (
	"sort"
	"time"
)

// EventType classifies a usage event, e.g. "completion" or "embedding".
type EventType string

// Event is a validated usage event. It is never mutated after validation.
type Event struct {
	EventID    string              // sole deduplication key
	OccurredAt time.Time           // when the usage happened upstream
	EventType  EventType           // recognized event type
	SubjectID  string              // customer/account the usage is charged to
	Quantities map[string]Quantity // metric name -> non-negative amount
	RawPayload []byte              // exact bytes received
}

// MetricNames returns the metric names in a stable order.
func (e Event) MetricNames() []string {
	names := make([]string, 0, len(e.Quantities))
	for name := range e.Quantities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MeterUpdates builds one metering update per metric, ordered by metric name.
func (e Event) MeterUpdates() []MeterUpdate {
	names := e.MetricNames()
	out := make([]MeterUpdate, 0, len(names))
	for _, name := range names {
		out = append(out, MeterUpdate{
			DedupKey:   e.EventID,
			SubjectID:  e.SubjectID,
			MetricName: name,
			Quantity:   e.Quantities[name],
		})
	}
	return out
}

// BillingTransaction builds the single ledger transaction for the event.
func (e Event) BillingTransaction() BillingTransaction {
	dims := make(map[string]Quantity, len(e.Quantities))
	for name, q := range e.Quantities {
		dims[name] = q
	}
	return BillingTransaction{
		DedupKey:         e.EventID,
		SubjectID:        e.SubjectID,
		ChargeDimensions: dims,
	}
}

// MeterUpdate is one metric increment sent to the metering service.
type MeterUpdate struct {
	DedupKey   string
	SubjectID  string
	MetricName string
	Quantity   Quantity
}

// BillingTransaction is one ledger entry sent to the billing platform.
type BillingTransaction struct {
	DedupKey         string
	SubjectID        string
	ChargeDimensions map[string]Quantity
}
