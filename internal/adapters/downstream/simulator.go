package downstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/internal/domain/ports"
)

const (
	defaultMinLatency = 5 * time.Millisecond
	defaultMaxLatency = 25 * time.Millisecond
	defaultSeed       = 42
)

// Simulated failure causes.
var (
	ErrSimulatedOutage = errors.New("simulated outage")
	ErrSimulatedReject = errors.New("simulated rejection")
)

// Simulator stands in for a downstream service. It sleeps for a random
// latency, fails at the configured rates and deduplicates on the key the
// way a real idempotent service would: a key applied once always succeeds
// afterwards.
type Simulator struct {
	name          string
	minLatency    time.Duration
	maxLatency    time.Duration
	transientRate float64
	permanentRate float64
	seed          uint64

	mu      sync.Mutex
	rng     *rand.Rand
	applied map[string]struct{}
	calls   atomic.Int64
}

// NewSimulator creates a simulator for the named service.
func NewSimulator(name string, opts ...SimOption) *Simulator {
	s := &Simulator{
		name:       name,
		minLatency: defaultMinLatency,
		maxLatency: defaultMaxLatency,
		seed:       defaultSeed,
		applied:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rng = rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15)) //nolint:gosec // simulation only
	return s
}

func (s *Simulator) apply(ctx context.Context, key string) error {
	s.calls.Add(1)

	s.mu.Lock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rng.Int64N(int64(span)))
	}
	roll := s.rng.Float64()
	_, seen := s.applied[key]
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return failure.Transient(s.name, fmt.Errorf("context cancelled: %w", ctx.Err()))
	case <-time.After(latency):
	}

	if seen {
		return nil
	}
	switch {
	case roll < s.permanentRate:
		return failure.Permanent(s.name, ErrSimulatedReject)
	case roll < s.permanentRate+s.transientRate:
		return failure.Transient(s.name, ErrSimulatedOutage)
	}

	s.mu.Lock()
	s.applied[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Calls returns how many calls were made, including repeats.
func (s *Simulator) Calls() int64 { return s.calls.Load() }

// Applied returns how many distinct keys were applied.
func (s *Simulator) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// SimMetering is a simulated metering service.
type SimMetering struct{ *Simulator }

var _ ports.MeteringPort = SimMetering{}

// NewSimMetering builds a simulated metering port.
func NewSimMetering(opts ...SimOption) SimMetering {
	return SimMetering{NewSimulator("metering", opts...)}
}

func (m SimMetering) Apply(ctx context.Context, u model.MeterUpdate) error {
	return m.apply(ctx, u.DedupKey+":"+u.MetricName)
}

// SimBilling is a simulated billing ledger.
type SimBilling struct{ *Simulator }

var _ ports.BillingPort = SimBilling{}

// NewSimBilling builds a simulated billing port.
func NewSimBilling(opts ...SimOption) SimBilling {
	return SimBilling{NewSimulator("billing", opts...)}
}

func (b SimBilling) Apply(ctx context.Context, tx model.BillingTransaction) error {
	return b.apply(ctx, tx.DedupKey)
}
