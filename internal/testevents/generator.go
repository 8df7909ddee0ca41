package testevents

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/okian/meterline/pkg/logger"
)

// Token ranges for generated quantities.
const (
	maxTokensIn  = 4000
	maxTokensOut = 1500
)

// generateEvents builds NumEvents deliveries. Roughly DuplicateRatio of them
// repeat an event generated earlier, so the service sees redeliveries in the
// same order a retrying proxy would produce them.
func generateEvents(ctx context.Context, config *Config, stats *Stats) []Event {
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))

	subjects := max(config.Subjects, 1)
	eventType := config.EventType
	if eventType == "" {
		eventType = "completion"
	}

	events := make([]Event, 0, config.NumEvents)
	unique := 0
	for i := 0; i < config.NumEvents; i++ {
		if unique > 0 && rng.Float64() < config.DuplicateRatio {
			events = append(events, events[rng.IntN(len(events))])
			continue
		}
		events = append(events, Event{
			EventID:    uuid.NewString(),
			OccurredAt: time.Now().UTC().Format(time.RFC3339),
			EventType:  eventType,
			SubjectID:  "cust-" + strconv.Itoa(rng.IntN(subjects)),
			QuantityDimensions: map[string]int64{
				"tokens_in":  rng.Int64N(maxTokensIn) + 1,
				"tokens_out": rng.Int64N(maxTokensOut),
			},
		})
		unique++
	}

	stats.EventsGenerated = len(events)
	stats.UniqueEvents = unique
	logger.Get().Info(ctx, "generated events",
		logger.Int("count", len(events)),
		logger.Int("unique", unique),
		logger.Float64("duplicateRatio", config.DuplicateRatio))
	return events
}

// uniqueIDs returns each event id once, in first-seen order.
func uniqueIDs(events []Event) []string {
	seen := make(map[string]struct{}, len(events))
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.EventID]; ok {
			continue
		}
		seen[e.EventID] = struct{}{}
		ids = append(ids, e.EventID)
	}
	return ids
}
