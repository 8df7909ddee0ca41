package retry

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/pkg/logger"
	"github.com/okian/meterline/pkg/metrics"
)

// Enqueuer accepts due jobs without blocking.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Scheduler holds delayed jobs in a min-heap keyed by due time and hands
// them to the queue from a single timer loop. At most one entry exists per
// event id; the earliest due time wins.
type Scheduler struct {
	queue        Enqueuer
	base         time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	requeueDelay time.Duration
	jitter       func(time.Duration) time.Duration
	now          func() time.Time
	log          logger.Logger

	mu      sync.Mutex
	pending entryHeap
	byEvent map[string]*entry
	wake    chan struct{}
}

// New creates a scheduler feeding q. Call Run to start delivering.
func New(q Enqueuer, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:        q,
		base:         DefaultBase,
		maxDelay:     DefaultMaxDelay,
		maxAttempts:  DefaultMaxAttempts,
		requeueDelay: defaultRequeueDelay,
		jitter:       uniformJitter,
		now:          time.Now,
		log:          logger.Get(),
		byEvent:      make(map[string]*entry),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("retry")
	return s
}

// MaxAttempts returns the attempt budget.
func (s *Scheduler) MaxAttempts() int { return s.maxAttempts }

// Schedule plans a retry after a transient failure. attempt is the number of
// attempts already made. It returns failure.ErrRetriesExhausted once the
// budget is spent.
func (s *Scheduler) Schedule(eventID string, resume model.Stage, attempt int) (time.Time, error) {
	if attempt >= s.maxAttempts {
		metrics.RecordRetriesExhausted()
		return time.Time{}, fmt.Errorf("%w: %d of %d attempts", failure.ErrRetriesExhausted, attempt, s.maxAttempts)
	}
	at := s.now().Add(Backoff(s.base, s.maxDelay, attempt, s.jitter(s.base)))
	s.add(model.Job{EventID: eventID, Stage: resume, Source: model.SourceRetry}, at)
	metrics.RecordRetryScheduled()
	return at, nil
}

// Defer queues a plain delayed re-check, used for in-flight events and the
// recovery sweep.
func (s *Scheduler) Defer(eventID string, at time.Time, source model.JobSource) {
	s.add(model.Job{EventID: eventID, Source: source}, at)
}

// Pending returns the number of waiting entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *Scheduler) add(job model.Job, at time.Time) {
	s.mu.Lock()
	if existing, ok := s.byEvent[job.EventID]; ok {
		if at.Before(existing.at) {
			existing.at = at
			existing.job = job
			heap.Fix(&s.pending, existing.index)
		}
	} else {
		e := &entry{job: job, at: at}
		heap.Push(&s.pending, e)
		s.byEvent[job.EventID] = e
	}
	metrics.UpdateRetriesPending(s.pending.Len())
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run delivers due jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.deliverDue(ctx)
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// deliverDue pushes every due entry to the queue and returns the time until
// the next one.
func (s *Scheduler) deliverDue(ctx context.Context) time.Duration {
	for {
		s.mu.Lock()
		if s.pending.Len() == 0 {
			s.mu.Unlock()
			return time.Hour
		}
		next := s.pending[0]
		now := s.now()
		if next.at.After(now) {
			s.mu.Unlock()
			return next.at.Sub(now)
		}
		heap.Pop(&s.pending)
		delete(s.byEvent, next.job.EventID)
		metrics.UpdateRetriesPending(s.pending.Len())
		s.mu.Unlock()

		if err := s.queue.Enqueue(ctx, next.job); err != nil {
			if ctx.Err() != nil {
				return time.Hour
			}
			s.log.Debug(ctx, "enqueue refused, re-arming",
				logger.String("event_id", next.job.EventID),
				logger.Duration("delay", s.requeueDelay),
				logger.Error(err),
			)
			s.add(next.job, s.now().Add(s.requeueDelay))
			return s.requeueDelay
		}
	}
}

type entry struct {
	job   model.Job
	at    time.Time
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
