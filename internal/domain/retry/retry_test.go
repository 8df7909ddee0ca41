package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/internal/domain/retry"
	"github.com/okian/meterline/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type recordingQueue struct {
	mu     sync.Mutex
	jobs   []model.Job
	reject int
	got    chan model.Job
}

func newRecordingQueue(reject int) *recordingQueue {
	return &recordingQueue{reject: reject, got: make(chan model.Job, 16)}
}

var errRejected = errors.New("queue full")

func (q *recordingQueue) Enqueue(_ context.Context, job model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject > 0 {
		q.reject--
		return errRejected
	}
	q.jobs = append(q.jobs, job)
	q.got <- job
	return nil
}

func (q *recordingQueue) await(t *testing.T) (model.Job, bool) {
	t.Helper()
	select {
	case j := <-q.got:
		return j, true
	case <-time.After(2 * time.Second):
		return model.Job{}, false
	}
}

func noJitter(time.Duration) time.Duration { return 0 }

func TestBackoff(t *testing.T) {
	Convey("Given the backoff formula", t, func() {
		base := 500 * time.Millisecond
		maxDelay := 5 * time.Second

		Convey("Delays double per attempt", func() {
			So(retry.Backoff(base, maxDelay, 0, 0), ShouldEqual, 500*time.Millisecond)
			So(retry.Backoff(base, maxDelay, 1, 0), ShouldEqual, time.Second)
			So(retry.Backoff(base, maxDelay, 3, 0), ShouldEqual, 4*time.Second)
		})

		Convey("Delays are capped before jitter is added", func() {
			So(retry.Backoff(base, maxDelay, 4, 0), ShouldEqual, maxDelay)
			So(retry.Backoff(base, maxDelay, 200, 0), ShouldEqual, maxDelay)
			So(retry.Backoff(base, maxDelay, 200, 100*time.Millisecond), ShouldEqual, maxDelay+100*time.Millisecond)
		})
	})
}

func TestSchedule(t *testing.T) {
	Convey("Given a scheduler with three attempts", t, func() {
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		q := newRecordingQueue(0)
		s := retry.New(q,
			retry.WithBase(time.Second),
			retry.WithMaxDelay(time.Minute),
			retry.WithMaxAttempts(3),
			retry.WithJitter(noJitter),
			retry.WithClock(func() time.Time { return now }),
			retry.WithLogger(logger.Nop()),
		)

		Convey("When attempts remain", func() {
			at, err := s.Schedule("evt-1", model.StageBill, 2)

			Convey("Then the retry is due after the backoff", func() {
				So(err, ShouldBeNil)
				So(at.Equal(now.Add(4*time.Second)), ShouldBeTrue)
				So(s.Pending(), ShouldEqual, 1)
				So(s.MaxAttempts(), ShouldEqual, 3)
			})
		})

		Convey("When the budget is spent", func() {
			_, err := s.Schedule("evt-1", model.StageMeter, 3)

			Convey("Then ErrRetriesExhausted is returned and nothing is queued", func() {
				So(errors.Is(err, failure.ErrRetriesExhausted), ShouldBeTrue)
				So(s.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When the same event is deferred twice", func() {
			s.Defer("evt-1", now.Add(time.Hour), model.SourceDeferred)
			s.Defer("evt-1", now.Add(time.Minute), model.SourceRecovery)
			s.Defer("evt-1", now.Add(2*time.Hour), model.SourceDeferred)

			Convey("Then only one entry is kept", func() {
				So(s.Pending(), ShouldEqual, 1)
			})
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a running scheduler", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Convey("When jobs become due", func() {
			q := newRecordingQueue(0)
			s := retry.New(q, retry.WithLogger(logger.Nop()))
			go s.Run(ctx)

			start := time.Now()
			s.Defer("late", start.Add(80*time.Millisecond), model.SourceDeferred)
			s.Defer("early", start.Add(20*time.Millisecond), model.SourceRecovery)

			first, ok1 := q.await(t)
			second, ok2 := q.await(t)

			Convey("Then they are delivered in due order", func() {
				So(ok1, ShouldBeTrue)
				So(ok2, ShouldBeTrue)
				So(first.EventID, ShouldEqual, "early")
				So(first.Source, ShouldEqual, model.SourceRecovery)
				So(second.EventID, ShouldEqual, "late")
				So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 80*time.Millisecond)
				So(s.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When an earlier deferral replaces a later one", func() {
			q := newRecordingQueue(0)
			s := retry.New(q, retry.WithLogger(logger.Nop()))
			go s.Run(ctx)

			s.Defer("evt", time.Now().Add(time.Hour), model.SourceDeferred)
			s.Defer("evt", time.Now().Add(10*time.Millisecond), model.SourceDeferred)

			job, ok := q.await(t)

			Convey("Then the event is delivered once at the earlier time", func() {
				So(ok, ShouldBeTrue)
				So(job.EventID, ShouldEqual, "evt")
				So(s.Pending(), ShouldEqual, 0)
			})
		})

		Convey("When the queue is full", func() {
			q := newRecordingQueue(2)
			s := retry.New(q, retry.WithLogger(logger.Nop()), retry.WithRequeueDelay(5*time.Millisecond))
			go s.Run(ctx)

			s.Defer("evt", time.Now(), model.SourceRetry)
			job, ok := q.await(t)

			Convey("Then the job is re-armed until accepted", func() {
				So(ok, ShouldBeTrue)
				So(job.EventID, ShouldEqual, "evt")
			})
		})
	})
}
