// Package dedupetest holds the behavioural contract every dedupe.Store must satisfy.
package dedupetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/model"
)

// Liveness is the lease duration factories must configure.
const Liveness = 10 * time.Second

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty store wired to clock with lease duration Liveness.
type Factory func(t *testing.T, clock *Clock) dedupe.Store

// Run exercises the Store contract.
func Run(t *testing.T, name string, factory Factory) {
	Convey("Given an empty "+name+" store", t, func() {
		ctx := context.Background()
		clock := NewClock()
		store := factory(t, clock)
		payload := []byte(`{"event_id":"evt-1"}`)

		Convey("When an event is seen for the first time", func() {
			adm, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1", Payload: payload})

			Convey("Then it is admitted with a lease and a pending record", func() {
				So(err, ShouldBeNil)
				So(adm.Decision, ShouldEqual, dedupe.Admitted)
				So(adm.Inserted, ShouldBeTrue)
				So(adm.Lease.Owner, ShouldNotBeEmpty)
				So(adm.Lease.Attempt, ShouldEqual, 1)
				So(adm.Record.Status, ShouldEqual, model.StatusPending)
				So(adm.Record.Stage, ShouldEqual, model.StageMeter)

				rec, err := store.Get(ctx, "evt-1")
				So(err, ShouldBeNil)
				So(string(rec.Payload), ShouldEqual, string(payload))
				So(rec.AttemptCount, ShouldEqual, 1)
				So(rec.FirstSeenAt.Equal(clock.Now()), ShouldBeTrue)
			})

			Convey("And it is delivered again while leased", func() {
				again, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1", Payload: payload})

				Convey("Then it is reported in flight", func() {
					So(err, ShouldBeNil)
					So(again.Decision, ShouldEqual, dedupe.AlreadyInFlight)
					So(again.Inserted, ShouldBeFalse)
				})
			})

			Convey("And the lease expires", func() {
				clock.Advance(Liveness + time.Second)
				resumed, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1"})

				Convey("Then the event is reclaimed with a new owner", func() {
					So(err, ShouldBeNil)
					So(resumed.Decision, ShouldEqual, dedupe.Admitted)
					So(resumed.Lease.Owner, ShouldNotEqual, adm.Lease.Owner)
					So(resumed.Lease.Attempt, ShouldEqual, 2)
				})

				Convey("Then the old owner can no longer checkpoint", func() {
					_, err := store.Checkpoint(ctx, adm.Lease, model.StageBill)
					So(err, ShouldEqual, dedupe.ErrLeaseLost)
				})
			})

			Convey("And the event is completed", func() {
				So(store.Complete(ctx, "evt-1", dedupe.Result{Status: model.StatusSucceeded, Summary: "ok"}), ShouldBeNil)

				Convey("Then later deliveries are terminal duplicates", func() {
					dup, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1", Payload: payload})
					So(err, ShouldBeNil)
					So(dup.Decision, ShouldEqual, dedupe.AlreadyTerminal)
					So(dup.Record.Status, ShouldEqual, model.StatusSucceeded)
					So(dup.Record.Stage, ShouldEqual, model.StageDone)
					So(dup.Record.ResultSummary, ShouldEqual, "ok")
				})

				Convey("Then repeating the outcome is a no-op", func() {
					So(store.Complete(ctx, "evt-1", dedupe.Result{Status: model.StatusSucceeded}), ShouldBeNil)
				})

				Convey("Then a different outcome conflicts", func() {
					err := store.Complete(ctx, "evt-1", dedupe.Result{Status: model.StatusFailed})
					So(err, ShouldEqual, dedupe.ErrConflict)
				})

				Convey("Then the lease is gone", func() {
					err := store.Release(ctx, adm.Lease, time.Time{}, "")
					So(err, ShouldEqual, dedupe.ErrLeaseLost)
				})
			})

			Convey("And the holder checkpoints the next stage", func() {
				clock.Advance(Liveness / 2)
				renewed, err := store.Checkpoint(ctx, adm.Lease, model.StageBill)

				Convey("Then the stage is stored and the lease renewed", func() {
					So(err, ShouldBeNil)
					So(renewed.Owner, ShouldEqual, adm.Lease.Owner)
					So(renewed.ExpiresAt.Equal(clock.Now().Add(Liveness)), ShouldBeTrue)
					rec, _ := store.Get(ctx, "evt-1")
					So(rec.Stage, ShouldEqual, model.StageBill)

					clock.Advance(Liveness/2 + time.Second)
					still, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1"})
					So(err, ShouldBeNil)
					So(still.Decision, ShouldEqual, dedupe.AlreadyInFlight)
				})
			})

			Convey("And the holder releases it for a retry", func() {
				retryAt := clock.Now().Add(2 * time.Second)
				So(store.Release(ctx, adm.Lease, retryAt, "meter: timeout"), ShouldBeNil)

				Convey("Then it is in flight until the retry is due", func() {
					early, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1"})
					So(err, ShouldBeNil)
					So(early.Decision, ShouldEqual, dedupe.AlreadyInFlight)
					So(early.RetryAt.Equal(retryAt), ShouldBeTrue)
					So(early.Record.LastError, ShouldEqual, "meter: timeout")

					rs, err := store.ListResumable(ctx, clock.Now(), 10)
					So(err, ShouldBeNil)
					So(len(rs), ShouldEqual, 0)

					clock.Advance(2 * time.Second)
					rs, err = store.ListResumable(ctx, clock.Now(), 10)
					So(err, ShouldBeNil)
					So(len(rs), ShouldEqual, 1)

					due, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1"})
					So(err, ShouldBeNil)
					So(due.Decision, ShouldEqual, dedupe.Admitted)
					So(due.Record.AttemptCount, ShouldEqual, 2)
				})
			})

			Convey("And the holder parks it before reaching a port", func() {
				retryAt := clock.Now().Add(time.Second)
				So(store.Park(ctx, adm.Lease, retryAt, "queue full"), ShouldBeNil)

				Convey("Then the admission is not counted as an attempt", func() {
					rec, err := store.Get(ctx, "evt-1")
					So(err, ShouldBeNil)
					So(rec.AttemptCount, ShouldEqual, 0)
					So(rec.LeaseOwner, ShouldBeEmpty)
					So(rec.LastError, ShouldEqual, "queue full")

					clock.Advance(time.Second)
					again, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "evt-1"})
					So(err, ShouldBeNil)
					So(again.Decision, ShouldEqual, dedupe.Admitted)
					So(again.Lease.Attempt, ShouldEqual, 1)
				})

				Convey("Then the parked lease can not be parked twice", func() {
					So(store.Park(ctx, adm.Lease, retryAt, ""), ShouldEqual, dedupe.ErrLeaseLost)
				})
			})
		})

		Convey("When resuming an unknown event without a payload", func() {
			_, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "ghost"})

			Convey("Then ErrNotFound is returned", func() {
				So(err, ShouldEqual, dedupe.ErrNotFound)
				_, err = store.Get(ctx, "ghost")
				So(err, ShouldEqual, dedupe.ErrNotFound)
				So(store.Complete(ctx, "ghost", dedupe.Result{Status: model.StatusFailed}), ShouldEqual, dedupe.ErrNotFound)
			})
		})

		Convey("When leases expire", func() {
			for i := 0; i < 3; i++ {
				_, err := store.Begin(ctx, dedupe.BeginRequest{EventID: fmt.Sprintf("evt-%d", i), Payload: payload})
				So(err, ShouldBeNil)
			}
			clock.Advance(Liveness)

			Convey("Then the sweep lists them up to the limit", func() {
				rs, err := store.ListResumable(ctx, clock.Now(), 2)
				So(err, ShouldBeNil)
				So(len(rs), ShouldEqual, 2)
			})
		})

		Convey("When terminal records age past the horizon", func() {
			for _, id := range []string{"a", "b", "c"} {
				_, err := store.Begin(ctx, dedupe.BeginRequest{EventID: id, Payload: payload})
				So(err, ShouldBeNil)
			}
			So(store.Complete(ctx, "a", dedupe.Result{Status: model.StatusSucceeded}), ShouldBeNil)
			So(store.Complete(ctx, "b", dedupe.Result{Status: model.StatusFailed}), ShouldBeNil)
			clock.Advance(time.Hour)

			Convey("Then only unarchived terminal records are archivable", func() {
				rs, err := store.ListArchivable(ctx, clock.Now(), 10)
				So(err, ShouldBeNil)
				So(len(rs), ShouldEqual, 2)

				So(store.MarkArchived(ctx, []string{"a"}, clock.Now()), ShouldBeNil)
				rs, err = store.ListArchivable(ctx, clock.Now(), 10)
				So(err, ShouldBeNil)
				So(len(rs), ShouldEqual, 1)
				So(rs[0].EventID, ShouldEqual, "b")

				rec, err := store.Get(ctx, "a")
				So(err, ShouldBeNil)
				So(rec.ArchivedAt.IsZero(), ShouldBeFalse)
			})
		})

		Convey("When many goroutines begin the same event", func() {
			var admitted, inFlight atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					adm, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "race", Payload: payload})
					if err != nil {
						return
					}
					switch adm.Decision {
					case dedupe.Admitted:
						admitted.Add(1)
					case dedupe.AlreadyInFlight:
						inFlight.Add(1)
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one is admitted", func() {
				So(admitted.Load(), ShouldEqual, 1)
				So(inFlight.Load(), ShouldEqual, 15)
			})
		})
	})
}
