package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/meterline/internal/domain/model"
)

func job(id string) Job {
	return Job{EventID: id, Source: model.SourceIngress}
}

func TestInMemoryQueue(t *testing.T) {
	Convey("Given a queue with room for two jobs", t, func() {
		ctx := context.Background()
		q := NewInMemoryQueue(WithCapacity(2))

		Convey("Then a job round-trips with its source", func() {
			So(q.Len(ctx), ShouldEqual, 0)
			So(q.Enqueue(ctx, job("evt-1")), ShouldBeNil)
			So(q.Len(ctx), ShouldEqual, 1)

			got := <-q.Dequeue(ctx)
			So(got.EventID, ShouldEqual, "evt-1")
			So(got.Source, ShouldEqual, model.SourceIngress)
		})

		Convey("When it is full", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			So(q.Enqueue(ctx, job("b")), ShouldBeNil)

			Convey("Then the next enqueue reports ErrFull", func() {
				So(errors.Is(q.Enqueue(ctx, job("c")), ErrFull), ShouldBeTrue)
				So(q.Len(ctx), ShouldEqual, 2)
			})
		})

		Convey("When the caller's context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			Convey("Then enqueue returns the context error", func() {
				So(errors.Is(q.Enqueue(cctx, job("a")), context.Canceled), ShouldBeTrue)
			})
		})

		Convey("When it is closed with jobs buffered", func() {
			So(q.Enqueue(ctx, job("a")), ShouldBeNil)
			So(q.Enqueue(ctx, job("b")), ShouldBeNil)
			So(q.IsClosed(), ShouldBeFalse)
			So(q.Close(), ShouldBeNil)

			Convey("Then new jobs are refused", func() {
				So(q.IsClosed(), ShouldBeTrue)
				So(errors.Is(q.Enqueue(ctx, job("c")), ErrClosed), ShouldBeTrue)
			})

			Convey("Then buffered jobs drain before the channel closes", func() {
				var drained []string
				for j := range q.Dequeue(ctx) {
					drained = append(drained, j.EventID)
				}
				So(drained, ShouldResemble, []string{"a", "b"})
				So(q.Close(), ShouldBeNil)
			})
		})
	})
}

func TestInMemoryQueueConcurrentAccess(t *testing.T) {
	Convey("Given producers racing consumers on a small queue", t, func() {
		q := NewInMemoryQueue(WithCapacity(100))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		const producers, perProducer = 10, 100
		var seen sync.Map
		var consumed sync.WaitGroup
		consumed.Add(producers * perProducer)
		for range 4 {
			go func() {
				for j := range q.Dequeue(ctx) {
					if _, dup := seen.LoadOrStore(j.EventID, true); !dup {
						consumed.Done()
					}
				}
			}()
		}
		for p := range producers {
			go func() {
				for i := range perProducer {
					for errors.Is(q.Enqueue(ctx, job(fmt.Sprintf("evt-%d-%d", p, i))), ErrFull) {
						time.Sleep(time.Millisecond)
					}
				}
			}()
		}

		done := make(chan struct{})
		go func() { consumed.Wait(); close(done) }()

		Convey("Then every job is delivered exactly once", func() {
			var finished bool
			select {
			case <-done:
				finished = true
			case <-time.After(5 * time.Second):
			}
			So(finished, ShouldBeTrue)
		})
	})
}
