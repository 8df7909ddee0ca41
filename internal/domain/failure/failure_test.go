package failure_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/okian/meterline/internal/domain/failure"
	. "github.com/smartystreets/goconvey/convey"
)

func TestClassification(t *testing.T) {
	Convey("Given errors of each kind", t, func() {
		cause := errors.New("connection reset")

		Convey("Transient errors are retryable and unwrap to their cause", func() {
			err := failure.Transient("meter", cause)
			So(failure.IsTransient(err), ShouldBeTrue)
			So(failure.IsPermanent(err), ShouldBeFalse)
			So(errors.Is(err, failure.ErrTransient), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "meter: transient")
		})

		Convey("Permanent errors are not retryable", func() {
			err := fmt.Errorf("bill: %w", failure.Permanent("bill", cause))
			So(failure.IsPermanent(err), ShouldBeTrue)
			So(failure.IsTransient(err), ShouldBeFalse)
			So(errors.Is(err, failure.ErrPermanent), ShouldBeTrue)
		})

		Convey("Invalid events are permanent", func() {
			err := failure.Invalid("event_id", "must not be empty")
			So(failure.IsPermanent(err), ShouldBeTrue)
			So(errors.Is(err, failure.ErrInvalidEvent), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "invalid event: event_id: must not be empty")

			var inv *failure.InvalidEventError
			So(errors.As(fmt.Errorf("wrap: %w", err), &inv), ShouldBeTrue)
			So(inv.Field, ShouldEqual, "event_id")
		})

		Convey("Exhausted retries are permanent and keep the last cause", func() {
			err := &failure.RetriesExhaustedError{Attempts: 3, Last: failure.Transient("meter", cause)}
			So(failure.IsPermanent(err), ShouldBeTrue)
			So(errors.Is(err, failure.ErrRetriesExhausted), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
		})

		Convey("Unknown errors default to transient", func() {
			So(failure.IsTransient(cause), ShouldBeTrue)
			So(failure.IsTransient(context.DeadlineExceeded), ShouldBeTrue)
			So(failure.IsTransient(nil), ShouldBeFalse)
		})

		Convey("The outermost classification wins", func() {
			err := failure.Transient("store", failure.Permanent("decode", cause))
			So(failure.IsTransient(err), ShouldBeTrue)

			err = failure.Permanent("bill", failure.Transient("http", cause))
			So(failure.IsPermanent(err), ShouldBeTrue)
		})

		Convey("Nil causes stay nil", func() {
			So(failure.Transient("x", nil), ShouldBeNil)
			So(failure.Permanent("x", nil), ShouldBeNil)
		})
	})
}
