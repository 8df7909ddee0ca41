package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/okian/meterline/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestQuantity(t *testing.T) {
	Convey("Given decimal literals", t, func() {
		Convey("When parsing valid literals", func() {
			q, err := model.ParseQuantity("0.1")
			So(err, ShouldBeNil)

			Convey("Then arithmetic is exact", func() {
				sum := q.Add(model.MustQuantity("0.2"))
				So(sum.Cmp(model.MustQuantity("0.3")), ShouldEqual, 0)
			})
		})

		Convey("When parsing garbage or infinities", func() {
			_, err1 := model.ParseQuantity("abc")
			_, err2 := model.ParseQuantity("Infinity")
			_, err3 := model.ParseQuantity("NaN")

			Convey("Then ErrInvalidQuantity is returned", func() {
				So(errors.Is(err1, model.ErrInvalidQuantity), ShouldBeTrue)
				So(errors.Is(err2, model.ErrInvalidQuantity), ShouldBeTrue)
				So(errors.Is(err3, model.ErrInvalidQuantity), ShouldBeTrue)
			})
		})

		Convey("When checking the sign", func() {
			So(model.MustQuantity("-1").IsNegative(), ShouldBeTrue)
			So(model.MustQuantity("-0").IsNegative(), ShouldBeFalse)
			So(model.QuantityFromInt64(0).IsNegative(), ShouldBeFalse)
		})

		Convey("When round-tripping through JSON", func() {
			var q model.Quantity
			So(json.Unmarshal([]byte(`12345678901234567890.123456789`), &q), ShouldBeNil)
			out, err := json.Marshal(q)

			Convey("Then no digits are lost", func() {
				So(err, ShouldBeNil)
				So(string(out), ShouldEqual, "12345678901234567890.123456789")
			})
		})

		Convey("When counting plain-notation digits", func() {
			So(model.MustQuantity("1200.5").Digits(), ShouldEqual, int64(5))
			So(model.MustQuantity("0.25").Digits(), ShouldEqual, int64(3))
			So(model.MustQuantity("2.5e3").Digits(), ShouldEqual, int64(4))
			So(model.MustQuantity("1e100000").Digits(), ShouldEqual, int64(100001))
			So(model.MustQuantity("1e-40").Digits(), ShouldEqual, int64(41))
		})

		Convey("When unmarshalling a non-number", func() {
			var q model.Quantity
			err := json.Unmarshal([]byte(`true`), &q)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestEventFanOut(t *testing.T) {
	Convey("Given an event with two metrics", t, func() {
		evt := model.Event{
			EventID:    "evt-1",
			OccurredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			EventType:  "completion",
			SubjectID:  "acct-42",
			Quantities: map[string]model.Quantity{
				"output_tokens": model.QuantityFromInt64(300),
				"input_tokens":  model.QuantityFromInt64(1200),
			},
		}

		Convey("Then meter updates are sorted by metric name", func() {
			updates := evt.MeterUpdates()
			So(len(updates), ShouldEqual, 2)
			So(updates[0].MetricName, ShouldEqual, "input_tokens")
			So(updates[1].MetricName, ShouldEqual, "output_tokens")
			So(updates[0].DedupKey, ShouldEqual, "evt-1")
			So(updates[0].SubjectID, ShouldEqual, "acct-42")
		})

		Convey("Then the billing transaction carries every dimension", func() {
			tx := evt.BillingTransaction()
			So(tx.DedupKey, ShouldEqual, "evt-1")
			So(len(tx.ChargeDimensions), ShouldEqual, 2)
			So(tx.ChargeDimensions["input_tokens"].String(), ShouldEqual, "1200")
		})
	})
}

func TestRecordState(t *testing.T) {
	Convey("Given records in various states", t, func() {
		now := time.Now()

		So(model.StatusPending.Terminal(), ShouldBeFalse)
		So(model.StatusSucceeded.Terminal(), ShouldBeTrue)
		So(model.StatusFailed.Terminal(), ShouldBeTrue)

		live := model.IdempotencyRecord{LeaseOwner: "w1", LeaseExpiresAt: now.Add(time.Second)}
		stale := model.IdempotencyRecord{LeaseOwner: "w1", LeaseExpiresAt: now.Add(-time.Second)}
		free := model.IdempotencyRecord{LeaseExpiresAt: now.Add(time.Second)}

		So(live.Leased(now), ShouldBeTrue)
		So(stale.Leased(now), ShouldBeFalse)
		So(free.Leased(now), ShouldBeFalse)
	})
}
