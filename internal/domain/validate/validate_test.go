package validate_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/validate"
	. "github.com/smartystreets/goconvey/convey"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newValidator() *validate.Validator {
	return validate.New(
		validate.WithEventTypes("completion", "embedding"),
		validate.WithFutureSkew(5*time.Minute),
	)
}

func body(id, occurredAt, eventType, subject, quantities string) []byte {
	return []byte(fmt.Sprintf(`{"event_id":%s,"occurred_at":%s,"event_type":%s,"subject_id":%s,"quantity_dimensions":%s}`,
		id, occurredAt, eventType, subject, quantities))
}

func invalidField(err error) string {
	var inv *failure.InvalidEventError
	if errors.As(err, &inv) {
		return inv.Field
	}
	return "<not invalid>"
}

func TestValidate(t *testing.T) {
	Convey("Given a validator", t, func() {
		v := newValidator()

		Convey("When the event is well formed", func() {
			raw := body(`"evt-1"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"acct-42"`,
				`{"input_tokens":1200,"output_tokens":300.5}`)
			evt, err := v.Validate(raw, now)

			Convey("Then every field is populated", func() {
				So(err, ShouldBeNil)
				So(evt.EventID, ShouldEqual, "evt-1")
				So(evt.SubjectID, ShouldEqual, "acct-42")
				So(string(evt.EventType), ShouldEqual, "completion")
				So(evt.OccurredAt.Equal(time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)), ShouldBeTrue)
				So(evt.Quantities["input_tokens"].String(), ShouldEqual, "1200")
				So(evt.Quantities["output_tokens"].String(), ShouldEqual, "300.5")
				So(string(evt.RawPayload), ShouldEqual, string(raw))
			})
		})

		Convey("When an opaque payload is attached", func() {
			raw := []byte(`{"event_id":"evt-2","occurred_at":"2024-05-01T11:59:00.123Z","event_type":"embedding",
				"subject_id":"acct-1","quantity_dimensions":{"tokens":0},"payload":{"model":"x","nested":[1,2]}}`)
			_, err := v.Validate(raw, now)
			So(err, ShouldBeNil)
		})

		cases := []struct {
			name  string
			raw   []byte
			field string
		}{
			{"empty body", []byte("  "), "body"},
			{"malformed JSON", []byte(`{"event_id":`), "body"},
			{"array body", []byte(`[1,2]`), "body"},
			{"missing event id", body(`""`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":1}`), "event_id"},
			{"numeric event id", body(`42`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":1}`), "event_id"},
			{"blank event id", body(`"   "`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":1}`), "event_id"},
			{"missing subject", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `""`, `{"t":1}`), "subject_id"},
			{"blank subject", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"  \t"`, `{"t":1}`), "subject_id"},
			{"blank metric name", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{" ":1}`), "quantity_dimensions"},
			{"bad timestamp", body(`"e"`, `"yesterday"`, `"completion"`, `"a"`, `{"t":1}`), "occurred_at"},
			{"too far in the future", body(`"e"`, `"2024-05-01T12:06:00Z"`, `"completion"`, `"a"`, `{"t":1}`), "occurred_at"},
			{"unknown event type", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"fax"`, `"a"`, `{"t":1}`), "event_type"},
			{"missing quantities", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `null`), "quantity_dimensions"},
			{"empty quantities", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{}`), "quantity_dimensions"},
			{"quantities not an object", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `"lots"`), "quantity_dimensions"},
			{"negative quantity", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":-1}`), "quantity_dimensions.t"},
			{"string quantity", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":"5"}`), "quantity_dimensions.t"},
			{"boolean quantity", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":true}`), "quantity_dimensions.t"},
			{"huge exponent", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":1e100000}`), "quantity_dimensions.t"},
			{"tiny exponent", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":1e-40}`), "quantity_dimensions.t"},
			{"too many digits", body(`"e"`, `"2024-05-01T11:59:00Z"`, `"completion"`, `"a"`, `{"t":12345678901234567890123456789012345}`), "quantity_dimensions.t"},
		}

		for _, tc := range cases {
			Convey("When the event has "+tc.name, func() {
				_, err := v.Validate(tc.raw, now)

				Convey("Then an InvalidEventError names the field", func() {
					So(err, ShouldNotBeNil)
					So(errors.Is(err, failure.ErrInvalidEvent), ShouldBeTrue)
					So(failure.IsPermanent(err), ShouldBeTrue)
					So(invalidField(err), ShouldEqual, tc.field)
				})
			})
		}

		Convey("When occurred_at is within the allowed skew", func() {
			raw := body(`"e"`, `"2024-05-01T12:04:59Z"`, `"completion"`, `"a"`, `{"t":1}`)
			_, err := v.Validate(raw, now)
			So(err, ShouldBeNil)
		})

		Convey("When parsing a stored payload later", func() {
			raw := body(`"e"`, `"2024-05-01T12:30:00Z"`, `"completion"`, `"a"`, `{"t":1}`)

			Convey("Then the skew check is not applied", func() {
				_, err := v.Parse(raw)
				So(err, ShouldBeNil)
			})
		})
	})
}
