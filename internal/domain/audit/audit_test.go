package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/meterline/internal/domain/audit"
	"github.com/okian/meterline/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

type failingLog struct{ err error }

func (f failingLog) Append(context.Context, model.AuditEntry) error { return f.err }
func (f failingLog) Query(context.Context, audit.Filter) ([]model.AuditEntry, error) {
	return nil, f.err
}

func TestInMemoryLog(t *testing.T) {
	Convey("Given an in-memory audit log", t, func() {
		ctx := context.Background()
		log := audit.NewInMemoryLog()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		entries := []model.AuditEntry{
			{ID: 1, EventID: "evt-1", Stage: model.StageValidate, Outcome: model.OutcomeOK, Timestamp: base},
			{ID: 2, EventID: "evt-1", Stage: model.StageMeter, Outcome: model.OutcomeTransientError, Timestamp: base.Add(time.Second)},
			{ID: 3, EventID: "evt-2", Stage: model.StageMeter, Outcome: model.OutcomeOK, Timestamp: base.Add(2 * time.Second)},
			{ID: 4, EventID: "evt-1", Stage: model.StageMeter, Outcome: model.OutcomeOK, Timestamp: base.Add(3 * time.Second)},
		}
		for _, e := range entries {
			So(log.Append(ctx, e), ShouldBeNil)
		}

		Convey("When the same entry is appended twice", func() {
			err := log.Append(ctx, entries[0])

			Convey("Then it is rejected", func() {
				So(err, ShouldEqual, audit.ErrDuplicateEntry)
				So(log.Len(), ShouldEqual, 4)
			})
		})

		Convey("When an entry has no id", func() {
			So(log.Append(ctx, model.AuditEntry{EventID: "x"}), ShouldEqual, audit.ErrMissingID)
		})

		Convey("When querying by event", func() {
			got, err := log.Query(ctx, audit.Filter{EventID: "evt-1"})

			Convey("Then entries come back in order", func() {
				So(err, ShouldBeNil)
				So(len(got), ShouldEqual, 3)
				So(got[0].ID, ShouldEqual, 1)
				So(got[2].ID, ShouldEqual, 4)
			})
		})

		Convey("When querying by stage, outcome and window", func() {
			byStage, _ := log.Query(ctx, audit.Filter{Stage: model.StageMeter, Outcome: model.OutcomeOK})
			window, _ := log.Query(ctx, audit.Filter{From: base.Add(time.Second), To: base.Add(3 * time.Second)})
			limited, _ := log.Query(ctx, audit.Filter{Limit: 2})

			Convey("Then only matching entries are returned", func() {
				So(len(byStage), ShouldEqual, 2)
				So(len(window), ShouldEqual, 2)
				So(window[0].ID, ShouldEqual, 2)
				So(len(limited), ShouldEqual, 2)
			})
		})
	})
}

func TestRecorder(t *testing.T) {
	Convey("Given a recorder over an in-memory log", t, func() {
		ctx := context.Background()
		log := audit.NewInMemoryLog()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		rec, err := audit.NewRecorder(log, 1, func() time.Time { return now })
		So(err, ShouldBeNil)

		Convey("When recording two outcomes", func() {
			So(rec.Record(ctx, "evt-1", 1, model.StageMeter, model.OutcomeOK, ""), ShouldBeNil)
			So(rec.Record(ctx, "evt-1", 1, model.StageBill, model.OutcomeOK, ""), ShouldBeNil)

			Convey("Then ids are unique and increasing", func() {
				got, _ := log.Query(ctx, audit.Filter{})
				So(len(got), ShouldEqual, 2)
				So(got[0].ID, ShouldBeGreaterThan, 0)
				So(got[1].ID, ShouldBeGreaterThan, got[0].ID)
				So(got[0].Timestamp.Equal(now), ShouldBeTrue)
				So(got[1].Stage, ShouldEqual, model.StageBill)
			})
		})

		Convey("When the log rejects the append", func() {
			boom := errors.New("disk full")
			failing, _ := audit.NewRecorder(failingLog{err: boom}, 2, nil)
			err := failing.Record(ctx, "evt-1", 1, model.StageMeter, model.OutcomeOK, "")

			Convey("Then the error is surfaced", func() {
				So(errors.Is(err, boom), ShouldBeTrue)
			})
		})

		Convey("When the node id is out of range", func() {
			_, err := audit.NewRecorder(log, 5000, nil)
			So(err, ShouldNotBeNil)
		})
	})
}
