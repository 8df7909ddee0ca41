package archive_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/meterline/internal/adapters/archive"
	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/dedupe/dedupetest"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/pkg/logger"
)

type fakePutter struct {
	err     error
	keys    []string
	bodies  [][]byte
	buckets []string
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	body, _ := io.ReadAll(in.Body)
	p.keys = append(p.keys, *in.Key)
	p.bodies = append(p.bodies, body)
	p.buckets = append(p.buckets, *in.Bucket)
	return &s3.PutObjectOutput{}, nil
}

func seed(ctx context.Context, store dedupe.Store, ids ...string) {
	for _, id := range ids {
		_, err := store.Begin(ctx, dedupe.BeginRequest{EventID: id, Payload: []byte(`{"event_id":"` + id + `"}`)})
		convey.So(err, convey.ShouldBeNil)
	}
}

func TestArchiver(t *testing.T) {
	convey.Convey("Given terminal records older than the retention", t, func() {
		ctx := context.Background()
		clock := dedupetest.NewClock()
		store := dedupe.NewInMemoryStore(dedupe.WithClock(clock.Now))
		seed(ctx, store, "a", "b", "c")
		convey.So(store.Complete(ctx, "a", dedupe.Result{Status: model.StatusSucceeded, Summary: "metered and billed"}), convey.ShouldBeNil)
		convey.So(store.Complete(ctx, "b", dedupe.Result{Status: model.StatusFailed}), convey.ShouldBeNil)
		clock.Advance(2 * time.Hour)

		putter := &fakePutter{}
		arch, err := archive.New(store, putter, "usage-archive",
			archive.WithRetention(time.Hour),
			archive.WithPrefix("records/"),
			archive.WithClock(clock.Now),
			archive.WithLogger(logger.Nop()),
		)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("One run writes them as JSON Lines and flags them", func() {
			n, err := arch.RunOnce(ctx)
			convey.So(err, convey.ShouldBeNil)
			convey.So(n, convey.ShouldEqual, 2)
			convey.So(putter.keys, convey.ShouldHaveLength, 1)
			convey.So(putter.buckets[0], convey.ShouldEqual, "usage-archive")
			convey.So(strings.HasPrefix(putter.keys[0], "records/2024/05/01/"), convey.ShouldBeTrue)

			var lines []map[string]any
			sc := bufio.NewScanner(bytes.NewReader(putter.bodies[0]))
			for sc.Scan() {
				var m map[string]any
				convey.So(json.Unmarshal(sc.Bytes(), &m), convey.ShouldBeNil)
				lines = append(lines, m)
			}
			convey.So(lines, convey.ShouldHaveLength, 2)
			convey.So(lines[0]["event_id"], convey.ShouldEqual, "a")
			convey.So(lines[0]["payload"], convey.ShouldNotBeNil)

			rec, err := store.Get(ctx, "a")
			convey.So(err, convey.ShouldBeNil)
			convey.So(rec.ArchivedAt.IsZero(), convey.ShouldBeFalse)

			convey.Convey("A second run finds nothing", func() {
				n, err := arch.RunOnce(ctx)
				convey.So(err, convey.ShouldBeNil)
				convey.So(n, convey.ShouldEqual, 0)
				convey.So(putter.keys, convey.ShouldHaveLength, 1)
			})

			convey.Convey("Archived records still deduplicate", func() {
				adm, err := store.Begin(ctx, dedupe.BeginRequest{EventID: "a", Payload: []byte("{}")})
				convey.So(err, convey.ShouldBeNil)
				convey.So(adm.Decision, convey.ShouldEqual, dedupe.AlreadyTerminal)
			})
		})

		convey.Convey("A failed upload leaves the records unflagged", func() {
			putter.err = errors.New("access denied")
			_, err := arch.RunOnce(ctx)
			convey.So(err, convey.ShouldNotBeNil)
			rec, _ := store.Get(ctx, "a")
			convey.So(rec.ArchivedAt.IsZero(), convey.ShouldBeTrue)
		})
	})

	convey.Convey("New validates its arguments", t, func() {
		_, err := archive.New(nil, &fakePutter{}, "b")
		convey.So(err, convey.ShouldNotBeNil)
		_, err = archive.New(dedupe.NewInMemoryStore(), &fakePutter{}, "")
		convey.So(err, convey.ShouldNotBeNil)
	})
}

func TestEncodeSkipsInvalidPayloads(t *testing.T) {
	convey.Convey("Non-JSON payloads are omitted from the line", t, func() {
		out, err := archive.Encode([]model.IdempotencyRecord{{EventID: "x", Status: model.StatusFailed, Payload: []byte("not json")}})
		convey.So(err, convey.ShouldBeNil)
		convey.So(string(out), convey.ShouldNotContainSubstring, "payload")
	})
}
