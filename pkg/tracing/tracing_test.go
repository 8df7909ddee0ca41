package tracing

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSetup(t *testing.T) {
	Convey("Given tracing is disabled", t, func() {
		p, err := Setup(context.Background(), Config{Enabled: false})

		Convey("Then a no-op provider is installed", func() {
			So(err, ShouldBeNil)
			So(p.Enabled(), ShouldBeFalse)
			So(p.Shutdown(context.Background()), ShouldBeNil)

			_, span := Tracer("test").Start(context.Background(), "op")
			So(span.SpanContext().IsValid(), ShouldBeFalse)
			span.End()
		})
	})

	Convey("Given tracing is enabled", t, func() {
		p, err := Setup(context.Background(), Config{Enabled: true, Endpoint: "127.0.0.1:4318", SamplingRatio: 1})

		Convey("Then spans carry a valid context", func() {
			So(err, ShouldBeNil)
			So(p.Enabled(), ShouldBeTrue)
			_, span := Tracer("test").Start(context.Background(), "op")
			So(span.SpanContext().IsValid(), ShouldBeTrue)
			span.End()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = p.Shutdown(ctx)
			_, _ = Setup(context.Background(), Config{})
		})
	})
}

func TestClampRatio(t *testing.T) {
	Convey("ClampRatio bounds sampling ratios", t, func() {
		So(ClampRatio(0), ShouldEqual, 0.1)
		So(ClampRatio(-3), ShouldEqual, 0.1)
		So(ClampRatio(0.5), ShouldEqual, 0.5)
		So(ClampRatio(7), ShouldEqual, 1)
	})
}
