package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then metrics are registered under the default namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.eventsReceived.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				var found bool
				for _, f := range families {
					if f.GetName() == "meterline_pipeline_events_received_total" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then names and const labels follow the options", func() {
				manager.alerts.WithLabelValues("retries_exhausted").Inc()
				So(value(manager.alerts.WithLabelValues("retries_exhausted")), ShouldEqual, 1)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
				for _, f := range families {
					So(strings.HasPrefix(f.GetName(), "test_unit_"), ShouldBeTrue)
				}
			})
		})

		Convey("When empty options are passed", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace(""),
				WithSubsystem(""),
				WithHistogramBuckets(nil),
				WithConstLabels(nil),
				WithPrometheusRegistry(registry),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "meterline")
				So(manager.subsystem, ShouldEqual, "pipeline")
				So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording ingress metrics", func() {
			before := value(globalManager.eventsDuplicate)
			RecordEventReceived()
			RecordEventAccepted()
			RecordEventDuplicate()
			RecordEventInFlight()
			RecordEventInvalid("event_id")

			Convey("Then counters advance", func() {
				So(value(globalManager.eventsDuplicate), ShouldEqual, before+1)
				So(value(globalManager.eventsInvalid.WithLabelValues("event_id")), ShouldBeGreaterThanOrEqualTo, 1)
			})
		})

		Convey("When recording orchestration metrics", func() {
			So(func() {
				RecordStageOutcome("meter", "ok")
				RecordStageOutcome("bill", "transient-error")
				RecordTerminal("succeeded")
				RecordPortLatency("metering", "ok", 12.5)
				RecordRetryScheduled()
				RecordRetriesExhausted()
				UpdateRetriesPending(3)
				RecordAlert("permanent_failure")
				RecordStoreLatency("begin", 1.2)
				RecordStoreError("complete")
			}, ShouldNotPanic)
			So(value(globalManager.retriesPending), ShouldEqual, 3)
		})

		Convey("When recording operational metrics", func() {
			So(func() {
				UpdateQueueSize(10)
				UpdateQueueCapacity(100)
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordQueueEnqueueError()
				UpdateWorkerCount(4)
				UpdateWorkerActiveCount(2)
				RecordWorkerProcessingLatency(40)
				RecordWorkerError()
				RecordHTTPRequest("/events", "POST", "202")
				RecordHTTPRequestDuration("/events", "POST", "202", 3)
				RecordErrorByComponent("archive", "upload")
			}, ShouldNotPanic)
			So(value(globalManager.queueCapacity), ShouldEqual, 100)
		})

		Convey("When recording background job metrics", func() {
			runs := value(globalManager.sweepRuns)
			recovered := value(globalManager.sweepRecovered)
			archived := value(globalManager.recordsArchived)
			RecordSweep(5)
			RecordArchived(7)
			RecordArchiveFailure()

			Convey("Then sweep and archive counters advance", func() {
				So(value(globalManager.sweepRuns), ShouldEqual, runs+1)
				So(value(globalManager.sweepRecovered), ShouldEqual, recovered+5)
				So(value(globalManager.recordsArchived), ShouldEqual, archived+7)
			})
		})

		Convey("The custom registry is exposed", func() {
			So(GetRegistry(), ShouldEqual, customRegistry)
		})
	})
}

func TestMetricsConcurrency(t *testing.T) {
	Convey("Given metrics concurrency", t, func() {
		Convey("When recording metrics concurrently", func() {
			before := value(globalManager.eventsReceived)
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 100; j++ {
						RecordEventReceived()
						UpdateQueueSize(j)
						RecordHTTPRequest("/events", "POST", "202")
					}
				}()
			}
			wg.Wait()

			Convey("Then no increment is lost", func() {
				So(value(globalManager.eventsReceived), ShouldEqual, before+1000)
			})
		})
	})
}

func value(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	var out float64
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			return -1
		}
		switch {
		case pb.Counter != nil:
			out += pb.GetCounter().GetValue()
		case pb.Gauge != nil:
			out += pb.GetGauge().GetValue()
		}
	}
	return out
}
