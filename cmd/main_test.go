package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	app "github.com/okian/meterline/internal/app"
	"github.com/okian/meterline/internal/config"
	"github.com/okian/meterline/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func testConfig() *config.Config {
	cfg := config.New(context.Background())
	cfg.Addr = "127.0.0.1:0"
	cfg.WorkerCount = 2
	cfg.QueueSize = 100
	cfg.SimLatencyMinMS = 0
	cfg.SimLatencyMaxMS = 1
	return cfg
}

func TestConfigFromEnvironment(t *testing.T) {
	convey.Convey("Given METERLINE_ environment overrides", t, func() {
		t.Setenv("METERLINE_ADDR", ":8080")
		t.Setenv("METERLINE_QUEUE_SIZE", "1000")
		t.Setenv("METERLINE_WORKER_COUNT", "4")

		convey.Convey("Then configuration picks them up", func() {
			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
			convey.So(cfg.QueueSize, convey.ShouldEqual, 1000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
		})
	})

	convey.Convey("Given an invalid override", t, func() {
		t.Setenv("METERLINE_STORE_DRIVER", "cassandra")

		convey.Convey("Then configuration loading fails", func() {
			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(cfg, convey.ShouldBeNil)
		})
	})
}

func TestMux(t *testing.T) {
	convey.Convey("Given a started service behind the mux", t, func() {
		ctx := context.Background()
		svc := app.New(testConfig())
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer svc.Stop()
		srv := httptest.NewServer(newMux(ctx, svc))
		defer srv.Close()

		convey.Convey("When an event is posted", func() {
			body := `{"event_id":"evt-main","occurred_at":"` + time.Now().UTC().Format(time.RFC3339) +
				`","event_type":"completion","subject_id":"cust-1","quantity_dimensions":{"tokens_in":10}}`
			resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
			convey.So(err, convey.ShouldBeNil)
			_ = resp.Body.Close()

			convey.Convey("Then it is accepted and its record becomes visible", func() {
				convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusAccepted)

				var rec map[string]any
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) {
					r, err := http.Get(srv.URL + "/records/evt-main")
					convey.So(err, convey.ShouldBeNil)
					_ = json.NewDecoder(r.Body).Decode(&rec)
					_ = r.Body.Close()
					if rec["status"] == "succeeded" {
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				convey.So(rec["status"], convey.ShouldEqual, "succeeded")
			})
		})

		convey.Convey("Then the docs routes are served", func() {
			resp, err := http.Get(srv.URL + "/openapi.yaml")
			convey.So(err, convey.ShouldBeNil)
			_ = resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusOK)
		})

		convey.Convey("Then /stats reports a started service", func() {
			resp, err := http.Get(srv.URL + "/stats")
			convey.So(err, convey.ShouldBeNil)
			defer resp.Body.Close()
			var stats map[string]any
			convey.So(json.NewDecoder(resp.Body).Decode(&stats), convey.ShouldBeNil)
			convey.So(stats["started"], convey.ShouldEqual, true)
		})
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	convey.Convey("Given a cancelled root context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		convey.Convey("Then run shuts down cleanly", func() {
			convey.So(run(ctx, testConfig()), convey.ShouldBeNil)
		})
	})
}

func TestRefreshGauges(t *testing.T) {
	convey.Convey("Given the gauge refresher", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		convey.Convey("Then they return when the context ends", func() {
			convey.So(func() { refreshGauges(ctx, app.New(testConfig())) }, convey.ShouldNotPanic)
			convey.So(sampleRuntime, convey.ShouldNotPanic)
		})
	})
}
