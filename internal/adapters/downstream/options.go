package downstream

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ClientOption configures an HTTP port client.
type ClientOption func(*client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit caps outbound requests per second. A non-positive limit
// disables limiting.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// SimOption configures a simulated port.
type SimOption func(*Simulator)

// WithLatencyRange sets the simulated latency range.
func WithLatencyRange(minLatency, maxLatency time.Duration) SimOption {
	return func(s *Simulator) {
		if minLatency >= 0 && maxLatency >= minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// WithFailureRates sets the probability of transient and permanent failures
// for each first-time call.
func WithFailureRates(transient, permanent float64) SimOption {
	return func(s *Simulator) {
		if transient >= 0 && permanent >= 0 && transient+permanent <= 1 {
			s.transientRate = transient
			s.permanentRate = permanent
		}
	}
}

// WithSeed makes the failure sequence reproducible.
func WithSeed(seed uint64) SimOption {
	return func(s *Simulator) { s.seed = seed }
}
