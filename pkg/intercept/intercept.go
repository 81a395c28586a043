// Package intercept provides an explicit transport interception strategy:
// a middleware chain over http.RoundTripper that observes network calls
// and forwards them unchanged. It replaces ambient instrumentation of
// global transports with a hook point the host application installs
// deliberately.
package intercept

import (
	"net/http"
	"time"

	"github.com/hyperlook/telemetry-go/pkg/event"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// Strategy wraps a transport and forwards the real call. Strategies
// compose like middleware: the outermost strategy sees the request first.
type Strategy interface {
	Intercept(next http.RoundTripper) http.RoundTripper
}

// Capturer receives the events a strategy emits. The telemetry Manager
// satisfies this, as does the staging buffer before a Manager exists.
type Capturer interface {
	Capture(e event.Event) bool
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(e event.Event) bool

// Capture implements Capturer.
func (f CapturerFunc) Capture(e event.Event) bool {
	return f(e)
}

// NetworkCapture is a Strategy emitting one network event per completed
// request. Capture failures never disturb the intercepted call.
type NetworkCapture struct {
	capturer Capturer
}

// NewNetworkCapture creates a network capture strategy.
func NewNetworkCapture(c Capturer) *NetworkCapture {
	return &NetworkCapture{capturer: c}
}

// Intercept implements Strategy.
func (s *NetworkCapture) Intercept(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)

		payload := map[string]any{
			"method":      r.Method,
			"url":         r.URL.String(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if resp != nil {
			payload["status"] = resp.StatusCode
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		s.capturer.Capture(event.New(event.TypeNetwork, "http_request", payload))

		return resp, err
	})
}

// Apply installs strategies on an HTTP client, outermost first.
func Apply(client *http.Client, strategies ...Strategy) {
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	for i := len(strategies) - 1; i >= 0; i-- {
		next = strategies[i].Intercept(next)
	}
	client.Transport = next
}
