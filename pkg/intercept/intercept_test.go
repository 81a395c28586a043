package intercept

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperlook/telemetry-go/pkg/event"
)

type recordingCapturer struct {
	events []event.Event
	accept bool
}

func (c *recordingCapturer) Capture(e event.Event) bool {
	c.events = append(c.events, e)
	return c.accept
}

func TestNetworkCaptureEmitsEventPerRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	rec := &recordingCapturer{accept: true}
	client := &http.Client{}
	Apply(client, NewNetworkCapture(rec))

	resp, err := client.Get(srv.URL + "/widgets")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if len(rec.events) != 1 {
		t.Fatalf("captured %d events, want 1", len(rec.events))
	}
	e := rec.events[0]
	if e.EventType != event.TypeNetwork || e.EventName != "http_request" {
		t.Fatalf("event = %s/%s, want network/http_request", e.EventType, e.EventName)
	}
	if e.Payload["method"] != "GET" {
		t.Errorf("method = %v, want GET", e.Payload["method"])
	}
	if e.Payload["status"] != http.StatusTeapot {
		t.Errorf("status = %v, want %d", e.Payload["status"], http.StatusTeapot)
	}
	if e.Payload["url"] != srv.URL+"/widgets" {
		t.Errorf("url = %v, want request url", e.Payload["url"])
	}
}

func TestNetworkCaptureRecordsTransportError(t *testing.T) {
	rec := &recordingCapturer{accept: true}
	boom := errors.New("connection refused")
	next := RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, boom
	})

	rt := NewNetworkCapture(rec).Intercept(next)
	req := httptest.NewRequest(http.MethodGet, "http://unreachable.example.com/", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, boom) {
		t.Fatalf("RoundTrip error = %v, want the transport error forwarded", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("captured %d events, want 1", len(rec.events))
	}
	e := rec.events[0]
	if e.Payload["error"] != boom.Error() {
		t.Errorf("error payload = %v, want %q", e.Payload["error"], boom.Error())
	}
	if _, ok := e.Payload["status"]; ok {
		t.Error("status present for a failed request")
	}
}

func TestNetworkCaptureRefusedCaptureDoesNotDisturbCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	rec := &recordingCapturer{accept: false} // capturer refuses everything
	client := &http.Client{}
	Apply(client, NewNetworkCapture(rec))

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite refused capture", resp.StatusCode)
	}
}

func TestApplyComposesOutermostFirst(t *testing.T) {
	var order []string
	mk := func(name string) Strategy {
		return strategyFunc(func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(r)
			})
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := &http.Client{}
	Apply(client, mk("outer"), mk("inner"))

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("strategy order = %v, want [outer inner]", order)
	}
}

type strategyFunc func(next http.RoundTripper) http.RoundTripper

func (f strategyFunc) Intercept(next http.RoundTripper) http.RoundTripper {
	return f(next)
}
