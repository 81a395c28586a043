package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/exporter"
)

func TestFlushEmptyBatchIsNoOp(t *testing.T) {
	fake := &fakeExporter{}
	em, _ := newTestExportManager(t, testConfig(), fake)

	res := em.Flush(context.Background(), nil, false)
	if !res.Success || res.ReturnToBuffer {
		t.Fatalf("Flush(empty) = %+v, want success with no return", res)
	}
	if fake.callCount() != 0 {
		t.Fatalf("exporter called %d times for empty flush, want 0", fake.callCount())
	}
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	// Exporter fails twice, succeeds on the third global attempt
	// (1 initial + 2 retries with maxRetries=2).
	fake := &fakeExporter{failUntil: 2}
	em, slept := newTestExportManager(t, testConfig(), fake)

	res := em.Flush(context.Background(), makeEvents(3, event.TypeClick), false)
	if !res.Success {
		t.Fatalf("Flush = %+v, want success", res)
	}
	if got := fake.callCount(); got != 3 {
		t.Fatalf("exporter invoked %d times, want exactly 3", got)
	}
	if len(*slept) != 2 {
		t.Fatalf("observed %d backoff sleeps, want 2", len(*slept))
	}
	if streak := em.breaker.State().ConsecutiveFailures; streak != 0 {
		t.Fatalf("breaker streak = %d after success, want 0", streak)
	}
}

func TestFlushExhaustsRetries(t *testing.T) {
	fake := &fakeExporter{failUntil: 100}
	em, slept := newTestExportManager(t, testConfig(), fake)

	events := makeEvents(2, event.TypeLog)
	res := em.Flush(context.Background(), events, false)
	if res.Success {
		t.Fatal("Flush succeeded with an always-failing exporter")
	}
	if !res.ReturnToBuffer {
		t.Fatal("exhausted retries must return the batch to the buffer, not drop it")
	}
	if len(res.FailedEvents) != len(events) {
		t.Fatalf("FailedEvents = %d events, want %d", len(res.FailedEvents), len(events))
	}
	// maxRetries=2: initial attempt + 2 retries, sleeping before each retry.
	if got := fake.callCount(); got != 3 {
		t.Fatalf("exporter invoked %d times, want 3", got)
	}
	if len(*slept) != 2 {
		t.Fatalf("observed %d backoff sleeps, want 2", len(*slept))
	}
}

func TestFlushNonRetryableAbortsImmediately(t *testing.T) {
	fake := &fakeExporter{
		failUntil: 100,
		err:       &exporter.ExportError{Type: exporter.ErrorAuth, StatusCode: 401},
	}
	em, slept := newTestExportManager(t, testConfig(), fake)

	res := em.Flush(context.Background(), makeEvents(2, event.TypeClick), false)
	if res.Success {
		t.Fatal("Flush succeeded with auth-failing exporter")
	}
	if !res.ReturnToBuffer {
		t.Fatal("non-retryable failure must return the batch to the buffer")
	}
	if got := fake.callCount(); got != 1 {
		t.Fatalf("exporter invoked %d times, want exactly 1 (no retries)", got)
	}
	if len(*slept) != 0 {
		t.Fatalf("observed %d backoff sleeps, want 0", len(*slept))
	}
}

func TestFlushCircuitOpenSkipsNetwork(t *testing.T) {
	fake := &fakeExporter{}
	em, _ := newTestExportManager(t, testConfig(), fake)

	for i := 0; i < testConfig().MaxConsecutiveFailures; i++ {
		em.breaker.RecordFailure()
	}

	events := makeEvents(4, event.TypeClick)
	res := em.Flush(context.Background(), events, false)
	if res.Success {
		t.Fatal("Flush succeeded with open circuit")
	}
	if !res.ReturnToBuffer || len(res.FailedEvents) != len(events) {
		t.Fatalf("result = %+v, want full batch returned to buffer", res)
	}
	if fake.callCount() != 0 {
		t.Fatalf("exporter invoked %d times with open circuit, want 0", fake.callCount())
	}
}

func TestFlushFanOutAnySuccess(t *testing.T) {
	// Multi-destination fan-out has OR semantics: one failing exporter
	// does not fail the attempt while another succeeds.
	failing := &fakeExporter{name: "failing", failUntil: 100}
	healthy := &fakeExporter{name: "healthy"}
	em, _ := newTestExportManager(t, testConfig(), failing, healthy)

	res := em.Flush(context.Background(), makeEvents(2, event.TypeClick), false)
	if !res.Success {
		t.Fatalf("Flush = %+v, want success when any exporter succeeds", res)
	}
	if failing.callCount() != 1 || healthy.callCount() != 1 {
		t.Fatalf("calls = %d/%d, want both exporters attempted once",
			failing.callCount(), healthy.callCount())
	}
}

func TestFlushSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := blockingExporter{release: release, started: started}
	em, _ := newTestExportManager(t, testConfig(), &blocking)

	var wg sync.WaitGroup
	wg.Add(1)
	var first FlushResult
	go func() {
		defer wg.Done()
		first = em.Flush(context.Background(), makeEvents(1, event.TypeClick), false)
	}()

	<-started
	second := em.Flush(context.Background(), makeEvents(1, event.TypeClick), false)
	if second.Success || second.ReturnToBuffer {
		t.Fatalf("concurrent flush = %+v, want refusal with no state change", second)
	}

	close(release)
	wg.Wait()
	if !first.Success {
		t.Fatalf("first flush = %+v, want success", first)
	}
}

func TestFlushAssignsEventIDs(t *testing.T) {
	fake := &fakeExporter{}
	em, _ := newTestExportManager(t, testConfig(), fake)

	events := makeEvents(2, event.TypeClick)
	events[1].EventID = "preassigned"
	em.Flush(context.Background(), events, false)

	batches := fake.allBatches()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if batches[0][0].EventID == "" {
		t.Error("event ID not assigned at export time")
	}
	if batches[0][1].EventID != "preassigned" {
		t.Errorf("preassigned event ID overwritten: %q", batches[0][1].EventID)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := testConfig()
	cfg.BaseRetryDelay = time.Second
	cfg.MaxRetryDelay = 30 * time.Second
	em, _ := newTestExportManager(t, cfg)

	for attempt := 1; attempt <= 10; attempt++ {
		unjittered := float64(cfg.BaseRetryDelay) * float64(int(1)<<uint(attempt-1))
		if max := float64(cfg.MaxRetryDelay); unjittered > max {
			unjittered = max
		}
		for i := 0; i < 50; i++ {
			d := em.RetryDelay(attempt)
			lo := time.Duration(unjittered * 0.75)
			hi := time.Duration(unjittered * 1.25)
			if lo < minRetryDelay {
				lo = minRetryDelay
			}
			if d < lo || d > hi {
				t.Fatalf("RetryDelay(%d) = %s, want within [%s, %s]", attempt, d, lo, hi)
			}
		}
	}
}

func TestRetryDelayFloor(t *testing.T) {
	cfg := testConfig()
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond
	em, _ := newTestExportManager(t, cfg)

	if d := em.RetryDelay(1); d < minRetryDelay {
		t.Fatalf("RetryDelay(1) = %s, want floored at %s", d, minRetryDelay)
	}
}

func TestRetryDelayMonotonicUnjittered(t *testing.T) {
	cfg := testConfig()
	em, _ := newTestExportManager(t, cfg)
	em.jitter = func() float64 { return 0.5 } // zero jitter offset

	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := em.RetryDelay(attempt)
		if d < prev {
			t.Fatalf("RetryDelay(%d) = %s < RetryDelay(%d) = %s, want non-decreasing",
				attempt, d, attempt-1, prev)
		}
		prev = d
	}
	if prev != cfg.MaxRetryDelay {
		t.Fatalf("final delay = %s, want capped at %s", prev, cfg.MaxRetryDelay)
	}
}

func TestFlushWithBeacon(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	be := &beaconExporter{endpoint: srv.URL, apiKey: "key-1"}
	em, _ := newTestExportManager(t, testConfig(), be)

	res := em.Flush(context.Background(), makeEvents(2, event.TypeClick), true)
	if !res.Success {
		t.Fatalf("beacon flush = %+v, want success", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("received %d beacon posts, want 1", len(bodies))
	}
	if !strings.Contains(bodies[0], `"api_key":"key-1"`) {
		t.Errorf("beacon body missing inlined api key: %s", bodies[0])
	}
}

func TestFlushWithBeaconHalvesOversizedPayload(t *testing.T) {
	var mu sync.Mutex
	var received int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	be := &beaconExporter{endpoint: srv.URL}
	em, _ := newTestExportManager(t, testConfig(), be)

	events := make([]event.Event, 8)
	for i := range events {
		events[i] = event.New(event.TypeLog, "log_line", map[string]any{
			"line": strings.Repeat("x", 50),
		})
		events[i].EventID = fmt.Sprintf("beacon-halving-%02d", i)
	}

	// Pin the limit between the halved payload and the full payload so the
	// full batch is rejected but one halving suffices.
	full, err := exporter.MarshalEnvelope(events, "", true)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}
	half, err := exporter.MarshalEnvelope(events[:len(events)/2], "", true)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}
	em.maxBeaconBytes = (len(full) + len(half)) / 2

	res := em.Flush(context.Background(), events, true)
	if !res.Success {
		t.Fatalf("beacon flush = %+v, want success after halving", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Fatalf("received %d posts, want 1 (halved once, no further splits)", received)
	}
}

func TestFlushWithBeaconSingleOversizedEventNotDropped(t *testing.T) {
	// A full-snapshot replay event ships alone; when even the lone event
	// exceeds the beacon limit, delivery must fail and return the event
	// rather than posting an empty list and claiming success.
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	be := &beaconExporter{endpoint: srv.URL}
	em, _ := newTestExportManager(t, testConfig(), be)
	em.maxBeaconBytes = 64

	e := event.New(event.TypeSessionReplay, "replay_chunk", map[string]any{
		"type": 2,
		"data": strings.Repeat("x", 200),
	})
	e.EventID = "snapshot-1"

	res := em.Flush(context.Background(), []event.Event{e}, true)
	if res.Success {
		t.Fatal("Flush reported success for an undeliverable event")
	}
	if !res.ReturnToBuffer || len(res.FailedEvents) != 1 || res.FailedEvents[0].EventID != "snapshot-1" {
		t.Fatalf("result = %+v, want the event returned to the buffer", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 0 {
		t.Fatalf("server received %v, want no posts for an oversized single event", bodies)
	}
}

func TestFlushWithBeaconSkipsIncapableExporters(t *testing.T) {
	// A plain exporter without endpoint/payload hooks cannot participate
	// in beacon delivery.
	fake := &fakeExporter{}
	em, _ := newTestExportManager(t, testConfig(), fake)

	res := em.Flush(context.Background(), makeEvents(1, event.TypeClick), true)
	if res.Success {
		t.Fatal("beacon flush succeeded with no beacon-capable exporter")
	}
	if fake.callCount() != 0 {
		t.Fatalf("async Export called %d times on the beacon path, want 0", fake.callCount())
	}
}

// blockingExporter holds its first Export call until released.
type blockingExporter struct {
	release <-chan struct{}
	started chan<- struct{}
	once    sync.Once
}

func (b *blockingExporter) Name() string { return "blocking" }

func (b *blockingExporter) Export(ctx context.Context, events []event.Event) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}
