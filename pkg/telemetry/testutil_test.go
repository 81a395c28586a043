package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperlook/telemetry-go/pkg/breaker"
	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/exporter"
	"github.com/hyperlook/telemetry-go/pkg/logger"
)

// fakeExporter records every batch it receives and fails the first
// failUntil calls with err.
type fakeExporter struct {
	mu        sync.Mutex
	name      string
	calls     int
	batches   [][]event.Event
	failUntil int
	err       error
}

func (f *fakeExporter) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeExporter) Export(ctx context.Context, events []event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	batch := make([]event.Event, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
	if f.calls <= f.failUntil {
		if f.err != nil {
			return f.err
		}
		return &exporter.ExportError{Type: exporter.ErrorServer, StatusCode: 500}
	}
	return nil
}

func (f *fakeExporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExporter) allBatches() [][]event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]event.Event, len(f.batches))
	copy(out, f.batches)
	return out
}

// beaconExporter adds the beacon capabilities on top of fakeExporter.
type beaconExporter struct {
	fakeExporter
	endpoint string
	apiKey   string
}

func (b *beaconExporter) Endpoint(fallback string) string {
	if b.endpoint != "" {
		return b.endpoint
	}
	return fallback
}

func (b *beaconExporter) TransformPayload(events []event.Event, forBeacon bool) ([]byte, error) {
	return exporter.MarshalEnvelope(events, b.apiKey, forBeacon)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = time.Hour // tests drive flushes explicitly
	cfg.MaxRetries = 2
	cfg.BaseRetryDelay = 100 * time.Millisecond
	cfg.MaxRetryDelay = time.Second
	cfg.SessionID = "sess-1"
	return cfg
}

// newTestExportManager builds an export manager with an instant sleep that
// records requested delays.
func newTestExportManager(t *testing.T, cfg Config, exps ...exporter.Exporter) (*ExportManager, *[]time.Duration) {
	t.Helper()
	cb, err := breaker.New(cfg.MaxConsecutiveFailures, cfg.CircuitBreakerTimeout, cfg.FailureThreshold)
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}
	em := newExportManager(cfg, exps, cb, logger.NewNop())

	var slept []time.Duration
	var mu sync.Mutex
	em.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}
	return em, &slept
}

func makeEvents(n int, eventType string) []event.Event {
	events := make([]event.Event, n)
	for i := range events {
		events[i] = event.New(eventType, "test_event", map[string]any{"i": i})
	}
	return events
}
