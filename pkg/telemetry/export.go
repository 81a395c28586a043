package telemetry

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/pkg/breaker"
	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/exporter"
	"github.com/hyperlook/telemetry-go/pkg/logger"
	"github.com/hyperlook/telemetry-go/pkg/metrics"
)

// minRetryDelay floors every computed backoff delay.
const minRetryDelay = 100 * time.Millisecond

// errNoExporters reports a flush with nothing configured to receive it.
var errNoExporters = errors.New("no exporters configured")

// FlushResult reports the outcome of a flush. FailedEvents carries exactly
// the events that must go back to the buffer: the partitions that failed,
// never events a succeeding partition already delivered.
type FlushResult struct {
	Success        bool
	ReturnToBuffer bool
	FailedEvents   []event.Event
}

// ExportManager drains batches, splits them per transport constraints,
// drives retry-with-backoff, and consults the circuit breaker. A single
// flush is in flight at any time; concurrent calls are refused without
// touching state.
type ExportManager struct {
	mu       sync.Mutex
	flushing bool

	exporters []exporter.Exporter
	breaker   *breaker.CircuitBreaker
	replay    *sessionReplayHandler
	logger    *logger.Logger

	maxRetries       int
	baseRetryDelay   time.Duration
	maxRetryDelay    time.Duration
	fallbackEndpoint string
	maxBeaconBytes   int

	beaconClient *http.Client

	// Injected for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	newID  func() string
}

// newExportManager wires the export manager to its exporters and breaker.
func newExportManager(cfg Config, exporters []exporter.Exporter, cb *breaker.CircuitBreaker, log *logger.Logger) *ExportManager {
	em := &ExportManager{
		exporters:        exporters,
		breaker:          cb,
		logger:           log.WithComponent("export_manager"),
		maxRetries:       cfg.MaxRetries,
		baseRetryDelay:   cfg.BaseRetryDelay,
		maxRetryDelay:    cfg.MaxRetryDelay,
		fallbackEndpoint: cfg.FallbackEndpoint,
		maxBeaconBytes:   MaxBeaconPayloadBytes,
		beaconClient:     &http.Client{Timeout: 2 * time.Second},
		sleep:            sleepCtx,
		jitter:           rand.Float64,
		newID:            func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	em.replay = newSessionReplayHandler(em, log)
	return em
}

// Flush exports a batch. Empty input is a successful no-op. The batch is
// partitioned into session-replay and normal events; overall success
// requires every partition to succeed, and failed partitions' events are
// reported in FailedEvents for the caller to re-buffer.
func (em *ExportManager) Flush(ctx context.Context, events []event.Event, useBeacon bool) FlushResult {
	if len(events) == 0 {
		return FlushResult{Success: true}
	}

	em.mu.Lock()
	if em.flushing {
		em.mu.Unlock()
		em.logger.Debug("flush refused: another flush is in flight")
		return FlushResult{}
	}
	em.flushing = true
	em.mu.Unlock()

	defer func() {
		em.mu.Lock()
		em.flushing = false
		em.mu.Unlock()
	}()

	if em.breaker.IsOpen() {
		em.logger.Warn("flush blocked: circuit breaker open",
			zap.Int("events", len(events)),
		)
		st := em.breaker.State()
		metrics.SetCircuitState(st.Open, st.HalfOpen)
		return FlushResult{ReturnToBuffer: true, FailedEvents: events}
	}

	// Event IDs are assigned at export time, not capture time, so retried
	// batches keep stable identifiers across attempts.
	for i := range events {
		if events[i].EventID == "" {
			events[i].EventID = em.newID()
		}
	}

	var normal, replay []event.Event
	for _, e := range events {
		if e.IsSessionReplay() {
			replay = append(replay, e)
		} else {
			normal = append(normal, e)
		}
	}

	res := FlushResult{Success: true}

	if len(normal) > 0 {
		var ok bool
		if useBeacon {
			ok = em.flushWithBeacon(normal)
		} else {
			ok, _ = em.flushBatch(ctx, normal)
		}
		if !ok {
			res.Success = false
			res.ReturnToBuffer = true
			res.FailedEvents = append(res.FailedEvents, normal...)
		}
	}

	if len(replay) > 0 {
		ok, failed := em.replay.export(ctx, replay, useBeacon)
		if !ok {
			res.Success = false
			res.ReturnToBuffer = true
			res.FailedEvents = append(res.FailedEvents, failed...)
		}
	}

	st := em.breaker.State()
	metrics.SetCircuitState(st.Open, st.HalfOpen)
	return res
}

// flushBatch drives the bounded retry loop for one batch. Every attempt
// races the batch against all configured exporters concurrently; the
// attempt succeeds if any exporter succeeds. A tagged non-retryable error
// aborts the loop immediately. Exhausting the retry budget reports
// return-to-buffer, never a silent drop.
func (em *ExportManager) flushBatch(ctx context.Context, events []event.Event) (success, returnToBuffer bool) {
	for attempt := 0; attempt <= em.maxRetries; attempt++ {
		err := em.attemptExport(ctx, events)
		if err == nil {
			em.breaker.RecordSuccess()
			return true, false
		}

		if !exporter.Retryable(err) {
			em.logger.Warn("aborting retries: non-retryable export error",
				zap.Int("events", len(events)),
				zap.Error(err),
			)
			return false, true
		}

		em.breaker.RecordFailure()

		if attempt == em.maxRetries {
			em.logger.Error("export failed after exhausting retries",
				zap.Int("events", len(events)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false, true
		}

		delay := em.RetryDelay(attempt + 1)
		em.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		metrics.ExportRetries.Inc()

		if err := em.sleep(ctx, delay); err != nil {
			return false, true
		}
	}
	return false, true
}

// attemptExport fans the batch out to every exporter concurrently and
// succeeds if any destination accepts it. When all fail, a non-retryable
// failure wins the error report so the caller can abort the retry loop.
func (em *ExportManager) attemptExport(ctx context.Context, events []event.Event) error {
	if len(em.exporters) == 0 {
		return &exporter.ExportError{Type: exporter.ErrorBadRequest, Err: errNoExporters}
	}

	errs := make([]error, len(em.exporters))
	var wg sync.WaitGroup
	for i, exp := range em.exporters {
		wg.Add(1)
		go func(i int, exp exporter.Exporter) {
			defer wg.Done()
			start := time.Now()
			err := exp.Export(ctx, events)
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.RecordExport(exp.Name(), status, time.Since(start).Seconds(), len(events))
			errs[i] = err
		}(i, exp)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		if firstErr == nil || !exporter.Retryable(err) {
			firstErr = err
		}
	}
	return firstErr
}

// RetryDelay computes the backoff before the given attempt: exponential in
// the attempt number, capped at the max delay, jittered by ±25% to spread
// reconnect storms across recovering clients, and floored at 100ms.
func (em *ExportManager) RetryDelay(attempt int) time.Duration {
	base := math.Min(
		float64(em.baseRetryDelay)*math.Pow(2, float64(attempt-1)),
		float64(em.maxRetryDelay),
	)
	jittered := base + base*0.25*(em.jitter()*2-1)
	d := time.Duration(jittered)
	if d < minRetryDelay {
		d = minRetryDelay
	}
	return d
}

// flushWithBeacon delivers a batch through the synchronous one-shot path
// used during shutdown, where the async loop may never complete. Each
// exporter must expose both beacon capabilities to participate; a payload
// over the size limit is halved once and never split further. Delivery is
// fire-and-forget: no retries, success if any exporter accepts.
func (em *ExportManager) flushWithBeacon(events []event.Event) bool {
	success := false
	for _, exp := range em.exporters {
		ep, hasEndpoint := exp.(exporter.EndpointProvider)
		tr, hasTransform := exp.(exporter.PayloadTransformer)
		if !hasEndpoint || !hasTransform {
			continue
		}

		endpoint := ep.Endpoint(em.fallbackEndpoint)
		if endpoint == "" {
			continue
		}

		payload, err := tr.TransformPayload(events, true)
		if err != nil {
			em.logger.Warn("beacon payload transform failed",
				zap.String("exporter", exp.Name()),
				zap.Error(err),
			)
			continue
		}

		if len(payload) > em.maxBeaconBytes {
			// Ceiling halve: a 1-event batch stays intact rather than
			// shrinking to an empty list that would report success for
			// an event never sent.
			half := events[:(len(events)+1)/2]
			payload, err = tr.TransformPayload(half, true)
			if err != nil || len(payload) > em.maxBeaconBytes {
				em.logger.Warn("beacon payload too large after halving, skipping exporter",
					zap.String("exporter", exp.Name()),
					zap.Int("events", len(events)),
				)
				continue
			}
		}

		if em.sendBeacon(endpoint, payload) {
			success = true
		}
	}

	status := "error"
	if success {
		status = "success"
	}
	metrics.BeaconFlushes.WithLabelValues(status).Inc()
	return success
}

// sendBeacon posts a payload with a short deadline and reports acceptance.
func (em *ExportManager) sendBeacon(endpoint string, payload []byte) bool {
	resp, err := em.beaconClient.Post(endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		em.logger.Warn("beacon send failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
