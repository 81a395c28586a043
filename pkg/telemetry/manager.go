// Package telemetry implements the client-side event pipeline: intake,
// buffering, batching, and resilient export to one or more ingestion
// destinations.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/pkg/breaker"
	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/exporter"
	"github.com/hyperlook/telemetry-go/pkg/logger"
	"github.com/hyperlook/telemetry-go/pkg/metrics"
)

// Manager orchestrates the pipeline lifecycle: it owns the processor, the
// export manager, the periodic flush loop, and the failed-events store.
type Manager struct {
	cfg    Config
	logger *logger.Logger

	state     atomic.Int32
	processor *EventProcessor
	exportMgr *ExportManager
	breaker   *breaker.CircuitBreaker

	failedMu sync.Mutex
	failed   []event.Event

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager constructs the pipeline, drains the staging buffer through
// the normal capture path, and starts the periodic flush loop.
func NewManager(cfg Config, exporters []exporter.Exporter, log *logger.Logger) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	cb, err := breaker.New(cfg.MaxConsecutiveFailures, cfg.CircuitBreakerTimeout, cfg.FailureThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  log.WithComponent("telemetry_manager"),
		breaker: cb,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	m.state.Store(int32(StateInitializing))
	m.processor = newEventProcessor(cfg, m.State, log)
	m.exportMgr = newExportManager(cfg, exporters, cb, log)

	m.state.Store(int32(StateRunning))

	// Events staged before construction enter through the normal capture
	// path so they get the same validation, sampling, and enrichment.
	staged := drainStaging()
	for _, e := range staged {
		m.Capture(e)
	}
	if len(staged) > 0 {
		m.logger.Info("drained staging buffer", zap.Int("events", len(staged)))
	}

	m.wg.Add(1)
	go m.run()

	m.logger.Info("pipeline started",
		zap.Int("exporters", len(exporters)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
	)
	return m, nil
}

// Capture submits an event to the pipeline. It is fire-and-forget for the
// caller: failures are logged and reflected in metrics, never raised. The
// return value reports whether the event entered the intake queue.
func (m *Manager) Capture(e event.Event) bool {
	if !m.processor.Capture(e) {
		return false
	}
	m.processor.ProcessQueue()
	if m.processor.BufferFull() {
		select {
		case m.flushCh <- struct{}{}:
		default:
		}
	}
	return true
}

// run is the periodic flush loop. It exits when Shutdown or Destroy stops
// the pipeline; the final flush happens on the shutdown path after this
// loop has stopped, so no timer flush can race it.
func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flush(context.Background(), false)
		case <-m.flushCh:
			m.flush(context.Background(), false)
		case <-m.stopCh:
			return
		}
	}
}

// flush drains the queue, splices the buffer, and hands the batch to the
// export manager. Failed partitions return to the buffer; overflow beyond
// the buffer bound moves into the failed-events store.
func (m *Manager) flush(ctx context.Context, useBeacon bool) {
	m.processor.ProcessQueue()
	batch := m.processor.BatchForExport()
	if len(batch) == 0 {
		return
	}

	res := m.exportMgr.Flush(ctx, batch, useBeacon)
	if res.Success {
		return
	}

	if res.ReturnToBuffer {
		m.processor.ReturnBatch(res.FailedEvents)
	} else {
		// The flush was refused without an attempt (another flush in
		// flight); the whole batch goes back untouched.
		m.processor.ReturnBatch(batch)
	}

	if overflow := m.processor.TrimOverflow(m.cfg.MaxBufferSize); len(overflow) > 0 {
		m.addFailed(overflow)
	}
}

// Shutdown gracefully stops the pipeline. The state transitions before any
// I/O so late captures are rejected, the flush loop stops before the final
// flush, and the final flush uses the one-shot beacon path.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		return fmt.Errorf("shutdown from state %s", m.State())
	}

	m.stop()
	m.flush(ctx, true)
	m.state.Store(int32(StateShutdown))
	m.logger.Info("pipeline shut down")
	return nil
}

// Destroy is the non-flushing emergency teardown: buffered data is dropped.
func (m *Manager) Destroy() {
	m.state.Store(int32(StateShutdown))
	m.stop()
	m.processor.Clear()
	m.logger.Warn("pipeline destroyed, buffered events dropped")
}

func (m *Manager) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// RetryFailedEvents re-submits the failed-events store through the normal
// capture path. Events rejected again (validation, sampling, state) are
// dropped for good.
func (m *Manager) RetryFailedEvents() {
	m.failedMu.Lock()
	retrying := m.failed
	m.failed = nil
	m.failedMu.Unlock()
	metrics.FailedEvents.Set(0)

	if len(retrying) == 0 {
		return
	}
	m.logger.Info("retrying failed events", zap.Int("events", len(retrying)))
	for _, e := range retrying {
		m.Capture(e)
	}
}

// addFailed appends events to the failed-events store. At capacity new
// failures are refused with a logged warning rather than evicting older
// entries.
func (m *Manager) addFailed(events []event.Event) {
	m.failedMu.Lock()
	room := m.cfg.FailedEventsCap - len(m.failed)
	if room < 0 {
		room = 0
	}
	kept := events
	if len(kept) > room {
		kept = kept[:room]
	}
	m.failed = append(m.failed, kept...)
	stored := len(m.failed)
	m.failedMu.Unlock()

	metrics.FailedEvents.Set(float64(stored))
	if refused := len(events) - len(kept); refused > 0 {
		m.logger.Warn("failed-events store at capacity, refusing new failures",
			zap.Int("refused", refused),
			zap.Int("capacity", m.cfg.FailedEventsCap),
		)
		metrics.RecordDrop("failed_store_full", refused)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// FailedEventsCount returns the failed-events store depth.
func (m *Manager) FailedEventsCount() int {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	return len(m.failed)
}

// QueuedEventsCount returns the intake queue depth.
func (m *Manager) QueuedEventsCount() int {
	return m.processor.QueuedCount()
}

// BufferedEventsCount returns the export buffer depth.
func (m *Manager) BufferedEventsCount() int {
	return m.processor.BufferedCount()
}

// CircuitBreakerState returns a snapshot of the circuit breaker.
func (m *Manager) CircuitBreakerState() breaker.State {
	return m.breaker.State()
}
