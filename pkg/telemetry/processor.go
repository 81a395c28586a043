package telemetry

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/logger"
	"github.com/hyperlook/telemetry-go/pkg/metrics"
)

// EventProcessor owns the intake queue and the export-ready buffer. It
// applies sampling, validation, and session/user enrichment on capture.
// All state is mutex-guarded; the queue drain and the buffer splice are
// atomic with respect to concurrent captures.
type EventProcessor struct {
	mu     sync.Mutex
	queue  []event.Event
	buffer []event.Event

	batchSize    int
	samplingRate float64
	sessionID    string
	userID       string
	sdkVersion   string

	state  func() State
	sample func() float64
	logger *logger.Logger
}

// newEventProcessor creates a processor bound to the orchestrator's
// lifecycle state.
func newEventProcessor(cfg Config, state func() State, log *logger.Logger) *EventProcessor {
	return &EventProcessor{
		batchSize:    cfg.BatchSize,
		samplingRate: cfg.SamplingRate,
		sessionID:    cfg.SessionID,
		userID:       cfg.UserID,
		sdkVersion:   cfg.SDKVersion,
		state:        state,
		sample:       rand.Float64,
		logger:       log.WithComponent("event_processor"),
	}
}

// Capture validates, samples, and enriches an event, then enqueues it.
// It returns true only when the event was accepted into the intake queue.
// Validation failures are logged and swallowed; capture must never
// disturb the host application.
func (p *EventProcessor) Capture(e event.Event) bool {
	if st := p.state(); st == StateShuttingDown || st == StateShutdown {
		p.logger.Warn("capture rejected: pipeline is stopping",
			zap.String("state", st.String()),
			zap.String("event_name", e.EventName),
		)
		metrics.RecordDrop("state", 1)
		return false
	}

	if err := event.Validate(e); err != nil {
		p.logger.Warn("dropping malformed event",
			zap.String("event_name", e.EventName),
			zap.Error(err),
		)
		metrics.RecordDrop("validation", 1)
		return false
	}

	// Uniform draw in [0, 1); drop when it exceeds the sampling rate.
	if p.sample() > p.samplingRate {
		metrics.RecordDrop("sampling", 1)
		return false
	}

	if e.SessionID == "" {
		e.SessionID = p.sessionID
	}
	if e.UserID == "" && p.userID != "" {
		e.UserID = p.userID
	}
	if e.SDKMetadata == nil && p.sdkVersion != "" {
		e.SDKMetadata = &event.SDKMetadata{Version: p.sdkVersion}
	}

	p.mu.Lock()
	p.queue = append(p.queue, e)
	queued := len(p.queue)
	p.mu.Unlock()

	metrics.EventsCaptured.WithLabelValues(e.EventType).Inc()
	metrics.QueuedEvents.Set(float64(queued))
	return true
}

// ProcessQueue moves every queued event into the export buffer in FIFO
// order. The move happens under the lock, so a concurrent drain observes
// either the full move or none of it.
func (p *EventProcessor) ProcessQueue() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	p.buffer = append(p.buffer, p.queue...)
	p.queue = nil
	buffered := len(p.buffer)
	p.mu.Unlock()

	metrics.QueuedEvents.Set(0)
	metrics.BufferedEvents.Set(float64(buffered))
}

// BatchForExport atomically removes and returns the entire buffer. Events
// captured while the returned batch is in flight accumulate into a fresh
// buffer and are not part of this batch.
func (p *EventProcessor) BatchForExport() []event.Event {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	metrics.BufferedEvents.Set(0)
	return batch
}

// ReturnBatch prepends a failed batch to the buffer, ahead of any events
// captured since the batch was taken, preserving original relative order.
func (p *EventProcessor) ReturnBatch(batch []event.Event) {
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	p.buffer = append(append(make([]event.Event, 0, len(batch)+len(p.buffer)), batch...), p.buffer...)
	buffered := len(p.buffer)
	p.mu.Unlock()

	metrics.BufferedEvents.Set(float64(buffered))
}

// TrimOverflow removes and returns the oldest events beyond max so the
// buffer stays bounded under sustained export failure.
func (p *EventProcessor) TrimOverflow(max int) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) <= max {
		return nil
	}
	overflow := len(p.buffer) - max
	trimmed := make([]event.Event, overflow)
	copy(trimmed, p.buffer[:overflow])
	p.buffer = p.buffer[overflow:]
	metrics.BufferedEvents.Set(float64(len(p.buffer)))
	return trimmed
}

// Clear drops the queue and the buffer. Used by the emergency teardown.
func (p *EventProcessor) Clear() {
	p.mu.Lock()
	dropped := len(p.queue) + len(p.buffer)
	p.queue = nil
	p.buffer = nil
	p.mu.Unlock()

	if dropped > 0 {
		metrics.RecordDrop("destroyed", dropped)
	}
	metrics.QueuedEvents.Set(0)
	metrics.BufferedEvents.Set(0)
}

// BufferFull reports whether the buffer has reached the batch size.
func (p *EventProcessor) BufferFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer) >= p.batchSize
}

// QueuedCount returns the intake queue depth.
func (p *EventProcessor) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// BufferedCount returns the export buffer depth.
func (p *EventProcessor) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
