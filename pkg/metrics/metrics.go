// Package metrics provides Prometheus metrics instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsCaptured tracks events accepted into the intake queue.
	EventsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_captured_total",
			Help: "Events accepted into the intake queue",
		},
		[]string{"event_type"},
	)

	// EventsDropped tracks events dropped before export.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_dropped_total",
			Help: "Events dropped before export",
		},
		[]string{"reason"},
	)

	// EventsExported tracks events successfully delivered to any exporter.
	EventsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_exported_total",
			Help: "Events successfully delivered",
		},
		[]string{"exporter"},
	)

	// ExportDuration tracks the duration of export attempts.
	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_export_duration_seconds",
			Help:    "Export attempt duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"exporter", "status"},
	)

	// ExportRetries tracks retry attempts in the export loop.
	ExportRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_export_retries_total",
			Help: "Export retry attempts",
		},
	)

	// BufferedEvents tracks the current export buffer depth.
	BufferedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_buffered_events",
			Help: "Events in the export buffer",
		},
	)

	// QueuedEvents tracks the current intake queue depth.
	QueuedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_queued_events",
			Help: "Events in the intake queue",
		},
	)

	// FailedEvents tracks the failed-events store depth.
	FailedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_failed_events",
			Help: "Events held for manual replay",
		},
	)

	// CircuitState tracks the circuit breaker state (0=closed, 1=half-open, 2=open).
	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
	)

	// BeaconFlushes tracks one-shot beacon deliveries during shutdown.
	BeaconFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_beacon_flushes_total",
			Help: "Beacon-path flush attempts",
		},
		[]string{"status"},
	)
)

// RecordExport records metrics for a completed export attempt.
func RecordExport(exporter, status string, duration float64, eventCount int) {
	ExportDuration.WithLabelValues(exporter, status).Observe(duration)
	if status == "success" {
		EventsExported.WithLabelValues(exporter).Add(float64(eventCount))
	}
}

// RecordDrop records dropped events with a reason label.
func RecordDrop(reason string, count int) {
	EventsDropped.WithLabelValues(reason).Add(float64(count))
}

// SetCircuitState publishes the circuit breaker state gauge.
func SetCircuitState(open, halfOpen bool) {
	switch {
	case open:
		CircuitState.Set(2)
	case halfOpen:
		CircuitState.Set(1)
	default:
		CircuitState.Set(0)
	}
}
