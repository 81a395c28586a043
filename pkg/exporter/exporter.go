// Package exporter defines the transport contract consumed by the
// pipeline and the built-in exporter implementations.
package exporter

import (
	"context"
	"encoding/json"

	"github.com/hyperlook/telemetry-go/pkg/event"
)

// Exporter ships a batch of events to an ingestion destination. Export
// returns an error on any failure; the pipeline inspects the error for a
// classification tag to decide retry policy (untagged errors are treated
// as retryable).
type Exporter interface {
	Export(ctx context.Context, events []event.Event) error
	Name() string
}

// EndpointProvider is an optional exporter capability: it resolves the
// destination endpoint used by the beacon delivery path. Exporters without
// this capability are skipped during beacon flushes.
type EndpointProvider interface {
	Endpoint(fallback string) string
}

// PayloadTransformer is an optional exporter capability: it shapes a batch
// into the wire format for one-shot delivery. forBeacon payloads must be
// self-contained (credentials inlined, no headers available).
type PayloadTransformer interface {
	TransformPayload(events []event.Event, forBeacon bool) ([]byte, error)
}

// Envelope is the JSON body shared by all HTTP-based exporters.
type Envelope struct {
	Events []event.Event `json:"events"`
	APIKey string        `json:"api_key,omitempty"`
}

// MarshalEnvelope serializes a batch into the standard wire body. The API
// key is only inlined for beacon payloads, where headers are unavailable.
func MarshalEnvelope(events []event.Event, apiKey string, forBeacon bool) ([]byte, error) {
	env := Envelope{Events: events}
	if forBeacon {
		env.APIKey = apiKey
	}
	return json.Marshal(env)
}
