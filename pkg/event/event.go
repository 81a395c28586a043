// Package event defines the telemetry event model shared by capture
// plugins, the pipeline, and exporters.
package event

import (
	"time"
)

// Type identifies the category of a telemetry event.
type Type = string

const (
	TypeClick         Type = "click"
	TypeLog           Type = "log"
	TypeNetwork       Type = "network"
	TypePageView      Type = "page_view"
	TypePerformance   Type = "performance"
	TypeError         Type = "error"
	TypeSessionReplay Type = "session_replay"
)

// SDKMetadata describes the SDK build that produced an event.
type SDKMetadata struct {
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
}

// Event is a single captured telemetry event. Events are immutable once
// enqueued; the only later mutation is event-ID assignment at export time.
type Event struct {
	EventType   string         `json:"eventType"`
	EventName   string         `json:"eventName"`
	Payload     map[string]any `json:"payload"`
	Timestamp   string         `json:"timestamp"`
	EventID     string         `json:"eventId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	SDKMetadata *SDKMetadata   `json:"sdkMetadata,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType, eventName string, payload map[string]any) Event {
	return Event{
		EventType: eventType,
		EventName: eventName,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// IsSessionReplay reports whether the event belongs to the session-replay
// partition, which has its own batching rules.
func (e Event) IsSessionReplay() bool {
	return e.EventType == TypeSessionReplay
}
