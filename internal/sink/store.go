// Package sink implements the local development ingestion sink: an
// in-memory endpoint the SDK can point at while developing capture code.
package sink

import (
	"sync"
	"time"

	"github.com/hyperlook/telemetry-go/pkg/event"
)

// ReceivedEvent is a captured event plus ingestion metadata.
type ReceivedEvent struct {
	event.Event
	ReceivedAt time.Time `json:"receivedAt"`
	Beacon     bool      `json:"beacon,omitempty"`
}

// Store is a bounded in-memory event store. When full, the oldest events
// are evicted; the sink is a development tool, not durable storage.
type Store struct {
	mu     sync.Mutex
	events []ReceivedEvent
	max    int
	total  int
}

// NewStore creates a store holding at most max events.
func NewStore(max int) *Store {
	if max <= 0 {
		max = 10000
	}
	return &Store{max: max}
}

// Add records received events, evicting the oldest beyond capacity.
func (s *Store) Add(events []event.Event, beacon bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		s.events = append(s.events, ReceivedEvent{Event: e, ReceivedAt: now, Beacon: beacon})
	}
	s.total += len(events)
	if over := len(s.events) - s.max; over > 0 {
		s.events = s.events[over:]
	}
}

// List returns stored events, optionally filtered by event type and name.
func (s *Store) List(eventType, eventName string) []ReceivedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ReceivedEvent, 0, len(s.events))
	for _, e := range s.events {
		if eventType != "" && e.EventType != eventType {
			continue
		}
		if eventName != "" && e.EventName != eventName {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Total returns the count of all events ever received.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Reset drops all stored events.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.total = 0
}
