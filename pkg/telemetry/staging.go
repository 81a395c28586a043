package telemetry

import (
	"sync"

	"github.com/hyperlook/telemetry-go/pkg/event"
)

// stagingCap bounds the number of events held before a Manager exists.
const stagingCap = 256

// stagingBuffer holds events produced before the orchestrator is
// constructed (for example by transport interception installed at program
// start). It is a single-producer/single-consumer buffer drained exactly
// once; stages after the drain are refused so events cannot strand.
type stagingBuffer struct {
	mu      sync.Mutex
	events  []event.Event
	drained bool
}

var staging stagingBuffer

// Stage holds an event until a Manager is constructed. It returns false
// once the staging buffer is full or has already been drained.
func Stage(e event.Event) bool {
	staging.mu.Lock()
	defer staging.mu.Unlock()

	if staging.drained || len(staging.events) >= stagingCap {
		return false
	}
	staging.events = append(staging.events, e)
	return true
}

// drainStaging removes and returns all staged events. Only the first call
// returns anything; the buffer refuses new stages afterwards.
func drainStaging() []event.Event {
	staging.mu.Lock()
	defer staging.mu.Unlock()

	if staging.drained {
		return nil
	}
	staging.drained = true
	drained := staging.events
	staging.events = nil
	return drained
}

// resetStaging reopens the staging buffer. Test hook.
func resetStaging() {
	staging.mu.Lock()
	defer staging.mu.Unlock()
	staging.events = nil
	staging.drained = false
}
