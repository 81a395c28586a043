package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/logger"
)

// maxReplayGroup bounds how many small replay events share one batch.
const maxReplayGroup = 5

// sessionReplayHandler sub-batches session-replay events, whose payloads
// are far larger than ordinary telemetry. Events carrying a full-snapshot
// or plugin record ship alone; the rest group up to maxReplayGroup per
// batch. Each sub-batch goes through the same async/beacon delivery as
// normal events.
type sessionReplayHandler struct {
	em     *ExportManager
	logger *logger.Logger
}

func newSessionReplayHandler(em *ExportManager, log *logger.Logger) *sessionReplayHandler {
	return &sessionReplayHandler{
		em:     em,
		logger: log.WithComponent("session_replay"),
	}
}

// export flushes every sub-batch and reports aggregate success. Events from
// failed sub-batches are collected and returned for re-buffering; events a
// succeeding sub-batch delivered are never reported back.
func (h *sessionReplayHandler) export(ctx context.Context, events []event.Event, useBeacon bool) (bool, []event.Event) {
	batches := buildReplayBatches(events)

	allOK := true
	var failed []event.Event
	for _, batch := range batches {
		var ok bool
		if useBeacon {
			ok = h.em.flushWithBeacon(batch)
		} else {
			ok, _ = h.em.flushBatch(ctx, batch)
		}
		if !ok {
			allOK = false
			failed = append(failed, batch...)
			h.logger.Warn("session replay sub-batch failed",
				zap.Int("events", len(batch)),
			)
		}
	}
	return allOK, failed
}

// buildReplayBatches walks the events in order, isolating each large event
// in its own batch and grouping the rest up to maxReplayGroup.
func buildReplayBatches(events []event.Event) [][]event.Event {
	var batches [][]event.Event
	var group []event.Event

	flushGroup := func() {
		if len(group) > 0 {
			batches = append(batches, group)
			group = nil
		}
	}

	for _, e := range events {
		if event.HasLargeReplayPayload(e) {
			flushGroup()
			batches = append(batches, []event.Event{e})
			continue
		}
		group = append(group, e)
		if len(group) >= maxReplayGroup {
			flushGroup()
		}
	}
	flushGroup()
	return batches
}
