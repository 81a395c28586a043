package sink

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/exporter"
	"github.com/hyperlook/telemetry-go/pkg/logger"
)

// Handler serves the ingestion and admin endpoints.
type Handler struct {
	store  *Store
	apiKey string
	logger *logger.Logger
}

// NewHandler creates a sink handler. When apiKey is empty, ingestion is
// unauthenticated.
func NewHandler(store *Store, apiKey string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		store:  store,
		apiKey: apiKey,
		logger: log.WithComponent("sink"),
	}
}

// Ingest handles POST /ingest: the async export path, API key in header.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && r.Header.Get("X-API-Key") != h.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	env, ok := h.decodeEnvelope(w, r)
	if !ok {
		return
	}

	h.store.Add(env.Events, false)
	h.logger.Debug("ingested batch", zap.Int("events", len(env.Events)))
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(env.Events)})
}

// IngestBeacon handles POST /ingest/beacon: the one-shot delivery path,
// where the API key travels in the body because headers are unavailable.
func (h *Handler) IngestBeacon(w http.ResponseWriter, r *http.Request) {
	env, ok := h.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if h.apiKey != "" && env.APIKey != h.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	h.store.Add(env.Events, true)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(env.Events)})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// AdminListEvents handles GET /admin/events.
// Supports ?type={eventType} and ?name={eventName} query parameters.
func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	events := h.store.List(r.URL.Query().Get("type"), r.URL.Query().Get("name"))
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
		"total":  h.store.Total(),
	})
}

// AdminReset handles POST /admin/reset.
func (h *Handler) AdminReset(w http.ResponseWriter, r *http.Request) {
	h.store.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) decodeEnvelope(w http.ResponseWriter, r *http.Request) (exporter.Envelope, bool) {
	var env exporter.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return env, false
	}
	if len(env.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events field is required")
		return env, false
	}
	for _, e := range env.Events {
		if err := event.Validate(e); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return env, false
		}
	}
	return env, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
