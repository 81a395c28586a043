package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/logger"
)

// HTTPConfig holds construction parameters for HTTPExporter.
type HTTPConfig struct {
	Endpoint       string
	APIKey         string
	SDKVersion     string
	RequestTimeout time.Duration
}

// HTTPExporter posts event batches as a single JSON request. It performs
// no batch splitting of its own; oversized payloads surface as tagged
// non-retryable errors from the server.
type HTTPExporter struct {
	endpoint   string
	apiKey     string
	sdkVersion string
	client     *http.Client
	logger     *logger.Logger
}

// NewHTTPExporter creates an HTTP exporter.
func NewHTTPExporter(cfg HTTPConfig, log *logger.Logger) (*HTTPExporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExporter{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		sdkVersion: cfg.SDKVersion,
		client:     &http.Client{Timeout: timeout},
		logger:     log.WithComponent("http_exporter"),
	}, nil
}

// Name returns the exporter name.
func (e *HTTPExporter) Name() string {
	return "http"
}

// Export posts the batch and classifies the response status.
func (e *HTTPExporter) Export(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	body, err := MarshalEnvelope(events, e.apiKey, false)
	if err != nil {
		return &ExportError{Type: ErrorBadRequest, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ExportError{Type: ErrorBadRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}
	if e.sdkVersion != "" {
		req.Header.Set("X-SDK-Version", e.sdkVersion)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return ClassifyStatus(resp.StatusCode, string(respBody))
}

// Endpoint resolves the destination used by the beacon delivery path.
func (e *HTTPExporter) Endpoint(fallback string) string {
	if e.endpoint != "" {
		return e.endpoint
	}
	return fallback
}

// TransformPayload shapes the batch for one-shot delivery.
func (e *HTTPExporter) TransformPayload(events []event.Event, forBeacon bool) ([]byte, error) {
	return MarshalEnvelope(events, e.apiKey, forBeacon)
}

// classifyTransportErr tags client-side request failures: deadline and
// cancellation map to timeout, everything else to network.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExportError{Type: ErrorTimeout, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ExportError{Type: ErrorTimeout, Err: err}
	}
	return &ExportError{Type: ErrorNetwork, Err: err}
}
