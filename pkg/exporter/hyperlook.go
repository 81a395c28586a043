package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/logger"
)

// HyperlookConfig holds construction parameters for HyperlookExporter.
type HyperlookConfig struct {
	Endpoint        string
	APIKey          string
	SDKVersion      string
	MaxBatchSize    int
	MaxPayloadBytes int
	RequestTimeout  time.Duration
}

const (
	defaultMaxBatchSize    = 50
	defaultMaxPayloadBytes = 1 << 20 // 1MB ingestion limit
)

// HyperlookExporter ships batches to the Hyperlook ingestion API. Unlike
// the plain HTTP exporter it is size-aware: an oversized batch is split
// into sub-requests by event count and serialized payload size before
// anything goes on the wire.
type HyperlookExporter struct {
	endpoint        string
	apiKey          string
	sdkVersion      string
	maxBatchSize    int
	maxPayloadBytes int
	client          *http.Client
	logger          *logger.Logger
}

// NewHyperlookExporter creates a Hyperlook exporter.
func NewHyperlookExporter(cfg HyperlookConfig, log *logger.Logger) (*HyperlookExporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchSize
	}
	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HyperlookExporter{
		endpoint:        cfg.Endpoint,
		apiKey:          cfg.APIKey,
		sdkVersion:      cfg.SDKVersion,
		maxBatchSize:    maxBatch,
		maxPayloadBytes: maxPayload,
		client:          &http.Client{Timeout: timeout},
		logger:          log.WithComponent("hyperlook_exporter"),
	}, nil
}

// Name returns the exporter name.
func (e *HyperlookExporter) Name() string {
	return "hyperlook"
}

// Export splits the batch into conforming sub-requests and posts each one.
// The first failure aborts the remaining sub-requests so its
// classification propagates to the retry loop intact.
func (e *HyperlookExporter) Export(ctx context.Context, events []event.Event) error {
	for start := 0; start < len(events); start += e.maxBatchSize {
		end := start + e.maxBatchSize
		if end > len(events) {
			end = len(events)
		}
		if err := e.exportSized(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// exportSized posts a sub-batch, halving it recursively while the
// serialized payload exceeds the ingestion size limit. A single event that
// cannot fit is a permanent failure.
func (e *HyperlookExporter) exportSized(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	body, err := MarshalEnvelope(events, e.apiKey, false)
	if err != nil {
		return &ExportError{Type: ErrorBadRequest, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	if len(body) > e.maxPayloadBytes {
		if len(events) == 1 {
			return &ExportError{
				Type: ErrorPayloadTooLarge,
				Err:  fmt.Errorf("single event payload is %d bytes, limit %d", len(body), e.maxPayloadBytes),
			}
		}
		e.logger.Debug("payload over size limit, splitting batch",
			zap.Int("events", len(events)),
			zap.Int("payload_bytes", len(body)),
		)
		mid := len(events) / 2
		if err := e.exportSized(ctx, events[:mid]); err != nil {
			return err
		}
		return e.exportSized(ctx, events[mid:])
	}

	return e.post(ctx, body)
}

func (e *HyperlookExporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ExportError{Type: ErrorBadRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", e.apiKey)
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
func (e *HyperlookExporter) Endpoint(fallback string) string {
	if e.endpoint != "" {
		return e.endpoint
	}
	return fallback
}

// TransformPayload shapes the batch for one-shot delivery. Beacon payloads
// inline the API key since headers cannot be attached.
func (e *HyperlookExporter) TransformPayload(events []event.Event, forBeacon bool) ([]byte, error) {
	return MarshalEnvelope(events, e.apiKey, forBeacon)
}
