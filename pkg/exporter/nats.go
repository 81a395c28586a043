package exporter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/hyperlook/telemetry-go/pkg/event"
	"github.com/hyperlook/telemetry-go/pkg/logger"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL      string
	Subject  string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

const defaultSubject = "telemetry.events"

// NATSExporter publishes event batches to a JetStream subject. It is a
// fan-out destination for on-premise pipelines; publish failures are
// network-class and therefore retryable. The exporter carries no beacon
// capabilities, so the one-shot shutdown path skips it.
type NATSExporter struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *logger.Logger
}

// NewNATSExporter connects to NATS and prepares a JetStream publisher.
func NewNATSExporter(cfg NATSConfig, log *logger.Logger) (*NATSExporter, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("nats_exporter")

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}

	return &NATSExporter{
		conn:    nc,
		js:      js,
		subject: subject,
		logger:  log,
	}, nil
}

// Name returns the exporter name.
func (e *NATSExporter) Name() string {
	return "nats"
}

// Export publishes the batch as a single JetStream message.
func (e *NATSExporter) Export(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if e.conn == nil || !e.conn.IsConnected() {
		return &ExportError{Type: ErrorNetwork, Err: fmt.Errorf("not connected to NATS")}
	}

	body, err := MarshalEnvelope(events, "", false)
	if err != nil {
		return &ExportError{Type: ErrorBadRequest, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	if _, err := e.js.Publish(ctx, e.subject, body); err != nil {
		return &ExportError{Type: ErrorNetwork, Err: fmt.Errorf("publish batch: %w", err)}
	}
	return nil
}

// Close closes the NATS connection.
func (e *NATSExporter) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
