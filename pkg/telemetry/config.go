package telemetry

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// MaxBeaconPayloadBytes is the one-shot delivery size limit. Payloads over
// this size are halved once before being abandoned.
const MaxBeaconPayloadBytes = 64 * 1024

// Config holds all pipeline configuration, read once at construction.
type Config struct {
	// Batching
	BatchSize     int
	FlushInterval time.Duration

	// Retry policy
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// Circuit breaker
	MaxConsecutiveFailures int
	CircuitBreakerTimeout  time.Duration
	FailureThreshold       float64

	// Sampling
	SamplingRate float64

	// Enrichment context
	SessionID  string
	UserID     string
	SDKVersion string

	// Bounds
	MaxBufferSize   int
	FailedEventsCap int

	// Beacon delivery
	FallbackEndpoint string

	// Logging
	LogLevel string
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:              10,
		FlushInterval:          5 * time.Second,
		MaxRetries:             3,
		BaseRetryDelay:         time.Second,
		MaxRetryDelay:          30 * time.Second,
		MaxConsecutiveFailures: 5,
		CircuitBreakerTimeout:  30 * time.Second,
		FailureThreshold:       0.5,
		SamplingRate:           1.0,
		MaxBufferSize:          100,
		FailedEventsCap:        1000,
		LogLevel:               "info",
	}
}

// LoadFromEnv reads configuration from environment variables, falling back
// to defaults for anything unset.
func LoadFromEnv() Config {
	def := DefaultConfig()
	return Config{
		BatchSize:              getIntEnv("TELEMETRY_BATCH_SIZE", def.BatchSize),
		FlushInterval:          getDurationEnv("TELEMETRY_FLUSH_INTERVAL", def.FlushInterval),
		MaxRetries:             getIntEnv("TELEMETRY_MAX_RETRIES", def.MaxRetries),
		BaseRetryDelay:         getDurationEnv("TELEMETRY_BASE_RETRY_DELAY", def.BaseRetryDelay),
		MaxRetryDelay:          getDurationEnv("TELEMETRY_MAX_RETRY_DELAY", def.MaxRetryDelay),
		MaxConsecutiveFailures: getIntEnv("TELEMETRY_CB_MAX_FAILURES", def.MaxConsecutiveFailures),
		CircuitBreakerTimeout:  getDurationEnv("TELEMETRY_CB_TIMEOUT", def.CircuitBreakerTimeout),
		FailureThreshold:       getFloatEnv("TELEMETRY_CB_FAILURE_THRESHOLD", def.FailureThreshold),
		SamplingRate:           getFloatEnv("TELEMETRY_SAMPLING_RATE", def.SamplingRate),
		SessionID:              getEnv("TELEMETRY_SESSION_ID", ""),
		UserID:                 getEnv("TELEMETRY_USER_ID", ""),
		SDKVersion:             getEnv("TELEMETRY_SDK_VERSION", ""),
		MaxBufferSize:          getIntEnv("TELEMETRY_MAX_BUFFER_SIZE", def.MaxBufferSize),
		FailedEventsCap:        getIntEnv("TELEMETRY_FAILED_EVENTS_CAP", def.FailedEventsCap),
		FallbackEndpoint:       getEnv("TELEMETRY_FALLBACK_ENDPOINT", ""),
		LogLevel:               getEnv("TELEMETRY_LOG_LEVEL", def.LogLevel),
	}
}

// validate normalizes the config and rejects values the pipeline cannot
// operate with.
func (c *Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be in [0, 1], got %g", c.SamplingRate)
	}
	if c.MaxBufferSize < c.BatchSize {
		c.MaxBufferSize = c.BatchSize * 10
	}
	if c.FailedEventsCap < 1 {
		c.FailedEventsCap = DefaultConfig().FailedEventsCap
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
