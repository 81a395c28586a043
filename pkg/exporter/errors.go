package exporter

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an export failure for retry policy.
type ErrorType string

const (
	ErrorTimeout         ErrorType = "timeout"
	ErrorNetwork         ErrorType = "network"
	ErrorRateLimited     ErrorType = "rate_limited"
	ErrorServer          ErrorType = "server"
	ErrorAuth            ErrorType = "auth"
	ErrorBadRequest      ErrorType = "bad_request"
	ErrorPayloadTooLarge ErrorType = "payload_too_large"
)

// ExportError tags a transport failure with its classification. The
// pipeline retries timeout/network/rate-limit/server failures with backoff
// and aborts immediately on auth, bad-request, and oversized-payload
// failures.
type ExportError struct {
	Type       ErrorType
	StatusCode int
	Err        error
}

func (e *ExportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("export failed (%s, status %d): %v", e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("export failed (%s): %v", e.Type, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether this failure class may succeed on retry.
func (e *ExportError) Retryable() bool {
	switch e.Type {
	case ErrorAuth, ErrorBadRequest, ErrorPayloadTooLarge:
		return false
	default:
		return true
	}
}

// Retryable inspects any error for a classification tag. Untagged errors
// default to retryable so that unknown transports still get backoff.
func Retryable(err error) bool {
	var exportErr *ExportError
	if errors.As(err, &exportErr) {
		return exportErr.Retryable()
	}
	return true
}

// ClassifyStatus maps an HTTP response status into a tagged export error.
// 2xx statuses return nil.
func ClassifyStatus(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &ExportError{Type: ErrorRateLimited, StatusCode: status, Err: errors.New(body)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ExportError{Type: ErrorAuth, StatusCode: status, Err: errors.New(body)}
	case status == http.StatusRequestEntityTooLarge:
		return &ExportError{Type: ErrorPayloadTooLarge, StatusCode: status, Err: errors.New(body)}
	case status >= 500:
		return &ExportError{Type: ErrorServer, StatusCode: status, Err: errors.New(body)}
	case status >= 400:
		return &ExportError{Type: ErrorBadRequest, StatusCode: status, Err: errors.New(body)}
	default:
		return &ExportError{Type: ErrorNetwork, StatusCode: status, Err: errors.New(body)}
	}
}
