// Package breaker implements the circuit breaker gating export attempts.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// minRateSamples is the minimum number of attempts before the failure-rate
// condition can open the circuit.
const minRateSamples = 5

// State is a read-only snapshot of the breaker for introspection.
type State struct {
	ConsecutiveFailures    int           `json:"consecutiveFailures"`
	TotalAttempts          int           `json:"totalAttempts"`
	MaxConsecutiveFailures int           `json:"maxConsecutiveFailures"`
	Timeout                time.Duration `json:"circuitBreakerTimeout"`
	FailureThreshold       float64       `json:"failureThreshold"`
	LastFailureTime        time.Time     `json:"lastFailureTime"`
	Open                   bool          `json:"isCircuitOpen"`
	HalfOpen               bool          `json:"isHalfOpen"`
}

// CircuitBreaker tracks consecutive failures and failure rate and gates
// whether export attempts are allowed.
type CircuitBreaker struct {
	mu sync.Mutex

	consecutiveFailures int
	totalAttempts       int
	lastFailure         time.Time
	open                bool
	halfOpen            bool

	maxConsecutiveFailures int
	timeout                time.Duration
	failureThreshold       float64

	now func() time.Time
}

// New creates a circuit breaker. maxConsecutiveFailures must be at least 1,
// timeout non-negative, and failureThreshold within [0, 1].
func New(maxConsecutiveFailures int, timeout time.Duration, failureThreshold float64) (*CircuitBreaker, error) {
	if maxConsecutiveFailures < 1 {
		return nil, fmt.Errorf("maxConsecutiveFailures must be >= 1, got %d", maxConsecutiveFailures)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0, got %s", timeout)
	}
	if failureThreshold < 0 || failureThreshold > 1 {
		return nil, fmt.Errorf("failureThreshold must be in [0, 1], got %g", failureThreshold)
	}
	return &CircuitBreaker{
		maxConsecutiveFailures: maxConsecutiveFailures,
		timeout:                timeout,
		failureThreshold:       failureThreshold,
		now:                    time.Now,
	}, nil
}

// IsOpen reports whether export attempts are currently blocked. When the
// circuit is open and the timeout has elapsed since the last failure, the
// breaker transitions to half-open and allows a single trial attempt.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open && cb.now().Sub(cb.lastFailure) >= cb.timeout {
		cb.open = false
		cb.halfOpen = true
		return false
	}
	return cb.open
}

// RecordSuccess notes a successful export. A success during the half-open
// trial fully closes the circuit and zeroes all counters; otherwise only
// the consecutive-failure streak resets and totalAttempts persists.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.halfOpen {
		cb.halfOpen = false
		cb.open = false
		cb.consecutiveFailures = 0
		cb.totalAttempts = 0
		cb.lastFailure = time.Time{}
		return
	}
	cb.consecutiveFailures = 0
}

// RecordFailure notes a failed export and re-evaluates the open conditions:
// the absolute consecutive-failure threshold, or the failure rate once at
// least minRateSamples attempts have been observed. Any failure while
// half-open reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.totalAttempts++
	cb.lastFailure = cb.now()

	if cb.halfOpen {
		cb.halfOpen = false
		cb.open = true
		return
	}

	if cb.consecutiveFailures >= cb.maxConsecutiveFailures {
		cb.open = true
		return
	}
	if cb.totalAttempts >= minRateSamples {
		rate := float64(cb.consecutiveFailures) / float64(cb.totalAttempts)
		if rate >= cb.failureThreshold {
			cb.open = true
		}
	}
}

// State returns a snapshot of the breaker without side effects.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return State{
		ConsecutiveFailures:    cb.consecutiveFailures,
		TotalAttempts:          cb.totalAttempts,
		MaxConsecutiveFailures: cb.maxConsecutiveFailures,
		Timeout:                cb.timeout,
		FailureThreshold:       cb.failureThreshold,
		LastFailureTime:        cb.lastFailure,
		Open:                   cb.open,
		HalfOpen:               cb.halfOpen,
	}
}
