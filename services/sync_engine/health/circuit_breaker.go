// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a component's breaker rejects work.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures - requests are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - one trial request allowed.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// opening (default: 5).
	FailureThreshold int

	// SuccessThreshold is consecutive successes needed to close from
	// half-open (default: 3).
	SuccessThreshold int

	// Cooldown is how long to stay open before allowing a trial request
	// (default: 30s).
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreakerState is a point-in-time snapshot for reporting.
type CircuitBreakerState struct {
	IsOpen               bool      `json:"is_open"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time,omitzero"`
	NextRetryTime        time.Time `json:"next_retry_time,omitzero"`
}

// CircuitBreaker guards one component against cascading failures.
//
// Three states: closed (normal), open (failing fast until the cooldown
// elapses), half-open (one trial request probing recovery). The open to
// half-open transition happens lazily on the first Allow after
// NextRetryTime; half-open closes after SuccessThreshold consecutive
// successes and reopens on any failure.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  func() time.Time

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	nextRetryTime        time.Time
	trialInFlight        bool

	// onTransition fires outside the breaker's critical section when the
	// state changes. The monitor uses it for alerting.
	onTransition func(from, to CircuitState)
}

// NewCircuitBreaker creates a breaker in the closed state.
//
// Inputs:
//   - config: Breaker thresholds and cooldown.
//   - clock: Time source (nil means time.Now).
func NewCircuitBreaker(config CircuitBreakerConfig, clock func() time.Time) *CircuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{config: config, clock: clock}
}

// OnTransition sets the state-change callback.
func (cb *CircuitBreaker) OnTransition(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow checks whether a request may proceed.
//
// Outputs:
//   - error: ErrCircuitOpen when the breaker rejects the request, nil
//     when it may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		return nil

	case CircuitOpen:
		if cb.clock().Before(cb.nextRetryTime) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		notify := cb.transitionLocked(CircuitHalfOpen)
		cb.trialInFlight = true
		cb.mu.Unlock()
		notify()
		return nil

	case CircuitHalfOpen:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		cb.mu.Unlock()
		return nil
	}

	cb.mu.Unlock()
	return ErrCircuitOpen
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := func() {}

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++
	cb.trialInFlight = false

	if cb.state == CircuitHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		notify = cb.transitionLocked(CircuitClosed)
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	notify := func() {}

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.clock()
	cb.trialInFlight = false

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.nextRetryTime = cb.clock().Add(cb.config.Cooldown)
			notify = cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.nextRetryTime = cb.clock().Add(cb.config.Cooldown)
		notify = cb.transitionLocked(CircuitOpen)
	}
	cb.mu.Unlock()
	notify()
}

// transitionLocked changes state and returns the deferred notification.
// Must be called with the lock held; the returned func must run unlocked.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	cb.state = to
	if to == CircuitClosed {
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	}
	fn := cb.onTransition
	if fn == nil || from == to {
		return func() {}
	}
	return func() { fn(from, to) }
}

// Snapshot returns the breaker's reporting state.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerState{
		IsOpen:               cb.state == CircuitOpen,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureTime:      cb.lastFailureTime,
		NextRetryTime:        cb.nextRetryTime,
	}
}

// Reset returns the breaker to closed (restart recovery).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(CircuitClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.trialInFlight = false
	cb.nextRetryTime = time.Time{}
	cb.mu.Unlock()
	notify()
}
