// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resilience holds the hardware encoder circuit breaker.
package resilience

import (
	"sync"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	ConsecutiveFailures int
	DisabledUntil       time.Time // zero when not tripped
}

// ActiveAt reports whether the breaker suppresses attempts at now.
func (s Snapshot) ActiveAt(now time.Time) bool {
	return !s.DisabledUntil.IsZero() && now.Before(s.DisabledUntil)
}

// CircuitBreaker counts consecutive failures and opens for a fixed cooldown
// once threshold is reached. Opening resets the counter. It closes lazily on
// the first read after the cooldown, or immediately on RecordSuccess.
// State lives in memory only.
type CircuitBreaker struct {
	mu            sync.Mutex
	failures      int
	threshold     int
	cooldown      time.Duration
	disabledUntil time.Time
	clock         Clock
}

// Option configuration pattern
type Option func(*CircuitBreaker)

func WithClock(c Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 2
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	cb := &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.SetCircuitBreakerState(string(StateClosed))
	return cb
}

// Snapshot returns the current state, closing an expired breaker first.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return Snapshot{ConsecutiveFailures: cb.failures, DisabledUntil: cb.disabledUntil}
}

// State returns "open" while the cooldown is running, "closed" otherwise.
func (cb *CircuitBreaker) State() State {
	if cb.Snapshot().DisabledUntil.IsZero() {
		return StateClosed
	}
	return StateOpen
}

// RecordFailure counts a failed attempt on backend and reports whether this
// failure opened the breaker.
func (cb *CircuitBreaker) RecordFailure(backend string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()

	cb.failures++
	if cb.failures < cb.threshold {
		return false
	}
	cb.failures = 0
	cb.disabledUntil = cb.clock.Now().Add(cb.cooldown)
	metrics.RecordCircuitBreakerTrip(backend)
	metrics.SetCircuitBreakerState(string(StateOpen))
	return true
}

// RecordSuccess clears the failure counter and any open window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

// Reset returns the breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

// caller must hold mu
func (cb *CircuitBreaker) reset() {
	wasOpen := !cb.disabledUntil.IsZero()
	cb.failures = 0
	cb.disabledUntil = time.Time{}
	if wasOpen {
		metrics.SetCircuitBreakerState(string(StateClosed))
	}
}

// caller must hold mu
func (cb *CircuitBreaker) expire() {
	if cb.disabledUntil.IsZero() || cb.clock.Now().Before(cb.disabledUntil) {
		return
	}
	cb.disabledUntil = time.Time{}
	metrics.SetCircuitBreakerState(string(StateClosed))
}
