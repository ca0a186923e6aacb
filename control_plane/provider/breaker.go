package provider

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Probing recovery
	CircuitOpen                         // Failing fast
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after threshold consecutive transient provider
// failures and fails calls fast until cooldown has elapsed.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.Mutex

	// Configuration
	threshold  int
	cooldown   time.Duration
	probeLimit int

	// State tracking
	failures int
	openedAt time.Time
	probes   int

	now func() time.Time
}

// NewCircuitBreaker creates a breaker. A non-positive threshold disables it.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:      CircuitClosed,
		threshold:  threshold,
		cooldown:   cooldown,
		probeLimit: 1,
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb.threshold <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}

	switch cb.state {
	case CircuitHalfOpen:
		if cb.probes < cb.probeLimit {
			cb.probes++
			return true
		}
		return false
	case CircuitOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a transient failure; a failed probe re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.threshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
		cb.probes = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
