package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed lets operations through
	StateClosed CircuitBreakerState = 0

	// StateOpen blocks operations until the reset timeout has elapsed
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen lets operations through on probation
	StateHalfOpen CircuitBreakerState = 2
)

// halfOpenSuccesses is the number of consecutive successes that close a half-open circuit.
const halfOpenSuccesses = 5

// CircuitBreaker stops a failing background dependency (a persistence sink, for
// instance) from being hammered: after failureThreshold consecutive failures it
// opens for resetTimeout.
type CircuitBreaker struct {
	state                atomic.Int32
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	lastFailureTime      atomic.Int64 // Unix nano
	failureThreshold     int64
	resetTimeout         time.Duration

	mu            sync.Mutex
	onStateChange func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a circuit breaker. Non-positive arguments select
// 10 failures and 30 seconds.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// OnStateChange registers fn to be called on every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// IsOpen reports whether operations are currently blocked. An open circuit whose
// reset timeout has elapsed moves to half-open.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.GetState() != StateOpen {
		return false
	}

	lastFailure := cb.lastFailureTime.Load()
	if lastFailure > 0 && time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFailures.Store(0)

	if cb.GetState() == StateHalfOpen && cb.consecutiveSuccesses.Add(1) >= halfOpenSuccesses {
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.consecutiveSuccesses.Store(0)
	cb.lastFailureTime.Store(time.Now().UnixNano())
	failures := cb.consecutiveFailures.Add(1)

	switch cb.GetState() {
	case StateClosed:
		if failures >= cb.failureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return cb.consecutiveFailures.Load()
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	oldState := cb.GetState()
	if oldState == newState {
		cb.mu.Unlock()
		return
	}
	cb.state.Store(int32(newState))

	switch newState {
	case StateClosed:
		cb.consecutiveFailures.Store(0)
		cb.consecutiveSuccesses.Store(0)
	case StateHalfOpen:
		cb.consecutiveSuccesses.Store(0)
	}
	fn := cb.onStateChange
	cb.mu.Unlock()

	if fn != nil {
		fn(oldState, newState)
	}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
