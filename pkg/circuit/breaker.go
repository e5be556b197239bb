// Package circuit provides the circuit breaker guarding the remote protocol
// API, broker publishing and critical store writes.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/scavenger/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OperationOpen is the Operation of the error returned while the circuit is open.
const OperationOpen = "circuit_breaker"

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // Maximum failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // How long to wait before going to half-open
	ResetTimeout    time.Duration // How long to reset failure count in closed state

	// IsFailure decides which errors count against the breaker. Defaults to
	// every non-nil error. The protocol client counts only transient errors so
	// that a rejected signature does not trip the circuit.
	IsFailure func(error) bool

	// OnStateChange is called with the lock released.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex
	now    func() time.Time

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		now:           time.Now,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

func (cb *Breaker) openError() error {
	return errors.New(errors.ErrorTypeNetwork, OperationOpen, "circuit breaker is open").
		WithContext("breaker", cb.config.Name).
		WithContext("state", cb.GetState().String())
}

// IsOpenError reports whether err was produced by a rejecting breaker.
func IsOpenError(err error) bool {
	var se *errors.ServiceError
	for e := err; e != nil; {
		var ok bool
		if se, ok = e.(*errors.ServiceError); ok {
			if se.Operation == OperationOpen {
				return true
			}
			e = se.Cause
			continue
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return cb.openError()
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allowRequest() {
		return zero, cb.openError()
	}

	result, err := fn()
	cb.recordResult(err)
	return result, err
}

func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()
	from := cb.state
	allowed := false

	now := cb.now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		}

	case StateHalfOpen:
		allowed = true
	}

	to := cb.state
	cb.mutex.Unlock()
	cb.notify(from, to)
	return allowed
}

func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()
	from := cb.state

	failed := err != nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	if failed {
		cb.failures++
		cb.lastFailTime = cb.now()

		if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.successes = 0
		} else if cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessRequired {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
				cb.lastResetTime = cb.now()
			}
		} else if cb.state == StateClosed {
			cb.successes++
		}
	}

	to := cb.state
	cb.mutex.Unlock()
	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()
	cb.mutex.Unlock()
	cb.notify(from, StateClosed)
}
