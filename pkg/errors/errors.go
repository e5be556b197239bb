// Package errors provides the structured error taxonomy shared by the miner,
// merge and batch components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeValidation represents malformed input (hex fields, key lengths).
	// Never retried.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNetwork represents transport failures talking to the remote protocol
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeProtocol represents a classified response from the remote protocol
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeDatabase represents store failures
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeMessaging represents Kafka / ZMQ publishing errors
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeNotFound represents a missing record
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeState represents an operation refused by a record's current state
	ErrorTypeState ErrorType = "state"
	// ErrorTypeInternal represents internal/unknown errors, including recovered panics
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the retryable flag derived from the error type.
func (e *ServiceError) WithRetryable(retryable bool) *ServiceError {
	e.Retryable = retryable
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Newf is New with a formatted message.
func Newf(errorType ErrorType, operation, format string, args ...interface{}) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	// An inner ServiceError keeps its retry decision.
	var se *ServiceError
	if errors.As(err, &se) {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Cause:     err,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType) || isRetryableByDefault(err),
	}
}

// Input is shorthand for a validation error.
func Input(operation, format string, args ...interface{}) *ServiceError {
	return Newf(ErrorTypeValidation, operation, format, args...)
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeMessaging:
		return true
	default:
		return false
	}
}

func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transient := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
		"database is locked",
	}

	for _, s := range transient {
		if strings.Contains(errStr, s) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Reason returns the short human-readable message stored on persisted records.
// For a ServiceError this is the innermost message rather than the full chain.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) {
		inner := se
		for {
			var next *ServiceError
			if inner.Cause == nil || !errors.As(inner.Cause, &next) {
				break
			}
			inner = next
		}
		if inner.Cause != nil {
			return inner.Message + ": " + inner.Cause.Error()
		}
		return inner.Message
	}
	return err.Error()
}
