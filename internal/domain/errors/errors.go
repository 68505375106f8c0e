// Package errors provides domain-specific errors for the taxsync core.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common domain error conditions.
var (
	// ErrCircuitOpen means the call was rejected by the breaker and never attempted.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrStoreUnavailable means the durable store could not complete a write or read.
	ErrStoreUnavailable = errors.New("durable store unavailable")
	ErrMutationNotFound = errors.New("pending mutation not found")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrOffline          = errors.New("offline")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrCacheMiss        = errors.New("cache miss")
)

// ErrorCode categorizes errors for handling and reporting.
type ErrorCode string

const (
	CodeValidation    ErrorCode = "VALIDATION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTransient     ErrorCode = "TRANSIENT"
	CodeCircuitOpen   ErrorCode = "CIRCUIT_OPEN"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeStorage       ErrorCode = "STORAGE"
	CodeConfiguration ErrorCode = "CONFIG"
)

// TaxsyncError wraps errors with additional context for debugging and handling.
type TaxsyncError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error returns a formatted error string including the code, message, and cause if present.
func (e *TaxsyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for use with errors.Is and errors.As.
func (e *TaxsyncError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TaxsyncError with the given code, message, and optional cause.
func NewError(code ErrorCode, message string, cause error) *TaxsyncError {
	return &TaxsyncError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error's context and returns the error.
func WithContext(err *TaxsyncError, key string, value interface{}) *TaxsyncError {
	if err.Context == nil {
		err.Context = make(map[string]interface{})
	}
	err.Context[key] = value
	return err
}

// Storage wraps a durable-store failure so it matches ErrStoreUnavailable.
func Storage(op string, cause error) *TaxsyncError {
	return NewError(CodeStorage, op, errors.Join(ErrStoreUnavailable, cause))
}

// CodeOf returns the code of the first TaxsyncError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var te *TaxsyncError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || CodeOf(err) == CodeCircuitOpen
}

// IsStorage reports whether err came from the durable store.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || CodeOf(err) == CodeStorage
}

// IsTransient reports whether err should be retried with backoff.
// Breaker rejections count as transient for retry purposes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeValidation, CodeConfiguration, CodeStorage, CodeConflict:
		return false
	}
	return !errors.Is(err, ErrInvalidPayload)
}

// Is reports whether err matches target using errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
