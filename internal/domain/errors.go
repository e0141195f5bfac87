package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
// Implementing this interface enables extensible error handling (OCP compliance).
type HTTPError interface {
	error
	StatusCode() int
}

// ErrorCode is the typed failure kind carried by CoreError. Codes appear in
// 500 responses as error_code and in evaluation audit logs.
type ErrorCode string

const (
	CodeGuardrailBlocked ErrorCode = "GUARDRAIL_BLOCKED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSandboxFailure   ErrorCode = "SANDBOX_FAILURE"
	CodePrecondition     ErrorCode = "PRECONDITION"
	CodeTransient        ErrorCode = "TRANSIENT"
	CodeFatal            ErrorCode = "FATAL"
)

// Domain error types implementing HTTPError interface
type (
	// NotFoundError indicates a resource was not found
	NotFoundError struct {
		Message string
	}

	// ValidationError indicates invalid input
	ValidationError struct {
		Message string
	}
)

// Error implementations
func (e *NotFoundError) Error() string   { return e.Message }
func (e *ValidationError) Error() string { return e.Message }

// StatusCode implementations (HTTPError interface)
func (e *NotFoundError) StatusCode() int   { return http.StatusNotFound }
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")

	ErrGuardrailBlocked = errors.New("guardrail blocked")
	ErrRateLimited      = errors.New("rate limited")
	ErrContextOverflow  = errors.New("context overflow")
	ErrTimeout          = errors.New("timeout")
	ErrSandboxFailure   = errors.New("sandbox failure")
	ErrPrecondition     = errors.New("precondition failed")
	ErrTransient        = errors.New("transient failure")
	ErrFatal            = errors.New("fatal")
)

// sentinelByCode lets CoreError.Is match the sentinel for its code.
var sentinelByCode = map[ErrorCode]error{
	CodeGuardrailBlocked: ErrGuardrailBlocked,
	CodeRateLimited:      ErrRateLimited,
	CodeContextOverflow:  ErrContextOverflow,
	CodeTimeout:          ErrTimeout,
	CodeSandboxFailure:   ErrSandboxFailure,
	CodePrecondition:     ErrPrecondition,
	CodeTransient:        ErrTransient,
	CodeFatal:            ErrFatal,
}

// CoreError is a typed failure flowing between components. Only the session
// orchestrator decides whether to retry, substitute a sentinel score, or
// surface the failure to the caller.
type CoreError struct {
	Code    ErrorCode
	Message string // Human-readable, safe to show the caller
	Err     error  // Wrapped cause, may be nil
}

// NewCoreError creates a CoreError wrapping an optional cause.
func NewCoreError(code ErrorCode, message string, err error) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// Error implements the error interface
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is() to match the sentinel of the same code
func (e *CoreError) Is(target error) bool {
	return sentinelByCode[e.Code] == target
}

// StatusCode implements the HTTPError interface. Guardrail blocks and rate
// limits never reach this path on chat (the orchestrator converts them into
// refusal / throttling replies); this mapping covers failures that do escape.
func (e *CoreError) StatusCode() int {
	switch e.Code {
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the ErrorCode from an error chain, defaulting to FATAL.
func CodeOf(err error) ErrorCode {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTransient):
		return CodeTransient
	default:
		return CodeFatal
	}
}
