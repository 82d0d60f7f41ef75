package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Workflow error codes
const (
	ErrBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	ErrAgentInvocation     ErrorCode = "AGENT_INVOCATION_FAILED"
	ErrGateFailed          ErrorCode = "GATE_FAILED"
	ErrPersistence         ErrorCode = "PERSISTENCE_FAILURE"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrWorkflowLeased      ErrorCode = "WORKFLOW_LEASED"
	ErrInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrNoAgentForTier      ErrorCode = "NO_AGENT_FOR_TIER"
	ErrCheckpointCorrupted ErrorCode = "CHECKPOINT_CORRUPTED"
	ErrAuditPayloadInvalid ErrorCode = "AUDIT_PAYLOAD_INVALID"
)

// API error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrNotFound)
}

// HTTPStatusFor maps an error code to its HTTP status.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest, ErrAuditPayloadInvalid:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrInvalidTransition, ErrWorkflowLeased:
		return http.StatusConflict
	case ErrBudgetExceeded:
		return http.StatusPaymentRequired
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 常用错误构造
// =============================================================================

// NewNotFoundError creates a NOT_FOUND error for the given entity.
func NewNotFoundError(entity, id string) *Error {
	return Errorf(ErrNotFound, "%s %q not found", entity, id).WithHTTPStatus(http.StatusNotFound)
}

// NewInvalidRequestError creates an INVALID_REQUEST error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message).WithHTTPStatus(http.StatusBadRequest)
}

// NewPersistenceError wraps a storage failure. Persistence failures are retryable
// at the caller's discretion; the workflow stays at its last durable checkpoint.
func NewPersistenceError(op string, cause error) *Error {
	return Errorf(ErrPersistence, "%s failed", op).WithCause(cause).WithRetryable(true)
}

// NewInvalidTransitionError creates an INVALID_TRANSITION error.
func NewInvalidTransitionError(id string, from WorkflowStatus, action string) *Error {
	return Errorf(ErrInvalidTransition, "cannot %s workflow %q in status %s", action, id, from).
		WithHTTPStatus(http.StatusConflict)
}
