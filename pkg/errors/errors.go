package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeSetupFailed       ErrorCode = "SETUP_FAILED"
	ErrCodeReconfigureFailed ErrorCode = "RECONFIGURE_FAILED"
	ErrCodeTeardownFailed    ErrorCode = "TEARDOWN_FAILED"
	ErrCodeAllocationFailed  ErrorCode = "ALLOCATION_FAILED"
	ErrCodeEngine            ErrorCode = "ENGINE_ERROR"
	ErrCodeRateLimit         ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewInvalidStateError(message string) *AppError {
	return NewAppError(ErrCodeInvalidState, message, http.StatusConflict)
}

func NewReconfigureError(err error) *AppError {
	return WrapError(err, ErrCodeReconfigureFailed, "reconfiguration rejected, previous configuration kept", http.StatusUnprocessableEntity)
}

func NewEngineError(op string, err error) *AppError {
	return WrapError(err, ErrCodeEngine, op+" failed", http.StatusBadGateway).WithContext("operation", op)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

// SetupError names the provisioning step that aborted the session.
type SetupError struct {
	Step  string
	Cause error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: setup step %q failed: %v", ErrCodeSetupFailed, e.Step, e.Cause)
}

func (e *SetupError) Unwrap() error {
	return e.Cause
}

// NewSetupError wraps err with the failing step name.
func NewSetupError(step string, err error) *SetupError {
	return &SetupError{Step: step, Cause: err}
}

// AllocationError reports a receiving pipeline that could not be created.
// Allocated is the number of pipelines created (and since released) before the failure.
type AllocationError struct {
	Requested int
	Allocated int
	Cause     error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: allocated %d of %d receiving pipelines: %v", ErrCodeAllocationFailed, e.Allocated, e.Requested, e.Cause)
}

func (e *AllocationError) Unwrap() error {
	return e.Cause
}

// TeardownReport accumulates best-effort teardown failures.
type TeardownReport struct {
	Failures            []string
	RemainingInterfaces int
}

// Failed reports whether any step failed or any interface kept references.
func (r *TeardownReport) Failed() bool {
	return len(r.Failures) > 0 || r.RemainingInterfaces > 0
}

func (r *TeardownReport) String() string {
	if !r.Failed() {
		return "teardown clean"
	}
	return fmt.Sprintf("%s: %d step(s) failed, %d interface(s) not released: %s",
		ErrCodeTeardownFailed, len(r.Failures), r.RemainingInterfaces, strings.Join(r.Failures, "; "))
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}
