package ttypes

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the failure class of a TTSError.
type ErrorCode string

const (
	// Request errors
	ErrorCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Adapter errors
	ErrorCodeAdapterUnavailable   ErrorCode = "ADAPTER_UNAVAILABLE"
	ErrorCodeInitializationFailed ErrorCode = "INITIALIZATION_FAILED"
	ErrorCodeProcessingError      ErrorCode = "PROCESSING_ERROR"

	// System errors
	ErrorCodeConfigurationError ErrorCode = "CONFIGURATION_ERROR"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeCancelled          ErrorCode = "CANCELLED"
)

// TTSError represents a classified dispatch failure.
type TTSError struct {
	Code      ErrorCode
	Message   string
	Details   string
	Source    string
	RequestID string
	Cause     error
}

// Error implements the error interface
func (e *TTSError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *TTSError) Unwrap() error {
	return e.Cause
}

// NewTTSError creates a new TTS error attributed to source.
func NewTTSError(code ErrorCode, source, message string, cause error) *TTSError {
	e := &TTSError{
		Code:    code,
		Message: message,
		Source:  source,
		Cause:   cause,
	}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// WithRequest returns a copy of e tagged with requestID.
func (e *TTSError) WithRequest(requestID string) *TTSError {
	c := *e
	c.RequestID = requestID
	return &c
}

// IsRetryable returns true if the failure is transient.
func (e *TTSError) IsRetryable() bool {
	return IsTransient(e.Code)
}

// IsTransient reports whether code is worth retrying.
func IsTransient(code ErrorCode) bool {
	switch code {
	case ErrorCodeAdapterUnavailable,
		ErrorCodeProcessingError,
		ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// AsTTSError extracts a TTSError from err. Errors of any other kind are
// classed as processing errors with their text preserved in Details.
func AsTTSError(err error, source string) *TTSError {
	if err == nil {
		return nil
	}
	var te *TTSError
	if errors.As(err, &te) {
		return te
	}
	return NewTTSError(ErrorCodeProcessingError, source, "unexpected adapter error", err)
}
