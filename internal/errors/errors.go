package errors

import "fmt"

// ErrorCode represents a casetrack error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"     // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrDeliveryFailed     ErrorCode = "DELIVERY_FAILED"     // 502
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE" // 503
	ErrProbeFailed        ErrorCode = "PROBE_FAILED"        // 503
	ErrInternal           ErrorCode = "INTERNAL"            // 500
)

// TrackError represents a structured error with code, status, and details.
type TrackError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *TrackError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *TrackError {
	return &TrackError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing key.
func NewNotFound(key string) *TrackError {
	return &TrackError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("key not found: %s", key),
		Details: map[string]any{"key": key},
	}
}

// NewDeliveryFailed creates a 502 error for a batch the collector did not accept.
// status is the collector's HTTP status, or 0 when no response was received.
func NewDeliveryFailed(status int, cause error) *TrackError {
	msg := fmt.Sprintf("collector responded with status %d", status)
	if status == 0 && cause != nil {
		msg = cause.Error()
	}
	return &TrackError{
		Code:    ErrDeliveryFailed,
		Status:  502,
		Message: msg,
		Details: map[string]any{"collector_status": status},
	}
}

// NewStorageUnavailable creates a 503 error for a persistence tier that cannot be used.
func NewStorageUnavailable(tier string, cause error) *TrackError {
	msg := fmt.Sprintf("%s storage unavailable", tier)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &TrackError{
		Code:    ErrStorageUnavailable,
		Status:  503,
		Message: msg,
		Details: map[string]any{"tier": tier},
	}
}

// NewProbeFailed creates a 503 error for a fingerprint probe that did not produce a result.
func NewProbeFailed(reason string) *TrackError {
	return &TrackError{
		Code:    ErrProbeFailed,
		Status:  503,
		Message: fmt.Sprintf("fingerprint probe failed: %s", reason),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *TrackError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &TrackError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a TrackError with the given code.
func Is(err error, code ErrorCode) bool {
	if tErr, ok := err.(*TrackError); ok {
		return tErr.Code == code
	}
	return false
}
