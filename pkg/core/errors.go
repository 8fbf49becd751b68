package core

import (
	"errors"
	"fmt"
)

// Error represents a failure reported by one of the engine's collaborators.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Status     int       `json:"status,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Underlying error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status: %d)", e.Type, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrAPI            ErrorType = "api_error"
	ErrCapture        ErrorType = "capture_error"
	ErrPlayback       ErrorType = "playback_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewAPIError creates an error for a hosted endpoint that answered with a
// non-success status.
func NewAPIError(endpoint string, status int, message string) *Error {
	return &Error{
		Type:     ErrAPI,
		Message:  message,
		Status:   status,
		Endpoint: endpoint,
	}
}

// NewCaptureError wraps a frame capture failure.
func NewCaptureError(underlying error) *Error {
	return &Error{
		Type:       ErrCapture,
		Message:    underlying.Error(),
		Underlying: underlying,
	}
}

// NewPlaybackError wraps an audio output failure.
func NewPlaybackError(underlying error) *Error {
	return &Error{
		Type:       ErrPlayback,
		Message:    underlying.Error(),
		Underlying: underlying,
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}

// IsType reports whether err is a *Error of the given type.
func IsType(err error, t ErrorType) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type == t
	}
	return false
}
