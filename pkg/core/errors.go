package core

import (
	"errors"
	"fmt"
)

// Error is the typed error exchanged across component boundaries.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	Upstream   any       `json:"upstream,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrCredential     ErrorType = "credential_error"
	ErrTransport      ErrorType = "transport_error"
	ErrStorage        ErrorType = "storage_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrAPI            ErrorType = "api_error"
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

// NewCredentialError creates an ephemeral-credential exchange error.
// statusCode carries the upstream HTTP status when one was received.
func NewCredentialError(message string, statusCode int) *Error {
	return &Error{
		Type:       ErrCredential,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewTransportError wraps a realtime transport failure.
func NewTransportError(op string, underlying error) *Error {
	return &Error{
		Type:     ErrTransport,
		Message:  fmt.Sprintf("%s: %v", op, underlying),
		Upstream: underlying.Error(),
	}
}

// NewStorageError wraps a persistence failure.
func NewStorageError(op string, underlying error) *Error {
	return &Error{
		Type:     ErrStorage,
		Message:  fmt.Sprintf("%s: %v", op, underlying),
		Upstream: underlying.Error(),
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// IsRetryable returns true if the error is worth retrying.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrTransport, ErrAPI:
		return true
	default:
		return false
	}
}

// AsError unwraps err into a *core.Error when possible.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
