package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Codec errors. A malformed attachment or presence token is always
	// recoverable: the offending message is logged and discarded.
	ErrMalformedAttachment = errors.New("malformed attachment")
	ErrMalformedToken      = errors.New("malformed presence token")

	// Transport errors - the underlying publish/subscribe/query call failed.
	ErrTransportFailure = errors.New("transport operation failed")
	ErrSessionClosed    = errors.New("transport session closed")

	// Protocol errors - a reply carried an out-of-range or unparseable
	// correlation field.
	ErrProtocolViolation = errors.New("protocol violation")

	// State errors
	ErrShutdown       = errors.New("already shut down")
	ErrNotInitialized = errors.New("not initialized")

	// Discovery errors
	ErrEntityNotFound  = errors.New("entity not found")
	ErrServiceNotFound = errors.New("service not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op      string // Operation that failed (e.g., "correlation.SendRequest")
	Kind    string // Error kind (e.g., "codec", "transport", "graph")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured Error
func NewError(op, kind string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsDecodeError checks if an error came from one of the strict codecs
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformedAttachment) ||
		errors.Is(err, ErrMalformedToken)
}

// IsTransportError checks if an error originated in the transport layer
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransportFailure) ||
		errors.Is(err, ErrSessionClosed)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
