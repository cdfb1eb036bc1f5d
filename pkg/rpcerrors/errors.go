// Package rpcerrors provides structured error classification for agent RPC
// calls. Callers see exactly one of five kinds (protocol, timeout, network,
// circuit-open, validation) so recovery strategies can branch on the kind
// rather than on error strings.
package rpcerrors

import (
	"errors"
	"fmt"

	"agentrpc/pkg/circuit"
	"agentrpc/pkg/proto"
)

// ErrorType represents the category of an RPC failure.
type ErrorType int8

const (
	// ErrorTypeProtocol means the peer was reachable but returned a
	// JSON-RPC error or a non-success HTTP status.
	ErrorTypeProtocol ErrorType = iota
	// ErrorTypeTimeout means no response arrived within the deadline.
	ErrorTypeTimeout
	// ErrorTypeNetwork represents a connection-level failure.
	ErrorTypeNetwork
	// ErrorTypeCircuitOpen means admission was denied locally; no network
	// attempt was made.
	ErrorTypeCircuitOpen
	// ErrorTypeValidation represents a malformed payload detected before
	// any network attempt. Caller error, never retried.
	ErrorTypeValidation
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeProtocol:
		return "protocol"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeCircuitOpen:
		return "circuit_open"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error represents a classified RPC error with retry metadata.
type Error struct {
	Err      error     // Wrapped underlying error
	Message  string    // Human-readable error message
	Method   string    // RPC method being invoked, if known
	Endpoint string    // Target endpoint, if known
	Code     int       // JSON-RPC error code or HTTP status, if applicable
	Type     ErrorType // Classified error type
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rpc error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("rpc error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("rpc error (%s): code %d", e.Type.String(), e.Code)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error should be retried. Timeout and
// network failures retry; protocol errors retry only when the peer's code
// indicates a transient condition; circuit-open and validation never retry.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork:
		return true
	case ErrorTypeProtocol:
		return TransientCode(e.Code)
	default:
		return false
	}
}

// TransientCode reports whether a JSON-RPC error code indicates a condition
// worth retrying. Method-not-found, invalid-params, invalid-request, and
// parse errors are permanent.
func TransientCode(code int) bool {
	if code == proto.CodeInternalError {
		return true
	}
	return code >= proto.CodeServerErrorMin && code <= proto.CodeServerErrorMax
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	return TypeOf(err) == errorType
}

// TypeOf returns the classified type of an error. Circuit breaker denials
// are recognized directly so callers never need to import the circuit
// package for classification.
func TypeOf(err error) ErrorType {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Type
	}
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return ErrorTypeCircuitOpen
	}
	return ErrorTypeUnknown
}

// New creates a new classified RPC error.
func New(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewWithCode creates a classified RPC error carrying a JSON-RPC or HTTP
// status code.
func NewWithCode(errorType ErrorType, code int, message string) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewWithCause creates a classified RPC error wrapping another error.
func NewWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}
