// Package api defines the interfaces and shared types that the wsclient
// engine is built against: the transport contract, the handler contract,
// frame types, and the error vocabulary surfaced to callers.
//
// Author: momentics <momentics@gmail.com>
//
// Error kinds and error handling utilities for the wsclient engine.
package api

import "fmt"

// ErrorCode enumerates the error kinds a caller or handler may observe.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeUrlInvalid
	ErrCodeTransportConnect
	ErrCodeTransportIo
	ErrCodeHandshakeRejected
	ErrCodeProtocolViolation
	ErrCodeKeepaliveTimeout
	ErrCodeRemoteClosed
	ErrCodeHandlerFailure
	ErrCodeDisconnected
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUrlInvalid:
		return "url_invalid"
	case ErrCodeTransportConnect:
		return "transport_connect"
	case ErrCodeTransportIo:
		return "transport_io"
	case ErrCodeHandshakeRejected:
		return "handshake_rejected"
	case ErrCodeProtocolViolation:
		return "protocol_violation"
	case ErrCodeKeepaliveTimeout:
		return "keepalive_timeout"
	case ErrCodeRemoteClosed:
		return "remote_closed"
	case ErrCodeHandlerFailure:
		return "handler_failure"
	case ErrCodeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a classification code plus
// free-form context, in the style of the donor's api.Error.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (context: %+v)", e.Code, e.Message, e.Context)
}

// NewError builds a structured error of the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithContext attaches a key/value pair and returns the same error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Is reports whether target is an *Error with the same code, so callers
// can use errors.Is(err, api.NewError(api.ErrCodeDisconnected, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ErrDisconnected is returned by Send when the engine is not Connected.
var ErrDisconnected = NewError(ErrCodeDisconnected, "engine is disconnected")
