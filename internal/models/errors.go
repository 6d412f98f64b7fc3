package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies a failure class that can cross process boundaries
type ErrorCode string

const (
	CodeAuthenticationFailed ErrorCode = "AUTH_FAILED"
	CodePeerNotFound         ErrorCode = "PEER_NOT_FOUND"
	CodeScopeNotFound        ErrorCode = "SCOPE_NOT_FOUND"
	CodeInvalidSignal        ErrorCode = "INVALID_SIGNAL"
	CodeModelNotFound        ErrorCode = "MODEL_NOT_FOUND"
	CodeConnectionTimeout    ErrorCode = "CONNECTION_TIMEOUT"
	CodeRequestTimeout       ErrorCode = "REQUEST_TIMEOUT"
	CodePeerTransportClosed  ErrorCode = "PEER_TRANSPORT_CLOSED"
	CodeProviderUnavailable  ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeInternal             ErrorCode = "INTERNAL"
)

// Error is a coded failure. Two Errors match under errors.Is when their codes are equal,
// so callers compare against the Err* sentinels regardless of message or details.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]string
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.Details)
}

// Is matches on code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Envelope converts the error into its wire form.
func (e *Error) Envelope(now time.Time) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: now,
	}
}

var (
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed, Message: "authentication failed"}
	ErrPeerNotFound         = &Error{Code: CodePeerNotFound, Message: "peer not found"}
	ErrScopeNotFound        = &Error{Code: CodeScopeNotFound, Message: "scope not found"}
	ErrInvalidSignal        = &Error{Code: CodeInvalidSignal, Message: "invalid signal data"}
	ErrModelNotFound        = &Error{Code: CodeModelNotFound, Message: "model not found"}
	ErrConnectionTimeout    = &Error{Code: CodeConnectionTimeout, Message: "connection timeout"}
	ErrRequestTimeout       = &Error{Code: CodeRequestTimeout, Message: "request timeout"}
	ErrPeerTransportClosed  = &Error{Code: CodePeerTransportClosed, Message: "peer transport closed"}
	ErrProviderUnavailable  = &Error{Code: CodeProviderUnavailable, Message: "provider unavailable"}
)

// NewError builds a coded error with optional key/value details.
func NewError(code ErrorCode, message string, kv ...string) *Error {
	e := &Error{Code: code, Message: message}
	if len(kv) > 1 {
		e.Details = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Details[kv[i]] = kv[i+1]
		}
	}
	return e
}

// AuthenticationFailed reports a rejected credential
func AuthenticationFailed(reason string) *Error {
	return NewError(CodeAuthenticationFailed, "authentication failed", "reason", reason)
}

// PeerNotFound reports that no connected peer has the given device id
func PeerNotFound(peerID string) *Error {
	return NewError(CodePeerNotFound, "peer not found", "peerId", peerID)
}

// ScopeNotFound reports a missing coordination scope
func ScopeNotFound(scopeID string) *Error {
	return NewError(CodeScopeNotFound, "scope not found", "scopeId", scopeID)
}

// InvalidSignal reports a malformed or unrecognized envelope
func InvalidSignal(reason string) *Error {
	return NewError(CodeInvalidSignal, "invalid signal data", "reason", reason)
}

// ModelNotFound reports that no provider, local or remote, serves modelID
func ModelNotFound(modelID string) *Error {
	return NewError(CodeModelNotFound, "model not found", "modelId", modelID)
}

// PeerTransportClosed reports that the direct channel to peerID went away
func PeerTransportClosed(peerID string) *Error {
	return NewError(CodePeerTransportClosed, "peer transport closed", "peerId", peerID)
}

// ErrorEnvelope is the structured error returned to the originating connection
type ErrorEnvelope struct {
	Code      ErrorCode         `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Err rebuilds the coded error on the receiving side.
func (e *ErrorEnvelope) Err() *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: e.Details}
}

// AsError returns err as a coded Error, wrapping uncoded errors as internal failures.
func AsError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
