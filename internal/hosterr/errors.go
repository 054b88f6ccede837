// Package hosterr defines the error taxonomy shared by every surface of the
// host. Components wrap failures into one of a small set of kinds so that
// callers (the HTTP layer, the agent loop, logs) can react to the kind
// without matching on message strings.
package hosterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surface-level handling.
type Kind string

const (
	// KindValidation indicates malformed or unacceptable input.
	KindValidation Kind = "validation"

	// KindNotFound indicates a session, server, tool, or request lookup missed.
	KindNotFound Kind = "not_found"

	// KindConflict indicates an operation raced an existing state, such as
	// starting an already-running server or re-executing a finished call.
	KindConflict Kind = "conflict"

	// KindPolicy indicates a security policy denied the operation.
	KindPolicy Kind = "policy"

	// KindTransport indicates a transport-level failure: process died, stream
	// closed, write failed.
	KindTransport Kind = "transport"

	// KindTimeout indicates a deadline elapsed while waiting.
	KindTimeout Kind = "timeout"

	// KindUpstream indicates an LLM backend or remote server misbehaved.
	KindUpstream Kind = "upstream"

	// KindFatal indicates an unrecoverable internal failure.
	KindFatal Kind = "fatal"
)

// Common sentinel errors for lookups that miss.
var (
	// ErrSessionNotFound indicates an unknown chat session id.
	ErrSessionNotFound = New(KindNotFound, "session not found")

	// ErrServerNotFound indicates an unknown MCP server key.
	ErrServerNotFound = New(KindNotFound, "server not found")

	// ErrToolNotFound indicates a tool name that no connected server exposes.
	ErrToolNotFound = New(KindNotFound, "tool not found")

	// ErrRequestNotFound indicates an unknown confirmation or sampling request id.
	ErrRequestNotFound = New(KindNotFound, "request not found")
)

// Error is a classified error with an optional underlying cause.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error of the same kind with the same
// message. This lets the sentinel vars above work with errors.Is even after
// wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New builds a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause returns nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf walks the error chain and returns the kind of the outermost
// classified error, or KindFatal when the chain carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
