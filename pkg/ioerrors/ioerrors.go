// Package ioerrors defines the error-kind taxonomy every component
// classifies its failures into (spec §7): TransientTransport, FatalConfig,
// ProtocolViolation, Timeout, and Cancelled. Components never propagate
// raw errors across the bus — only the documented fallback behavior
// (default phrase, auto-commit, dropped IU) — but internally they still
// need a consistent way to decide "restart", "exit this module", "drop
// and count", or "ignore".
package ioerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of deciding how to react to it.
type Kind int

const (
	// TransientTransport: broker disconnect, upstream API 5xx. Retry with backoff.
	TransientTransport Kind = iota
	// FatalConfig: missing credentials, unknown engine. This module exits; others continue.
	FatalConfig
	// ProtocolViolation: malformed IU, REVOKE of an unknown id. Drop the IU, count it.
	ProtocolViolation
	// Timeout: LLM wait, silence deadline. Triggers the documented fallback.
	Timeout
	// Cancelled: expected, not an error.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case TransientTransport:
		return "transient_transport"
	case FatalConfig:
		return "fatal_config"
	case ProtocolViolation:
		return "protocol_violation"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind classification.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "asr.rotate_session"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify maps a context error and a generic error into the taxonomy:
// context cancellation/deadline become Cancelled/Timeout respectively,
// anything else defaults to TransientTransport (the conservative choice —
// callers that know better should use New directly).
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return New(Cancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, op, err)
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return New(TransientTransport, op, err)
}

// IsFatal reports whether the error kind should take the owning module
// down (as opposed to being retried, dropped-and-counted, or ignored).
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == FatalConfig
	}
	return false
}
