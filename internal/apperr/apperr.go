// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package apperr carries the error taxonomy every component in agentchattr
// dispatches on: Auth, Validation, Persistence, Injection, Transport,
// ResourceExhausted, Fatal. Handlers map a Kind to an HTTP status or a
// WebSocket close code without string-matching error text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch at a component boundary.
type Kind int

const (
	// Unknown is the zero value — not returned by agentchattr code, only
	// seen when wrapping a third-party error without classifying it.
	Unknown Kind = iota

	// Auth covers missing or mismatched session tokens and rejected origins.
	Auth

	// Validation covers malformed client frames, bad channel names, and
	// oversized decision text.
	Validation

	// Persistence covers durable-log write failures.
	Persistence

	// Injection covers terminal send failures in the wrapper.
	Injection

	// Transport covers timed-out MCP health probes.
	Transport

	// ResourceExhausted covers the decision cap and channel cap.
	ResourceExhausted

	// Fatal covers invalid configuration and bind failures that should
	// exit the process non-zero.
	Fatal
)

// String returns a lowercase name for the Kind, used in log fields and
// system chat messages.
func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Validation:
		return "validation"
	case Persistence:
		return "persistence"
	case Injection:
		return "injection"
	case Transport:
		return "transport"
	case ResourceExhausted:
		return "resource_exhausted"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a dispatchable Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a Kind, preserving it as the cause.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or any error it wraps) was tagged with kind.
func Is(err error, kind Kind) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind == kind
	}
	return false
}

// KindOf returns the Kind an error was tagged with, or Unknown if it was
// never tagged via New or Wrap.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Unknown
}
