// Package errs implements the error-kind taxonomy of the shared table
// store: a small closed set of recoverable kinds plus a Fatal kind reserved
// for "impossible" local states, never for remote-peer failures.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind is one of the error kinds the system distinguishes.
type Kind int

const (
	SchemaMismatch Kind = iota
	UnknownField
	Duplicate
	NotFound
	Conflict
	LockLost
	Timeout
	DirectoryTimeout
	PeerUnreachable
	Decline
	Invalid
	NotImplemented
	Fatal
)

func (k Kind) String() string {
	switch k {
	case SchemaMismatch:
		return "SchemaMismatch"
	case UnknownField:
		return "UnknownField"
	case Duplicate:
		return "Duplicate"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case LockLost:
		return "LockLost"
	case Timeout:
		return "Timeout"
	case DirectoryTimeout:
		return "DirectoryTimeout"
	case PeerUnreachable:
		return "PeerUnreachable"
	case Decline:
		return "Decline"
	case Invalid:
		return "Invalid"
	case NotImplemented:
		return "NotImplemented"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned throughout the module. It
// carries a Kind so callers can branch on failure category with Is/As, and
// wraps an underlying cause (if any) with a stack trace via pkg/errors.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error, preserving it as
// the cause wrapped with a stack trace via errors.WithStack.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts err's Kind, defaulting to Fatal for an error this
// package did not produce — callers mapping kinds to e.g. HTTP status
// codes should treat that default as "internal error".
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return Fatal
	}
	return e.Kind
}

// MustNotHappen logs at Fatal level and terminates the process. Reserved
// for states that indicate a broken local invariant (e.g. a missing
// handler for a registered message type), never for a remote peer's
// failure to respond.
func MustNotHappen(format string, args ...any) {
	logrus.WithField("kind", Fatal.String()).Fatalf(format, args...)
}
