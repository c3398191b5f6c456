// Package errutil provides the uniform, typed error object that crosses the
// FFI boundary described in the design: every failure surfaced to a caller
// carries a Kind alongside the human-readable message, so bindings and the
// CLI can map it to a locale-appropriate exit code or exception type without
// string-matching the message.
package errutil

import (
	"errors"
	"fmt"
)

// Kind enumerates the error surface categories callers distinguish on.
type Kind int

const (
	// Unknown is the zero value; Wrap never produces it on purpose.
	Unknown Kind = iota
	NotFound
	Unreachable
	NotAuthorized
	ConflictingWrite
	Corruption
	Backend
	Malformed
	Incomplete
	// Empty marks a save attempt with nothing staged.
	Empty
	// Unrelated marks a changes() query whose since-revision is not an
	// ancestor of the current revision.
	Unrelated
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Unreachable:
		return "Unreachable"
	case NotAuthorized:
		return "NotAuthorized"
	case ConflictingWrite:
		return "ConflictingWrite"
	case Corruption:
		return "Corruption"
	case Backend:
		return "Backend"
	case Malformed:
		return "Malformed"
	case Incomplete:
		return "Incomplete"
	case Empty:
		return "Empty"
	case Unrelated:
		return "Unrelated"
	default:
		return "Unknown"
	}
}

// Error is the uniform FFI-boundary error object: a Kind plus the wrapped
// cause. It implements Unwrap so callers may still use errors.Is/As against
// the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kinded error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind and message to cause. It returns nil if cause is nil.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or any error in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or Unknown if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
