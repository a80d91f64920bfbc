// Package fault classifies the errors surfaced by guarded lifecycle
// transitions so callers can map them to a transport response without
// string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind partitions transition failures into the categories the caller layer
// reacts to differently.
type Kind string

const (
	// KindValidation marks rejected input or a violated data invariant.
	KindValidation Kind = "validation"
	// KindForbidden marks an actor lacking the capability or relationship
	// the operation requires.
	KindForbidden Kind = "forbidden"
	// KindConflict marks a transition attempted from a disallowed source
	// state.
	KindConflict Kind = "state_conflict"
	// KindTransient marks lock timeouts and serialization failures worth a
	// single retry.
	KindTransient Kind = "transient"
)

// Error carries a machine-readable kind alongside the human message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match any fault of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// New builds a fault of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation fault.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsForbidden reports whether err is an authorization fault.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// IsConflict reports whether err is a state-conflict fault.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsTransient reports whether err is a retryable concurrency fault.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
