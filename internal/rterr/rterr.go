// Package rterr defines the abstract error kinds shared across the runtime
// core: InvalidArgument, LogicError, RuntimeFailure, Fatal, and NotFound.
// Callers use errors.Is against the sentinel Kind values and errors.As to
// recover the wrapped *Error for its Op/Detail fields.
package rterr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. Kinds are compared with errors.Is, never by
// string, so wrapping with fmt.Errorf("...: %w", err) preserves matching.
type Kind int

const (
	// InvalidArgument covers bad device names/indices, cross-instance
	// affinity unions, unknown function names, and format mismatches.
	InvalidArgument Kind = iota
	// LogicError covers API misuse: double Start, Kill before Start,
	// mutating a SCHEDULED Invocation, RunOnCurrentThread misuse.
	LogicError
	// RuntimeFailure covers VM/HAL statuses surfaced during calling
	// convention finalization or async dispatch; delivered through a
	// Future rather than thrown, per spec.md's foreign-callback policy.
	RuntimeFailure
	// Fatal covers unrecoverable loop/driver failures. Fatal errors are
	// logged and the process aborts; they are not meant to be recovered.
	Fatal
	// NotFound is not an error condition for LookupFunction, which reports
	// a missing function via an (ok bool) result rather than an Error.
	// Other operations may still wrap it in an Error (params.Load does so
	// for a missing file), and callers can log it uniformly with the
	// other kinds.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case LogicError:
		return "logic_error"
	case RuntimeFailure:
		return "runtime_failure"
	case Fatal:
		return "fatal"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind, the failing operation
// name, and an optional wrapped cause.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the same Kind, letting
// errors.Is(err, rterr.Is(rterr.InvalidArgument)) read naturally at call
// sites via the kindSentinel wrapper below.
func (e *Error) Is(target error) bool {
	var ks kindSentinel
	if errors.As(target, &ks) {
		return e.Kind == ks.kind
	}
	return false
}

// kindSentinel lets bare Kind values participate in errors.Is checks:
// errors.Is(err, rterr.Is(rterr.LogicError)).
type kindSentinel struct{ kind Kind }

func (kindSentinel) Error() string { return "" }

// Is returns a sentinel error usable with errors.Is to test an Error's Kind.
func Is(k Kind) error { return kindSentinel{kind: k} }

// New constructs an *Error of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, op, detail string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Cause: cause}
}

// InvalidArg is a convenience constructor for the common InvalidArgument case.
func InvalidArg(op, detail string) *Error { return New(InvalidArgument, op, detail) }

// Logic is a convenience constructor for the common LogicError case.
func Logic(op, detail string) *Error { return New(LogicError, op, detail) }
