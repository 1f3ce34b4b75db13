// Package outcome provides a three-way result type for service and storage operations.
//
// An Outcome is exactly one of:
//   - Success: the operation produced a value.
//   - Exception: a declared, caller-meaningful failure from a closed set (E).
//   - Unexpected: an infrastructure failure the caller cannot recover from.
//
// Declared exceptions are mapped close to where they originate. Unexpected errors
// travel upward unchanged, optionally with a context string added at invariant
// checkpoints (see CollapseWithContext).
package outcome

import (
	"errors"
	"fmt"
)

// Kind identifies the variant held by an Outcome.
type Kind uint8

const (
	// KindSuccess means the outcome carries a value.
	KindSuccess Kind = iota + 1
	// KindException means the outcome carries a declared exception.
	KindException
	// KindUnexpected means the outcome carries an infrastructure error.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindException:
		return "exception"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

var (
	// ErrUnexpectedException marks a declared exception that surfaced where it was
	// structurally impossible and had to be collapsed into an unexpected failure.
	ErrUnexpectedException = errors.New("unexpected exception")

	// ErrNilUnexpected replaces a nil error passed to Unexpected.
	ErrNilUnexpected = errors.New("unexpected failure without error")

	// ErrEmptyOutcome is reported by the zero Outcome.
	ErrEmptyOutcome = errors.New("empty outcome")

	// ErrPropagatedSuccess is reported when Propagate is applied to a success.
	ErrPropagatedSuccess = errors.New("success outcome cannot be propagated")
)

// Outcome is the result of an operation that may fail with a declared exception E.
// The zero value is an unexpected failure (ErrEmptyOutcome).
type Outcome[T any, E error] struct {
	kind  Kind
	value T
	exc   E
	err   error
}

// Success returns an outcome carrying v.
func Success[T any, E error](v T) Outcome[T, E] {
	return Outcome[T, E]{kind: KindSuccess, value: v}
}

// Exception returns an outcome carrying the declared exception e.
func Exception[T any, E error](e E) Outcome[T, E] {
	return Outcome[T, E]{kind: KindException, exc: e}
}

// Unexpected returns an outcome carrying an infrastructure failure.
func Unexpected[T any, E error](err error) Outcome[T, E] {
	if err == nil {
		err = ErrNilUnexpected
	}
	return Outcome[T, E]{kind: KindUnexpected, err: err}
}

// FromError lifts a conventional (value, error) pair.
// A nil error is a success, an error matching E (errors.As) is an exception,
// anything else is unexpected.
func FromError[T any, E error](v T, err error) Outcome[T, E] {
	if err == nil {
		return Success[T, E](v)
	}
	var e E
	if errors.As(err, &e) {
		return Exception[T](e)
	}
	return Unexpected[T, E](err)
}

// Kind reports the variant. The zero Outcome reports KindUnexpected.
func (o Outcome[T, E]) Kind() Kind {
	if o.kind == 0 {
		return KindUnexpected
	}
	return o.kind
}

// IsSuccess reports whether the outcome carries a value.
func (o Outcome[T, E]) IsSuccess() bool { return o.kind == KindSuccess }

// Value returns the success value.
func (o Outcome[T, E]) Value() (T, bool) {
	if o.kind != KindSuccess {
		var zero T
		return zero, false
	}
	return o.value, true
}

// Exception returns the declared exception.
func (o Outcome[T, E]) Exception() (E, bool) {
	if o.kind != KindException {
		var zero E
		return zero, false
	}
	return o.exc, true
}

// Err returns the unexpected error, or nil for success and exception outcomes.
func (o Outcome[T, E]) Err() error {
	switch o.kind {
	case KindSuccess, KindException:
		return nil
	case KindUnexpected:
		return o.err
	default:
		return ErrEmptyOutcome
	}
}

// Get flattens the outcome into a conventional pair. Exceptions are returned
// as-is, so callers can still match them with errors.As.
func (o Outcome[T, E]) Get() (T, error) {
	switch o.kind {
	case KindSuccess:
		return o.value, nil
	case KindException:
		var zero T
		return zero, o.exc
	default:
		var zero T
		return zero, o.Err()
	}
}

// Collapse converts the outcome into a success-or-unexpected pair.
// It is used where an exception cannot happen; if one does, it becomes an
// unexpected error matching ErrUnexpectedException.
func (o Outcome[T, E]) Collapse() (T, error) {
	return o.collapse("")
}

// CollapseWithContext is Collapse with msg attached to any failure. msg should
// state the invariant that was established before the call.
func (o Outcome[T, E]) CollapseWithContext(msg string) (T, error) {
	return o.collapse(msg)
}

func (o Outcome[T, E]) collapse(msg string) (T, error) {
	var zero T
	switch o.kind {
	case KindSuccess:
		return o.value, nil
	case KindException:
		return zero, &CollapsedError{Context: msg, Exception: o.exc}
	default:
		err := o.Err()
		if msg == "" {
			return zero, err
		}
		return zero, fmt.Errorf("%s: %w", msg, err)
	}
}

// CollapsedError is a declared exception turned into an unexpected failure.
type CollapsedError struct {
	Context   string
	Exception error
}

func (e *CollapsedError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%s: %v", ErrUnexpectedException, e.Exception)
	}
	return fmt.Sprintf("%s: %s: %v", e.Context, ErrUnexpectedException, e.Exception)
}

// Unwrap exposes both ErrUnexpectedException and the original exception.
func (e *CollapsedError) Unwrap() []error {
	return []error{ErrUnexpectedException, e.Exception}
}

// MapException maps the declared exception of o with f.
// Success and unexpected outcomes pass through unchanged.
func MapException[T any, E, F error](o Outcome[T, E], f func(E) F) Outcome[T, F] {
	switch o.kind {
	case KindSuccess:
		return Success[T, F](o.value)
	case KindException:
		return Exception[T](f(o.exc))
	default:
		return Unexpected[T, F](o.Err())
	}
}

// Map maps the success value of o with f.
func Map[T, U any, E error](o Outcome[T, E], f func(T) U) Outcome[U, E] {
	switch o.kind {
	case KindSuccess:
		return Success[U, E](f(o.value))
	case KindException:
		return Exception[U](o.exc)
	default:
		return Unexpected[U, E](o.Err())
	}
}

// Propagate re-types a failed outcome for an early return from a caller with a
// different success type. Applying it to a success is a programming error and
// yields an unexpected ErrPropagatedSuccess.
func Propagate[U, T any, E error](o Outcome[T, E]) Outcome[U, E] {
	switch o.kind {
	case KindSuccess:
		return Unexpected[U, E](ErrPropagatedSuccess)
	case KindException:
		return Exception[U](o.exc)
	default:
		return Unexpected[U, E](o.Err())
	}
}
