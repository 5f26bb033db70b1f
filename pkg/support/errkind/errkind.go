// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errkind defines the kinds of errors returned by chargen packages.
//
// Errors returned by the packages carry context messages (added with github.com/pkg/errors), and can
// be classified with errors.Is:
//
//	if errors.Is(err, errkind.ErrNotFound) {
//		// ... create a new model instead.
//	}
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInput is returned for malformed inputs: a seed of the wrong length, characters not in the
	// vocabulary, a non-positive temperature, a corpus not longer than the sample length, etc.
	ErrInput = errors.New("invalid input")

	// ErrState is returned when an operation is invoked out of order, e.g. generating text before
	// a model was created or trained.
	ErrState = errors.New("invalid state")

	// ErrNotFound is returned when a stored model is referenced but doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrIO is returned for failures of the underlying persistence backend.
	ErrIO = errors.New("i/o failure")
)

// Inputf returns an error of kind ErrInput with the formatted message.
func Inputf(format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(ErrInput, format, args...))
}

// Statef returns an error of kind ErrState with the formatted message.
func Statef(format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(ErrState, format, args...))
}

// NotFoundf returns an error of kind ErrNotFound with the formatted message.
func NotFoundf(format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(ErrNotFound, format, args...))
}

// Wrap returns an error of the given kind that wraps cause.
//
// errors.Is matches both the kind and anything in the chain of cause, and errors.Cause
// returns the original cause. It returns nil if cause is nil.
func Wrap(kind error, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &kindError{
		kind:  kind,
		cause: errors.WithStack(cause),
		msg:   fmt.Sprintf(format, args...),
	}
}

// IOf wraps cause as an ErrIO error. It returns nil if cause is nil.
func IOf(cause error, format string, args ...any) error {
	return Wrap(ErrIO, cause, format, args...)
}

// Is returns whether err is of one of the kinds defined in this package, and which one.
func Is(err error) (kind error, ok bool) {
	for _, k := range []error{ErrInput, ErrState, ErrNotFound, ErrIO} {
		if errors.Is(err, k) {
			return k, true
		}
	}
	return nil, false
}

type kindError struct {
	kind  error
	cause error
	msg   string
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.msg, e.kind, e.cause)
}

// Is implements the interface used by errors.Is.
func (e *kindError) Is(target error) bool { return target == e.kind }

// Unwrap implements the interface used by errors.Unwrap and errors.Is.
func (e *kindError) Unwrap() error { return e.cause }

// Cause implements the interface used by github.com/pkg/errors.Cause.
func (e *kindError) Cause() error { return errors.Cause(e.cause) }

// Format implements fmt.Formatter, printing the stack of the cause with "%+v".
func (e *kindError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "%s: %s: %+v", e.msg, e.kind, e.cause)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}
