// Package apperr classifies domain errors so that transports can map them to
// status codes without knowing every concrete error type.
package apperr

import (
	"github.com/go-faster/errors"
)

// Kind is a coarse error category.
type Kind int

const (
	// KindUnknown is an unclassified (internal) failure.
	KindUnknown Kind = iota
	// KindValidation is malformed or missing input.
	KindValidation
	// KindNotFound means the cart, product, order or code does not exist.
	KindNotFound
	// KindForbidden is an identity mismatch or an illegal state transition.
	KindForbidden
	// KindConflict is a duplicate record or an exhausted limit.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified error with a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Classifier is implemented by typed domain errors that know their own kind.
type Classifier interface {
	error
	Kind() Kind
}

// Validation returns a KindValidation error.
func Validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

// NotFound returns a KindNotFound error.
func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

// Forbidden returns a KindForbidden error.
func Forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Message: msg} }

// Conflict returns a KindConflict error.
func Conflict(msg string) *Error { return &Error{Kind: KindConflict, Message: msg} }

// KindOf walks the error chain and reports the first classification found.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

// Message returns the user-facing message of the first classified error in
// the chain, or the fallback for unclassified errors.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Error()
	}
	return fallback
}
