// Package apperr names the error kinds of the dispatch engine's error
// handling design and maps each to an HTTP status, generalizing the ad hoc
// sentinel-error style used elsewhere in the codebase.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the eight error categories from the error-handling design.
type Kind string

const (
	Validation       Kind = "validation"
	Auth             Kind = "auth"
	NotFound         Kind = "not_found"
	TransientIO      Kind = "transient_io"
	ResourcePressure Kind = "resource_pressure"
	ToolException    Kind = "tool_exception"
	IndexingFailure  Kind = "indexing_failure"
	Fatal            Kind = "fatal"
)

// Error wraps an underlying cause with a Kind and a caller-facing message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus maps a Kind to the status code the HTTP layer should surface.
// Never persist validation errors; auth errors clear cookies at the call
// site, not here.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case ResourcePressure:
		return http.StatusServiceUnavailable
	case TransientIO:
		return http.StatusBadGateway
	case ToolException:
		return http.StatusOK // never aborts the LLM run; surfaced in-band.
	case IndexingFailure:
		return http.StatusUnprocessableEntity
	case Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As reports whether err is an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and Fatal
// otherwise — callers that reach an unrecognized error treat it as fatal
// rather than silently mapping to 500 without a kind on record.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Fatal
}
