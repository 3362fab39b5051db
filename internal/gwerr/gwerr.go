// Package gwerr defines the stable error taxonomy the gateway maps to HTTP
// status codes and audit reason strings.
package gwerr

import (
	"errors"
	"fmt"
)

// Code is one of the gateway's stable error categories.
type Code string

const (
	Unauthenticated Code = "Unauthenticated"
	NotTrusted      Code = "NotTrusted"
	Forbidden       Code = "Forbidden"
	BadSignature    Code = "BadSignature"
	BadRequest      Code = "BadRequest"
	SubjectMismatch Code = "SubjectMismatch"
	Conflict        Code = "Conflict"
	NotFound        Code = "NotFound"
	Internal        Code = "Internal"
)

// HTTPStatus returns the status code a Code maps to.
func (c Code) HTTPStatus() int {
	switch c {
	case Unauthenticated, NotTrusted, BadSignature:
		return 401
	case Forbidden, SubjectMismatch:
		return 403
	case BadRequest:
		return 400
	case Conflict:
		return 409
	case NotFound:
		return 404
	default:
		return 500
	}
}

// Error is a gateway error: a stable code, a human reason (also used as the
// audit record's reason string), and an optional wrapped cause.
type Error struct {
	Code   Code
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an Error with the given code and reason.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Newf creates an Error with a formatted reason.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(code Code, reason string, cause error) *Error {
	return &Error{Code: code, Reason: reason, Cause: cause}
}

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the Code of err, or Internal if err is not a *Error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}
