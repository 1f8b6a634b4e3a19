// Package gwerr defines the gateway's error taxonomy and the response
// envelope every externally visible operation is wrapped in.
//
// Each error carries a stable string code so that clients can branch on the
// failure class without parsing messages. Internal errors are converted at
// the boundary; no raw error ever crosses it.
package gwerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	CodeNotFound        Code = "not_found"
	CodeAlreadyExists   Code = "already_exists"
	CodeInvalidArgument Code = "invalid_argument"
	CodeInvalidPattern  Code = "invalid_pattern"
	CodePatternTooLong  Code = "pattern_too_long"
	CodeRateLimited     Code = "rate_limited"
	CodeUnavailable     Code = "unavailable"
	CodeTimeout         Code = "timeout"
	CodeRemoteError     Code = "remote_error"
)

// Error is a coded gateway error. It wraps an optional cause for logging
// while exposing only Code and Message externally.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error that records cause for diagnostics.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two coded errors by code alone, so callers can
// test against a bare New(code, "") sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the code from err, or CodeUnavailable when err carries
// no gateway code. A nil err returns the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnavailable
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// ErrorBody is the wire form of a coded error.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Envelope is the structured result returned by every gateway operation.
// Exactly one of Data and Error is set.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// OK wraps data in a success envelope.
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Fail converts err into a failure envelope. Non-coded errors are reported
// as unavailable to avoid leaking internals.
func Fail(err error) Envelope {
	var e *Error
	if errors.As(err, &e) {
		return Envelope{Success: false, Error: &ErrorBody{Code: e.Code, Message: e.Message}}
	}
	return Envelope{Success: false, Error: &ErrorBody{Code: CodeUnavailable, Message: "internal error"}}
}
