package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a mesh failure. Codes travel on the wire inside
// capability_result frames and map onto HTTP statuses at the API edge,
// so they must stay stable across versions.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeNotAuthorized    Code = "not_authorized"
	CodeNoCapability     Code = "no_capability"
	CodeValidation       Code = "validation_error"
	CodeTimeout          Code = "timeout"
	CodeTransportFailure Code = "transport_failure"
	CodeHandlerError     Code = "handler_error"
	CodeOwnerConflict    Code = "owner_conflict"
	CodeStale            Code = "stale"
	CodeUnavailable      Code = "unavailable"
)

// Error is a classified mesh error. Wrapping keeps the cause chain
// intact for errors.Is / errors.As while the Code survives transport.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two mesh errors by code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds a classified error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying error without losing it.
func WrapErr(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail attaches a detail field and returns the same error.
func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = val
	return e
}

// CodeOf extracts the classification from any error. Context
// cancellation and deadline expiry count as timeouts; everything
// unclassified is a handler_error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeHandlerError
}

// HTTPStatus maps a code onto the status the API edge returns.
// callerDeadline selects 408 vs 504 for timeouts: true means the
// caller's own budget fired, false means a downstream node or handler
// ran out of time.
func HTTPStatus(code Code, callerDeadline bool) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotAuthorized:
		return http.StatusUnauthorized
	case CodeNoCapability, CodeTransportFailure, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeValidation:
		return http.StatusBadRequest
	case CodeTimeout:
		if callerDeadline {
			return http.StatusRequestTimeout
		}
		return http.StatusGatewayTimeout
	case CodeOwnerConflict:
		return http.StatusConflict
	case CodeStale:
		return http.StatusConflict
	case CodeHandlerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
