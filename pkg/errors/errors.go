package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed report error carrying the HTTP status it maps to.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Code so errors.Is(err, ErrValidation) works for clones and wraps.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

var (
	ErrValidation    = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrRender        = New("RENDER_ERROR", http.StatusInternalServerError, "report rendering failed")
	ErrRenderTimeout = New("RENDER_TIMEOUT", http.StatusGatewayTimeout, "report rendering timed out")
	ErrStore         = New("STORE_ERROR", http.StatusInternalServerError, "report store failure")
	ErrJobResolution = New("JOB_RESOLUTION_ERROR", http.StatusNotFound, "job references an unknown report definition")
	ErrNotFound      = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrInternal      = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// Validation builds a ValidationError with a caller-facing detail message.
func Validation(format string, args ...interface{}) *Error {
	return Clone(ErrValidation, fmt.Sprintf(format, args...))
}

// Render wraps a browser failure. Deadline and cancellation map to RENDER_TIMEOUT.
func Render(err error, step string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrRenderTimeout.Code, ErrRenderTimeout.Status, fmt.Sprintf("render %s timed out", step))
	}
	return Wrap(err, ErrRender.Code, ErrRender.Status, fmt.Sprintf("render %s failed", step))
}

// Store wraps a persistence failure.
func Store(err error, op string) *Error {
	return Wrap(err, ErrStore.Code, ErrStore.Status, fmt.Sprintf("store %s failed", op))
}

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
