// Package apierr defines the error taxonomy surfaced by the gateway.
// Every error that reaches the HTTP layer is either an *Error or wraps one;
// anything else is reported as a provider failure.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independently of its HTTP status.
type Kind string

const (
	KindInvalidParameters Kind = "invalid_parameters"
	KindInvalidPath       Kind = "invalid_path"
	KindInsufficientQuota Kind = "insufficient_quota"
	KindMetadata          Kind = "metadata_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindPartialFailure    Kind = "partial_failure"
	KindProvider          Kind = "provider_error"
)

// Error is a classified error with the status code it maps to.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, apierr.ErrInvalidParameters).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// Sentinels for errors.Is comparisons (Code 0 matches any code).
var (
	ErrInvalidParameters = &Error{Kind: KindInvalidParameters}
	ErrInvalidPath       = &Error{Kind: KindInvalidPath}
	ErrInsufficientQuota = &Error{Kind: KindInsufficientQuota}
	ErrMetadata          = &Error{Kind: KindMetadata}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrPartialFailure    = &Error{Kind: KindPartialFailure}
	ErrProvider          = &Error{Kind: KindProvider}
)

func New(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// InvalidParameters reports a malformed or missing request field (400).
func InvalidParameters(format string, args ...any) *Error {
	return New(KindInvalidParameters, http.StatusBadRequest, fmt.Sprintf(format, args...))
}

// InvalidParametersCode is InvalidParameters with an explicit status (411, 413).
func InvalidParametersCode(code int, msg string) *Error {
	return New(KindInvalidParameters, code, msg)
}

func InvalidPath(format string, args ...any) *Error {
	return New(KindInvalidPath, http.StatusBadRequest, fmt.Sprintf(format, args...))
}

// InsufficientQuota uses 413 so clients can tell it apart from a plain 400.
func InsufficientQuota(msg string) *Error {
	return New(KindInsufficientQuota, http.StatusRequestEntityTooLarge, msg)
}

// Metadata wraps a failed provider lookup, keeping the provider's status code.
func Metadata(code int, format string, args ...any) *Error {
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return New(KindMetadata, code, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, http.StatusNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, http.StatusConflict, fmt.Sprintf(format, args...))
}

func Unauthorized(code int, msg string) *Error {
	if code == 0 {
		code = http.StatusUnauthorized
	}
	return New(KindUnauthorized, code, msg)
}

// Provider wraps a transport or backend failure.
func Provider(provider string, err error) *Error {
	return &Error{Kind: KindProvider, Code: http.StatusBadGateway, Message: provider, Err: err}
}

// StatusOf returns the HTTP status for err; unclassified errors map to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// KindOf returns the Kind of err, or KindProvider when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProvider
}
