// Package apperr defines the error kinds surfaced at the service boundary.
//
// Callers wrap a kind with context using fmt.Errorf("%w: detail", kind). The
// detail after the kind prefix is treated as caller-safe text; anything that
// does not wrap a kind is reported as SERVER_ERROR with a generic message.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
)

const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeConflict     = "CONFLICT"
	CodeRateLimited  = "RATE_LIMITED"
	CodeServerError  = "SERVER_ERROR"
)

type kind struct {
	err    error
	code   string
	status int
}

var kinds = []kind{
	{ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
	{ErrValidation, CodeValidation, http.StatusBadRequest},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrInvalidToken, CodeInvalidToken, http.StatusBadRequest},
	{ErrTokenExpired, CodeTokenExpired, http.StatusBadRequest},
	{ErrConflict, CodeConflict, http.StatusConflict},
	{ErrRateLimited, CodeRateLimited, http.StatusTooManyRequests},
}

func lookup(err error) (kind, bool) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k, true
		}
	}
	return kind{}, false
}

// Code returns the boundary code for err, SERVER_ERROR when it wraps no known kind.
func Code(err error) string {
	if k, ok := lookup(err); ok {
		return k.code
	}
	return CodeServerError
}

func Status(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Message returns text that is safe to show to the caller.
func Message(err error) string {
	k, ok := lookup(err)
	if !ok {
		return "internal server error"
	}
	msg := err.Error()
	prefix := k.err.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		if detail := strings.TrimSpace(msg[i+len(prefix):]); detail != "" {
			return detail
		}
	}
	return k.err.Error()
}

// IsServerError reports whether err maps to no typed outcome.
func IsServerError(err error) bool {
	_, ok := lookup(err)
	return err != nil && !ok
}
