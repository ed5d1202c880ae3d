// Package apperr defines the error kinds shared by services and the HTTP layer.
// Services wrap a kind with context: fmt.Errorf("%w: password too short", apperr.ErrInvalid).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalid      = errors.New("invalid request")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream failure")
)

var kinds = []error{ErrUnauthorized, ErrForbidden, ErrNotFound, ErrInvalid, ErrConflict}

// Invalid wraps ErrInvalid with a client-facing reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Status maps an error to the HTTP status the API reports for it.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text safe to show a client. Internal and upstream errors
// are reduced to a generic message; a leading kind prefix is dropped.
func Message(err error) string {
	switch Status(err) {
	case http.StatusInternalServerError:
		return "internal server error"
	case http.StatusBadGateway:
		return "upstream service failed"
	}
	msg := err.Error()
	for _, kind := range kinds {
		if trimmed, ok := strings.CutPrefix(msg, kind.Error()+": "); ok {
			return trimmed
		}
	}
	return msg
}
