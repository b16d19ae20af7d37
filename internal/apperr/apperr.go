// Package apperr holds the error taxonomy shared by the services and the web layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/modfin/offer/internal/timex"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindTimeNormalization Kind = "time_normalization"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindStateConflict     Kind = "state_conflict"
	KindInternal          Kind = "internal"
)

// Error carries a display safe Message; Err is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation, KindTimeNormalization, KindStateConflict:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// Normalization wraps a timex error so it maps to 400.
func Normalization(field string, err error) error {
	return &Error{Kind: KindTimeNormalization, Message: fmt.Sprintf("%s is not a valid ISO-8601 timestamp", field), Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, timex.ErrNormalization) {
		return KindTimeNormalization
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Status maps any error to its HTTP status and the message safe to show a caller.
func Status(err error) (int, string) {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return http.StatusInternalServerError, "internal error"
		}
		return e.Status(), e.Message
	}
	if errors.Is(err, timex.ErrNormalization) {
		return http.StatusBadRequest, "invalid timestamp"
	}
	return http.StatusInternalServerError, "internal error"
}
