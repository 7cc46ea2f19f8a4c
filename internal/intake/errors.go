package intake

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why an intake did not complete.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindPersistence       Kind = "persistence"
	KindCacheInvalidation Kind = "cache_invalidation"
)

// HTTPStatus maps the kind to the response code callers see.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCacheInvalidation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by Submit for every fatal outcome.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("intake %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
