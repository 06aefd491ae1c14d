// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Caller-facing outcomes of the circulation engine.
var (
	ErrNotFound        = errors.New("not found")
	ErrOutOfStock      = errors.New("book is out of stock")
	ErrAlreadyReturned = errors.New("book has already been returned")
	ErrDuplicateISBN   = errors.New("a book with this isbn already exists")
	ErrDuplicateEmail  = errors.New("a member with this email already exists")
	ErrValidation      = errors.New("validation failed")
	ErrStorageConflict = errors.New("storage conflict")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Store-level outcomes. The circulation service translates these before
// they reach a caller.
var (
	ErrWouldGoNegative = errors.New("stock would go negative")
	ErrAlreadyClosed   = errors.New("transaction already closed")
	ErrStockMismatch   = errors.New("stock contradicts open loans")
)

// NotFound reports an unknown id for the named entity.
func NotFound(entity string, id fmt.Stringer) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Validation wraps ErrValidation with a field-level message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict wraps ErrStorageConflict around the underlying cause.
func Conflict(cause error) error {
	return fmt.Errorf("%w: %v", ErrStorageConflict, cause)
}

// IsRetryable reports whether err is transient contention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

// HTTPStatus maps an error to the status code the API layer answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrOutOfStock),
		errors.Is(err, ErrAlreadyReturned),
		errors.Is(err, ErrDuplicateISBN),
		errors.Is(err, ErrDuplicateEmail),
		errors.Is(err, ErrStockMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrStorageConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable machine-readable name of an error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrOutOfStock):
		return "OUT_OF_STOCK"
	case errors.Is(err, ErrAlreadyReturned):
		return "ALREADY_RETURNED"
	case errors.Is(err, ErrDuplicateISBN):
		return "DUPLICATE_ISBN"
	case errors.Is(err, ErrDuplicateEmail):
		return "DUPLICATE_EMAIL"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrStockMismatch):
		return "STOCK_MISMATCH"
	case errors.Is(err, ErrStorageConflict):
		return "STORAGE_CONFLICT"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}

var byCode = map[string]error{
	"NOT_FOUND":        ErrNotFound,
	"OUT_OF_STOCK":     ErrOutOfStock,
	"ALREADY_RETURNED": ErrAlreadyReturned,
	"DUPLICATE_ISBN":   ErrDuplicateISBN,
	"DUPLICATE_EMAIL":  ErrDuplicateEmail,
	"VALIDATION_ERROR": ErrValidation,
	"STOCK_MISMATCH":   ErrStockMismatch,
	"STORAGE_CONFLICT": ErrStorageConflict,
	"RATE_LIMITED":     ErrRateLimited,
}

// FromCode rebuilds an error received over the wire so that errors.Is
// matches the sentinel named by code.
func FromCode(code, message string) error {
	if sentinel, ok := byCode[code]; ok {
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	return errors.New(message)
}
