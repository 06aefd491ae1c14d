package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NotFound("book", uuid.New()), http.StatusNotFound},
		{Validation("title is required"), http.StatusBadRequest},
		{fmt.Errorf("issue: %w", ErrOutOfStock), http.StatusConflict},
		{ErrAlreadyReturned, http.StatusConflict},
		{ErrDuplicateEmail, http.StatusConflict},
		{Conflict(errors.New("serialization failure")), http.StatusServiceUnavailable},
		{ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestConflictIsRetryable(t *testing.T) {
	err := fmt.Errorf("return loan: %w", Conflict(errors.New("40001")))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "STORAGE_CONFLICT", Code(err))
	assert.False(t, IsRetryable(ErrOutOfStock))
}

func TestValidationMessage(t *testing.T) {
	err := Validation("stock must be non-negative, got %d", -1)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "got -1")
}

func TestFromCodeRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrNotFound, ErrOutOfStock, ErrAlreadyReturned, ErrDuplicateISBN,
		ErrDuplicateEmail, ErrValidation, ErrStockMismatch, ErrStorageConflict, ErrRateLimited} {
		err := FromCode(Code(sentinel), "remote")
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, Code(sentinel), Code(err))
	}
	assert.Equal(t, "INTERNAL", Code(FromCode("INTERNAL", "boom")))
}
