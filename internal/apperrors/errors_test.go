package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableAndFatalWrappers(t *testing.T) {
	base := errors.New("connection reset")

	retryable := NewRetryable(base, "fetch page %d", 3)
	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsFatal(retryable))
	assert.ErrorIs(t, retryable, base)
	assert.Equal(t, "retryable: fetch page 3: connection reset", retryable.Error())

	fatal := NewFatal(ErrMissingCredential, "organization %d", 7)
	assert.True(t, IsFatal(fatal))
	assert.True(t, IsMissingCredentialError(fatal))
	assert.True(t, IsConfigurationError(fatal))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "validation", err: fmt.Errorf("%w: name", ErrValidation), want: http.StatusBadRequest},
		{name: "missing credential", err: ErrMissingCredential, want: http.StatusBadRequest},
		{name: "not found", err: fmt.Errorf("org 9: %w", ErrNotFound), want: http.StatusNotFound},
		{name: "duplicate", err: ErrDuplicate, want: http.StatusConflict},
		{name: "upstream", err: ErrUpstream, want: http.StatusBadGateway},
		{name: "rate limited", err: ErrRateLimited, want: http.StatusTooManyRequests},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}
