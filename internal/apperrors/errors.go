package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// RetryableError marks a failure that a later attempt may get past, such as
// a dropped connection to the remote API or a busy database.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying will not fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// annotate prefixes err with a formatted message, keeping err in the chain.
func annotate(err error, message string, args []interface{}) error {
	return fmt.Errorf(message+": %w", append(args, err)...)
}

// NewRetryable wraps err as a RetryableError with a formatted prefix.
func NewRetryable(err error, message string, args ...interface{}) error {
	return &RetryableError{Err: annotate(err, message, args)}
}

// NewFatal wraps err as a FatalError with a formatted prefix.
func NewFatal(err error, message string, args ...interface{}) error {
	return &FatalError{Err: annotate(err, message, args)}
}

// Sentinels shared by the stores, the remote client, the sync engine and
// the command API. Callers wrap them with %w and test with errors.Is.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrValidation        = errors.New("validation failed")
	ErrDatabase          = errors.New("database error")
	ErrDuplicate         = errors.New("duplicate resource")
	ErrConflict          = errors.New("resource conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrTimeout           = errors.New("operation timeout")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized access")
	ErrUpstream          = errors.New("remote api error")
	ErrMissingCredential = errors.New("missing api credential")
	ErrPublish           = errors.New("event publish error")
)

// IsRetryable reports whether err carries a RetryableError.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsValidationError(err error) bool        { return errors.Is(err, ErrValidation) }
func IsBadRequestError(err error) bool        { return errors.Is(err, ErrBadRequest) }
func IsConflictError(err error) bool          { return errors.Is(err, ErrConflict) }
func IsUpstreamError(err error) bool          { return errors.Is(err, ErrUpstream) }
func IsMissingCredentialError(err error) bool { return errors.Is(err, ErrMissingCredential) }

// IsConfigurationError reports whether err is a configuration problem that
// retrying cannot fix: an unknown organization or a missing credential.
func IsConfigurationError(err error) bool {
	return IsNotFoundError(err) || IsMissingCredentialError(err)
}

// statusBySentinel is checked in order; the first sentinel in the chain wins.
var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrBadRequest, http.StatusBadRequest},
	{ErrMissingCredential, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrDuplicate, http.StatusConflict},
	{ErrConflict, http.StatusConflict},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrRateLimited, http.StatusTooManyRequests},
	{ErrUpstream, http.StatusBadGateway},
	{ErrTimeout, http.StatusGatewayTimeout},
}

// HTTPStatus maps an application error onto the status the command API
// answers with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
