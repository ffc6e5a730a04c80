package tenant

import (
	"context"
	"errors"
	"strconv"
)

// Key for tenant values in context
type contextKey string

const (
	organizationIDKey contextKey = "organizationID"
	requestIDKey      contextKey = "requestID"
	runIDKey          contextKey = "runID"
)

// ErrOrganizationIDNotFound is returned when no organization ID is found in context
var ErrOrganizationIDNotFound = errors.New("organization ID not found in context")

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithOrganizationID adds an organization ID to the context
func WithOrganizationID(ctx context.Context, organizationID uint) context.Context {
	return context.WithValue(ctx, organizationIDKey, organizationID)
}

// FromContext extracts the organization ID from the context
func FromContext(ctx context.Context) (uint, error) {
	organizationID, ok := ctx.Value(organizationIDKey).(uint)
	if !ok || organizationID == 0 {
		return 0, ErrOrganizationIDNotFound
	}
	return organizationID, nil
}

// LabelFromContext returns the organization ID as a metric/log label, or "unknown".
func LabelFromContext(ctx context.Context) string {
	organizationID, err := FromContext(ctx)
	if err != nil {
		return "unknown"
	}
	return strconv.FormatUint(uint64(organizationID), 10)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// WithRunID tags the context with the identifier of a sync run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the sync run identifier, if any.
func RunIDFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(runIDKey).(string)
	return runID
}
