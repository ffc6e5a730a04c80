package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/vapi-call-sync/internal/vapi"
)

// APIMock is a mock implementation of vapi.API
type APIMock struct {
	mock.Mock
}

// Ensure APIMock implements vapi.API
var _ vapi.API = (*APIMock)(nil)

// TestConnection mocks the TestConnection method
func (m *APIMock) TestConnection(ctx context.Context, credential string) bool {
	args := m.Called(ctx, credential)
	return args.Bool(0)
}

// FetchCallLogs mocks the FetchCallLogs method
func (m *APIMock) FetchCallLogs(ctx context.Context, credential string, filters vapi.ListFilters) (*vapi.CallBatch, error) {
	args := m.Called(ctx, credential, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vapi.CallBatch), args.Error(1)
}

// FetchAllCallLogs mocks the FetchAllCallLogs method
func (m *APIMock) FetchAllCallLogs(ctx context.Context, credential string, filters vapi.ListFilters) (*vapi.CallBatch, error) {
	args := m.Called(ctx, credential, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vapi.CallBatch), args.Error(1)
}

// DeleteCall mocks the DeleteCall method
func (m *APIMock) DeleteCall(ctx context.Context, credential, callID string) error {
	args := m.Called(ctx, credential, callID)
	return args.Error(0)
}

// BulkDelete mocks the BulkDelete method
func (m *APIMock) BulkDelete(ctx context.Context, credential string, callIDs []string, delay time.Duration) vapi.BulkDeleteResult {
	args := m.Called(ctx, credential, callIDs, delay)
	return args.Get(0).(vapi.BulkDeleteResult)
}

// ChunkedBulkDelete mocks the ChunkedBulkDelete method
func (m *APIMock) ChunkedBulkDelete(ctx context.Context, credential string, callIDs []string, chunkSize int, chunkDelay time.Duration) vapi.BulkDeleteResult {
	args := m.Called(ctx, credential, callIDs, chunkSize, chunkDelay)
	return args.Get(0).(vapi.BulkDeleteResult)
}

// RateLimitInfo mocks the RateLimitInfo method
func (m *APIMock) RateLimitInfo(ctx context.Context, credential string) (*vapi.RateLimitInfo, error) {
	args := m.Called(ctx, credential)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vapi.RateLimitInfo), args.Error(1)
}
