package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/vapi-call-sync/internal/audio"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// ArchiverMock is a mock implementation of audio.ArchiverInterface
type ArchiverMock struct {
	mock.Mock
}

// Ensure ArchiverMock implements audio.ArchiverInterface
var _ audio.ArchiverInterface = (*ArchiverMock)(nil)

// Archive mocks the Archive method
func (m *ArchiverMock) Archive(ctx context.Context, recordingURL, callID string, org *model.Organization) (string, error) {
	args := m.Called(ctx, recordingURL, callID, org)
	return args.String(0), args.Error(1)
}

// Remove mocks the Remove method
func (m *ArchiverMock) Remove(ctx context.Context, relPath string) error {
	args := m.Called(ctx, relPath)
	return args.Error(0)
}

// RemoveOrganizationDir mocks the RemoveOrganizationDir method
func (m *ArchiverMock) RemoveOrganizationDir(ctx context.Context, org *model.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}
