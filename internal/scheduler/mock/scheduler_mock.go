package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/vapi-call-sync/internal/scheduler"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
)

// RunnerMock mocks the scheduler.Runner interface
type RunnerMock struct {
	mock.Mock
}

var _ scheduler.Runner = (*RunnerMock)(nil)

// Run mocks the Run method
func (m *RunnerMock) Run(ctx context.Context, organizationID uint, opts syncer.RunOptions) (*syncer.Result, error) {
	args := m.Called(ctx, organizationID, opts)
	var result *syncer.Result
	if args.Get(0) != nil {
		result = args.Get(0).(*syncer.Result)
	}
	return result, args.Error(1)
}

// RetentionRunnerMock mocks the scheduler.RetentionRunner interface
type RetentionRunnerMock struct {
	mock.Mock
}

var _ scheduler.RetentionRunner = (*RetentionRunnerMock)(nil)

// RunRetentionCleanup mocks the RunRetentionCleanup method
func (m *RetentionRunnerMock) RunRetentionCleanup(ctx context.Context) (*syncer.CleanupResult, error) {
	args := m.Called(ctx)
	var result *syncer.CleanupResult
	if args.Get(0) != nil {
		result = args.Get(0).(*syncer.CleanupResult)
	}
	return result, args.Error(1)
}

// ControllerMock mocks the scheduler.ControllerInterface
type ControllerMock struct {
	mock.Mock
}

var _ scheduler.ControllerInterface = (*ControllerMock)(nil)

// SetAutoSync mocks the SetAutoSync method
func (m *ControllerMock) SetAutoSync(ctx context.Context, organizationID uint, enabled bool, interval string) error {
	args := m.Called(ctx, organizationID, enabled, interval)
	return args.Error(0)
}

// Unschedule mocks the Unschedule method
func (m *ControllerMock) Unschedule(organizationID uint) {
	m.Called(organizationID)
}

// Enqueue mocks the Enqueue method
func (m *ControllerMock) Enqueue(organizationID uint, trigger string) error {
	args := m.Called(organizationID, trigger)
	return args.Error(0)
}

// SyncAllOrganizations mocks the SyncAllOrganizations method
func (m *ControllerMock) SyncAllOrganizations(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// ResetAllSchedules mocks the ResetAllSchedules method
func (m *ControllerMock) ResetAllSchedules(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// Status mocks the Status method
func (m *ControllerMock) Status(ctx context.Context, organizationID uint) (*scheduler.SyncStatus, error) {
	args := m.Called(ctx, organizationID)
	var status *scheduler.SyncStatus
	if args.Get(0) != nil {
		status = args.Get(0).(*scheduler.SyncStatus)
	}
	return status, args.Error(1)
}

// Stop mocks the Stop method
func (m *ControllerMock) Stop(timeout time.Duration) {
	m.Called(timeout)
}
