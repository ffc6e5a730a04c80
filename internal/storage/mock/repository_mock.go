package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
)

// --- OrganizationRepo Mock ---

// OrganizationRepoMock mocks the OrganizationRepo interface
type OrganizationRepoMock struct {
	mock.Mock
}

// Create mocks the Create method
func (m *OrganizationRepoMock) Create(ctx context.Context, org *model.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

// Update mocks the Update method
func (m *OrganizationRepoMock) Update(ctx context.Context, org *model.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

// Get mocks the Get method
func (m *OrganizationRepoMock) Get(ctx context.Context, id uint) (*model.Organization, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Organization), args.Error(1)
}

// List mocks the List method
func (m *OrganizationRepoMock) List(ctx context.Context, activeOnly bool) ([]model.Organization, error) {
	args := m.Called(ctx, activeOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Organization), args.Error(1)
}

// Delete mocks the Delete method
func (m *OrganizationRepoMock) Delete(ctx context.Context, id uint) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// UpdateLastSync mocks the UpdateLastSync method
func (m *OrganizationRepoMock) UpdateLastSync(ctx context.Context, id uint, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// MarkTableProvisioned mocks the MarkTableProvisioned method
func (m *OrganizationRepoMock) MarkTableProvisioned(ctx context.Context, id uint) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// --- CallRecordStore Mock ---

// CallRecordStoreMock mocks the CallRecordStore interface
type CallRecordStoreMock struct {
	mock.Mock
}

// ExistingCallIDs mocks the ExistingCallIDs method
func (m *CallRecordStoreMock) ExistingCallIDs(ctx context.Context) (map[string]struct{}, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

// GetByCallID mocks the GetByCallID method
func (m *CallRecordStoreMock) GetByCallID(ctx context.Context, callID string) (*model.CallRecord, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CallRecord), args.Error(1)
}

// InsertIfAbsent mocks the InsertIfAbsent method
func (m *CallRecordStoreMock) InsertIfAbsent(ctx context.Context, record *model.CallRecord) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

// Update mocks the Update method
func (m *CallRecordStoreMock) Update(ctx context.Context, record *model.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// UpdateAudioPath mocks the UpdateAudioPath method
func (m *CallRecordStoreMock) UpdateAudioPath(ctx context.Context, callID, path string) error {
	args := m.Called(ctx, callID, path)
	return args.Error(0)
}

// Query mocks the Query method
func (m *CallRecordStoreMock) Query(ctx context.Context, filters model.CallFilters) ([]model.CallRecord, error) {
	args := m.Called(ctx, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CallRecord), args.Error(1)
}

// ProvisionStorage mocks the ProvisionStorage method
func (m *CallRecordStoreMock) ProvisionStorage(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// PurgeOlderThan mocks the PurgeOlderThan method
func (m *CallRecordStoreMock) PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]string, int64, error) {
	args := m.Called(ctx, cutoff)
	var paths []string
	if args.Get(0) != nil {
		paths = args.Get(0).([]string)
	}
	return paths, args.Get(1).(int64), args.Error(2)
}

// DeleteAll mocks the DeleteAll method
func (m *CallRecordStoreMock) DeleteAll(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// Count mocks the Count method
func (m *CallRecordStoreMock) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// --- StoreResolver Mock ---

// StoreResolverMock mocks the StoreResolver interface
type StoreResolverMock struct {
	mock.Mock
}

// Resolve mocks the Resolve method
func (m *StoreResolverMock) Resolve(ctx context.Context, org *model.Organization) (storage.CallRecordStore, error) {
	args := m.Called(ctx, org)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(storage.CallRecordStore), args.Error(1)
}

// Provision mocks the Provision method
func (m *StoreResolverMock) Provision(ctx context.Context, org *model.Organization) (storage.CallRecordStore, error) {
	args := m.Called(ctx, org)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(storage.CallRecordStore), args.Error(1)
}

// Invalidate mocks the Invalidate method
func (m *StoreResolverMock) Invalidate(organizationID uint) {
	m.Called(organizationID)
}

// TestConnection mocks the TestConnection method
func (m *StoreResolverMock) TestConnection(ctx context.Context, descriptor model.DBDescriptor) error {
	args := m.Called(ctx, descriptor)
	return args.Error(0)
}

// --- SyncStateRepo Mock ---

// SyncStateRepoMock mocks the SyncStateRepo interface
type SyncStateRepoMock struct {
	mock.Mock
}

// Get mocks the Get method
func (m *SyncStateRepoMock) Get(ctx context.Context, organizationID uint) (*model.SyncState, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncState), args.Error(1)
}

// RecordAttempt mocks the RecordAttempt method
func (m *SyncStateRepoMock) RecordAttempt(ctx context.Context, organizationID uint, at time.Time) error {
	args := m.Called(ctx, organizationID, at)
	return args.Error(0)
}

// RecordSuccess mocks the RecordSuccess method
func (m *SyncStateRepoMock) RecordSuccess(ctx context.Context, organizationID uint, stats model.SyncStats) error {
	args := m.Called(ctx, organizationID, stats)
	return args.Error(0)
}

// RecordFailure mocks the RecordFailure method
func (m *SyncStateRepoMock) RecordFailure(ctx context.Context, organizationID uint, message string) error {
	args := m.Called(ctx, organizationID, message)
	return args.Error(0)
}

// SetSchedule mocks the SetSchedule method
func (m *SyncStateRepoMock) SetSchedule(ctx context.Context, organizationID uint, enabled bool, interval string) error {
	args := m.Called(ctx, organizationID, enabled, interval)
	return args.Error(0)
}

// List mocks the List method
func (m *SyncStateRepoMock) List(ctx context.Context) ([]model.SyncState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SyncState), args.Error(1)
}

// Delete mocks the Delete method
func (m *SyncStateRepoMock) Delete(ctx context.Context, organizationID uint) error {
	args := m.Called(ctx, organizationID)
	return args.Error(0)
}

// DeleteAll mocks the DeleteAll method
func (m *SyncStateRepoMock) DeleteAll(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// --- Locker Mock ---

// LockerMock mocks the Locker interface
type LockerMock struct {
	mock.Mock
}

// TryAcquire mocks the TryAcquire method
func (m *LockerMock) TryAcquire(ctx context.Context, organizationID uint, ttl time.Duration) (*storage.Lease, bool, error) {
	args := m.Called(ctx, organizationID, ttl)
	var lease *storage.Lease
	if args.Get(0) != nil {
		lease = args.Get(0).(*storage.Lease)
	}
	return lease, args.Bool(1), args.Error(2)
}

// Extend mocks the Extend method
func (m *LockerMock) Extend(ctx context.Context, lease *storage.Lease, ttl time.Duration) error {
	args := m.Called(ctx, lease, ttl)
	return args.Error(0)
}

// Release mocks the Release method
func (m *LockerMock) Release(ctx context.Context, lease *storage.Lease) error {
	args := m.Called(ctx, lease)
	return args.Error(0)
}

// IsHeld mocks the IsHeld method
func (m *LockerMock) IsHeld(ctx context.Context, organizationID uint) (bool, error) {
	args := m.Called(ctx, organizationID)
	return args.Bool(0), args.Error(1)
}

// ForceRelease mocks the ForceRelease method
func (m *LockerMock) ForceRelease(ctx context.Context, organizationID uint) error {
	args := m.Called(ctx, organizationID)
	return args.Error(0)
}

// ReleaseAll mocks the ReleaseAll method
func (m *LockerMock) ReleaseAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
