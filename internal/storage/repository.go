package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// OrganizationRepo defines organization registry operations
type OrganizationRepo interface {
	Create(ctx context.Context, org *model.Organization) error
	// Update persists every mutable field. An empty APIKey or DBPassword keeps the stored secret.
	Update(ctx context.Context, org *model.Organization) error
	Get(ctx context.Context, id uint) (*model.Organization, error)
	List(ctx context.Context, activeOnly bool) ([]model.Organization, error)
	Delete(ctx context.Context, id uint) error
	UpdateLastSync(ctx context.Context, id uint, at time.Time) error
	MarkTableProvisioned(ctx context.Context, id uint) error
}

// CallRecordStore defines call record operations for one organization. Implementations
// are bound to a single organization by the StorageRouter.
type CallRecordStore interface {
	ExistingCallIDs(ctx context.Context) (map[string]struct{}, error)
	GetByCallID(ctx context.Context, callID string) (*model.CallRecord, error)
	// InsertIfAbsent reports false without error when the call is already stored.
	InsertIfAbsent(ctx context.Context, record *model.CallRecord) (bool, error)
	Update(ctx context.Context, record *model.CallRecord) error
	UpdateAudioPath(ctx context.Context, callID, path string) error
	Query(ctx context.Context, filters model.CallFilters) ([]model.CallRecord, error)
	ProvisionStorage(ctx context.Context) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]string, int64, error)
	DeleteAll(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// StoreResolver maps an organization to its call record store
type StoreResolver interface {
	Resolve(ctx context.Context, org *model.Organization) (CallRecordStore, error)
	// Provision creates the organization's call table and marks it provisioned.
	Provision(ctx context.Context, org *model.Organization) (CallRecordStore, error)
	Invalidate(organizationID uint)
	TestConnection(ctx context.Context, descriptor model.DBDescriptor) error
}

// SyncStateRepo defines per-organization schedule and last-run operations
type SyncStateRepo interface {
	// Get returns the stored state, or a zero state for the organization when none exists.
	Get(ctx context.Context, organizationID uint) (*model.SyncState, error)
	RecordAttempt(ctx context.Context, organizationID uint, at time.Time) error
	RecordSuccess(ctx context.Context, organizationID uint, stats model.SyncStats) error
	RecordFailure(ctx context.Context, organizationID uint, message string) error
	SetSchedule(ctx context.Context, organizationID uint, enabled bool, interval string) error
	List(ctx context.Context) ([]model.SyncState, error)
	Delete(ctx context.Context, organizationID uint) error
	DeleteAll(ctx context.Context) (int64, error)
}

// Lease is a held per-organization sync lock
type Lease struct {
	OrganizationID uint
	Token          string
	ExpiresAt      time.Time
}

// Locker guards a sync run so that at most one runs per organization
type Locker interface {
	TryAcquire(ctx context.Context, organizationID uint, ttl time.Duration) (*Lease, bool, error)
	// Extend pushes the expiry of a held lease. ErrLeaseLost when the lease is no longer ours.
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
	IsHeld(ctx context.Context, organizationID uint) (bool, error)
	// ForceRelease drops the lease regardless of owner.
	ForceRelease(ctx context.Context, organizationID uint) error
	ReleaseAll(ctx context.Context) error
}
