package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// ErrLeaseLost is returned when extending a lease that expired or was taken over.
var ErrLeaseLost = errors.New("sync lease lost")

// DBLocker implements Locker with one row per organization in the shared database.
type DBLocker struct {
	db *gorm.DB
}

var _ Locker = (*DBLocker)(nil)

// NewDBLocker creates a lease locker backed by the vapi_sync_locks table.
func NewDBLocker(db *gorm.DB) *DBLocker {
	return &DBLocker{db: db}
}

// TryAcquire takes the organization's lease unless a live one exists. Expired
// leases are replaced.
func (l *DBLocker) TryAcquire(ctx context.Context, organizationID uint, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	now := utils.Now()
	row := model.SyncLock{
		OrganizationID: organizationID,
		Token:          uuid.NewString(),
		AcquiredAt:     now,
		ExpiresAt:      now.Add(ttl),
	}

	var acquired bool
	operation := func() error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("organization_id = ? AND expires_at < ?", organizationID, now).Delete(&model.SyncLock{}).Error; err != nil {
				return checkConstraintViolation(err)
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return checkConstraintViolation(result.Error)
			}
			acquired = result.RowsAffected == 1
			return nil
		})
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "AcquireSyncLease", operation)
	observer.ObserveDbOperationDuration("acquire", "sync_lock", orgLabel(organizationID), time.Since(startTime), err)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		observer.IncLeaseContention(orgLabel(organizationID))
		return nil, false, nil
	}

	return &Lease{OrganizationID: organizationID, Token: row.Token, ExpiresAt: row.ExpiresAt}, true, nil
}

// Extend pushes the lease expiry forward while the token still owns it.
func (l *DBLocker) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	expiresAt := utils.Now().Add(ttl)
	result := l.db.WithContext(ctx).Model(&model.SyncLock{}).
		Where("organization_id = ? AND token = ?", lease.OrganizationID, lease.Token).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		return checkConstraintViolation(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = expiresAt
	return nil
}

// Release drops the lease if the token still owns it.
func (l *DBLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	err := l.db.WithContext(ctx).
		Where("organization_id = ? AND token = ?", lease.OrganizationID, lease.Token).
		Delete(&model.SyncLock{}).Error
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to release sync lease", zap.Uint("organization_id", lease.OrganizationID), zap.Error(err))
		return checkConstraintViolation(err)
	}
	return nil
}

// IsHeld reports whether a live lease exists for the organization.
func (l *DBLocker) IsHeld(ctx context.Context, organizationID uint) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&model.SyncLock{}).
		Where("organization_id = ? AND expires_at >= ?", organizationID, utils.Now()).
		Count(&n).Error
	if err != nil {
		return false, checkConstraintViolation(err)
	}
	return n > 0, nil
}

// ForceRelease drops the organization's lease whoever holds it.
func (l *DBLocker) ForceRelease(ctx context.Context, organizationID uint) error {
	return checkConstraintViolation(l.db.WithContext(ctx).Where("organization_id = ?", organizationID).Delete(&model.SyncLock{}).Error)
}

// ReleaseAll drops every lease.
func (l *DBLocker) ReleaseAll(ctx context.Context) error {
	return checkConstraintViolation(l.db.WithContext(ctx).Where("1 = 1").Delete(&model.SyncLock{}).Error)
}
