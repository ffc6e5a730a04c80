package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// GormSyncStateRepo implements SyncStateRepo on the shared database
type GormSyncStateRepo struct {
	db *gorm.DB
}

var _ SyncStateRepo = (*GormSyncStateRepo)(nil)

// NewSyncStateRepo creates a sync state repository backed by db.
func NewSyncStateRepo(db *gorm.DB) *GormSyncStateRepo {
	return &GormSyncStateRepo{db: db}
}

// Get returns the organization's state, or a zero state when none was stored yet.
func (r *GormSyncStateRepo) Get(ctx context.Context, organizationID uint) (*model.SyncState, error) {
	var state model.SyncState
	operation := func() error {
		err := r.db.WithContext(ctx).Where("organization_id = ?", organizationID).Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = model.SyncState{OrganizationID: organizationID}
			return nil
		}
		return checkConstraintViolation(err)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetSyncState", operation)
	observer.ObserveDbOperationDuration("select", "sync_state", orgLabel(organizationID), time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// RecordAttempt stamps the start of a sync run.
func (r *GormSyncStateRepo) RecordAttempt(ctx context.Context, organizationID uint, at time.Time) error {
	state := model.SyncState{OrganizationID: organizationID, LastAttemptAt: &at}
	return r.upsert(ctx, "RecordSyncAttempt", &state, "last_attempt_at", "updated_at")
}

// RecordSuccess clears the last error and stores the run's counters.
func (r *GormSyncStateRepo) RecordSuccess(ctx context.Context, organizationID uint, stats model.SyncStats) error {
	raw, err := utils.MarshalJSON(stats)
	if err != nil {
		return fmt.Errorf("%w: failed to encode sync stats: %w", apperrors.ErrBadRequest, err)
	}
	state := model.SyncState{OrganizationID: organizationID, LastStats: datatypes.JSON(raw)}
	return r.upsert(ctx, "RecordSyncSuccess", &state, "last_error", "last_stats", "updated_at")
}

// RecordFailure stores the error message of a failed run.
func (r *GormSyncStateRepo) RecordFailure(ctx context.Context, organizationID uint, message string) error {
	state := model.SyncState{OrganizationID: organizationID, LastError: &message}
	return r.upsert(ctx, "RecordSyncFailure", &state, "last_error", "updated_at")
}

// SetSchedule persists the auto-sync flag and interval.
func (r *GormSyncStateRepo) SetSchedule(ctx context.Context, organizationID uint, enabled bool, interval string) error {
	state := model.SyncState{OrganizationID: organizationID, AutoSyncEnabled: enabled, Interval: interval}
	return r.upsert(ctx, "SetSyncSchedule", &state, "auto_sync_enabled", "interval", "updated_at")
}

func (r *GormSyncStateRepo) upsert(ctx context.Context, opName string, state *model.SyncState, columns ...string) error {
	state.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).Create(state)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration("upsert", "sync_state", orgLabel(state.OrganizationID), time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save sync state after retries", zap.String("operation", opName), zap.Uint("organization_id", state.OrganizationID), zap.Error(err))
		return err
	}
	return nil
}

// List returns every stored sync state.
func (r *GormSyncStateRepo) List(ctx context.Context) ([]model.SyncState, error) {
	var states []model.SyncState
	operation := func() error {
		states = nil
		return checkConstraintViolation(r.db.WithContext(ctx).Order("organization_id ASC").Find(&states).Error)
	}

	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListSyncStates", operation)
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Delete removes one organization's state. Missing rows are not an error.
func (r *GormSyncStateRepo) Delete(ctx context.Context, organizationID uint) error {
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("organization_id = ?", organizationID).Delete(&model.SyncState{}).Error)
	}
	return retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "DeleteSyncState", operation)
}

// DeleteAll removes every stored state and returns the number of rows deleted.
func (r *GormSyncStateRepo) DeleteAll(ctx context.Context) (int64, error) {
	var removed int64
	operation := func() error {
		result := r.db.WithContext(ctx).Where("1 = 1").Delete(&model.SyncState{})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		removed = result.RowsAffected
		return nil
	}
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "DeleteAllSyncStates", operation)
	return removed, err
}
