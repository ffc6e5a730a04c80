package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// GormOrganizationRepo implements OrganizationRepo on the shared database
type GormOrganizationRepo struct {
	db *gorm.DB
}

var _ OrganizationRepo = (*GormOrganizationRepo)(nil)

// NewOrganizationRepo creates an organization registry backed by db.
func NewOrganizationRepo(db *gorm.DB) *GormOrganizationRepo {
	return &GormOrganizationRepo{db: db}
}

func orgLabel(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Create stores a new organization. Duplicate names yield apperrors.ErrDuplicate.
func (r *GormOrganizationRepo) Create(ctx context.Context, org *model.Organization) error {
	if org.Name == "" {
		return fmt.Errorf("%w: organization name is required", apperrors.ErrBadRequest)
	}
	now := utils.Now()
	org.CreatedAt = now
	org.UpdatedAt = now

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(org).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "CreateOrganization", operation)
	observer.ObserveDbOperationDuration("insert", "organization", orgLabel(org.ID), time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to create organization", zap.String("name", org.Name), zap.Error(err))
		return err
	}
	return nil
}

// Update persists every mutable field. Empty secrets keep their stored value,
// and the last successful sync time is never overwritten here.
func (r *GormOrganizationRepo) Update(ctx context.Context, org *model.Organization) error {
	if org.ID == 0 {
		return fmt.Errorf("%w: organization id is required", apperrors.ErrBadRequest)
	}
	org.UpdatedAt = utils.Now()

	omit := []string{"id", "created_at", "last_sync"}
	if org.APIKey == "" {
		omit = append(omit, "api_key")
	}
	if org.DBPassword == "" {
		omit = append(omit, "db_password")
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Organization{ID: org.ID}).Select("*").Omit(omit...).Updates(org)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: organization %d", apperrors.ErrNotFound, org.ID)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateOrganization", operation)
	observer.ObserveDbOperationDuration("update", "organization", orgLabel(org.ID), time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update organization", zap.Uint("organization_id", org.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get loads one organization. Missing organizations yield apperrors.ErrNotFound.
func (r *GormOrganizationRepo) Get(ctx context.Context, id uint) (*model.Organization, error) {
	var org model.Organization
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", id).Take(&org).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetOrganization", operation)
	observer.ObserveDbOperationDuration("select", "organization", orgLabel(id), time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// List returns organizations ordered by name.
func (r *GormOrganizationRepo) List(ctx context.Context, activeOnly bool) ([]model.Organization, error) {
	var orgs []model.Organization
	operation := func() error {
		orgs = nil
		tx := r.db.WithContext(ctx).Order("name ASC")
		if activeOnly {
			tx = tx.Where("is_active = ?", true)
		}
		return checkConstraintViolation(tx.Find(&orgs).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListOrganizations", operation)
	observer.ObserveDbOperationDuration("select", "organization", "all", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

// Delete removes the organization row.
func (r *GormOrganizationRepo) Delete(ctx context.Context, id uint) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Organization{})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: organization %d", apperrors.ErrNotFound, id)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "DeleteOrganization", operation)
	observer.ObserveDbOperationDuration("delete", "organization", orgLabel(id), time.Since(startTime), err)
	return err
}

// UpdateLastSync records the time of the last successful sync.
func (r *GormOrganizationRepo) UpdateLastSync(ctx context.Context, id uint, at time.Time) error {
	return r.updateColumns(ctx, id, "UpdateLastSync", map[string]interface{}{
		"last_sync":  at,
		"updated_at": utils.Now(),
	})
}

// MarkTableProvisioned flags the organization's external call table as created.
func (r *GormOrganizationRepo) MarkTableProvisioned(ctx context.Context, id uint) error {
	return r.updateColumns(ctx, id, "MarkTableProvisioned", map[string]interface{}{
		"db_table_created": true,
		"updated_at":       utils.Now(),
	})
}

func (r *GormOrganizationRepo) updateColumns(ctx context.Context, id uint, opName string, columns map[string]interface{}) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Organization{}).Where("id = ?", id).Updates(columns)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: organization %d", apperrors.ErrNotFound, id)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration("update", "organization", orgLabel(id), time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update organization columns", zap.String("operation", opName), zap.Uint("organization_id", id), zap.Error(err))
	}
	return err
}
