package command

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/validator"
	"gitlab.com/timkado/api/vapi-call-sync/internal/vapi"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

// OrganizationInput creates or updates an organization. On update an empty
// APIKey or DB password keeps the stored secret.
type OrganizationInput struct {
	Name              string              `json:"name" validate:"required,max=255"`
	APIKey            string              `json:"api_key"`
	Description       string              `json:"description"`
	IsActive          *bool               `json:"is_active,omitempty"`
	UseSeparateDB     bool                `json:"use_separate_db"`
	Database          *model.DBDescriptor `json:"database,omitempty" validate:"required_if=UseSeparateDB true"`
	RetentionDays     *int                `json:"retention_days,omitempty" validate:"omitempty,gte=0,lte=365"`
	SyncDays          *int                `json:"sync_days,omitempty" validate:"omitempty,gte=1,lte=30"`
	DeleteAfterImport *bool               `json:"delete_after_import,omitempty"`
}

// ConnectionResult is the outcome of a remote API connection test.
type ConnectionResult struct {
	Message   string              `json:"message"`
	RateLimit *vapi.RateLimitInfo `json:"rate_limit,omitempty"`
}

// DatabaseTestResult is the outcome of an external database connection test.
type DatabaseTestResult struct {
	Message      string `json:"message"`
	TableCreated bool   `json:"table_created"`
}

// DeleteResult totals the cascade of an organization deletion.
type DeleteResult struct {
	Message           string `json:"message"`
	RecordsDeleted    int64  `json:"records_deleted"`
	AudioFilesDeleted int    `json:"audio_files_deleted"`
}

func (in OrganizationInput) apply(org *model.Organization) {
	org.Name = strings.TrimSpace(in.Name)
	org.APIKey = strings.TrimSpace(in.APIKey)
	org.Description = in.Description
	if in.IsActive != nil {
		org.IsActive = *in.IsActive
	}
	org.UseSeparateDB = in.UseSeparateDB
	if in.UseSeparateDB && in.Database != nil {
		d := in.Database.Normalized()
		org.DBDriver = d.Driver
		org.DBHost = d.Host
		org.DBPort = d.Port
		org.DBName = d.Name
		org.DBUser = d.User
		org.DBPassword = d.Password
	}
	org.RetentionDays = in.RetentionDays
	org.SyncDays = in.SyncDays
	org.DeleteAfterImport = in.DeleteAfterImport
}

// AddOrganization validates the credential against the remote API and, for
// external storage, the database connection before persisting. External
// storage is provisioned after the organization row exists.
func (s *Service) AddOrganization(ctx context.Context, input OrganizationInput) (*model.Organization, error) {
	log := logger.FromContextOr(ctx, s.log)
	if err := validator.Validate(input); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.APIKey) == "" {
		return nil, fmt.Errorf("%w: Name and API key are required", apperrors.ErrValidation)
	}

	org := &model.Organization{IsActive: true, DBDriver: model.DriverMySQL, DBPort: model.DefaultExternalPort}
	input.apply(org)

	if !s.api.TestConnection(ctx, org.APIKey) {
		return nil, fmt.Errorf("%w: Invalid API key - connection test failed", apperrors.ErrValidation)
	}
	if org.UseSeparateDB {
		if err := s.testDescriptor(ctx, org.Descriptor()); err != nil {
			return nil, err
		}
	}

	if err := s.orgs.Create(ctx, org); err != nil {
		return nil, err
	}
	log.Info("Organization created", zap.Uint("organization_id", org.ID), zap.String("name", org.Name))

	if org.UseSeparateDB {
		if _, err := s.stores.Provision(ctx, org); err != nil {
			log.Warn("Failed to provision storage for new organization", zap.Uint("organization_id", org.ID), zap.Error(err))
		}
	}
	return org, nil
}

// UpdateOrganization re-validates a new credential and re-tests the external
// database whenever a password is available.
func (s *Service) UpdateOrganization(ctx context.Context, organizationID uint, input OrganizationInput) (*model.Organization, error) {
	if err := validator.Validate(input); err != nil {
		return nil, err
	}
	current, err := s.orgs.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	updated := *current
	input.apply(&updated)

	if updated.APIKey != "" {
		if !s.api.TestConnection(ctx, updated.APIKey) {
			return nil, fmt.Errorf("%w: Invalid API key - connection test failed", apperrors.ErrValidation)
		}
	}

	if updated.UseSeparateDB {
		descriptor := updated.Descriptor()
		if descriptor.Password == "" && current.UseSeparateDB {
			descriptor.Password = current.DBPassword
		}
		if descriptor.Password != "" {
			if err := s.testDescriptor(ctx, descriptor); err != nil {
				return nil, err
			}
		}
		if current.Descriptor().Normalized().Fingerprint() != descriptor.Normalized().Fingerprint() || !current.UseSeparateDB {
			updated.DBTableCreated = false
		}
	}

	if err := s.orgs.Update(ctx, &updated); err != nil {
		return nil, err
	}
	s.stores.Invalidate(organizationID)

	logger.FromContextOr(ctx, s.log).Info("Organization updated", zap.Uint("organization_id", organizationID))
	return s.orgs.Get(ctx, organizationID)
}

// DeleteOrganization removes every trace of an organization: archived audio,
// call records, sync state, lease and schedule, then the organization row.
func (s *Service) DeleteOrganization(ctx context.Context, organizationID uint) (*DeleteResult, error) {
	log := logger.FromContextOr(ctx, s.log).With(zap.Uint("organization_id", organizationID))
	org, err := s.orgs.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	s.scheduler.Unschedule(organizationID)
	result := &DeleteResult{Message: "Organization deleted successfully"}

	if !org.UseSeparateDB || org.DBTableCreated {
		store, err := s.stores.Resolve(ctx, org)
		if err != nil {
			return nil, fmt.Errorf("failed to open organization storage: %w", err)
		}
		if result.RecordsDeleted, err = store.Count(ctx); err != nil {
			return nil, fmt.Errorf("failed to count call records: %w", err)
		}
		paths, err := store.DeleteAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to delete call records: %w", err)
		}
		for _, path := range paths {
			if err := s.archiver.Remove(ctx, path); err != nil {
				log.Warn("Failed to remove archived recording", zap.String("path", path), zap.Error(err))
				continue
			}
			result.AudioFilesDeleted++
		}
	}
	if err := s.archiver.RemoveOrganizationDir(ctx, org); err != nil {
		log.Warn("Failed to remove organization audio directory", zap.Error(err))
	}

	if err := s.states.Delete(ctx, organizationID); err != nil {
		return nil, fmt.Errorf("failed to delete sync state: %w", err)
	}
	if err := s.locker.ForceRelease(ctx, organizationID); err != nil {
		log.Warn("Failed to release sync lease", zap.Error(err))
	}
	s.stores.Invalidate(organizationID)

	if err := s.orgs.Delete(ctx, organizationID); err != nil {
		return nil, err
	}
	log.Info("Organization deleted",
		zap.Int64("records_deleted", result.RecordsDeleted),
		zap.Int("audio_files_deleted", result.AudioFilesDeleted),
	)
	return result, nil
}

// ListOrganizations returns the registry, optionally active organizations only.
func (s *Service) ListOrganizations(ctx context.Context, activeOnly bool) ([]model.Organization, error) {
	return s.orgs.List(ctx, activeOnly)
}

// TestAPIConnection checks the organization's credential and reports the
// remote rate limit when available.
func (s *Service) TestAPIConnection(ctx context.Context, organizationID uint) (*ConnectionResult, error) {
	org, err := s.orgs.Get(ctx, organizationID)
	if err != nil || !org.HasCredential() {
		return nil, fmt.Errorf("%w: Organization not found or API key not configured", apperrors.ErrMissingCredential)
	}
	if !s.api.TestConnection(ctx, org.APIKey) {
		return nil, fmt.Errorf("%w: API connection failed", apperrors.ErrUpstream)
	}

	result := &ConnectionResult{Message: "API connection successful!"}
	info, err := s.api.RateLimitInfo(ctx, org.APIKey)
	if err != nil {
		logger.FromContextOr(ctx, s.log).Debug("Rate limit information unavailable", zap.Error(err))
	} else {
		result.RateLimit = info
	}
	return result, nil
}

// TestDatabaseConnection checks an external database descriptor. When an
// organization using external storage is named, its call table is also
// provisioned.
func (s *Service) TestDatabaseConnection(ctx context.Context, descriptor model.DBDescriptor, organizationID uint) (*DatabaseTestResult, error) {
	if err := validator.Validate(descriptor); err != nil {
		return nil, err
	}
	if err := s.testDescriptor(ctx, descriptor); err != nil {
		return nil, err
	}
	if organizationID == 0 {
		return &DatabaseTestResult{Message: "Connection successful!"}, nil
	}

	org, err := s.orgs.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if !org.UseSeparateDB || org.Descriptor().Normalized().Fingerprint() != descriptor.Normalized().Fingerprint() {
		return &DatabaseTestResult{Message: "Connection successful!"}, nil
	}
	if _, err := s.stores.Provision(ctx, org); err != nil {
		return nil, fmt.Errorf("Failed to create table: %w", err)
	}
	return &DatabaseTestResult{Message: "Connection successful and database prepared!", TableCreated: true}, nil
}

// PrepareOrganizationStorage provisions the dedicated call table of an
// organization using external storage.
func (s *Service) PrepareOrganizationStorage(ctx context.Context, organizationID uint) (*Outcome, error) {
	org, err := s.orgs.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if !org.UseSeparateDB {
		return nil, fmt.Errorf("%w: Organization not using separate database", apperrors.ErrBadRequest)
	}
	if _, err := s.stores.Provision(ctx, org); err != nil {
		return nil, fmt.Errorf("Failed to create table: %w", err)
	}
	return &Outcome{Message: "Database prepared successfully! Table created: " + org.ExternalTableName()}, nil
}

func (s *Service) testDescriptor(ctx context.Context, descriptor model.DBDescriptor) error {
	if err := validator.Validate(descriptor); err != nil {
		return err
	}
	if err := s.stores.TestConnection(ctx, descriptor); err != nil {
		return fmt.Errorf("%w: Database connection failed: %v", apperrors.ErrValidation, err)
	}
	return nil
}
