package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/audio"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/scheduler"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/validator"
	"gitlab.com/timkado/api/vapi-call-sync/internal/vapi"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

// Dependencies are the collaborators of the command service.
type Dependencies struct {
	Orgs      storage.OrganizationRepo
	Stores    storage.StoreResolver
	States    storage.SyncStateRepo
	Locker    storage.Locker
	API       vapi.API
	Archiver  audio.ArchiverInterface
	Runner    scheduler.Runner
	Retention scheduler.RetentionRunner
	Scheduler scheduler.ControllerInterface
	Settings  *config.SettingsHolder
	Vapi      config.VapiConfig
}

// Service exposes the named operations of the sync service. The HTTP
// handler is a thin JSON mapping over it.
type Service struct {
	orgs      storage.OrganizationRepo
	stores    storage.StoreResolver
	states    storage.SyncStateRepo
	locker    storage.Locker
	api       vapi.API
	archiver  audio.ArchiverInterface
	runner    scheduler.Runner
	retention scheduler.RetentionRunner
	scheduler scheduler.ControllerInterface
	settings  *config.SettingsHolder
	vapiCfg   config.VapiConfig
	log       *zap.Logger
}

// NewService creates the command service.
func NewService(deps Dependencies, baseLogger *zap.Logger) *Service {
	if baseLogger == nil {
		baseLogger = logger.Log
	}
	return &Service{
		orgs:      deps.Orgs,
		stores:    deps.Stores,
		states:    deps.States,
		locker:    deps.Locker,
		api:       deps.API,
		archiver:  deps.Archiver,
		runner:    deps.Runner,
		retention: deps.Retention,
		scheduler: deps.Scheduler,
		settings:  deps.Settings,
		vapiCfg:   deps.Vapi,
		log:       baseLogger.Named("command"),
	}
}

// AutoSyncInput enables or disables the recurring sync of an organization.
// An unrecognised interval is scheduled hourly.
type AutoSyncInput struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
}

// GlobalSettingsInput replaces the global sync settings. Out of range day
// counts are clamped.
type GlobalSettingsInput struct {
	RetentionDays     int    `json:"retention_days"`
	SyncDays          int    `json:"sync_days"`
	DefaultInterval   string `json:"default_interval" validate:"omitempty,sync_interval"`
	DeleteAfterImport bool   `json:"delete_after_import"`
}

// DeleteCallsInput lists remote calls to delete.
type DeleteCallsInput struct {
	CallIDs []string `json:"call_ids" validate:"required,min=1,dive,required"`
	Chunked bool     `json:"chunked"`
}

// Outcome is the message-only answer of an operation.
type Outcome struct {
	Message string `json:"message"`
}

// TriggerManualSync runs one sync pass for the organization and waits for it.
// deleteAfterImport, when set, overrides the organization and global setting.
func (s *Service) TriggerManualSync(ctx context.Context, organizationID uint, deleteAfterImport *bool) (*syncer.Result, error) {
	return s.runner.Run(ctx, organizationID, syncer.RunOptions{
		DeleteAfterImport: deleteAfterImport,
		Trigger:           syncer.TriggerManual,
	})
}

// SetAutoSync enables or disables the recurring sync of an organization.
func (s *Service) SetAutoSync(ctx context.Context, organizationID uint, input AutoSyncInput) (*scheduler.SyncStatus, error) {
	interval := input.Interval
	if interval == "" {
		interval = s.settings.Current().DefaultInterval
	}
	if err := s.scheduler.SetAutoSync(ctx, organizationID, input.Enabled, interval); err != nil {
		return nil, err
	}
	return s.scheduler.Status(ctx, organizationID)
}

// SyncAllOrganizations queues a staggered sync of every active organization
// with a credential.
func (s *Service) SyncAllOrganizations(ctx context.Context) (*Outcome, error) {
	n, err := s.scheduler.SyncAllOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	return &Outcome{Message: fmt.Sprintf("Scheduled sync for %d organizations", n)}, nil
}

// ResetAllSchedules cancels every schedule and clears all sync state and leases.
func (s *Service) ResetAllSchedules(ctx context.Context) (*Outcome, error) {
	if _, err := s.scheduler.ResetAllSchedules(ctx); err != nil {
		return nil, err
	}
	return &Outcome{Message: "All sync schedules have been reset"}, nil
}

// RunRetentionCleanup purges call history older than the retention period.
func (s *Service) RunRetentionCleanup(ctx context.Context) (*syncer.CleanupResult, error) {
	return s.retention.RunRetentionCleanup(ctx)
}

// GetSyncStatus reports the schedule and last run of an organization.
func (s *Service) GetSyncStatus(ctx context.Context, organizationID uint) (*scheduler.SyncStatus, error) {
	return s.scheduler.Status(ctx, organizationID)
}

// GetGlobalSettings returns the current global sync settings.
func (s *Service) GetGlobalSettings(context.Context) config.SyncSettings {
	return s.settings.Current()
}

// SaveGlobalSettings replaces the user-facing global settings. Retention
// days are clamped to [0,365] and sync days to [1,30].
func (s *Service) SaveGlobalSettings(ctx context.Context, input GlobalSettingsInput) (config.SyncSettings, error) {
	if err := validator.Validate(input); err != nil {
		return config.SyncSettings{}, err
	}
	updated := s.settings.Update(func(cfg *config.SyncSettings) {
		cfg.RetentionDays = config.ClampRetentionDays(input.RetentionDays)
		cfg.SyncDays = config.ClampSyncDays(input.SyncDays)
		if input.DefaultInterval != "" {
			cfg.DefaultInterval = input.DefaultInterval
		}
		cfg.DeleteAfterImport = input.DeleteAfterImport
	})
	logger.FromContextOr(ctx, s.log).Info("Global sync settings saved",
		zap.Int("retention_days", updated.RetentionDays),
		zap.Int("sync_days", updated.SyncDays),
		zap.String("default_interval", updated.DefaultInterval),
		zap.Bool("delete_after_import", updated.DeleteAfterImport),
	)
	return updated, nil
}

// QueryCalls lists stored calls of an organization, newest first.
func (s *Service) QueryCalls(ctx context.Context, organizationID uint, filters model.CallFilters) ([]model.CallRecord, error) {
	if err := validator.Validate(filters); err != nil {
		return nil, err
	}
	org, err := s.orgs.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	store, err := s.stores.Resolve(ctx, org)
	if err != nil {
		return nil, err
	}
	return store.Query(ctx, filters)
}

// DeleteRemoteCalls deletes calls from the remote API, sequentially or in
// paced chunks.
func (s *Service) DeleteRemoteCalls(ctx context.Context, organizationID uint, input DeleteCallsInput) (*vapi.BulkDeleteResult, error) {
	if err := validator.Validate(input); err != nil {
		return nil, err
	}
	org, err := s.credentialedOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	var result vapi.BulkDeleteResult
	if input.Chunked {
		result = s.api.ChunkedBulkDelete(ctx, org.APIKey, input.CallIDs, s.vapiCfg.ChunkSize, s.vapiCfg.ChunkDelay)
	} else {
		result = s.api.BulkDelete(ctx, org.APIKey, input.CallIDs, s.vapiCfg.BulkDeleteDelay)
	}
	logger.FromContextOr(ctx, s.log).Info("Remote calls deleted",
		zap.Uint("organization_id", organizationID),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Bool("chunked", input.Chunked),
	)
	return &result, nil
}

func (s *Service) credentialedOrganization(ctx context.Context, organizationID uint) (*model.Organization, error) {
	org, err := s.orgs.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if !org.HasCredential() {
		return nil, fmt.Errorf("API key not configured for organization %q: %w", org.Name, apperrors.ErrMissingCredential)
	}
	return org, nil
}
