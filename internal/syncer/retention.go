package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/audio"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// CleanupResult totals one retention run.
type CleanupResult struct {
	RetentionDays     int      `json:"retention_days"`
	Disabled          bool     `json:"disabled"`
	Organizations     int      `json:"organizations"`
	RecordsDeleted    int64    `json:"records_deleted"`
	AudioFilesDeleted int      `json:"audio_files_deleted"`
	Errors            []string `json:"errors,omitempty"`
}

// Cleaner purges call records older than the retention period.
type Cleaner struct {
	orgs     storage.OrganizationRepo
	stores   storage.StoreResolver
	archiver audio.ArchiverInterface
	settings *config.SettingsHolder
	log      *zap.Logger
	now      func() time.Time
}

// NewCleaner creates a retention cleaner.
func NewCleaner(orgs storage.OrganizationRepo, stores storage.StoreResolver, archiver audio.ArchiverInterface, settings *config.SettingsHolder, log *zap.Logger) *Cleaner {
	if log == nil {
		log = logger.Log
	}
	return &Cleaner{
		orgs:     orgs,
		stores:   stores,
		archiver: archiver,
		settings: settings,
		log:      log.Named("retention"),
		now:      utils.Now,
	}
}

// RunRetentionCleanup deletes, for every organization, the calls created
// before now - retentionDays together with their archived recordings. A
// global retention of 0 disables cleanup; an organization override of 0
// keeps that organization's history.
func (c *Cleaner) RunRetentionCleanup(ctx context.Context) (*CleanupResult, error) {
	log := logger.FromContextOr(ctx, c.log)
	global := c.settings.Current()
	result := &CleanupResult{RetentionDays: global.RetentionDays}
	if global.RetentionDays <= 0 {
		result.Disabled = true
		log.Info("Retention cleanup disabled")
		return result, nil
	}

	orgs, err := c.orgs.List(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	now := c.now()
	for i := range orgs {
		org := &orgs[i]
		days := c.settings.For(org).RetentionDays
		if days <= 0 {
			continue
		}
		if org.UseSeparateDB && !org.DBTableCreated {
			continue
		}

		rows, files, err := c.purge(ctx, org, now.AddDate(0, 0, -days))
		if err != nil {
			log.Warn("Retention cleanup failed for organization", zap.Uint("organization_id", org.ID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", org.Name, err))
			continue
		}
		result.Organizations++
		result.RecordsDeleted += rows
		result.AudioFilesDeleted += files
	}

	log.Info("Retention cleanup finished",
		zap.Int("organizations", result.Organizations),
		zap.Int64("records_deleted", result.RecordsDeleted),
		zap.Int("audio_files_deleted", result.AudioFilesDeleted),
	)
	return result, nil
}

func (c *Cleaner) purge(ctx context.Context, org *model.Organization, cutoff time.Time) (int64, int, error) {
	store, err := c.stores.Resolve(ctx, org)
	if err != nil {
		return 0, 0, err
	}
	paths, rows, err := store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	observer.AddRetentionPurged(strconv.FormatUint(uint64(org.ID), 10), rows)

	files := 0
	for _, path := range paths {
		if err := c.archiver.Remove(ctx, path); err != nil {
			c.log.Warn("Failed to remove archived recording", zap.String("path", path), zap.Error(err))
			continue
		}
		files++
	}
	return rows, files, nil
}
