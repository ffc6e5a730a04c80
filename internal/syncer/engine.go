package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/audio"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/internal/tenant"
	"gitlab.com/timkado/api/vapi-call-sync/internal/vapi"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// Run outcomes.
const (
	StatusCompleted      = "completed"
	StatusAlreadyRunning = "already_running"
	StatusFailed         = "failed"
)

// What started a run.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerSyncAll   = "sync_all"
)

// FetchError is the terminal failure of both fetch attempts of a pass.
type FetchError struct {
	SyncDays int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("Failed to connect to Vapi API. Your subscription may only allow access to the last %d days of call history.", e.SyncDays)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RunOptions tune a single run.
type RunOptions struct {
	// DeleteAfterImport overrides the organization and global setting for this run.
	DeleteAfterImport *bool
	Trigger           string
}

// Result describes a finished run.
type Result struct {
	Status  string          `json:"status"`
	RunID   string          `json:"run_id"`
	Message string          `json:"message"`
	Window  *Window         `json:"window,omitempty"`
	Stats   model.SyncStats `json:"stats"`
}

// Engine executes reconciliation passes, one at a time per organization.
type Engine struct {
	orgs      storage.OrganizationRepo
	stores    storage.StoreResolver
	states    storage.SyncStateRepo
	locker    storage.Locker
	api       vapi.API
	archiver  audio.ArchiverInterface
	settings  *config.SettingsHolder
	publisher jetstream.EventPublisher
	log       *zap.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher publishes a sync event after every run.
func WithPublisher(p jetstream.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a sync engine.
func NewEngine(
	orgs storage.OrganizationRepo,
	stores storage.StoreResolver,
	states storage.SyncStateRepo,
	locker storage.Locker,
	api vapi.API,
	archiver audio.ArchiverInterface,
	settings *config.SettingsHolder,
	opts ...Option,
) *Engine {
	e := &Engine{
		orgs:     orgs,
		stores:   stores,
		states:   states,
		locker:   locker,
		api:      api,
		archiver: archiver,
		settings: settings,
		now:      utils.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Log
	}
	e.log = e.log.Named("sync_engine")
	return e
}

// IsRunning reports whether a run currently holds the organization's lease.
func (e *Engine) IsRunning(ctx context.Context, organizationID uint) (bool, error) {
	return e.locker.IsHeld(ctx, organizationID)
}

// Run executes one pass for the organization. A held lease yields an
// already_running result and no error. Once the lease is acquired the pass
// runs to completion even if ctx is cancelled.
func (e *Engine) Run(ctx context.Context, organizationID uint, opts RunOptions) (*Result, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	runID := uuid.NewString()
	ctx = tenant.WithRunID(tenant.WithOrganizationID(ctx, organizationID), runID)
	ctx = logger.WithLogger(ctx, e.log.With(zap.String("trigger", opts.Trigger)))
	log := logger.FromContext(ctx)
	orgLabel := tenant.LabelFromContext(ctx)

	leaseTTL := e.settings.Current().LockLease
	lease, acquired, err := e.locker.TryAcquire(ctx, organizationID, leaseTTL)
	if err != nil {
		observer.IncSyncRun(orgLabel, StatusFailed)
		return nil, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if !acquired {
		log.Info("Sync already running for organization, skipping")
		observer.IncSyncRun(orgLabel, StatusAlreadyRunning)
		return &Result{Status: StatusAlreadyRunning, RunID: runID, Message: "Sync already in progress"}, nil
	}

	runCtx := context.WithoutCancel(ctx)
	stopHeartbeat := e.startHeartbeat(runCtx, lease, leaseTTL)
	defer func() {
		stopHeartbeat()
		if err := e.locker.Release(runCtx, lease); err != nil {
			log.Warn("Failed to release sync lease", zap.Error(err))
		}
	}()

	started := time.Now()
	var result *Result
	err = utils.WrapWithContextRecovery(func(ctx context.Context) error {
		var err error
		result, err = e.run(ctx, organizationID, runID, opts)
		return err
	})(runCtx)
	observer.ObserveSyncDuration(orgLabel, time.Since(started))

	if err != nil {
		log.Error("Sync failed", zap.Error(err))
		e.recordFailure(runCtx, organizationID, runID, err)
		observer.IncSyncRun(orgLabel, StatusFailed)
		return nil, err
	}

	log.Info(result.Message, zap.Any("stats", result.Stats))
	e.publish(runCtx, model.SyncEvent{
		Type:           model.SyncEventCompleted,
		OrganizationID: organizationID,
		RunID:          runID,
		Stats:          &result.Stats,
	})
	observer.IncSyncRun(orgLabel, StatusCompleted)
	return result, nil
}

func (e *Engine) run(ctx context.Context, organizationID uint, runID string, opts RunOptions) (*Result, error) {
	log := logger.FromContext(ctx)

	if err := e.states.RecordAttempt(ctx, organizationID, e.now()); err != nil {
		log.Warn("Failed to record sync attempt", zap.Error(err))
	}

	org, err := e.orgs.Get(ctx, organizationID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("organization %d not found: %w", organizationID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load organization %d: %w", organizationID, err)
	}
	if !org.HasCredential() {
		return nil, fmt.Errorf("API key not configured for organization %q: %w", org.Name, apperrors.ErrMissingCredential)
	}

	store, err := e.stores.Resolve(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare call storage: %w", err)
	}

	settings := e.settings.For(org)
	deleteAfterImport := settings.DeleteAfterImport
	if opts.DeleteAfterImport != nil {
		deleteAfterImport = *opts.DeleteAfterImport
	}

	now := e.now()
	window := ComputeWindow(now, org.LastSync, settings.SyncDays)
	batch, window, err := e.fetch(ctx, org, now, window)
	if err != nil {
		return nil, err
	}

	// undecodable elements are per-record failures
	stats := model.SyncStats{Total: batch.Len() + batch.Malformed, Failed: batch.Malformed}
	skipAudio := org.IsFirstSync() && stats.Total > settings.AudioSkipThreshold
	if skipAudio {
		log.Info("Skipping audio downloads for first sync",
			zap.Int("records", stats.Total),
			zap.Int("threshold", settings.AudioSkipThreshold),
		)
	}

	imported := e.reconcile(ctx, org, store, batch.Records, skipAudio, deleteAfterImport, &stats)
	if deleteAfterImport && len(imported) > 0 {
		stats.Deleted = e.deleteImported(ctx, org, imported, settings.DeleteDelay)
	}

	finishedAt := e.now()
	stats.Time = finishedAt
	if err := e.orgs.UpdateLastSync(ctx, org.ID, finishedAt); err != nil {
		return nil, fmt.Errorf("failed to record last sync: %w", err)
	}
	org.LastSync = &finishedAt
	if err := e.states.RecordSuccess(ctx, org.ID, stats); err != nil {
		log.Warn("Failed to store sync statistics", zap.Error(err))
	}

	orgLabel := tenant.LabelFromContext(ctx)
	observer.AddSyncRecords(orgLabel, "new", stats.New)
	observer.AddSyncRecords(orgLabel, "updated", stats.Updated)
	observer.AddSyncRecords(orgLabel, "skipped", stats.Skipped)
	observer.AddSyncRecords(orgLabel, "failed", stats.Failed)
	observer.AddSyncRecords(orgLabel, "deleted", stats.Deleted)

	return &Result{
		Status:  StatusCompleted,
		RunID:   runID,
		Message: Summary(stats, window.SyncDays, skipAudio, deleteAfterImport),
		Window:  &window,
		Stats:   stats,
	}, nil
}

// fetch requests the window and, when that fails, retries once with the
// fallback window.
func (e *Engine) fetch(ctx context.Context, org *model.Organization, now time.Time, window Window) (*vapi.CallBatch, Window, error) {
	log := logger.FromContext(ctx)

	batch, err := e.api.FetchCallLogs(ctx, org.APIKey, window.Filters())
	if err == nil {
		log.Info("Fetched remote calls",
			zap.String("from", utils.FormatDay(window.From)),
			zap.String("to", utils.FormatDay(window.To)),
			zap.Int("records", batch.Len()),
		)
		return batch, window, nil
	}

	fallback := FallbackWindow(now, window.SyncDays)
	log.Warn("Fetch failed, retrying with the look-back horizon",
		zap.Error(err),
		zap.String("from", utils.FormatDay(fallback.From)),
	)
	batch, retryErr := e.api.FetchCallLogs(ctx, org.APIKey, fallback.Filters())
	if retryErr != nil {
		return nil, fallback, &FetchError{SyncDays: window.SyncDays, Err: retryErr}
	}
	return batch, fallback, nil
}

// deleteImported removes freshly imported calls from the remote, one at a
// time with delay between requests, and returns the number deleted.
func (e *Engine) deleteImported(ctx context.Context, org *model.Organization, callIDs []string, delay time.Duration) int {
	log := logger.FromContext(ctx)
	log.Info("Deleting imported calls from remote", zap.Int("count", len(callIDs)))

	deleted := 0
	for i, callID := range callIDs {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		if err := e.api.DeleteCall(ctx, org.APIKey, callID); err != nil {
			log.Warn("Failed to delete call from remote", zap.String("call_id", callID), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted
}

func (e *Engine) recordFailure(ctx context.Context, organizationID uint, runID string, runErr error) {
	if err := e.states.RecordFailure(ctx, organizationID, runErr.Error()); err != nil {
		logger.FromContext(ctx).Warn("Failed to store sync error", zap.Error(err))
	}
	e.publish(ctx, model.SyncEvent{
		Type:           model.SyncEventFailed,
		OrganizationID: organizationID,
		RunID:          runID,
		Error:          runErr.Error(),
	})
}

func (e *Engine) publish(ctx context.Context, event model.SyncEvent) {
	if e.publisher == nil {
		return
	}
	event.EventID = uuid.NewString()
	event.OccurredAt = e.now()
	if err := e.publisher.PublishSyncEvent(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish sync event",
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

// startHeartbeat extends the lease every ttl/2 until the returned stop
// function is called or the lease is lost.
func (e *Engine) startHeartbeat(ctx context.Context, lease *storage.Lease, ttl time.Duration) func() {
	interval := ttl / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	utils.SafeGo(func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := e.locker.Extend(ctx, lease, ttl)
				if err == nil {
					continue
				}
				logger.FromContext(ctx).Warn("Failed to extend sync lease", zap.Error(err))
				if errors.Is(err, storage.ErrLeaseLost) {
					return
				}
			}
		}
	}, func(r interface{}, stack []byte) {
		logger.FromContext(ctx).Error("[panic] Recovered from panic in lease heartbeat",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
