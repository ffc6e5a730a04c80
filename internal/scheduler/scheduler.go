package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

// ErrAlreadyQueued is returned when the organization already has a pending or running task.
var ErrAlreadyQueued = errors.New("sync already queued for organization")

// Runner executes one sync pass
type Runner interface {
	Run(ctx context.Context, organizationID uint, opts syncer.RunOptions) (*syncer.Result, error)
}

// RetentionRunner purges expired call history
type RetentionRunner interface {
	RunRetentionCleanup(ctx context.Context) (*syncer.CleanupResult, error)
}

// SyncStatus is the schedule and last-run view of one organization.
type SyncStatus struct {
	OrganizationID uint             `json:"organization_id"`
	Enabled        bool             `json:"enabled"`
	Interval       string           `json:"interval"`
	LastSync       *time.Time       `json:"last_sync,omitempty"`
	LastAttempt    *time.Time       `json:"last_attempt,omitempty"`
	NextRun        *time.Time       `json:"next_run,omitempty"`
	LastError      *string          `json:"last_error,omitempty"`
	Stats          *model.SyncStats `json:"stats,omitempty"`
	IsRunning      bool             `json:"is_running"`
}

type task struct {
	organizationID uint
	trigger        string
}

type schedule struct {
	interval model.SyncInterval
	next     time.Time
	timer    *time.Timer
}

// Scheduler owns the recurring per-organization schedules and the worker
// pool executing sync runs.
type Scheduler struct {
	pool      *ants.PoolWithFunc
	runner    Runner
	retention RetentionRunner
	orgs      storage.OrganizationRepo
	states    storage.SyncStateRepo
	locker    storage.Locker
	settings  *config.SettingsHolder
	log       *zap.Logger

	// intervalOf maps a named interval to its period.
	intervalOf func(model.SyncInterval) time.Duration

	mu             sync.Mutex
	baseCtx        context.Context
	schedules      map[uint]*schedule
	pending        map[uint]struct{}
	staggered      map[*time.Timer]struct{}
	retentionTimer *time.Timer
	stopped        bool
}

// New creates a scheduler and its worker pool.
func New(
	cfg config.SchedulerConfig,
	runner Runner,
	orgs storage.OrganizationRepo,
	states storage.SyncStateRepo,
	locker storage.Locker,
	settings *config.SettingsHolder,
	baseLogger *zap.Logger,
) (*Scheduler, error) {
	if baseLogger == nil {
		baseLogger = logger.Log
	}
	s := &Scheduler{
		runner:     runner,
		orgs:       orgs,
		states:     states,
		locker:     locker,
		settings:   settings,
		log:        baseLogger.Named("scheduler"),
		intervalOf: model.SyncInterval.Duration,
		baseCtx:    context.Background(),
		schedules:  make(map[uint]*schedule),
		pending:    make(map[uint]struct{}),
		staggered:  make(map[*time.Timer]struct{}),
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	opts := []ants.Option{
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(p interface{}) {
			s.log.Error("Panic recovered in sync worker", zap.Any("panic_error", p), zap.Stack("stack"))
		}),
	}
	if cfg.ExpiryTime > 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.ExpiryTime))
	}
	pool, err := ants.NewPoolWithFunc(poolSize, func(i interface{}) {
		t, ok := i.(task)
		if !ok {
			s.log.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		s.execute(t)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync worker pool: %w", err)
	}
	s.pool = pool

	s.log.Info("Sync worker pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return s, nil
}

// WithRetention enables the periodic retention cleanup started by Start.
func (s *Scheduler) WithRetention(r RetentionRunner) *Scheduler {
	s.retention = r
	return s
}

// Start restores the enabled schedules of active organizations and starts
// the retention timer. Tasks run with ctx as their parent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	states, err := s.states.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync schedules: %w", err)
	}

	restored := 0
	for _, state := range states {
		if !state.AutoSyncEnabled {
			continue
		}
		org, err := s.orgs.Get(ctx, state.OrganizationID)
		if err != nil {
			s.log.Warn("Skipping schedule of unknown organization",
				zap.Uint("organization_id", state.OrganizationID), zap.Error(err))
			continue
		}
		if !org.IsActive {
			continue
		}
		s.arm(org.ID, model.ParseSyncInterval(state.Interval))
		restored++
	}

	if s.retention != nil {
		s.armRetention()
	}
	s.log.Info("Scheduler started", zap.Int("schedules", restored))
	return nil
}

// SetAutoSync enables or disables the recurring sync of an organization. An
// existing schedule is always cancelled before a new one is created; the
// first scheduled run happens after the configured first-run delay.
func (s *Scheduler) SetAutoSync(ctx context.Context, organizationID uint, enabled bool, interval string) error {
	if _, err := s.orgs.Get(ctx, organizationID); err != nil {
		return err
	}

	parsed := model.ParseSyncInterval(interval)
	if err := s.states.SetSchedule(ctx, organizationID, enabled, string(parsed)); err != nil {
		return fmt.Errorf("failed to persist schedule: %w", err)
	}

	if enabled {
		s.arm(organizationID, parsed)
	} else {
		s.Unschedule(organizationID)
	}
	logger.FromContextOr(ctx, s.log).Info("Auto sync updated",
		zap.Uint("organization_id", organizationID),
		zap.Bool("enabled", enabled),
		zap.String("interval", string(parsed)),
	)
	return nil
}

// Unschedule cancels the recurring sync of an organization, if any.
func (s *Scheduler) Unschedule(organizationID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.schedules[organizationID]; ok {
		sch.timer.Stop()
		delete(s.schedules, organizationID)
	}
	observer.SetScheduledOrganizations(len(s.schedules))
}

func (s *Scheduler) arm(organizationID uint, interval model.SyncInterval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.schedules[organizationID]; ok {
		old.timer.Stop()
	}

	delay := s.settings.Current().FirstRunDelay
	sch := &schedule{interval: interval, next: time.Now().Add(delay)}
	sch.timer = time.AfterFunc(delay, func() { s.fire(organizationID, sch) })
	s.schedules[organizationID] = sch
	observer.SetScheduledOrganizations(len(s.schedules))
}

// fire enqueues a scheduled run and re-arms the schedule for the next period.
func (s *Scheduler) fire(organizationID uint, sch *schedule) {
	s.mu.Lock()
	if s.stopped || s.schedules[organizationID] != sch {
		s.mu.Unlock()
		return
	}
	period := s.intervalOf(sch.interval)
	sch.next = time.Now().Add(period)
	sch.timer.Reset(period)
	s.mu.Unlock()

	if err := s.Enqueue(organizationID, syncer.TriggerScheduled); err != nil && !errors.Is(err, ErrAlreadyQueued) {
		s.log.Warn("Failed to enqueue scheduled sync", zap.Uint("organization_id", organizationID), zap.Error(err))
	}
}

// Enqueue submits a sync run to the worker pool. An organization with a
// pending or running task is not enqueued twice.
func (s *Scheduler) Enqueue(organizationID uint, trigger string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler stopped: %w", apperrors.ErrConflict)
	}
	if _, busy := s.pending[organizationID]; busy {
		s.mu.Unlock()
		observer.IncSchedulerTask(trigger, "deduplicated")
		return ErrAlreadyQueued
	}
	s.pending[organizationID] = struct{}{}
	s.mu.Unlock()

	observer.SetSchedulerQueueLength(s.pool.Waiting())
	if err := s.pool.Invoke(task{organizationID: organizationID, trigger: trigger}); err != nil {
		s.release(organizationID)
		observer.IncSchedulerTask(trigger, "submit_error")
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("sync pool overload: %w", err)
		}
		return fmt.Errorf("failed to invoke sync task: %w", err)
	}
	return nil
}

func (s *Scheduler) release(organizationID uint) {
	s.mu.Lock()
	delete(s.pending, organizationID)
	s.mu.Unlock()
}

func (s *Scheduler) execute(t task) {
	defer s.release(t.organizationID)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	log := s.log.With(zap.Uint("organization_id", t.organizationID), zap.String("trigger", t.trigger))
	result, err := s.runner.Run(ctx, t.organizationID, syncer.RunOptions{Trigger: t.trigger})
	switch {
	case err != nil:
		log.Warn("Sync task failed", zap.Error(err))
		observer.IncSchedulerTask(t.trigger, syncer.StatusFailed)
	case result != nil:
		log.Debug("Sync task finished", zap.String("status", result.Status))
		observer.IncSchedulerTask(t.trigger, result.Status)
	}
	observer.SetSchedulerQueueLength(s.pool.Waiting())
}

// SyncAllOrganizations enqueues every active organization with a credential,
// the i-th one after i times the configured stagger. It returns the number
// of organizations scheduled.
func (s *Scheduler) SyncAllOrganizations(ctx context.Context) (int, error) {
	orgs, err := s.orgs.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list organizations: %w", err)
	}

	stagger := s.settings.Current().Stagger
	scheduled := 0
	for i := range orgs {
		if !orgs[i].HasCredential() {
			continue
		}
		organizationID := orgs[i].ID
		delay := time.Duration(scheduled) * stagger
		scheduled++

		if delay <= 0 {
			s.enqueueLogged(organizationID, syncer.TriggerSyncAll)
			continue
		}
		s.mu.Lock()
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			delete(s.staggered, timer)
			s.mu.Unlock()
			s.enqueueLogged(organizationID, syncer.TriggerSyncAll)
		})
		s.staggered[timer] = struct{}{}
		s.mu.Unlock()
	}

	logger.FromContextOr(ctx, s.log).Info("Queued sync for all organizations",
		zap.Int("organizations", scheduled),
		zap.Duration("stagger", stagger),
	)
	return scheduled, nil
}

func (s *Scheduler) enqueueLogged(organizationID uint, trigger string) {
	if err := s.Enqueue(organizationID, trigger); err != nil && !errors.Is(err, ErrAlreadyQueued) {
		s.log.Warn("Failed to enqueue sync", zap.Uint("organization_id", organizationID), zap.Error(err))
	}
}

// ResetAllSchedules cancels every schedule and staggered run, then removes
// all sync state rows and leases. It returns the number of schedules cancelled.
func (s *Scheduler) ResetAllSchedules(ctx context.Context) (int, error) {
	s.mu.Lock()
	cancelled := len(s.schedules)
	for id, sch := range s.schedules {
		sch.timer.Stop()
		delete(s.schedules, id)
	}
	for timer := range s.staggered {
		timer.Stop()
		delete(s.staggered, timer)
	}
	s.mu.Unlock()
	observer.SetScheduledOrganizations(0)

	removed, err := s.states.DeleteAll(ctx)
	if err != nil {
		return cancelled, fmt.Errorf("failed to clear sync state: %w", err)
	}
	if err := s.locker.ReleaseAll(ctx); err != nil {
		return cancelled, fmt.Errorf("failed to clear sync leases: %w", err)
	}

	logger.FromContextOr(ctx, s.log).Info("All sync schedules reset",
		zap.Int("schedules_cancelled", cancelled),
		zap.Int64("states_removed", removed),
	)
	return cancelled, nil
}

// Status reports the schedule and last-run details of an organization.
func (s *Scheduler) Status(ctx context.Context, organizationID uint) (*SyncStatus, error) {
	org, err := s.orgs.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	state, err := s.states.Get(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	running, err := s.locker.IsHeld(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync lease: %w", err)
	}

	status := &SyncStatus{
		OrganizationID: organizationID,
		Enabled:        state.AutoSyncEnabled,
		Interval:       string(model.ParseSyncInterval(state.Interval)),
		LastSync:       org.LastSync,
		LastAttempt:    state.LastAttemptAt,
		LastError:      state.LastError,
		Stats:          state.Stats(),
		IsRunning:      running,
	}
	if state.Interval == "" {
		status.Interval = s.settings.Current().DefaultInterval
	}

	s.mu.Lock()
	if sch, ok := s.schedules[organizationID]; ok {
		next := sch.next
		status.NextRun = &next
		status.Enabled = true
	}
	s.mu.Unlock()
	return status, nil
}

func (s *Scheduler) armRetention() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	every := s.settings.Current().RetentionInterval
	if every <= 0 {
		return
	}
	s.retentionTimer = time.AfterFunc(every, func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		if _, err := s.retention.RunRetentionCleanup(ctx); err != nil {
			s.log.Warn("Scheduled retention cleanup failed", zap.Error(err))
		}
		s.armRetention()
	})
}

// Stop cancels every timer and waits up to timeout for running tasks.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	s.stopped = true
	for id, sch := range s.schedules {
		sch.timer.Stop()
		delete(s.schedules, id)
	}
	for timer := range s.staggered {
		timer.Stop()
		delete(s.staggered, timer)
	}
	if s.retentionTimer != nil {
		s.retentionTimer.Stop()
	}
	s.mu.Unlock()

	if err := s.pool.ReleaseTimeout(timeout); err != nil {
		s.log.Warn("Sync workers did not finish before shutdown", zap.Error(err))
	}
	s.log.Info("Scheduler stopped")
}
