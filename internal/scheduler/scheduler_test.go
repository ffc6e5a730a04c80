package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/scheduler"
	schedmock "gitlab.com/timkado/api/vapi-call-sync/internal/scheduler/mock"
	storagemock "gitlab.com/timkado/api/vapi-call-sync/internal/storage/mock"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
)

type fixture struct {
	sched  *scheduler.Scheduler
	runner *schedmock.RunnerMock
	orgs   *storagemock.OrganizationRepoMock
	states *storagemock.SyncStateRepoMock
	locker *storagemock.LockerMock
}

func newFixture(t *testing.T, tweak func(*config.SyncSettings)) *fixture {
	settings := config.DefaultSyncSettings()
	settings.FirstRunDelay = 10 * time.Millisecond
	settings.Stagger = 0
	settings.RetentionInterval = 0
	if tweak != nil {
		tweak(&settings)
	}

	f := &fixture{
		runner: new(schedmock.RunnerMock),
		orgs:   new(storagemock.OrganizationRepoMock),
		states: new(storagemock.SyncStateRepoMock),
		locker: new(storagemock.LockerMock),
	}
	sched, err := scheduler.New(config.SchedulerConfig{PoolSize: 2, QueueSize: 10},
		f.runner, f.orgs, f.states, f.locker, config.NewSettingsHolder(settings), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { sched.Stop(time.Second) })
	f.sched = sched
	return f
}

func completed() *syncer.Result {
	return &syncer.Result{Status: syncer.StatusCompleted}
}

func TestSetAutoSync_RunsOnInterval(t *testing.T) {
	f := newFixture(t, nil)
	f.sched.SetIntervalOf(func(model.SyncInterval) time.Duration { return 20 * time.Millisecond })
	ctx := context.Background()

	org := model.NewOrganization(&model.Organization{ID: 7, APIKey: "key", IsActive: true})
	f.orgs.On("Get", ctx, uint(7)).Return(org, nil)
	// unrecognised interval names fall back to hourly
	f.states.On("SetSchedule", ctx, uint(7), true, "hourly").Return(nil).Once()
	f.states.On("SetSchedule", ctx, uint(7), false, "hourly").Return(nil).Once()

	var mu sync.Mutex
	runs := 0
	f.runner.On("Run", mock.Anything, uint(7), syncer.RunOptions{Trigger: syncer.TriggerScheduled}).
		Run(func(mock.Arguments) {
			mu.Lock()
			runs++
			mu.Unlock()
		}).
		Return(completed(), nil)

	require.NoError(t, f.sched.SetAutoSync(ctx, 7, true, "every_fortnight"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.sched.SetAutoSync(ctx, 7, false, "hourly"))
	f.sched.Lock()
	assert.Empty(t, f.sched.Schedules())
	f.sched.Unlock()
	f.states.AssertExpectations(t)
}

func TestSetAutoSync_ReplacesExistingSchedule(t *testing.T) {
	f := newFixture(t, func(s *config.SyncSettings) { s.FirstRunDelay = time.Hour })
	ctx := context.Background()

	f.orgs.On("Get", ctx, uint(3)).Return(model.NewOrganization(&model.Organization{ID: 3, APIKey: "k", IsActive: true}), nil)
	f.states.On("SetSchedule", ctx, uint(3), true, mock.Anything).Return(nil)

	require.NoError(t, f.sched.SetAutoSync(ctx, 3, true, "hourly"))
	f.sched.Lock()
	first := f.sched.Schedules()[3]
	f.sched.Unlock()

	require.NoError(t, f.sched.SetAutoSync(ctx, 3, true, "daily"))
	f.sched.Lock()
	defer f.sched.Unlock()
	require.Len(t, f.sched.Schedules(), 1)
	assert.NotSame(t, first, f.sched.Schedules()[3])
	assert.Equal(t, model.IntervalDaily, f.sched.Schedules()[3].Interval())
	assert.False(t, first.Timer().Stop(), "previous timer must already be stopped")
}

func TestSetAutoSync_UnknownOrganization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.orgs.On("Get", ctx, uint(99)).Return(nil, fmt.Errorf("organization 99: %w", apperrors.ErrNotFound))

	err := f.sched.SetAutoSync(ctx, 99, true, "hourly")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFoundError(err))
	f.states.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEnqueue_DeduplicatesPendingOrganization(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	f.runner.On("Run", mock.Anything, uint(4), syncer.RunOptions{Trigger: syncer.TriggerManual}).
		Run(func(mock.Arguments) {
			started <- struct{}{}
			<-release
		}).
		Return(completed(), nil)

	require.NoError(t, f.sched.Enqueue(4, syncer.TriggerManual))
	<-started
	assert.ErrorIs(t, f.sched.Enqueue(4, syncer.TriggerManual), scheduler.ErrAlreadyQueued)

	close(release)
	assert.Eventually(t, func() bool {
		return f.sched.Enqueue(4, syncer.TriggerManual) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueue_FailedRunReleasesOrganization(t *testing.T) {
	f := newFixture(t, nil)
	done := make(chan struct{}, 2)
	f.runner.On("Run", mock.Anything, uint(8), mock.Anything).
		Run(func(mock.Arguments) { done <- struct{}{} }).
		Return(nil, fmt.Errorf("boom"))

	require.NoError(t, f.sched.Enqueue(8, syncer.TriggerManual))
	<-done
	assert.Eventually(t, func() bool {
		f.sched.Lock()
		defer f.sched.Unlock()
		_, pending := f.sched.Pending()[8]
		return !pending
	}, time.Second, 5*time.Millisecond)
}

func TestSyncAllOrganizations_StaggersOrganizationsWithCredentials(t *testing.T) {
	f := newFixture(t, func(s *config.SyncSettings) { s.Stagger = 15 * time.Millisecond })
	ctx := context.Background()

	f.orgs.On("List", ctx, true).Return([]model.Organization{
		*model.NewOrganization(&model.Organization{ID: 1, APIKey: "a", IsActive: true}),
		*model.NewOrganization(&model.Organization{ID: 2, APIKey: "", IsActive: true}),
		*model.NewOrganization(&model.Organization{ID: 3, APIKey: "c", IsActive: true}),
	}, nil)

	var mu sync.Mutex
	var order []uint
	f.runner.On("Run", mock.Anything, mock.AnythingOfType("uint"), syncer.RunOptions{Trigger: syncer.TriggerSyncAll}).
		Run(func(args mock.Arguments) {
			mu.Lock()
			order = append(order, args.Get(1).(uint))
			mu.Unlock()
		}).
		Return(completed(), nil)

	n, err := f.sched.SyncAllOrganizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []uint{1, 3}, order)
	mu.Unlock()
}

func TestResetAllSchedules(t *testing.T) {
	f := newFixture(t, func(s *config.SyncSettings) {
		s.FirstRunDelay = time.Hour
		s.Stagger = time.Hour
	})
	ctx := context.Background()

	for _, id := range []uint{1, 2} {
		f.orgs.On("Get", ctx, id).Return(model.NewOrganization(&model.Organization{ID: id, APIKey: "k", IsActive: true}), nil)
		f.states.On("SetSchedule", ctx, id, true, "hourly").Return(nil)
		require.NoError(t, f.sched.SetAutoSync(ctx, id, true, "hourly"))
	}
	f.orgs.On("List", ctx, true).Return([]model.Organization{
		*model.NewOrganization(&model.Organization{ID: 1, APIKey: "k", IsActive: true}),
		*model.NewOrganization(&model.Organization{ID: 2, APIKey: "k", IsActive: true}),
	}, nil)
	f.runner.On("Run", mock.Anything, uint(1), mock.Anything).Return(completed(), nil).Maybe()
	_, err := f.sched.SyncAllOrganizations(ctx)
	require.NoError(t, err)

	f.states.On("DeleteAll", ctx).Return(int64(2), nil)
	f.locker.On("ReleaseAll", ctx).Return(nil)

	cancelled, err := f.sched.ResetAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	f.sched.Lock()
	assert.Empty(t, f.sched.Schedules())
	assert.Empty(t, f.sched.Staggered())
	f.sched.Unlock()
	f.runner.AssertNotCalled(t, "Run", mock.Anything, uint(2), mock.Anything)
	f.locker.AssertExpectations(t)
}

func TestResetAllSchedules_StateError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.states.On("DeleteAll", ctx).Return(int64(0), fmt.Errorf("db down"))

	_, err := f.sched.ResetAllSchedules(ctx)
	require.Error(t, err)
	f.locker.AssertNotCalled(t, "ReleaseAll", mock.Anything)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, func(s *config.SyncSettings) { s.FirstRunDelay = time.Hour })
	ctx := context.Background()

	lastSync := time.Date(2024, 1, 19, 8, 0, 0, 0, time.UTC)
	attempt := lastSync.Add(time.Minute)
	failure := "Failed to connect"
	org := model.NewOrganization(&model.Organization{ID: 5, APIKey: "k", IsActive: true, LastSync: &lastSync})
	f.orgs.On("Get", ctx, uint(5)).Return(org, nil)
	f.states.On("Get", ctx, uint(5)).Return(&model.SyncState{
		OrganizationID:  5,
		AutoSyncEnabled: true,
		Interval:        "daily",
		LastAttemptAt:   &attempt,
		LastError:       &failure,
		LastStats:       []byte(`{"total":4,"new":3,"updated":1}`),
	}, nil)
	f.locker.On("IsHeld", ctx, uint(5)).Return(true, nil)

	status, err := f.sched.Status(ctx, 5)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, "daily", status.Interval)
	assert.Equal(t, &lastSync, status.LastSync)
	assert.Equal(t, &attempt, status.LastAttempt)
	assert.Equal(t, &failure, status.LastError)
	require.NotNil(t, status.Stats)
	assert.Equal(t, 3, status.Stats.New)
	assert.True(t, status.IsRunning)
	assert.Nil(t, status.NextRun, "no in-memory schedule armed")

	f.states.On("SetSchedule", ctx, uint(5), true, "daily").Return(nil)
	require.NoError(t, f.sched.SetAutoSync(ctx, 5, true, "daily"))
	status, err = f.sched.Status(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, status.NextRun)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *status.NextRun, time.Minute)
}

func TestStart_RestoresEnabledSchedulesOfActiveOrganizations(t *testing.T) {
	f := newFixture(t, func(s *config.SyncSettings) { s.FirstRunDelay = time.Hour })
	ctx := context.Background()

	f.states.On("List", ctx).Return([]model.SyncState{
		{OrganizationID: 1, AutoSyncEnabled: true, Interval: "every_15_minutes"},
		{OrganizationID: 2, AutoSyncEnabled: true, Interval: "hourly"},
		{OrganizationID: 3, AutoSyncEnabled: false, Interval: "hourly"},
		{OrganizationID: 4, AutoSyncEnabled: true, Interval: "daily"},
	}, nil)
	f.orgs.On("Get", ctx, uint(1)).Return(model.NewOrganization(&model.Organization{ID: 1, APIKey: "k", IsActive: true}), nil)
	f.orgs.On("Get", ctx, uint(2)).Return(model.NewOrganization(&model.Organization{ID: 2, APIKey: "k", IsActive: false}), nil)
	f.orgs.On("Get", ctx, uint(4)).Return(nil, apperrors.ErrNotFound)

	require.NoError(t, f.sched.Start(ctx))

	f.sched.Lock()
	defer f.sched.Unlock()
	require.Len(t, f.sched.Schedules(), 1)
	assert.Equal(t, model.IntervalEvery15Minutes, f.sched.Schedules()[1].Interval())
}

func TestStart_RunsRetentionPeriodically(t *testing.T) {
	f := newFixture(t, func(s *config.SyncSettings) { s.RetentionInterval = 15 * time.Millisecond })
	ctx := context.Background()
	f.states.On("List", ctx).Return([]model.SyncState{}, nil)

	retention := new(schedmock.RetentionRunnerMock)
	calls := make(chan struct{}, 8)
	retention.On("RunRetentionCleanup", mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case calls <- struct{}{}:
			default:
			}
		}).
		Return(&syncer.CleanupResult{}, nil)

	require.NoError(t, f.sched.WithRetention(retention).Start(ctx))
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("retention cleanup did not run")
		}
	}
}

func TestStop_RejectsNewTasks(t *testing.T) {
	f := newFixture(t, nil)
	f.sched.Stop(time.Second)

	err := f.sched.Enqueue(1, syncer.TriggerManual)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflictError(err))
}
