package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	audiomock "gitlab.com/timkado/api/vapi-call-sync/internal/audio/mock"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	jsmock "gitlab.com/timkado/api/vapi-call-sync/internal/jetstream/mock"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	vapimock "gitlab.com/timkado/api/vapi-call-sync/internal/vapi/mock"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

var fixedNow = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

type testStack struct {
	orgs      *storage.GormOrganizationRepo
	states    *storage.GormSyncStateRepo
	locker    *storage.DBLocker
	router    *storage.StorageRouter
	api       *vapimock.APIMock
	archiver  *audiomock.ArchiverMock
	publisher *jsmock.EventPublisherMock
	settings  *config.SettingsHolder
}

func newTestStack(t *testing.T) *testStack {
	log := zaptest.NewLogger(t)
	logger.Log = log

	db, err := storage.Open(config.DatabaseConfig{
		Driver:       model.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "sync.db"),
		AutoMigrate:  true,
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close(context.Background(), db) })

	orgs := storage.NewOrganizationRepo(db)
	router := storage.NewStorageRouter(db, orgs, 2*time.Second, log)
	t.Cleanup(func() { router.Close(context.Background()) })

	settings := config.DefaultSyncSettings()
	settings.DeleteDelay = 0

	return &testStack{
		orgs:      orgs,
		states:    storage.NewSyncStateRepo(db),
		locker:    storage.NewDBLocker(db),
		router:    router,
		api:       new(vapimock.APIMock),
		archiver:  new(audiomock.ArchiverMock),
		publisher: new(jsmock.EventPublisherMock),
		settings:  config.NewSettingsHolder(settings),
	}
}

func (s *testStack) engine(t *testing.T, locker storage.Locker) *Engine {
	if locker == nil {
		locker = s.locker
	}
	return NewEngine(s.orgs, s.router, s.states, locker, s.api, s.archiver, s.settings,
		WithPublisher(s.publisher),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func (s *testStack) createOrg(t *testing.T, org *model.Organization) *model.Organization {
	created := model.NewOrganization(org)
	require.NoError(t, s.orgs.Create(context.Background(), created))
	return created
}

func (s *testStack) store(t *testing.T, org *model.Organization) storage.CallRecordStore {
	store, err := s.router.Resolve(context.Background(), org)
	require.NoError(t, err)
	return store
}

// remoteCalls decodes a JSON array the way the API client does, keeping raw payloads.
func remoteCalls(t *testing.T, payload string) []model.RemoteCall {
	var calls []model.RemoteCall
	require.NoError(t, utils.UnmarshalJSON([]byte(payload), &calls))
	return calls
}

func recordedCalls(n int, withRecording bool) string {
	out := "["
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		recording := ""
		if withRecording {
			recording = fmt.Sprintf(`,"recordingUrl":"https://storage.vapi.ai/rec-%d.wav"`, i)
		}
		out += fmt.Sprintf(`{"id":"call-%02d","status":"ended","duration":30,"createdAt":"2024-01-19T10:%02d:00Z"%s}`, i, i, recording)
	}
	return out + "]"
}
