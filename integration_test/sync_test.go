//go:build integration

package integration_test

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gitlab.com/timkado/api/vapi-call-sync/internal/audio"
	"gitlab.com/timkado/api/vapi-call-sync/internal/command"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/scheduler"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/vapi"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// fakeUpstream serves a fixed call log plus recordings for every bearer token.
func fakeUpstream(calls []*model.RemoteCall) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			utils.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if r.URL.Query().Get("offset") != "" {
			utils.WriteJSONResponse(w, http.StatusOK, []*model.RemoteCall{})
			return
		}
		utils.WriteJSONResponse(w, http.StatusOK, calls)
	})
	mux.HandleFunc("/recordings/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(bytes.Repeat([]byte{0x52}, 4096))
	})
	return httptest.NewServer(mux)
}

func (s *IntegrationSuite) TestManualSyncEndToEnd() {
	var calls []*model.RemoteCall
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("e2e-call-%d", i)
		calls = append(calls, model.NewRemoteCall(&model.RemoteCall{
			ID:           id,
			Status:       model.CallStatusEnded,
			RecordingURL: "/recordings/" + id + ".wav",
		}))
	}

	srv := fakeUpstream(calls)
	s.T().Cleanup(srv.Close)
	for _, c := range calls {
		c.RecordingURL = srv.URL + c.RecordingURL
	}

	// Wiring mirrors cmd/main with the redis locker and NATS publisher.
	orgs := storage.NewOrganizationRepo(s.DB)
	states := storage.NewSyncStateRepo(s.DB)
	router := storage.NewStorageRouter(s.DB, orgs, 10*time.Second, logger.Log)
	s.T().Cleanup(func() { router.Close(s.Ctx) })

	redisClient, err := storage.NewRedisClient(s.Ctx, config.RedisConfig{Addr: s.RedisEP.Addr()})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = redisClient.Close() })
	locker := storage.NewRedisLocker(redisClient)

	audioDir := s.T().TempDir()
	local, err := audio.NewLocalStorage(audioDir)
	s.Require().NoError(err)
	archiver := audio.NewArchiver(local, config.AudioConfig{
		Prefix:    "vapi-call-recordings",
		Timeout:   10 * time.Second,
		UserAgent: "integration",
		MinBytes:  1000,
	}, logger.Log)

	vapiCfg := config.VapiConfig{
		BaseURL:      srv.URL,
		PageSize:     100,
		MaxOffset:    1000,
		QuickTimeout: 5 * time.Second,
		ListTimeout:  5 * time.Second,
	}
	api := vapi.NewClient(vapiCfg, vapi.WithLogger(logger.Log))

	natsCfg := config.NATSConfig{URL: s.NATSURL, Stream: "VAPI_SYNC_IT", SubjectPrefix: "it.vapi.sync", MaxAge: time.Hour}
	js, err := jetstream.NewClient(natsCfg.URL)
	s.Require().NoError(err)
	s.T().Cleanup(js.Close)
	s.Require().NoError(js.SetupStream(s.Ctx, jetstream.StreamConfig(natsCfg)))
	events, err := js.NatsConn().SubscribeSync("it.vapi.sync.>")
	s.Require().NoError(err)

	settings := config.NewSettingsHolder(config.DefaultSyncSettings())
	engine := syncer.NewEngine(orgs, router, states, locker, api, archiver, settings,
		syncer.WithLogger(logger.Log),
		syncer.WithPublisher(jetstream.NewSyncEventPublisher(js, natsCfg.SubjectPrefix)),
	)
	cleaner := syncer.NewCleaner(orgs, router, archiver, settings, logger.Log)
	sched, err := scheduler.New(config.SchedulerConfig{PoolSize: 2, QueueSize: 10}, engine, orgs, states, locker, settings, logger.Log)
	s.Require().NoError(err)
	s.T().Cleanup(func() { sched.Stop(5 * time.Second) })

	svc := command.NewService(command.Dependencies{
		Orgs: orgs, Stores: router, States: states, Locker: locker,
		API: api, Archiver: archiver, Runner: engine, Retention: cleaner,
		Scheduler: sched, Settings: settings, Vapi: vapiCfg,
	}, logger.Log)
	apiSrv := httptest.NewServer(command.NewHandler(svc, logger.Log).Routes())
	s.T().Cleanup(apiSrv.Close)

	// Register the organization through the API.
	resp, body := s.request(apiSrv, http.MethodPost, "/api/v1/organizations", `{"name": "E2E Org", "api_key": "key-e2e"}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode, body)
	orgID := uint(body["id"].(float64))

	resp, body = s.request(apiSrv, http.MethodPost, fmt.Sprintf("/api/v1/organizations/%d/sync", orgID), "")
	s.Require().Equal(http.StatusOK, resp.StatusCode, body)
	s.Equal(syncer.StatusCompleted, body["status"])

	store := storage.NewSharedCallStore(s.DB, orgID)
	count, err := store.Count(s.Ctx)
	s.Require().NoError(err)
	s.EqualValues(3, count)

	record, err := store.GetByCallID(s.Ctx, "e2e-call-0")
	s.Require().NoError(err)
	if record.HasLocalAudio() {
		_, statErr := os.Stat(filepath.Join(audioDir, *record.LocalAudioPath))
		s.NoError(statErr)
	}

	msg, err := events.NextMsg(5 * time.Second)
	s.Require().NoError(err)
	s.Equal(fmt.Sprintf("it.vapi.sync.completed.%d", orgID), msg.Subject)
	var event model.SyncEvent
	s.Require().NoError(utils.UnmarshalJSON(msg.Data, &event))
	s.Require().NotNil(event.Stats)
	s.Equal(3, event.Stats.New)

	// A second pass changes nothing.
	resp, body = s.request(apiSrv, http.MethodPost, fmt.Sprintf("/api/v1/organizations/%d/sync", orgID), "")
	s.Require().Equal(http.StatusOK, resp.StatusCode, body)
	stats := body["stats"].(map[string]interface{})
	s.EqualValues(0, stats["new"])
	s.EqualValues(3, stats["skipped"])

	resp, body = s.request(apiSrv, http.MethodGet, fmt.Sprintf("/api/v1/organizations/%d/sync/status", orgID), "")
	s.Require().Equal(http.StatusOK, resp.StatusCode, body)
	s.NotNil(body["last_sync"])
	s.Equal(false, body["is_running"])

	// Deleting the organization cascades to its records and schedule.
	resp, body = s.request(apiSrv, http.MethodDelete, fmt.Sprintf("/api/v1/organizations/%d", orgID), "")
	s.Require().Equal(http.StatusOK, resp.StatusCode, body)
	s.EqualValues(3, body["records_deleted"])

	count, err = store.Count(s.Ctx)
	s.Require().NoError(err)
	s.Zero(count)
	s.NoError(events.Unsubscribe())
}

func (s *IntegrationSuite) request(srv *httptest.Server, method, path, payload string) (*http.Response, map[string]interface{}) {
	req, err := http.NewRequestWithContext(s.Ctx, method, srv.URL+path, strings.NewReader(payload))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	s.Require().NoError(err)
	out := map[string]interface{}{}
	if buf.Len() > 0 && buf.Bytes()[0] == '{' {
		s.Require().NoError(utils.UnmarshalJSON(buf.Bytes(), &out))
	}
	return resp, out
}
