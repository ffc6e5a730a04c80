package command

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/scheduler"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

func newServer(t *testing.T) (*httptest.Server, *mocks) {
	svc, m := newService(t)
	srv := httptest.NewServer(NewHandler(svc, zaptest.NewLogger(t)).Routes())
	t.Cleanup(srv.Close)
	return srv, m
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]interface{}) {
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if buf.Len() > 0 && buf.Bytes()[0] == '{' {
		require.NoError(t, utils.UnmarshalJSON(buf.Bytes(), &out))
	}
	return resp, out
}

func TestHandler_TriggerSync(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     *syncer.Result
		err        error
		wantStatus int
		wantField  string
		wantValue  interface{}
	}{
		{
			name:       "completed",
			body:       `{"delete_after_import": true}`,
			result:     &syncer.Result{Status: syncer.StatusCompleted, Message: "Sync completed: 3 calls from last 14 days - 3 new, 0 updated, 0 unchanged"},
			wantStatus: http.StatusOK,
			wantField:  "message",
			wantValue:  "Sync completed: 3 calls from last 14 days - 3 new, 0 updated, 0 unchanged",
		},
		{
			name:       "already running",
			result:     &syncer.Result{Status: syncer.StatusAlreadyRunning, Message: "Sync already in progress"},
			wantStatus: http.StatusConflict,
			wantField:  "status",
			wantValue:  syncer.StatusAlreadyRunning,
		},
		{
			name:       "missing organization",
			err:        fmt.Errorf("organization 5 not found: %w", apperrors.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantField:  "error",
			wantValue:  "organization 5 not found: resource not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, m := newServer(t)
			m.runner.On("Run", mock.Anything, uint(5), mock.MatchedBy(func(o syncer.RunOptions) bool {
				return o.Trigger == syncer.TriggerManual && (tt.body == "") == (o.DeleteAfterImport == nil)
			})).Return(tt.result, tt.err)

			resp, body := call(t, srv, http.MethodPost, "/api/v1/organizations/5/sync", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantValue, body[tt.wantField])
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestHandler_InvalidOrganizationID(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := call(t, srv, http.MethodGet, "/api/v1/organizations/abc/sync/status", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid organization ID", body["error"])
}

func TestHandler_RejectsUnknownFields(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := call(t, srv, http.MethodPut, "/api/v1/settings", `{"sync_days": 7, "bogus": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "Invalid data")
}

func TestHandler_Settings(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := call(t, srv, http.MethodPut, "/api/v1/settings",
		`{"retention_days": 60, "sync_days": 45, "default_interval": "daily", "delete_after_import": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 60, body["retention_days"])
	assert.EqualValues(t, 30, body["sync_days"])

	resp, body = call(t, srv, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "daily", body["default_interval"])
	assert.Equal(t, true, body["delete_after_import"])

	resp, _ = call(t, srv, http.MethodPut, "/api/v1/settings", `{"sync_days": 7, "default_interval": "weekly"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_SyncStatusAndAutoSync(t *testing.T) {
	srv, m := newServer(t)
	status := &scheduler.SyncStatus{OrganizationID: 7, Enabled: true, Interval: "every_15_minutes", IsRunning: true}
	m.scheduler.On("SetAutoSync", mock.Anything, uint(7), true, "every_15_minutes").Return(nil)
	m.scheduler.On("Status", mock.Anything, uint(7)).Return(status, nil)

	resp, body := call(t, srv, http.MethodPut, "/api/v1/organizations/7/sync/auto", `{"enabled": true, "interval": "every_15_minutes"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "every_15_minutes", body["interval"])

	resp, body = call(t, srv, http.MethodGet, "/api/v1/organizations/7/sync/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_running"])
}

func TestHandler_AddOrganization(t *testing.T) {
	srv, m := newServer(t)
	m.api.On("TestConnection", mock.Anything, "key-acme").Return(true)
	m.orgs.On("Create", mock.Anything, mock.AnythingOfType("*model.Organization")).
		Run(func(args mock.Arguments) { args.Get(1).(*model.Organization).ID = 21 }).
		Return(nil)

	resp, body := call(t, srv, http.MethodPost, "/api/v1/organizations", `{"name": "Acme", "api_key": "key-acme"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 21, body["id"])
	assert.NotContains(t, body, "api_key")
}

func TestHandler_AddOrganizationDuplicate(t *testing.T) {
	srv, m := newServer(t)
	m.api.On("TestConnection", mock.Anything, "key-acme").Return(true)
	m.orgs.On("Create", mock.Anything, mock.Anything).Return(fmt.Errorf("%w: name taken", apperrors.ErrDuplicate))

	resp, _ := call(t, srv, http.MethodPost, "/api/v1/organizations", `{"name": "Acme", "api_key": "key-acme"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandler_SyncAllAndRetention(t *testing.T) {
	srv, m := newServer(t)
	m.scheduler.On("SyncAllOrganizations", mock.Anything).Return(2, nil)
	m.retention.On("RunRetentionCleanup", mock.Anything).Return(&syncer.CleanupResult{RetentionDays: 30, Organizations: 2, RecordsDeleted: 12}, nil)

	resp, body := call(t, srv, http.MethodPost, "/api/v1/sync/all", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Scheduled sync for 2 organizations", body["message"])

	resp, body = call(t, srv, http.MethodPost, "/api/v1/retention/cleanup", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 12, body["records_deleted"])
}
