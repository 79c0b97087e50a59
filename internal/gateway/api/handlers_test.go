package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/gateway"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/query"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/store"
)

type noopProvider struct{}

func (noopProvider) ID() string { return "fake" }

func (noopProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (noopProvider) Execute(_ context.Context, _ provider.QueryInput, onEvent provider.EventFunc) error {
	if err := onEvent(provider.Event{Type: provider.EventSession, SessionID: "prov-1"}); err != nil {
		return err
	}
	if err := onEvent(provider.Event{Type: provider.EventText, Text: "ok"}); err != nil {
		return err
	}
	return onEvent(provider.Event{Type: provider.EventDone, Reason: provider.DoneCompleted})
}

func newTestRouter(t *testing.T) (*gin.Engine, *gateway.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	orch := provider.NewOrchestrator(log)
	orch.Register(noopProvider{})

	snaps, err := store.NewSnapshotStore(t.TempDir(), log)
	require.NoError(t, err)

	cfg := config.SessionsConfig{
		Tenant:            "telegram",
		MaxSessions:       100,
		TTLHours:          24,
		ContextWindowSize: 200000,
		DefaultWorkingDir: t.TempDir(),
		WorkdirRoot:       t.TempDir(),
	}
	mgr := session.NewManager(session.Deps{
		Runtime:   query.NewRuntime(orch, log),
		Snapshots: snaps,
		Logger:    log,
		Config:    cfg,
		Provider:  config.ProviderConfig{Primary: "fake"},
	})
	svc := gateway.NewService(cfg, mgr, nil, nil, nil, log)

	router := gin.New()
	SetupRoutes(router, svc, nil, log)
	return router, svc
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestStatsEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	_, err := svc.GetSession("1001", "")
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats session.GlobalStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Sessions)
}

func TestListSessionsEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	_, err := svc.GetSession("1001", "")
	require.NoError(t, err)
	_, err = svc.GetSession("2002", "")
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "telegram:1001:main", resp.Sessions[0].Key)
}

func TestGetSessionStatsEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	_, err := svc.GetSession("1001", "")
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/v1/sessions/telegram:1001:main")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/sessions/telegram:9999:main")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/sessions/not-a-key")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKillSessionEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	s, err := svc.GetSession("1001", "")
	require.NoError(t, err)
	_, err = s.EnqueueSteering("buffered", 1)
	require.NoError(t, err)

	w := doRequest(router, http.MethodPost, "/api/v1/sessions/telegram:1001:main/kill")
	require.Equal(t, http.StatusOK, w.Code)

	var resp KillSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.SteeringExtracted)
}

func TestStopSessionEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	_, err := svc.GetSession("1001", "")
	require.NoError(t, err)

	w := doRequest(router, http.MethodPost, "/api/v1/sessions/telegram:1001:main/stop")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StopSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(session.StopNotRunning), resp.Result)
}

func TestOverrideModelEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	s, err := svc.GetSession("1001", "")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/telegram:1001:main/model",
		strings.NewReader(`{"model":"haiku","minutes":30}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "haiku", s.ModelOverride())

	// Empty model clears the override.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions/telegram:1001:main/model",
		strings.NewReader(`{"model":"","minutes":0}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", s.ModelOverride())
}

func TestSchedulerStatusDisabled(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/v1/scheduler/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SchedulerStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
}
