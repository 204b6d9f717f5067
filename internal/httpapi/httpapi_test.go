package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobby-dev/gobbyd/internal/hooks"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/session"
	"github.com/gobby-dev/gobbyd/internal/task"
	"github.com/gobby-dev/gobbyd/internal/telemetry"
)

type fakeHealth struct{ ready bool }

func (f fakeHealth) Ready() (bool, string) {
	if f.ready {
		return true, ""
	}
	return false, "starting"
}

type fakeSessions struct{}

func (fakeSessions) FindByExternalID(ctx context.Context, externalID, machineID, projectID, source string) (*model.Session, error) {
	return nil, nil
}

func (fakeSessions) Register(ctx context.Context, p session.RegisterParams) (*model.Session, error) {
	return &model.Session{ID: "sess-1", ExternalID: p.ExternalID, Status: model.SessionActive, CreatedAt: time.Now()}, nil
}

func (fakeSessions) Get(ctx context.Context, id string) (*model.Session, error) { return nil, nil }

func (fakeSessions) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) (*model.Session, error) {
	return nil, nil
}

func (fakeSessions) FindParent(ctx context.Context, machineID, projectID, source, status string) (*model.Session, error) {
	return nil, nil
}

type fakeProjects struct{}

func (fakeProjects) EnsureForRepoPath(ctx context.Context, repoPath, defaultName string) (*model.Project, error) {
	return &model.Project{ID: "proj-1", Name: defaultName, RepoPath: repoPath}, nil
}

type fakeTasks struct{}

func (fakeTasks) ListTasks(ctx context.Context, projectID string, filters task.ListFilters) ([]*model.Task, error) {
	return nil, nil
}

func newTestServer(ready bool) *Server {
	pipeline := hooks.New(nil, fakeHealth{ready: ready}, fakeSessions{}, fakeProjects{}, fakeTasks{}, nil, nil, nil, nil, nil)
	return New(pipeline, nil, nil, Config{})
}

func TestHandleHookReturns200WithAllowWhenDaemonReady(t *testing.T) {
	srv := newTestServer(true)

	body := `{"session_id":"ext-1","source":"claude","cwd":"/repo","machine_id":"m1","timestamp":"2026-01-01T00:00:00Z","data":{}}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/before_tool", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp hookResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "allow", resp.Decision)
}

func TestHandleHookFailsOpenOnMalformedBody(t *testing.T) {
	srv := newTestServer(true)

	req := httptest.NewRequest(http.MethodPost, "/hooks/before_tool", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "error", resp["status"])
	require.Equal(t, true, resp["error_logged"])
}

func TestHandleHookAllowsWithReasonWhenDaemonNotReady(t *testing.T) {
	srv := newTestServer(false)

	body := `{"session_id":"ext-1","source":"claude","cwd":"/repo","machine_id":"m1"}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/session_start", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp hookResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "allow", resp.Decision)
	require.Contains(t, resp.Reason, "starting")
}

func TestHandleCallToolReturnsServiceUnavailableWithoutPool(t *testing.T) {
	srv := newTestServer(true)

	req := httptest.NewRequest(http.MethodPost, "/mcp/github/tools/list_issues", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpointReportsOK(t *testing.T) {
	srv := newTestServer(true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormatWhenConfigured(t *testing.T) {
	pipeline := hooks.New(nil, fakeHealth{ready: true}, fakeSessions{}, fakeProjects{}, fakeTasks{}, nil, nil, nil, nil, nil)
	metrics := telemetry.NewMetrics()
	srv := New(pipeline, nil, nil, Config{Metrics: metrics})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "gobbyd_")
}

func TestMetricsEndpointAbsentWithoutConfig(t *testing.T) {
	srv := newTestServer(true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
