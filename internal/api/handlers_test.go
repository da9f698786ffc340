package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"callscribe/internal/config"
	"callscribe/internal/orchestrator"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/websocket"
	"callscribe/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "state.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.Pipeline.Mode = "async"

	orch := orchestrator.New(orchestrator.Config{}, orchestrator.Options{
		Store:  store,
		Logger: logger.NewNop(),
	})

	wsServer := websocket.NewServer(logger.NewNop())
	go wsServer.Run()

	handler := NewHandler(store, orch, nil, cfg, wsServer, logger.NewNop())
	router := NewRouter(handler, nil, logger.NewNop())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestCreateJobAsync(t *testing.T) {
	srv, store := testServer(t)

	resp, err := http.Post(srv.URL+"/transcribe", "application/json",
		strings.NewReader(`{"asset_ref": "/audio/call.mp3", "case_id": "CASE-7", "display_name": "ACME call"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job sqlite.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, sqlite.StatusPending, job.Status)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/audio/call.mp3", stored.Source)
	assert.Equal(t, "CASE-7", stored.CaseID)
	assert.Equal(t, "ACME call", stored.DisplayName)
}

// captureRunner records the request context it runs under.
type captureRunner struct {
	store       *sqlite.Store
	hasDeadline bool
}

func (c *captureRunner) Run(ctx context.Context, jobID string) (*sqlite.Job, error) {
	_, c.hasDeadline = ctx.Deadline()
	return c.store.GetJob(jobID)
}

func TestCreateJobSyncRunsWithoutRequestDeadline(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "state.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.Pipeline.Mode = "sync"

	wsServer := websocket.NewServer(logger.NewNop())
	go wsServer.Run()

	runner := &captureRunner{store: store}
	handler := NewHandler(store, runner, nil, cfg, wsServer, logger.NewNop())
	router := NewRouter(handler, nil, logger.NewNop())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/transcribe", "application/json",
		strings.NewReader(`{"asset_ref": "/audio/call.mp3"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// A sync run can outlast any fixed request timeout; the route must not
	// carry a context deadline.
	assert.False(t, runner.hasDeadline)
}

func TestCreateJobAcceptsSourceAlias(t *testing.T) {
	srv, store := testServer(t)

	resp, err := http.Post(srv.URL+"/transcribe", "application/json",
		strings.NewReader(`{"source": "/audio/call.mp3"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job sqlite.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/audio/call.mp3", stored.Source)
}

func TestCreateJobRejectsBadPayload(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/transcribe", "application/json",
		strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/transcribe", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	srv, store := testServer(t)

	_, err := store.CreateJob("job-1", "/audio/call.mp3", "", "")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/job/job-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job sqlite.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, sqlite.StatusPending, job.Status)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/job/missing")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResetJob(t *testing.T) {
	srv, store := testServer(t)

	_, err := store.CreateJob("job-1", "src", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Transition("job-1", sqlite.StatusInProgress))
	require.NoError(t, store.Transition("job-1", sqlite.StatusFailed))

	resp, err := http.Post(srv.URL+"/job/job-1/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job sqlite.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, sqlite.StatusPending, job.Status)
	assert.Zero(t, job.Retries)
}

func TestResetJobRejectsNonFailed(t *testing.T) {
	srv, store := testServer(t)

	_, err := store.CreateJob("job-1", "src", "", "")
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/job/job-1/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, store := testServer(t)

	_, err := store.CreateJob("job-1", "src", "", "")
	require.NoError(t, err)
	_, err = store.CreateJob("job-2", "src", "", "")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["queue_depth"])
}
