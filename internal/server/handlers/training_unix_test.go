//go:build !windows

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jjss83/mentor/internal/errors"
	"github.com/jjss83/mentor/pkg/orchestrator"
)

type trainingFixture struct {
	dir      string
	results  string
	config   string
	registry *orchestrator.Registry
	router   chi.Router
}

func newTrainingFixture(t *testing.T, script string) *trainingFixture {
	t.Helper()
	dir := t.TempDir()
	learn := filepath.Join(dir, "learn")
	require.NoError(t, os.WriteFile(learn, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	config := filepath.Join(dir, "reach.yaml")
	require.NoError(t, os.WriteFile(config, []byte("behaviors:\n  ReachTarget:\n    trainer_type: ppo\n"), 0644))

	f := &trainingFixture{dir: dir, results: filepath.Join(dir, "results"), config: config}
	ports := orchestrator.NewPortAllocator(orchestrator.TCPProber{}, 0)
	f.registry = orchestrator.NewRegistry(orchestrator.RegistryOptions{
		Defaults: orchestrator.Defaults{ResultsDir: f.results},
		Ports:    ports,
		Supervisor: orchestrator.NewSupervisor(orchestrator.ToolConfig{
			LearnCommand: learn,
			TempRoot:     filepath.Join(dir, "tmp"),
		}, ports.Prober(), nil),
		CancelGrace: 500 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.registry.Shutdown(ctx)
	})

	f.router = chi.NewRouter()
	NewTraining(f.registry, orchestrator.NewReconciler(f.registry, nil), nil).Routes(f.router)
	return f
}

func (f *trainingFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestTrain_StartsRunAndReportsStatus(t *testing.T) {
	f := newTrainingFixture(t, `echo "step 100"`)

	rec := f.do(t, http.MethodPost, "/train", map[string]any{
		"config":    f.config,
		"runId":     "rtg-260119-1",
		"skipConda": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started TrainResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.True(t, started.Success)
	assert.Equal(t, "rtg-260119-1", started.RunID)
	assert.Equal(t, f.results, started.ResultsDirectory)
	assert.NotZero(t, started.BasePort)

	run, ok := f.registry.Get("rtg-260119-1")
	require.True(t, ok)
	select {
	case <-run.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	rec = f.do(t, http.MethodPost, "/train-status", StatusRequest{RunID: "rtg-260119-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var payload orchestrator.StatusPayload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.Equal(t, orchestrator.StatusSucceeded, payload.Status)
	assert.True(t, payload.Completed)
	require.NotNil(t, payload.ExitCode)
	assert.Equal(t, 0, *payload.ExitCode)

	rec = f.do(t, http.MethodGet, "/runs/rtg-260119-1/logs?tail=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs LogsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&logs))
	assert.Contains(t, logs.Lines, "step 100")

	rec = f.do(t, http.MethodGet, "/runs", nil)
	var list RunListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "rtg-260119-1", list.Runs[0].RunID)
}

func TestTrain_ErrorMapping(t *testing.T) {
	f := newTrainingFixture(t, "exec sleep 30")

	rec := f.do(t, http.MethodPost, "/train", map[string]any{"config": filepath.Join(f.dir, "missing.yaml")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidation, decodeError(t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/train", map[string]any{"config": f.config, "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeBadRequest, decodeError(t, rec).Error.Code)

	req := map[string]any{"config": f.config, "runId": "dup", "skipConda": true}
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/train", req).Code)
	rec = f.do(t, http.MethodPost, "/train", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeConflict, decodeError(t, rec).Error.Code)
}

func TestCancelRun(t *testing.T) {
	f := newTrainingFixture(t, "exec sleep 30")
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/train",
		map[string]any{"config": f.config, "runId": "long", "skipConda": true}).Code)

	rec := f.do(t, http.MethodPost, "/runs/long/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body CancelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, orchestrator.StatusCanceled, body.Status)

	rec = f.do(t, http.MethodPost, "/runs/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun_NotFoundAndValidation(t *testing.T) {
	f := newTrainingFixture(t, "exit 0")

	rec := f.do(t, http.MethodGet, "/runs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ghost", decodeError(t, rec).Error.Details["runId"])

	rec = f.do(t, http.MethodPost, "/train-status", StatusRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/runs/ghost/logs?tail=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoints_RejectRunIDsOutsideResultsRoot(t *testing.T) {
	f := newTrainingFixture(t, "exit 0")
	outside := filepath.Join(f.dir, "outside", "run_logs")
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "mentor.log"), []byte("secret\n"), 0644))

	rec := f.do(t, http.MethodPost, "/train-status", StatusRequest{RunID: "../outside"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeValidation, body.Error.Code)
	assert.Equal(t, "runId", body.Error.Details["field"])

	for _, path := range []string{"/runs/../logs", "/runs/a:b/logs", "/runs/..", "/runs/a:b"} {
		rec = f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "secret", path)
	}
}
