package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/jjss83/mentor/internal/errors"
	"github.com/jjss83/mentor/pkg/orchestrator"
)

// MaxLogTailLines caps the tail parameter of the logs endpoint.
const MaxLogTailLines = 5000

const maxRequestBody = 1 << 20

// TrainResponse acknowledges a started run.
type TrainResponse struct {
	Success          bool                `json:"success"`
	RunID            string              `json:"runId"`
	Status           orchestrator.Status `json:"status"`
	ResultsDirectory string              `json:"resultsDirectory"`
	LogPath          string              `json:"logPath"`
	TensorboardURL   string              `json:"tensorboardUrl,omitempty"`
	BasePort         int                 `json:"basePort"`
	Message          string              `json:"message,omitempty"`
}

// StatusRequest is the body of POST /train-status.
type StatusRequest struct {
	RunID      string `json:"runId"`
	ResultsDir string `json:"resultsDir,omitempty"`
}

// RunListResponse is the body of GET /runs.
type RunListResponse struct {
	Runs []orchestrator.StatusPayload `json:"runs"`
}

// LogsResponse is the body of GET /runs/{runID}/logs.
type LogsResponse struct {
	RunID   string   `json:"runId"`
	LogPath string   `json:"logPath"`
	Lines   []string `json:"lines"`
}

// CancelResponse is the body of POST /runs/{runID}/cancel.
type CancelResponse struct {
	RunID   string                   `json:"runId"`
	Status  orchestrator.Status      `json:"status"`
	Cancel  orchestrator.CancelState `json:"cancel"`
	Message string                   `json:"message,omitempty"`
}

// Training exposes the orchestrator over HTTP.
type Training struct {
	registry   *orchestrator.Registry
	reconciler *orchestrator.Reconciler
	logger     *zap.Logger
}

func NewTraining(registry *orchestrator.Registry, reconciler *orchestrator.Reconciler, logger *zap.Logger) *Training {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Training{registry: registry, reconciler: reconciler, logger: logger}
}

// Routes mounts the training endpoints on r.
func (t *Training) Routes(r chi.Router) {
	r.Post("/train", t.Train)
	r.Post("/train-status", t.TrainStatus)
	r.Get("/runs", t.ListRuns)
	r.Get("/runs/{runID}", t.GetRun)
	r.Get("/runs/{runID}/logs", t.RunLogs)
	r.Post("/runs/{runID}/cancel", t.CancelRun)
}

// Train starts a run and answers once its process is running.
func (t *Training) Train(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := decodeBody(r, &req, true); err != nil {
		respondWithError(w, r, err)
		return
	}

	run, err := t.registry.TryStart(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	spec := run.Spec()
	writeJSON(w, http.StatusAccepted, TrainResponse{
		Success:          true,
		RunID:            run.ID(),
		Status:           run.Status(),
		ResultsDirectory: spec.ResultsDir,
		LogPath:          run.LogPath(),
		TensorboardURL:   run.TensorboardURL(),
		BasePort:         spec.BasePort,
		Message:          run.Message(),
	})
}

// TrainStatus answers for the run named in the body.
func (t *Training) TrainStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	runID := strings.TrimSpace(req.RunID)
	if err := orchestrator.ValidateRunID(runID); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t.reconciler.StatusOf(runID, req.ResultsDir))
}

// ListRuns returns every run tracked by this process.
func (t *Training) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RunListResponse{Runs: t.reconciler.Snapshot()})
}

// GetRun answers for one run; unknown runs are 404.
func (t *Training) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := orchestrator.ValidateRunID(runID); err != nil {
		respondWithError(w, r, err)
		return
	}
	p := t.reconciler.StatusOf(runID, r.URL.Query().Get("resultsDir"))
	if p.Status == orchestrator.StatusNotFound {
		respondWithError(w, r, apperrors.New(http.StatusNotFound, apperrors.CodeNotFound, p.Message).
			WithDetail("runId", runID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RunLogs returns the trailing lines of a run's log.
func (t *Training) RunLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	lines := orchestrator.DefaultLogTailLines
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxLogTailLines {
			respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest,
				fmt.Sprintf("tail must be an integer between 1 and %d", MaxLogTailLines)))
			return
		}
		lines = n
	}

	path, out, err := t.reconciler.Tail(runID, r.URL.Query().Get("resultsDir"), lines)
	var invalid *orchestrator.ValidationError
	if errors.As(err, &invalid) {
		respondWithError(w, r, err)
		return
	}
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "read run log"))
		return
	}
	if out == nil {
		out = []string{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{RunID: runID, LogPath: path, Lines: out})
}

// CancelRun requests cancellation. Termination continues in the background.
func (t *Training) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := t.registry.Cancel(r.Context(), runID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	t.logger.Info("Cancel requested over HTTP", zap.String("run_id", runID))
	writeJSON(w, http.StatusOK, CancelResponse{
		RunID:   run.ID(),
		Status:  run.Status(),
		Cancel:  run.CancelState(),
		Message: run.Message(),
	})
}

// decodeBody decodes a JSON body. An empty body is accepted when allowEmpty.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return &apperrors.AppError{
			Status:  http.StatusBadRequest,
			Code:    apperrors.CodeBadRequest,
			Message: "invalid request body",
			Details: map[string]any{"reason": err.Error()},
			Err:     err,
		}
	}
	return nil
}
