// Package api exposes the HTTP interface: job submission, job status, reset,
// health, and the event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"callscribe/internal/config"
	"callscribe/internal/orchestrator"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/websocket"
	"callscribe/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// JobRunner executes one job under the single-flight lease.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (*sqlite.Job, error)
}

// Handler contains the API handlers
type Handler struct {
	store    *sqlite.Store
	orch     JobRunner
	runner   *orchestrator.Runner
	config   *config.Config
	wsServer *websocket.Server
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(store *sqlite.Store, orch JobRunner, runner *orchestrator.Runner, config *config.Config, wsServer *websocket.Server, logger *logger.Logger) *Handler {
	return &Handler{
		store:    store,
		orch:     orch,
		runner:   runner,
		config:   config,
		wsServer: wsServer,
		logger:   logger.Named("api-handler"),
	}
}

// transcribeRequest is the POST /transcribe payload. asset_ref is the
// canonical field; source is accepted as an alias for older callers.
type transcribeRequest struct {
	AssetRef    string `json:"asset_ref"`
	Source      string `json:"source"`
	CaseID      string `json:"case_id"`
	DisplayName string `json:"display_name"`
}

func (r *transcribeRequest) assetRef() string {
	if r.AssetRef != "" {
		return r.AssetRef
	}
	return r.Source
}

// CreateJob accepts a new transcription job. In async mode it enqueues the
// job and returns 202; in sync mode it runs the job inline and returns the
// finished record.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	source := req.assetRef()
	if source == "" {
		http.Error(w, "Missing asset_ref", http.StatusBadRequest)
		return
	}

	job, err := h.store.CreateJob(uuid.New().String(), source, req.CaseID, req.DisplayName)
	if err != nil {
		h.logger.Error("Failed to create job", logger.Error(err))
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Job created",
		logger.String("job_id", job.ID),
		logger.String("source", source),
		logger.String("mode", h.config.Pipeline.Mode))

	h.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeJobQueued,
		Data: map[string]any{"job_id": job.ID},
	})

	if h.config.Pipeline.Mode == "sync" {
		final, err := h.orch.Run(r.Context(), job.ID)
		if errors.Is(err, sqlite.ErrLockBusy) {
			WriteJSON(w, http.StatusConflict, map[string]any{
				"job_id": job.ID,
				"error":  "another job is currently running",
			})
			return
		}
		if err != nil {
			// The failure is persisted on the job record; return it.
			if final == nil {
				final, _ = h.store.GetJob(job.ID)
			}
			WriteJSON(w, http.StatusUnprocessableEntity, final)
			return
		}
		WriteJSON(w, http.StatusOK, final)
		return
	}

	if h.runner != nil {
		h.runner.Wake()
	}
	WriteJSON(w, http.StatusAccepted, job)
}

// GetJob returns the current state of a job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		http.Error(w, "Missing job ID", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJob(jobID)
	if errors.Is(err, sqlite.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load job", logger.Error(err))
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ResetJob moves a failed job back to pending with a fresh retry budget.
func (h *Handler) ResetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		http.Error(w, "Missing job ID", http.StatusBadRequest)
		return
	}

	err := h.store.ResetJob(jobID)
	if errors.Is(err, sqlite.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, sqlite.ErrInvalidTransition) {
		http.Error(w, "Only failed jobs can be reset", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("Failed to reset job", logger.Error(err))
		http.Error(w, "Failed to reset job", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Job reset", logger.String("job_id", jobID))
	if h.runner != nil {
		h.runner.Wake()
	}

	job, err := h.store.GetJob(jobID)
	if err != nil {
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Health reports service liveness and queue depth.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.CountByStatus(sqlite.StatusPending)
	if err != nil {
		h.logger.Error("Health check failed", logger.Error(err))
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	inProgress, _ := h.store.CountByStatus(sqlite.StatusInProgress)

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": pending,
		"in_progress": inProgress,
	})
}

// HandleWebSocket upgrades the connection and attaches it to the event hub.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}
