package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/service/ingest"
	appErrors "cortex-backend/pkg/errors"
)

// IngestHandler exposes asynchronous ingestion.
type IngestHandler struct {
	manager *ingest.Manager
	logger  *zap.Logger
}

// NewIngestHandler wires the ingest endpoints.
func NewIngestHandler(manager *ingest.Manager, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{manager: manager, logger: logger}
}

type ingestRequest struct {
	UserID       string         `json:"user_id" validate:"required"`
	Text         string         `json:"text" validate:"required"`
	Source       string         `json:"source"`
	Scope        string         `json:"scope" validate:"required,oneof=global agent"`
	AgentID      string         `json:"agent_id"`
	EventTime    *time.Time     `json:"event_time"`
	InputChannel string         `json:"input_channel"`
	Metadata     map[string]any `json:"metadata"`
}

type ingestAcceptedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Create enqueues an analyze-and-ingest job.
// POST /v1/ingest
func (h *IngestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	channel := domain.InputChannel(req.InputChannel)
	if req.InputChannel != "" && !channel.IsValid() {
		respondError(w, r, h.logger, appErrors.NewInvalidArgument("unknown input_channel: "+req.InputChannel))
		return
	}

	job, err := h.manager.Accept(r.Context(), ingest.AcceptInput{
		UserID:         req.UserID,
		Text:           req.Text,
		Source:         req.Source,
		Scope:          domain.Scope(req.Scope),
		AgentID:        optionalString(req.AgentID),
		EventTime:      req.EventTime,
		Channel:        channel,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respond(w, http.StatusAccepted, ingestAcceptedResponse{
		JobID:  job.JobID,
		Status: string(job.Status),
	})
}

type jobStatusResponse struct {
	JobID  string               `json:"job_id"`
	Status string               `json:"status"`
	Result *domain.IngestResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Get polls job status.
// GET /v1/ingest/{job_id}
func (h *IngestHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respond(w, http.StatusOK, jobStatusResponse{
		JobID:  job.JobID,
		Status: string(job.Status),
		Result: job.Result,
		Error:  job.Error,
	})
}
