package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/service/retrieval"
)

// ContextHandler exposes ranked RAG retrieval with synthesis.
type ContextHandler struct {
	engine *retrieval.Engine
	logger *zap.Logger
}

// NewContextHandler wires the context endpoint.
func NewContextHandler(engine *retrieval.Engine, logger *zap.Logger) *ContextHandler {
	return &ContextHandler{engine: engine, logger: logger}
}

type contextRequest struct {
	UserID         string         `json:"user_id" validate:"required"`
	Query          string         `json:"query" validate:"required"`
	AppContext     map[string]any `json:"app_context"`
	Scope          string         `json:"scope" validate:"required,oneof=global agent"`
	AgentID        string         `json:"agent_id"`
	K              int            `json:"k" validate:"omitempty,min=1,max=100"`
	IncludeGlobal  bool           `json:"include_global"`
	ReturnEvidence bool           `json:"return_evidence"`
}

// Create runs retrieval and synthesis for one query.
// POST /v1/context
func (h *ContextHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	result, err := h.engine.Context(r.Context(), retrieval.Request{
		UserID:         req.UserID,
		Query:          req.Query,
		AppContext:     req.AppContext,
		Scope:          domain.Scope(req.Scope),
		AgentID:        optionalString(req.AgentID),
		K:              req.K,
		IncludeGlobal:  req.IncludeGlobal,
		ReturnEvidence: req.ReturnEvidence,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, result)
}
