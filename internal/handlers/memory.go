package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/repository"
	memorysvc "cortex-backend/internal/service/memory"
	appErrors "cortex-backend/pkg/errors"
)

// MemoryHandler exposes the manual CRUD surface over memories.
type MemoryHandler struct {
	svc    memorysvc.Service
	logger *zap.Logger
}

// NewMemoryHandler wires the memory endpoints.
func NewMemoryHandler(svc memorysvc.Service, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{svc: svc, logger: logger}
}

type memoryCreateRequest struct {
	UserID          string         `json:"user_id" validate:"required"`
	Scope           string         `json:"scope" validate:"required,oneof=global agent"`
	AgentID         string         `json:"agent_id"`
	Content         string         `json:"content" validate:"required"`
	MemoryType      string         `json:"memory_type" validate:"required"`
	Tags            []string       `json:"tags"`
	RelatedEntities map[string]any `json:"related_entities"`
	Importance      int            `json:"importance" validate:"omitempty,min=1,max=5"`
	Confidence      float64        `json:"confidence" validate:"omitempty,min=0,max=1"`
	Source          string         `json:"source"`
	EventTime       *time.Time     `json:"event_time"`
	Upsert          bool           `json:"upsert"`
}

// Create force-creates a memory without analyzer involvement.
// POST /v1/memories
func (h *MemoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req memoryCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	memory, err := h.svc.ForceCreate(r.Context(), memorysvc.ForceCreateInput{
		UserID:          req.UserID,
		Scope:           domain.Scope(req.Scope),
		AgentID:         optionalString(req.AgentID),
		Content:         req.Content,
		MemoryType:      domain.MemoryType(req.MemoryType),
		Tags:            req.Tags,
		RelatedEntities: req.RelatedEntities,
		Importance:      req.Importance,
		Confidence:      req.Confidence,
		Source:          req.Source,
		EventTime:       req.EventTime,
		Upsert:          req.Upsert,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusCreated, memory)
}

type memoryListResponse struct {
	Memories   []domain.Memory `json:"memories"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// List runs a structured query.
// GET /v1/memories
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	query, err := buildMemoryQuery(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	memories, cursor, err := h.svc.List(r.Context(), *query)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if memories == nil {
		memories = []domain.Memory{}
	}
	respond(w, http.StatusOK, memoryListResponse{Memories: memories, NextCursor: cursor})
}

func buildMemoryQuery(r *http.Request) (*repository.MemoryQuery, error) {
	q := r.URL.Query()
	query := &repository.MemoryQuery{
		UserID: q.Get("user_id"),
		Text:   q.Get("q"),
		Cursor: q.Get("cursor"),
	}

	if scope := q.Get("scope"); scope != "" {
		s := domain.Scope(scope)
		if !s.IsValid() {
			return nil, appErrors.NewInvalidArgument("unknown scope: " + scope)
		}
		query.Scope = &s
	}
	if agent := q.Get("agent_id"); agent != "" {
		query.AgentID = &agent
	}
	if mt := q.Get("memory_type"); mt != "" {
		t := domain.MemoryType(mt)
		if !t.IsValid() {
			return nil, appErrors.NewInvalidArgument("unknown memory_type: " + mt)
		}
		query.MemoryType = &t
	}
	if tags := q.Get("tags"); tags != "" {
		query.Tags = strings.Split(tags, ",")
	}

	var err error
	if query.ValidAt, err = parseTimeParam(r, "valid_at"); err != nil {
		return nil, err
	}
	if query.EventTimeFrom, err = parseTimeParam(r, "event_time_from"); err != nil {
		return nil, err
	}
	if query.EventTimeTo, err = parseTimeParam(r, "event_time_to"); err != nil {
		return nil, err
	}
	if query.Limit, err = parseIntParam(r, "limit", 0); err != nil {
		return nil, err
	}
	query.IncludeRetired = parseBoolParam(r, "include_retired")
	return query, nil
}

// Get reads a single memory.
// GET /v1/memories/{id}
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, r, h.logger, appErrors.NewInvalidArgument("user_id is required"))
		return
	}

	memory, err := h.svc.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, memory)
}

type memoryUpdateRequest struct {
	UserID          string         `json:"user_id" validate:"required"`
	Content         *string        `json:"content"`
	Tags            []string       `json:"tags"`
	RelatedEntities map[string]any `json:"related_entities"`
	Importance      *int           `json:"importance"`
	Confidence      *float64       `json:"confidence"`
}

// Update applies a manual edit with a user-actor audit record.
// PATCH /v1/memories/{id}
func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req memoryUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	memory, err := h.svc.Update(r.Context(), memorysvc.UpdateInput{
		UserID:          req.UserID,
		ID:              chi.URLParam(r, "id"),
		Content:         req.Content,
		Tags:            req.Tags,
		RelatedEntities: req.RelatedEntities,
		Importance:      req.Importance,
		Confidence:      req.Confidence,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, memory)
}

// Delete retires a memory, or removes it with ?hard=true.
// DELETE /v1/memories/{id}
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, r, h.logger, appErrors.NewInvalidArgument("user_id is required"))
		return
	}

	err := h.svc.Delete(r.Context(), userID, chi.URLParam(r, "id"), parseBoolParam(r, "hard"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type auditResponse struct {
	MemoryID string            `json:"memory_id"`
	Entries  []domain.AuditLog `json:"entries"`
}

// Audit returns a memory's audit trail, oldest first.
// GET /v1/memories/{id}/audit
func (h *MemoryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, r, h.logger, appErrors.NewInvalidArgument("user_id is required"))
		return
	}

	id := chi.URLParam(r, "id")
	logs, err := h.svc.Audit(r.Context(), userID, id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if logs == nil {
		logs = []domain.AuditLog{}
	}
	respond(w, http.StatusOK, auditResponse{MemoryID: id, Entries: logs})
}
