package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/repository"
	memorysvc "cortex-backend/internal/service/memory"
	appErrors "cortex-backend/pkg/errors"
)

// AdminHandler exposes the export and health endpoints.
type AdminHandler struct {
	svc    memorysvc.Service
	pinger repository.Pinger
	logger *zap.Logger
}

// NewAdminHandler wires the admin endpoints.
func NewAdminHandler(svc memorysvc.Service, pinger repository.Pinger, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, pinger: pinger, logger: logger}
}

// Dump streams every memory of a user. format=json emits one array,
// format=jsonl one object per line.
// GET /v1/dump
func (h *AdminHandler) Dump(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, r, h.logger, appErrors.NewInvalidArgument("user_id is required"))
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "jsonl" {
		respondError(w, r, h.logger, appErrors.NewInvalidArgument("format must be json or jsonl"))
		return
	}

	if format == "jsonl" {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	first := true
	if format == "json" {
		_, _ = w.Write([]byte("["))
	}

	err := h.svc.Dump(r.Context(), userID, func(m domain.Memory) error {
		if format == "json" && !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		if err := enc.Encode(m); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		h.logger.Error("dump aborted", zap.String("user_id", userID), zap.Error(err))
		return
	}

	if format == "json" {
		_, _ = w.Write([]byte("]"))
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// Health reports liveness and store reachability.
// GET /health
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		respond(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Store: "unreachable"})
		return
	}
	respond(w, http.StatusOK, healthResponse{Status: "ok", Store: "ok"})
}
