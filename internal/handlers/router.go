package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cortex-backend/internal/middleware"
	"cortex-backend/internal/repository"
	"cortex-backend/internal/service/ingest"
	memorysvc "cortex-backend/internal/service/memory"
	"cortex-backend/internal/service/retrieval"
)

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	APIKey         string
	RequestTimeout time.Duration
}

// NewRouter assembles the full HTTP surface.
func NewRouter(
	cfg RouterConfig,
	memories memorysvc.Service,
	engine *retrieval.Engine,
	jobs *ingest.Manager,
	pinger repository.Pinger,
	logger *zap.Logger,
) http.Handler {
	ingestHandler := NewIngestHandler(jobs, logger)
	memoryHandler := NewMemoryHandler(memories, logger)
	contextHandler := NewContextHandler(engine, logger)
	adminHandler := NewAdminHandler(memories, pinger, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", adminHandler.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))

		r.Post("/ingest", ingestHandler.Create)
		r.Get("/ingest/{job_id}", ingestHandler.Get)

		r.Post("/memories", memoryHandler.Create)
		r.Get("/memories", memoryHandler.List)
		r.Get("/memories/{id}", memoryHandler.Get)
		r.Patch("/memories/{id}", memoryHandler.Update)
		r.Delete("/memories/{id}", memoryHandler.Delete)
		r.Get("/memories/{id}/audit", memoryHandler.Audit)

		r.Post("/context", contextHandler.Create)

		r.Get("/dump", adminHandler.Dump)
	})

	return r
}
