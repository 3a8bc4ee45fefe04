// Package memory implements the memory manager: the ingestion pipeline that
// turns analyzed chunks into versioned memories, and the manual CRUD surface.
package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/llm"
	"cortex-backend/internal/normalizer"
	"cortex-backend/internal/repository"
	appErrors "cortex-backend/pkg/errors"
)

// Config carries the tunables the pipeline needs.
type Config struct {
	// UpsertThreshold is the cosine similarity at or above which a chunk is
	// treated as a supersession of an existing memory.
	UpsertThreshold float64
	// NearDuplicateK is how many neighbors the semantic check inspects.
	NearDuplicateK int
	// ChunkTimeout bounds the model and store work for one chunk.
	ChunkTimeout time.Duration
}

// Service is the memory manager's API, consumed by the HTTP handlers and the
// ingest workers.
type Service interface {
	// ProcessText runs the full analyze-normalize-embed-dedup pipeline for
	// one ingest request. Transient upstream failures propagate so the
	// caller can retry; per-chunk permanent failures become warnings.
	ProcessText(ctx context.Context, in IngestInput) (*domain.IngestResult, error)

	// ForceCreate stores a caller-supplied memory, bypassing the analyzer.
	ForceCreate(ctx context.Context, in ForceCreateInput) (*domain.Memory, error)

	Get(ctx context.Context, userID, id string) (*domain.Memory, error)
	Update(ctx context.Context, in UpdateInput) (*domain.Memory, error)

	// Delete retires a memory (sets valid_to); hard removes the row.
	Delete(ctx context.Context, userID, id string, hard bool) error

	List(ctx context.Context, q repository.MemoryQuery) ([]domain.Memory, string, error)
	Audit(ctx context.Context, userID, memoryID string) ([]domain.AuditLog, error)

	// Dump streams every memory of a user to fn in creation order.
	Dump(ctx context.Context, userID string, fn func(domain.Memory) error) error
}

// IngestInput is one analyze-and-ingest request.
type IngestInput struct {
	UserID    string
	Text      string
	Source    string
	Scope     domain.Scope
	AgentID   *string
	EventTime *time.Time
	Channel   domain.InputChannel
}

// ForceCreateInput is a manual memory create.
type ForceCreateInput struct {
	UserID          string
	Scope           domain.Scope
	AgentID         *string
	Content         string
	MemoryType      domain.MemoryType
	Tags            []string
	RelatedEntities map[string]any
	Importance      int
	Confidence      float64
	Source          string
	EventTime       *time.Time
	// Upsert opts in to semantic near-duplicate supersession, which force
	// creates skip by default.
	Upsert bool
}

// UpdateInput is a manual edit. Nil fields are left unchanged.
type UpdateInput struct {
	UserID          string
	ID              string
	Content         *string
	Tags            []string
	RelatedEntities map[string]any
	Importance      *int
	Confidence      *float64
}

type service struct {
	repo     repository.MemoryRepository
	analyzer llm.Analyzer
	embedder llm.Embedder
	norm     *normalizer.Normalizer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes the service.
type Option func(*service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService wires the memory manager.
func NewService(repo repository.MemoryRepository, analyzer llm.Analyzer, embedder llm.Embedder, norm *normalizer.Normalizer, cfg Config, logger *zap.Logger, opts ...Option) Service {
	if cfg.UpsertThreshold <= 0 {
		cfg.UpsertThreshold = 0.95
	}
	if cfg.NearDuplicateK <= 0 {
		cfg.NearDuplicateK = 5
	}

	s := &service{
		repo:     repo,
		analyzer: analyzer,
		embedder: embedder,
		norm:     norm,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// storeError keeps connectivity failures retryable; everything else from the
// store is an internal fault.
func storeError(message string, err error) *appErrors.AppError {
	if repository.IsUnavailable(err) {
		return appErrors.NewUnavailable(message, err)
	}
	return appErrors.NewInternal(message, err)
}

func (s *service) Get(ctx context.Context, userID, id string) (*domain.Memory, error) {
	m, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, appErrors.NewNotFound("memory not found: " + id)
		}
		return nil, storeError("load memory", err)
	}
	if m.UserID != userID {
		return nil, appErrors.NewPermissionDenied("memory belongs to another user")
	}
	return m, nil
}

func (s *service) Update(ctx context.Context, in UpdateInput) (*domain.Memory, error) {
	m, err := s.Get(ctx, in.UserID, in.ID)
	if err != nil {
		return nil, err
	}
	if !m.IsCurrent() {
		return nil, appErrors.NewConflict("cannot edit a retired memory")
	}

	before := map[string]any{
		"content":    m.Content,
		"tags":       m.Tags,
		"importance": m.Importance,
		"confidence": m.Confidence,
	}

	now := s.now()
	if in.Content != nil && *in.Content != m.Content {
		if m.MemoryType == domain.MemoryTypeEpisode {
			return nil, appErrors.NewInvalidArgument("episode content is immutable")
		}
		canonical := s.norm.Normalize(*in.Content, now)
		if canonical == "" {
			return nil, appErrors.NewInvalidArgument("content cannot be empty")
		}

		embedding, err := s.embedder.Embed(ctx, canonical)
		if err != nil {
			return nil, appErrors.Wrap(err, "embed updated content")
		}
		m.Content = canonical
		m.ContentHash = normalizer.Hash(canonical)
		m.Embedding = embedding
	}
	if in.Tags != nil {
		m.Tags = in.Tags
	}
	if in.RelatedEntities != nil {
		m.RelatedEntities = in.RelatedEntities
	}
	if in.Importance != nil {
		if *in.Importance < 1 || *in.Importance > 5 {
			return nil, appErrors.NewInvalidArgument("importance must be in [1,5]")
		}
		m.Importance = *in.Importance
	}
	if in.Confidence != nil {
		if *in.Confidence < 0 || *in.Confidence > 1 {
			return nil, appErrors.NewInvalidArgument("confidence must be in [0,1]")
		}
		m.Confidence = *in.Confidence
	}
	m.UpdatedAt = now

	audit := &domain.AuditLog{
		ID:        uuid.New().String(),
		MemoryID:  m.ID,
		Action:    domain.AuditUpdate,
		ActorType: domain.ActorUser,
		Diff: domain.AuditDiff(before, map[string]any{
			"content":    m.Content,
			"tags":       m.Tags,
			"importance": m.Importance,
			"confidence": m.Confidence,
		}),
		CreatedAt: now,
	}

	if err := s.repo.Update(ctx, m, audit); err != nil {
		if repository.IsDuplicate(err) {
			return nil, appErrors.NewConflict("an identical current memory already exists")
		}
		return nil, storeError("persist memory update", err)
	}
	return m, nil
}

func (s *service) Delete(ctx context.Context, userID, id string, hard bool) error {
	m, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	if hard {
		if err := s.repo.HardDelete(ctx, id); err != nil {
			if repository.IsNotFound(err) {
				return appErrors.NewNotFound("memory not found: " + id)
			}
			return storeError("delete memory", err)
		}
		return nil
	}

	if !m.IsCurrent() {
		return appErrors.NewConflict("memory is already retired")
	}

	now := s.now()
	audit := &domain.AuditLog{
		ID:        uuid.New().String(),
		MemoryID:  id,
		Action:    domain.AuditRetire,
		ActorType: domain.ActorUser,
		CreatedAt: now,
	}
	if err := s.repo.SoftDelete(ctx, id, now, audit); err != nil {
		if repository.IsNotFound(err) {
			return appErrors.NewConflict("memory was retired concurrently")
		}
		return storeError("retire memory", err)
	}
	return nil
}

func (s *service) List(ctx context.Context, q repository.MemoryQuery) ([]domain.Memory, string, error) {
	if q.UserID == "" {
		return nil, "", appErrors.NewInvalidArgument("user_id is required")
	}
	if _, err := repository.DecodeCursor(q.Cursor); err != nil {
		return nil, "", appErrors.NewInvalidArgument("malformed cursor")
	}
	memories, cursor, err := s.repo.Query(ctx, q)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, "", appErrors.NewNotFound("page not found")
		}
		return nil, "", appErrors.Wrap(err, "query memories")
	}
	return memories, cursor, nil
}

func (s *service) Audit(ctx context.Context, userID, memoryID string) ([]domain.AuditLog, error) {
	if _, err := s.Get(ctx, userID, memoryID); err != nil {
		return nil, err
	}
	logs, err := s.repo.ListAudit(ctx, memoryID)
	if err != nil {
		return nil, storeError("list audit records", err)
	}
	return logs, nil
}

func (s *service) Dump(ctx context.Context, userID string, fn func(domain.Memory) error) error {
	if userID == "" {
		return appErrors.NewInvalidArgument("user_id is required")
	}
	return s.repo.Dump(ctx, userID, fn)
}
