package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/normalizer"
	"cortex-backend/internal/repository"
	appErrors "cortex-backend/pkg/errors"
)

// lowConfidenceFloor marks extractions the analyzer itself is unsure about;
// they are stored but flagged in the result warnings.
const lowConfidenceFloor = 0.5

// ProcessText runs the ingestion pipeline for one request.
func (s *service) ProcessText(ctx context.Context, in IngestInput) (*domain.IngestResult, error) {
	if err := domain.ValidateScope(in.Scope, in.AgentID); err != nil {
		return nil, err
	}
	if in.UserID == "" {
		return nil, appErrors.NewInvalidArgument("user_id is required")
	}
	if in.Text == "" {
		return nil, appErrors.NewInvalidArgument("text is required")
	}
	if in.Channel == "" {
		if in.Source == string(domain.ChannelChat) {
			in.Channel = domain.ChannelChat
		} else {
			in.Channel = domain.ChannelAPI
		}
	}

	now := s.now()
	result := &domain.IngestResult{MemoryIDs: []string{}, Warnings: []string{}}

	chunks, warnings, err := s.analyzer.Analyze(ctx, in.Text, now)
	if err != nil {
		return nil, appErrors.Wrap(err, "analyze text")
	}
	result.Warnings = append(result.Warnings, warnings...)
	if len(chunks) == 0 {
		return result, nil
	}

	for i, chunk := range chunks {
		if err := s.processChunk(ctx, in, chunk, i, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// processChunk normalizes, embeds, dedups and stores one chunk. Chunk-local
// permanent failures are recorded as warnings; transient and store failures
// propagate to the caller.
func (s *service) processChunk(ctx context.Context, in IngestInput, chunk domain.Chunk, idx int, result *domain.IngestResult) error {
	if s.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ChunkTimeout)
		defer cancel()
	}

	now := s.now()
	chunk.ClampScores()
	if !chunk.MemoryType.IsValid() {
		chunk.MemoryType = domain.MemoryTypeFact
	}

	canonical := s.norm.Normalize(chunk.Content, now)
	if canonical == "" {
		result.SkippedCount++
		return nil
	}
	hash := normalizer.Hash(canonical)

	embedding, err := s.embedder.Embed(ctx, canonical)
	if err != nil {
		if appErrors.IsRetryable(err) {
			return appErrors.Wrap(err, fmt.Sprintf("embed chunk %d", idx))
		}
		result.SkippedCount++
		result.Warnings = append(result.Warnings, fmt.Sprintf("chunk %d: embedding failed: %s", idx, appErrors.CodeOf(err)))
		return nil
	}

	// Exact duplicate: an identical current assertion already exists in the
	// bucket, regardless of type.
	existing, err := s.repo.FindByHash(ctx, in.UserID, in.Scope, in.AgentID, hash)
	if err != nil && !repository.IsNotFound(err) {
		return storeError("exact-duplicate lookup", err)
	}
	if existing != nil {
		result.SkippedCount++
		result.MemoryIDs = append(result.MemoryIDs, existing.ID)
		return nil
	}

	if chunk.Confidence < lowConfidenceFloor {
		result.Warnings = append(result.Warnings, fmt.Sprintf("chunk %d: low confidence %.2f", idx, chunk.Confidence))
	}

	memory := s.buildMemory(in, chunk, canonical, hash, embedding, now)

	// Semantic near-duplicate: episodes are append-only and never supersede.
	if chunk.MemoryType != domain.MemoryTypeEpisode {
		predecessor, err := s.findNearDuplicate(ctx, in, chunk.MemoryType, embedding)
		if err != nil {
			return err
		}
		if predecessor != nil {
			return s.supersede(ctx, predecessor, memory, result)
		}
	}

	audit := createAudit(memory.ID, memory.Content, domain.ActorSystem, now)
	if err := s.repo.Create(ctx, memory, audit); err != nil {
		if repository.IsDuplicate(err) {
			// Lost a race with a concurrent identical insert.
			result.SkippedCount++
			return nil
		}
		return storeError("store memory", err)
	}

	result.CreatedCount++
	result.MemoryIDs = append(result.MemoryIDs, memory.ID)
	return nil
}

// findNearDuplicate returns the closest same-type current memory in the
// bucket when its similarity clears the upsert threshold.
func (s *service) findNearDuplicate(ctx context.Context, in IngestInput, memType domain.MemoryType, embedding []float32) (*domain.Memory, error) {
	neighbors, err := s.repo.SearchSimilar(ctx, repository.VectorQuery{
		UserID:     in.UserID,
		Scope:      in.Scope,
		AgentID:    in.AgentID,
		MemoryType: &memType,
		Embedding:  embedding,
		K:          s.cfg.NearDuplicateK,
	})
	if err != nil {
		return nil, storeError("near-duplicate search", err)
	}
	if len(neighbors) == 0 || neighbors[0].Similarity < s.cfg.UpsertThreshold {
		return nil, nil
	}
	top := neighbors[0].Memory
	return &top, nil
}

// supersede retires the predecessor and installs the replacement atomically.
func (s *service) supersede(ctx context.Context, old *domain.Memory, replacement *domain.Memory, result *domain.IngestResult) error {
	replacement.SupersedesID = &old.ID

	// One update row for the whole transition, so a lineage's trail reads
	// create, update, update, ...
	audits := []domain.AuditLog{
		{
			ID:        uuid.New().String(),
			MemoryID:  replacement.ID,
			Action:    domain.AuditUpdate,
			ActorType: domain.ActorSystem,
			Diff: domain.AuditDiff(
				map[string]any{"content": old.Content, "memory_id": old.ID},
				map[string]any{"content": replacement.Content, "supersedes_id": old.ID},
			),
			CreatedAt: replacement.ValidFrom,
		},
	}

	err := s.repo.Supersede(ctx, old.ID, replacement, audits)
	switch {
	case err == nil:
		result.UpdatedCount++
		result.MemoryIDs = append(result.MemoryIDs, replacement.ID)
		return nil
	case repository.IsConflict(err):
		// The predecessor changed under us; the newer write wins.
		s.logger.Warn("supersession lost a race",
			zap.String("predecessor_id", old.ID),
			zap.String("replacement_id", replacement.ID))
		result.SkippedCount++
		result.Warnings = append(result.Warnings, "supersession skipped: concurrent update on "+old.ID)
		return nil
	case repository.IsNotFound(err):
		result.SkippedCount++
		result.Warnings = append(result.Warnings, "supersession skipped: predecessor vanished: "+old.ID)
		return nil
	default:
		return storeError("supersede memory", err)
	}
}

func (s *service) buildMemory(in IngestInput, chunk domain.Chunk, canonical, hash string, embedding []float32, now time.Time) *domain.Memory {
	tags := chunk.Tags
	if tags == nil {
		tags = []string{}
	}
	eventTime := chunk.EventTime
	if eventTime == nil {
		eventTime = in.EventTime
	}

	return &domain.Memory{
		ID:              uuid.New().String(),
		UserID:          in.UserID,
		Scope:           in.Scope,
		AgentID:         in.AgentID,
		Content:         canonical,
		ContentHash:     hash,
		Embedding:       embedding,
		MemoryType:      chunk.MemoryType,
		Tags:            tags,
		RelatedEntities: chunk.RelatedEntities,
		Importance:      chunk.Importance,
		Confidence:      chunk.Confidence,
		Source:          in.Source,
		InputChannel:    in.Channel,
		EventTime:       eventTime,
		ValidFrom:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ForceCreate stores a caller-authored memory without analyzer involvement.
func (s *service) ForceCreate(ctx context.Context, in ForceCreateInput) (*domain.Memory, error) {
	if err := domain.ValidateScope(in.Scope, in.AgentID); err != nil {
		return nil, err
	}
	if in.UserID == "" {
		return nil, appErrors.NewInvalidArgument("user_id is required")
	}
	if !in.MemoryType.IsValid() {
		return nil, appErrors.NewInvalidArgument("unknown memory_type: " + string(in.MemoryType))
	}

	now := s.now()
	canonical := s.norm.Normalize(in.Content, now)
	if canonical == "" {
		return nil, appErrors.NewInvalidArgument("content cannot be empty")
	}
	hash := normalizer.Hash(canonical)

	existing, err := s.repo.FindByHash(ctx, in.UserID, in.Scope, in.AgentID, hash)
	if err != nil && !repository.IsNotFound(err) {
		return nil, storeError("exact-duplicate lookup", err)
	}
	if existing != nil {
		return nil, appErrors.NewConflict("an identical current memory already exists").
			WithDetails(map[string]any{"existing_id": existing.ID})
	}

	embedding, err := s.embedder.Embed(ctx, canonical)
	if err != nil {
		return nil, appErrors.Wrap(err, "embed content")
	}

	chunk := domain.Chunk{
		Content:         canonical,
		MemoryType:      in.MemoryType,
		Tags:            in.Tags,
		RelatedEntities: in.RelatedEntities,
		Importance:      in.Importance,
		Confidence:      in.Confidence,
		EventTime:       in.EventTime,
	}
	chunk.ClampScores()

	memory := s.buildMemory(IngestInput{
		UserID:    in.UserID,
		Scope:     in.Scope,
		AgentID:   in.AgentID,
		Source:    in.Source,
		EventTime: in.EventTime,
		Channel:   domain.ChannelManual,
	}, chunk, canonical, hash, embedding, now)

	if in.Upsert && in.MemoryType != domain.MemoryTypeEpisode {
		predecessor, err := s.findNearDuplicate(ctx, IngestInput{
			UserID:  in.UserID,
			Scope:   in.Scope,
			AgentID: in.AgentID,
		}, in.MemoryType, embedding)
		if err != nil {
			return nil, err
		}
		if predecessor != nil {
			scratch := &domain.IngestResult{}
			if err := s.supersede(ctx, predecessor, memory, scratch); err != nil {
				return nil, err
			}
			if scratch.UpdatedCount == 0 {
				return nil, appErrors.NewConflict("concurrent update on " + predecessor.ID)
			}
			return memory, nil
		}
	}

	audit := createAudit(memory.ID, memory.Content, domain.ActorUser, now)
	if err := s.repo.Create(ctx, memory, audit); err != nil {
		if repository.IsDuplicate(err) {
			return nil, appErrors.NewConflict("an identical current memory already exists")
		}
		return nil, storeError("store memory", err)
	}
	return memory, nil
}

func createAudit(memoryID, content string, actor domain.ActorType, at time.Time) *domain.AuditLog {
	return &domain.AuditLog{
		ID:        uuid.New().String(),
		MemoryID:  memoryID,
		Action:    domain.AuditCreate,
		ActorType: actor,
		Diff:      domain.AuditDiff(nil, map[string]any{"content": content}),
		CreatedAt: at,
	}
}
