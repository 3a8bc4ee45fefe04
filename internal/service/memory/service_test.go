package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/llm"
	"cortex-backend/internal/normalizer"
	"cortex-backend/internal/repository/mocks"
)

var testTime = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo *mocks.MemoryRepo, provider *llm.MockProvider) Service {
	t.Helper()
	return NewService(repo, provider, provider, normalizer.New(),
		Config{UpsertThreshold: 0.95, NearDuplicateK: 5},
		zap.NewNop(),
		WithClock(func() time.Time { return testTime }))
}

func fixedChunks(chunks ...domain.Chunk) func(context.Context, string, time.Time) ([]domain.Chunk, []string, error) {
	return func(context.Context, string, time.Time) ([]domain.Chunk, []string, error) {
		return chunks, nil, nil
	}
}

func TestProcessText_CreatesMemories(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	provider := llm.NewMockProvider(8)
	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "lives in Tokyo", MemoryType: domain.MemoryTypeFact, Importance: 4, Confidence: 0.9},
		domain.Chunk{Content: "visited Kyoto yesterday", MemoryType: domain.MemoryTypeEpisode, Importance: 2, Confidence: 0.8},
	)
	svc := newTestService(t, repo, provider)

	result, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1",
		Text:   "I live in Tokyo. I visited Kyoto yesterday.",
		Scope:  domain.ScopeGlobal,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.CreatedCount)
	assert.Equal(t, 0, result.UpdatedCount)
	assert.Equal(t, 0, result.SkippedCount)
	assert.Len(t, result.MemoryIDs, 2)

	stored := repo.All()
	require.Len(t, stored, 2)
	contents := []string{stored[0].Content, stored[1].Content}
	// Subject completion runs before storage.
	assert.Contains(t, contents, "User lives in Tokyo")
	// Relative dates resolve against the ingestion clock.
	assert.Contains(t, contents[0]+contents[1], "2025-03-14")
}

func TestProcessText_RejectsBadScope(t *testing.T) {
	svc := newTestService(t, mocks.NewMemoryRepo(), llm.NewMockProvider(8))

	agent := "planner"
	_, err := svc.ProcessText(context.Background(), IngestInput{
		UserID:  "u1",
		Text:    "something",
		Scope:   domain.ScopeGlobal,
		AgentID: &agent,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_argument")
}

func TestProcessText_EmptyAnalysisReturnsZeroCounts(t *testing.T) {
	provider := llm.NewMockProvider(8)
	provider.AnalyzeFn = fixedChunks()
	svc := newTestService(t, mocks.NewMemoryRepo(), provider)

	result, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "hello!", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)
	assert.Zero(t, result.CreatedCount)
	assert.Zero(t, result.UpdatedCount)
	assert.Zero(t, result.SkippedCount)
}

func TestProcessText_AnalyzerWarningsSurfaceWithoutFailing(t *testing.T) {
	provider := llm.NewMockProvider(8)
	provider.AnalyzeFn = func(context.Context, string, time.Time) ([]domain.Chunk, []string, error) {
		return nil, []string{"analyzer output could not be parsed; no memories extracted"}, nil
	}
	repo := mocks.NewMemoryRepo()
	svc := newTestService(t, repo, provider)

	result, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "sorry, I cannot help with that", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)
	assert.Zero(t, result.CreatedCount)
	assert.Zero(t, result.UpdatedCount)
	assert.Zero(t, result.SkippedCount)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "could not be parsed")
	assert.Empty(t, repo.All())
}

func TestProcessText_CreateAuditCarriesContentDiff(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	provider := llm.NewMockProvider(8)
	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "lives in Tokyo", MemoryType: domain.MemoryTypeFact, Importance: 4, Confidence: 0.9},
	)
	svc := newTestService(t, repo, provider)

	result, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "I live in Tokyo.", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)
	require.Len(t, result.MemoryIDs, 1)

	logs, err := svc.Audit(context.Background(), "u1", result.MemoryIDs[0])
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.AuditCreate, logs[0].Action)
	assert.Equal(t, domain.ActorSystem, logs[0].ActorType)
	after, ok := logs[0].Diff["after"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "User lives in Tokyo", after["content"])
}

func TestProcessText_ExactDuplicateSkipped(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	provider := llm.NewMockProvider(8)
	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "lives in Tokyo", MemoryType: domain.MemoryTypeFact},
	)
	svc := newTestService(t, repo, provider)

	in := IngestInput{UserID: "u1", Text: "I live in Tokyo.", Scope: domain.ScopeGlobal}

	first, err := svc.ProcessText(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 1, first.CreatedCount)

	second, err := svc.ProcessText(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, second.CreatedCount)
	assert.Equal(t, 1, second.SkippedCount)
	// The skipped chunk still reports the existing memory's id.
	assert.Equal(t, first.MemoryIDs, second.MemoryIDs)
	assert.Len(t, repo.All(), 1)
}

func TestProcessText_NearDuplicateSupersedesFact(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	provider := llm.NewMockProvider(8)

	// Identical embeddings for any text force the similarity to 1.0 while
	// the hashes still differ.
	same := []float32{1, 0, 0, 0}
	provider.EmbedFn = func(context.Context, string) ([]float32, error) { return same, nil }
	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "lives in Osaka", MemoryType: domain.MemoryTypeFact, Importance: 4, Confidence: 0.9},
	)
	svc := newTestService(t, repo, provider)

	_, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "I live in Tokyo.", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)

	// Second pass extracts different content that maps to the same embedding.
	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "lives in Nagoya", MemoryType: domain.MemoryTypeFact, Importance: 4, Confidence: 0.9},
	)

	result, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "I moved to Nagoya.", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedCount)
	assert.Equal(t, 0, result.CreatedCount)

	stored := repo.All()
	require.Len(t, stored, 2)

	var current, retired *domain.Memory
	for i := range stored {
		if stored[i].IsCurrent() {
			current = &stored[i]
		} else {
			retired = &stored[i]
		}
	}
	require.NotNil(t, current)
	require.NotNil(t, retired)
	assert.Equal(t, "User lives in Nagoya", current.Content)
	require.NotNil(t, current.SupersedesID)
	assert.Equal(t, retired.ID, *current.SupersedesID)
	// Temporal continuity between predecessor and successor.
	assert.True(t, retired.ValidTo.Equal(current.ValidFrom))
}

func TestProcessText_EpisodesNeverSupersede(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	provider := llm.NewMockProvider(8)
	same := []float32{1, 0, 0, 0}
	provider.EmbedFn = func(context.Context, string) ([]float32, error) { return same, nil }

	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "attended a concert on 2025-03-01", MemoryType: domain.MemoryTypeEpisode},
	)
	svc := newTestService(t, repo, provider)

	_, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "concert", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)

	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "attended a concert on 2025-03-08", MemoryType: domain.MemoryTypeEpisode},
	)
	result, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "another concert", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.CreatedCount)
	for _, m := range repo.All() {
		assert.True(t, m.IsCurrent())
	}
}

func TestProcessText_LowConfidenceWarns(t *testing.T) {
	provider := llm.NewMockProvider(8)
	provider.AnalyzeFn = fixedChunks(
		domain.Chunk{Content: "might like jazz", MemoryType: domain.MemoryTypeFact, Confidence: 0.2},
	)
	repo := mocks.NewMemoryRepo()
	svc := newTestService(t, repo, provider)

	result, err := svc.ProcessText(context.Background(), IngestInput{
		UserID: "u1", Text: "maybe jazz?", Scope: domain.ScopeGlobal,
	})
	require.NoError(t, err)
	// Stored anyway, but flagged.
	assert.Equal(t, 1, result.CreatedCount)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "low confidence")
}

func TestForceCreate_ConflictOnExactDuplicate(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	svc := newTestService(t, repo, llm.NewMockProvider(8))

	in := ForceCreateInput{
		UserID:     "u1",
		Scope:      domain.ScopeGlobal,
		Content:    "speaks French",
		MemoryType: domain.MemoryTypeFact,
	}

	created, err := svc.ForceCreate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelManual, created.InputChannel)
	assert.Equal(t, 3, created.Importance)

	_, err = svc.ForceCreate(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict")
}

func TestUpdate_EpisodeContentImmutable(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(domain.Memory{
		ID: "m1", UserID: "u1", Scope: domain.ScopeGlobal,
		Content: "went hiking", MemoryType: domain.MemoryTypeEpisode,
		Importance: 3, Confidence: 0.8,
		ValidFrom: testTime, CreatedAt: testTime, UpdatedAt: testTime,
	})
	svc := newTestService(t, repo, llm.NewMockProvider(8))

	newContent := "went swimming"
	_, err := svc.Update(context.Background(), UpdateInput{
		UserID: "u1", ID: "m1", Content: &newContent,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	// Metadata edits on episodes are allowed.
	imp := 5
	updated, err := svc.Update(context.Background(), UpdateInput{
		UserID: "u1", ID: "m1", Importance: &imp,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Importance)
}

func TestUpdate_RecordsUserAudit(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(domain.Memory{
		ID: "m1", UserID: "u1", Scope: domain.ScopeGlobal,
		Content: "likes tea", MemoryType: domain.MemoryTypeFact,
		Importance: 3, Confidence: 0.8,
		ValidFrom: testTime, CreatedAt: testTime, UpdatedAt: testTime,
	})
	svc := newTestService(t, repo, llm.NewMockProvider(8))

	newContent := "likes green tea"
	_, err := svc.Update(context.Background(), UpdateInput{
		UserID: "u1", ID: "m1", Content: &newContent,
	})
	require.NoError(t, err)

	logs, err := svc.Audit(context.Background(), "u1", "m1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.AuditUpdate, logs[0].Action)
	assert.Equal(t, domain.ActorUser, logs[0].ActorType)
}

func TestGet_OtherUsersMemoryDenied(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(domain.Memory{
		ID: "m1", UserID: "u1", Scope: domain.ScopeGlobal,
		Content: "secret", MemoryType: domain.MemoryTypeFact,
		ValidFrom: testTime, CreatedAt: testTime, UpdatedAt: testTime,
	})
	svc := newTestService(t, repo, llm.NewMockProvider(8))

	_, err := svc.Get(context.Background(), "u2", "m1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission_denied")
}

func TestDelete_SoftThenHard(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(domain.Memory{
		ID: "m1", UserID: "u1", Scope: domain.ScopeGlobal,
		Content: "likes tea", MemoryType: domain.MemoryTypeFact,
		ValidFrom: testTime, CreatedAt: testTime, UpdatedAt: testTime,
	})
	svc := newTestService(t, repo, llm.NewMockProvider(8))

	require.NoError(t, svc.Delete(context.Background(), "u1", "m1", false))

	m, err := svc.Get(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.False(t, m.IsCurrent())

	// Retiring twice conflicts.
	err = svc.Delete(context.Background(), "u1", "m1", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict")

	require.NoError(t, svc.Delete(context.Background(), "u1", "m1", true))
	_, err = svc.Get(context.Background(), "u1", "m1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}
