package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/llm"
	"cortex-backend/internal/repository/mocks"
)

var testTime = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

// axis returns a unit vector along one of four axes, so cosine similarities
// between seeded memories and queries are exactly 0 or 1.
func axis(i int) []float32 {
	v := make([]float32, 4)
	v[i] = 1
	return v
}

func seedMemory(id string, mt domain.MemoryType, content string, vec []float32, opts ...func(*domain.Memory)) domain.Memory {
	m := domain.Memory{
		ID: id, UserID: "u1", Scope: domain.ScopeGlobal,
		Content: content, MemoryType: mt, Embedding: vec,
		Importance: 3, Confidence: 0.8,
		ValidFrom: testTime.Add(-time.Hour), CreatedAt: testTime.Add(-time.Hour), UpdatedAt: testTime.Add(-time.Hour),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func newTestEngine(repo *mocks.MemoryRepo, provider *llm.MockProvider) *Engine {
	return NewEngine(repo, provider, provider,
		Config{StateFreshnessWindow: 24 * time.Hour, ContextBudgetChars: 4000, DecayHalfLifeDays: 14},
		zap.NewNop(),
		WithClock(func() time.Time { return testTime }))
}

func queryAlong(vec []float32) *llm.MockProvider {
	p := llm.NewMockProvider(4)
	p.EmbedFn = func(context.Context, string) ([]float32, error) { return vec, nil }
	return p
}

func TestContext_RanksBySimilarity(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(
		seedMemory("hit", domain.MemoryTypeFact, "User lives in Tokyo", axis(0)),
		seedMemory("miss", domain.MemoryTypeFact, "User likes cycling", axis(1)),
	)
	engine := newTestEngine(repo, queryAlong(axis(0)))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "where does the user live?",
		Scope: domain.ScopeGlobal, K: 1, ReturnEvidence: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, "hit", result.Evidence[0].MemoryID)
	assert.InDelta(t, 1.0, result.Evidence[0].Components.Similarity, 1e-9)
}

func TestContext_RetiredMemoriesExcluded(t *testing.T) {
	retiredAt := testTime.Add(-time.Minute)
	repo := mocks.NewMemoryRepo()
	repo.Seed(seedMemory("old", domain.MemoryTypeFact, "User lived in Osaka", axis(0), func(m *domain.Memory) {
		m.ValidTo = &retiredAt
	}))
	engine := newTestEngine(repo, queryAlong(axis(0)))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeGlobal, K: 5, ReturnEvidence: true,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Evidence)
	assert.Contains(t, result.Summary, "No stored memories")
}

func TestContext_StaleStateExcluded(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(
		seedMemory("stale", domain.MemoryTypeState, "User was busy", axis(0), func(m *domain.Memory) {
			m.UpdatedAt = testTime.Add(-48 * time.Hour)
		}),
		seedMemory("fresh", domain.MemoryTypeState, "User is relaxed", axis(0), func(m *domain.Memory) {
			m.UpdatedAt = testTime.Add(-time.Hour)
		}),
	)
	engine := newTestEngine(repo, queryAlong(axis(0)))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "mood?", Scope: domain.ScopeGlobal, K: 5, ReturnEvidence: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, "fresh", result.Evidence[0].MemoryID)
}

func TestContext_StaleStateExcludedEvenWithoutAlternative(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(
		seedMemory("stale", domain.MemoryTypeState, "User is exhausted", axis(0), func(m *domain.Memory) {
			m.UpdatedAt = testTime.Add(-25 * time.Hour)
		}),
		seedMemory("chronic", domain.MemoryTypeFact, "User has a chronic back condition", axis(0), func(m *domain.Memory) {
			m.UpdatedAt = testTime.Add(-25 * time.Hour)
		}),
	)
	engine := newTestEngine(repo, queryAlong(axis(0)))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "plan my week", Scope: domain.ScopeGlobal, K: 5, ReturnEvidence: true,
	})
	require.NoError(t, err)
	// Past states vanish from evidence; facts carry regardless of age.
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, "chronic", result.Evidence[0].MemoryID)
}

func TestContext_FactsDoNotDecay(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(seedMemory("f", domain.MemoryTypeFact, "User speaks French", axis(0), func(m *domain.Memory) {
		m.UpdatedAt = testTime.Add(-90 * 24 * time.Hour)
	}))
	engine := newTestEngine(repo, queryAlong(axis(0)))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "languages", Scope: domain.ScopeGlobal, K: 5, ReturnEvidence: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, 1.0, result.Evidence[0].Components.Decay)
}

func TestContext_AgentScopeMergesGlobal(t *testing.T) {
	agent := "planner"
	repo := mocks.NewMemoryRepo()
	repo.Seed(
		seedMemory("g", domain.MemoryTypeFact, "User lives in Tokyo", axis(0)),
		seedMemory("a", domain.MemoryTypeFact, "User plans trips monthly", axis(0), func(m *domain.Memory) {
			m.Scope = domain.ScopeAgent
			m.AgentID = &agent
		}),
	)
	engine := newTestEngine(repo, queryAlong(axis(0)))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeAgent, AgentID: &agent,
		K: 5, IncludeGlobal: true, ReturnEvidence: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Evidence, 2)
	// Equal scores: the agent-scoped memory ranks first.
	assert.Equal(t, "a", result.Evidence[0].MemoryID)
	assert.Equal(t, "g", result.Evidence[1].MemoryID)

	// Without include_global only the agent bucket is searched.
	result, err = engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeAgent, AgentID: &agent,
		K: 5, ReturnEvidence: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, "a", result.Evidence[0].MemoryID)
}

func TestContext_CharBudgetCutsResults(t *testing.T) {
	long := make([]byte, 120)
	for i := range long {
		long[i] = 'x'
	}
	repo := mocks.NewMemoryRepo()
	repo.Seed(
		seedMemory("first", domain.MemoryTypeFact, string(long), axis(0), func(m *domain.Memory) {
			m.Importance = 5
		}),
		seedMemory("second", domain.MemoryTypeFact, string(long), axis(0)),
	)
	engine := NewEngine(repo, queryAlong(axis(0)), queryAlong(axis(0)),
		Config{ContextBudgetChars: 150, StateFreshnessWindow: 24 * time.Hour, DecayHalfLifeDays: 14},
		zap.NewNop(),
		WithClock(func() time.Time { return testTime }))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeGlobal, K: 5, ReturnEvidence: true,
	})
	require.NoError(t, err)
	// The second 120-char memory would blow the 150-char budget.
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, "first", result.Evidence[0].MemoryID)
}

func TestContext_TouchesLastAccessed(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(seedMemory("m1", domain.MemoryTypeFact, "User speaks French", axis(0)))
	engine := newTestEngine(repo, queryAlong(axis(0)))

	_, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeGlobal, K: 5,
	})
	require.NoError(t, err)

	m, err := repo.FindByID(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, m.LastAccessed)
	assert.True(t, m.LastAccessed.Equal(testTime))
}

func TestContext_TouchFailureDoesNotFailRetrieval(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(seedMemory("m1", domain.MemoryTypeFact, "User speaks French", axis(0)))
	repo.TouchErr = errors.New("stamp failed")
	engine := newTestEngine(repo, queryAlong(axis(0)))

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeGlobal, K: 5, ReturnEvidence: true,
	})
	require.NoError(t, err)
	assert.Len(t, result.Evidence, 1)
}

func TestContext_SynthesisFallback(t *testing.T) {
	repo := mocks.NewMemoryRepo()
	repo.Seed(seedMemory("m1", domain.MemoryTypeFact, "User speaks French", axis(0)))

	provider := queryAlong(axis(0))
	provider.SynthesizeFn = func(context.Context, string, []domain.Memory, map[string]any) (*llm.SynthesisResult, error) {
		return nil, errors.New("model down")
	}
	engine := newTestEngine(repo, provider)

	result, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeGlobal, K: 5,
	})
	require.NoError(t, err)
	assert.Contains(t, result.Summary, "User speaks French")
	require.Len(t, result.Bullets, 1)
	assert.Equal(t, "User speaks French", result.Bullets[0])
}

func TestContext_ScopeValidation(t *testing.T) {
	engine := newTestEngine(mocks.NewMemoryRepo(), queryAlong(axis(0)))

	_, err := engine.Context(context.Background(), Request{
		UserID: "u1", Query: "q", Scope: domain.ScopeAgent, K: 5,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id is required")
}
