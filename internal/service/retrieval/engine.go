// Package retrieval ranks stored memories against a query and synthesizes a
// context digest for RAG callers.
package retrieval

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cortex-backend/internal/domain"
	"cortex-backend/internal/llm"
	"cortex-backend/internal/repository"
	appErrors "cortex-backend/pkg/errors"
)

// Config carries the retrieval tunables.
type Config struct {
	// StateFreshnessWindow is how long a state memory counts as current
	// before it is demoted to "past state".
	StateFreshnessWindow time.Duration
	// ContextBudgetChars caps the total content length of returned evidence.
	ContextBudgetChars int
	// DecayHalfLifeDays controls the exponential age decay for state and
	// episode memories.
	DecayHalfLifeDays float64
}

// Request is one context retrieval.
type Request struct {
	UserID         string
	Query          string
	AppContext     map[string]any
	Scope          domain.Scope
	AgentID        *string
	K              int
	IncludeGlobal  bool
	ReturnEvidence bool
}

// ScoreComponents breaks a candidate's final score into its factors.
type ScoreComponents struct {
	Similarity       float64 `json:"similarity"`
	ImportanceWeight float64 `json:"importance_weight"`
	ConfidenceWeight float64 `json:"confidence_weight"`
	Decay            float64 `json:"decay"`
}

// Evidence is one ranked memory returned to the caller.
type Evidence struct {
	MemoryID   string            `json:"memory_id"`
	Content    string            `json:"content"`
	MemoryType domain.MemoryType `json:"memory_type"`
	Scope      domain.Scope      `json:"scope"`
	Score      float64           `json:"score"`
	Components ScoreComponents   `json:"score_components"`
}

// Result is the synthesized context plus optional evidence.
type Result struct {
	Summary  string     `json:"summary"`
	Bullets  []string   `json:"bullets"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// Engine performs ranked retrieval and synthesis.
type Engine struct {
	repo        repository.MemoryRepository
	embedder    llm.Embedder
	synthesizer llm.Synthesizer
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// Option customizes the engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the retrieval engine.
func NewEngine(repo repository.MemoryRepository, embedder llm.Embedder, synthesizer llm.Synthesizer, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.StateFreshnessWindow <= 0 {
		cfg.StateFreshnessWindow = 24 * time.Hour
	}
	if cfg.ContextBudgetChars <= 0 {
		cfg.ContextBudgetChars = 4000
	}
	if cfg.DecayHalfLifeDays <= 0 {
		cfg.DecayHalfLifeDays = 14
	}

	e := &Engine{
		repo:        repo,
		embedder:    embedder,
		synthesizer: synthesizer,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type candidate struct {
	memory     domain.Memory
	similarity float64
	score      float64
	components ScoreComponents
}

// Context runs the full retrieve-rank-synthesize pipeline.
func (e *Engine) Context(ctx context.Context, req Request) (*Result, error) {
	ranked, err := e.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{Bullets: []string{}}
	if req.ReturnEvidence {
		result.Evidence = make([]Evidence, 0, len(ranked))
		for _, c := range ranked {
			result.Evidence = append(result.Evidence, Evidence{
				MemoryID:   c.memory.ID,
				Content:    c.memory.Content,
				MemoryType: c.memory.MemoryType,
				Scope:      c.memory.Scope,
				Score:      c.score,
				Components: c.components,
			})
		}
	}
	if len(ranked) == 0 {
		result.Summary = "No stored memories are relevant to this query."
		return result, nil
	}

	memories := make([]domain.Memory, len(ranked))
	for i, c := range ranked {
		memories[i] = c.memory
	}

	synth, err := e.synthesizer.Synthesize(ctx, req.Query, memories, req.AppContext)
	if err != nil {
		// Degrade to a deterministic digest rather than failing retrieval.
		e.logger.Warn("synthesis failed, using fallback", zap.Error(err))
		synth = fallbackSynthesis(memories)
	}
	result.Summary = synth.Summary
	result.Bullets = synth.Bullets
	return result, nil
}

// retrieve embeds the query, fetches candidates, filters, scores and trims
// them to the budget, and stamps last_accessed.
func (e *Engine) retrieve(ctx context.Context, req Request) ([]candidate, error) {
	if err := domain.ValidateScope(req.Scope, req.AgentID); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, appErrors.NewInvalidArgument("user_id is required")
	}
	if req.Query == "" {
		return nil, appErrors.NewInvalidArgument("query is required")
	}
	if req.K <= 0 {
		req.K = 5
	}

	embedding, err := e.embedder.Embed(ctx, serializeQuery(req.Query, req.AppContext))
	if err != nil {
		return nil, appErrors.Wrap(err, "embed query")
	}

	kFetch := req.K * 3
	if kFetch < 30 {
		kFetch = 30
	}

	buckets, err := e.fetchCandidates(ctx, req, embedding, kFetch)
	if err != nil {
		return nil, err
	}

	now := e.now()
	candidates := e.filterAndScore(buckets, now)
	ranked := rankAndTrim(candidates, req.K, e.cfg.ContextBudgetChars)

	e.touch(ctx, ranked, now)
	return ranked, nil
}

// fetchCandidates issues the ANN searches, in parallel when both the agent
// bucket and the global bucket are in play.
func (e *Engine) fetchCandidates(ctx context.Context, req Request, embedding []float32, kFetch int) ([]repository.ScoredMemory, error) {
	agentQuery := repository.VectorQuery{
		UserID:    req.UserID,
		Scope:     req.Scope,
		AgentID:   req.AgentID,
		Embedding: embedding,
		K:         kFetch,
	}

	if req.Scope != domain.ScopeAgent || !req.IncludeGlobal {
		results, err := e.repo.SearchSimilar(ctx, agentQuery)
		if err != nil {
			return nil, appErrors.NewInternal("vector search", err)
		}
		return results, nil
	}

	globalQuery := repository.VectorQuery{
		UserID:    req.UserID,
		Scope:     domain.ScopeGlobal,
		Embedding: embedding,
		K:         kFetch,
	}

	var agentHits, globalHits []repository.ScoredMemory
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		agentHits, err = e.repo.SearchSimilar(gctx, agentQuery)
		return err
	})
	g.Go(func() error {
		var err error
		globalHits, err = e.repo.SearchSimilar(gctx, globalQuery)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, appErrors.NewInternal("vector search", err)
	}
	return append(agentHits, globalHits...), nil
}

// filterAndScore applies the temporal filter and the scoring formula.
// States older than the freshness window are past states and never surface
// as evidence; facts and policies carry regardless of age.
func (e *Engine) filterAndScore(hits []repository.ScoredMemory, now time.Time) []candidate {
	freshCutoff := now.Add(-e.cfg.StateFreshnessWindow)

	var out []candidate
	for _, h := range hits {
		m := h.Memory
		if !m.IsCurrent() {
			continue
		}
		if m.MemoryType == domain.MemoryTypeState && !m.UpdatedAt.After(freshCutoff) {
			continue
		}

		sim := h.Similarity
		if sim < 0 {
			sim = 0
		}

		comp := ScoreComponents{
			Similarity:       sim,
			ImportanceWeight: 0.6 + 0.1*float64(m.Importance),
			ConfidenceWeight: 0.5 + 0.5*m.Confidence,
			Decay:            e.decay(m, now),
		}
		out = append(out, candidate{
			memory:     m,
			similarity: sim,
			score:      sim * comp.ImportanceWeight * comp.ConfidenceWeight * comp.Decay,
			components: comp,
		})
	}
	return out
}

// decay is 1 for stable types; state and episode fade exponentially with age.
func (e *Engine) decay(m domain.Memory, now time.Time) float64 {
	switch m.MemoryType {
	case domain.MemoryTypeFact, domain.MemoryTypePolicy:
		return 1.0
	}

	ref := m.UpdatedAt
	if m.MemoryType == domain.MemoryTypeEpisode && m.EventTime != nil {
		ref = *m.EventTime
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / e.cfg.DecayHalfLifeDays)
}

// rankAndTrim orders candidates and cuts them to k items within the char
// budget. Agent scope beats global at equal score, then importance, then
// recency, then id.
func rankAndTrim(candidates []candidate, k, budgetChars int) []candidate {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.memory.Scope != b.memory.Scope {
			return a.memory.Scope == domain.ScopeAgent
		}
		if a.memory.Importance != b.memory.Importance {
			return a.memory.Importance > b.memory.Importance
		}
		if !a.memory.UpdatedAt.Equal(b.memory.UpdatedAt) {
			return a.memory.UpdatedAt.After(b.memory.UpdatedAt)
		}
		return a.memory.ID < b.memory.ID
	})

	// Two searches can return the same global memory twice.
	seen := make(map[string]bool, len(candidates))
	var out []candidate
	used := 0
	for _, c := range candidates {
		if len(out) >= k {
			break
		}
		if seen[c.memory.ID] {
			continue
		}
		if used+len(c.memory.Content) > budgetChars && len(out) > 0 {
			break
		}
		seen[c.memory.ID] = true
		used += len(c.memory.Content)
		out = append(out, c)
	}
	return out
}

// touch stamps last_accessed on the returned memories. Failures are logged
// and swallowed; retrieval has already succeeded.
func (e *Engine) touch(ctx context.Context, ranked []candidate, now time.Time) {
	if len(ranked) == 0 {
		return
	}
	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.memory.ID
	}
	if err := e.repo.TouchLastAccessed(ctx, ids, now); err != nil {
		e.logger.Warn("last_accessed touch failed", zap.Error(err), zap.Int("count", len(ids)))
	}
}

// fallbackSynthesis builds a deterministic digest when the model is down:
// bullets are the evidence verbatim, the summary stitches the top items.
func fallbackSynthesis(memories []domain.Memory) *llm.SynthesisResult {
	bullets := make([]string, len(memories))
	for i, m := range memories {
		bullets[i] = m.Content
	}

	top := bullets
	if len(top) > 3 {
		top = top[:3]
	}
	summary := ""
	for i, b := range top {
		if i > 0 {
			summary += " "
		}
		summary += b + "."
	}
	return &llm.SynthesisResult{Summary: summary, Bullets: bullets}
}

func serializeQuery(query string, appContext map[string]any) string {
	if len(appContext) == 0 {
		return query
	}
	state, err := json.Marshal(appContext)
	if err != nil {
		return query
	}
	return query + "\n" + string(state)
}
