package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"cortex-backend/internal/domain"
)

// MockProvider is a deterministic, offline Provider for tests and local
// development (LLM_PROVIDER=mock). Extraction splits on sentence boundaries
// and classifies with keyword heuristics; embeddings are seeded from the
// text so identical inputs always produce identical vectors.
type MockProvider struct {
	Dim int

	// AnalyzeFn, EmbedFn and SynthesizeFn override the default behavior
	// when set. Tests use them to inject failures.
	AnalyzeFn    func(ctx context.Context, text string, ref time.Time) ([]domain.Chunk, []string, error)
	EmbedFn      func(ctx context.Context, text string) ([]float32, error)
	SynthesizeFn func(ctx context.Context, query string, memories []domain.Memory, appContext map[string]any) (*SynthesisResult, error)
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider returns a mock producing vectors of dim dimensions.
func NewMockProvider(dim int) *MockProvider {
	return &MockProvider{Dim: dim}
}

func (p *MockProvider) Analyze(ctx context.Context, text string, ref time.Time) ([]domain.Chunk, []string, error) {
	if p.AnalyzeFn != nil {
		return p.AnalyzeFn(ctx, text, ref)
	}

	var chunks []domain.Chunk
	for _, sentence := range splitSentences(text) {
		chunk := domain.Chunk{
			Content:    sentence,
			MemoryType: classify(sentence),
			Tags:       []string{},
		}
		chunk.ClampScores()
		chunks = append(chunks, chunk)
	}
	return chunks, nil, nil
}

func (p *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.EmbedFn != nil {
		return p.EmbedFn(ctx, text)
	}

	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, p.Dim)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (p *MockProvider) Dimension() int {
	return p.Dim
}

func (p *MockProvider) Synthesize(ctx context.Context, query string, memories []domain.Memory, appContext map[string]any) (*SynthesisResult, error) {
	if p.SynthesizeFn != nil {
		return p.SynthesizeFn(ctx, query, memories, appContext)
	}

	bullets := make([]string, 0, len(memories))
	for _, m := range memories {
		bullets = append(bullets, m.Content)
	}
	return &SynthesisResult{
		Summary: fmt.Sprintf("Context for %q drawn from %d stored memories.", query, len(memories)),
		Bullets: bullets,
	}, nil
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == '。'
	})

	var out []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func classify(sentence string) domain.MemoryType {
	s := strings.ToLower(sentence)
	switch {
	case containsAny(s, "always", "never", "prefer", "do not", "don't", "should"):
		return domain.MemoryTypePolicy
	case containsAny(s, "yesterday", "last week", "went", "visited", "attended", "met "):
		return domain.MemoryTypeEpisode
	case containsAny(s, "today", "currently", "right now", "feels", "feeling", "is tired", "is busy"):
		return domain.MemoryTypeState
	default:
		return domain.MemoryTypeFact
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
