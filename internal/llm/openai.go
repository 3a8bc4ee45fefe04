package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"cortex-backend/internal/domain"
	appErrors "cortex-backend/pkg/errors"
)

// OpenAIConfig configures the OpenAI-backed provider.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int
	// MaxInflight bounds concurrent upstream calls across all workers.
	MaxInflight int64
}

// OpenAIProvider implements Provider against the OpenAI API. All calls pass
// through a shared semaphore and a circuit breaker, so a degraded upstream
// fails fast instead of piling up worker goroutines.
type OpenAIProvider struct {
	client  openai.Client
	cfg     OpenAIConfig
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds the provider. The circuit breaker trips after a
// sustained failure rate and recovers through a half-open probe.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 8
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &OpenAIProvider{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxInflight),
		breaker: breaker,
		logger:  logger,
	}
}

// chunkPayload is the wire shape the extraction prompt asks for.
type chunkPayload struct {
	Content         string         `json:"content"`
	MemoryType      string         `json:"memory_type"`
	Tags            []string       `json:"tags"`
	RelatedEntities map[string]any `json:"related_entities"`
	Importance      int            `json:"importance"`
	Confidence      float64        `json:"confidence"`
	EventTime       string         `json:"event_time"`
}

// Analyze extracts typed chunks from raw text via a JSON-mode chat call.
// Unparseable model output is not a transient fault, so it yields zero
// chunks and a warning instead of an error.
func (p *OpenAIProvider) Analyze(ctx context.Context, text string, ref time.Time) ([]domain.Chunk, []string, error) {
	user := fmt.Sprintf("Reference date: %s\n\n---\nInput text:\n%s", ref.Format("2006-01-02"), text)

	raw, err := p.chatJSON(ctx, extractionPrompt, user, 0.2)
	if err != nil {
		return nil, nil, err
	}

	var payload struct {
		Chunks []chunkPayload `json:"chunks"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		p.logger.Warn("analyzer returned unparseable output", zap.Error(err))
		return nil, []string{"analyzer output could not be parsed; no memories extracted"}, nil
	}

	chunks := make([]domain.Chunk, 0, len(payload.Chunks))
	for _, c := range payload.Chunks {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}

		chunk := domain.Chunk{
			Content:         content,
			MemoryType:      domain.MemoryType(c.MemoryType),
			Tags:            c.Tags,
			RelatedEntities: c.RelatedEntities,
			Importance:      c.Importance,
			Confidence:      c.Confidence,
		}
		if !chunk.MemoryType.IsValid() {
			chunk.MemoryType = domain.MemoryTypeFact
		}
		if chunk.Tags == nil {
			chunk.Tags = []string{}
		}
		if c.EventTime != "" {
			if ts, err := parseEventTime(c.EventTime); err == nil {
				chunk.EventTime = &ts
			}
		}
		chunk.ClampScores()
		chunks = append(chunks, chunk)
	}
	return chunks, nil, nil
}

// Embed returns the embedding for one text, truncated to the configured
// dimensionality by the API.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, appErrors.NewInvalidArgument("cannot embed empty text")
	}

	result, err := p.execute(ctx, func() (any, error) {
		return p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model:          openai.EmbeddingModel(p.cfg.EmbeddingModel),
			Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
			Dimensions:     openai.Int(int64(p.cfg.EmbeddingDim)),
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		})
	})
	if err != nil {
		return nil, err
	}

	resp := result.(*openai.CreateEmbeddingResponse)
	if len(resp.Data) == 0 {
		return nil, appErrors.NewUnavailable("embedding response was empty", nil)
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	if len(vec) != p.cfg.EmbeddingDim {
		return nil, appErrors.NewInternal(
			fmt.Sprintf("embedding dimension mismatch: got %d, want %d", len(vec), p.cfg.EmbeddingDim), nil)
	}
	return vec, nil
}

// Dimension returns the configured vector dimensionality.
func (p *OpenAIProvider) Dimension() int {
	return p.cfg.EmbeddingDim
}

// Synthesize digests retrieved memories into a summary and bullets.
func (p *OpenAIProvider) Synthesize(ctx context.Context, query string, memories []domain.Memory, appContext map[string]any) (*SynthesisResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User Query: %s\n", query)
	if len(appContext) > 0 {
		if state, err := json.Marshal(appContext); err == nil {
			fmt.Fprintf(&sb, "Application State: %s\n", state)
		}
	}
	sb.WriteString("\nRelevant Memories:\n")
	for _, m := range memories {
		fmt.Fprintf(&sb, "- [%s] %s\n", m.MemoryType, m.Content)
	}

	raw, err := p.chatJSON(ctx, synthesisPrompt, sb.String(), 0.3)
	if err != nil {
		return nil, err
	}

	var result SynthesisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, appErrors.NewUnavailable("synthesizer returned malformed JSON", err)
	}
	if result.Bullets == nil {
		result.Bullets = []string{}
	}
	return &result, nil
}

func (p *OpenAIProvider) chatJSON(ctx context.Context, system, user string, temperature float64) (string, error) {
	result, err := p.execute(ctx, func() (any, error) {
		return p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: shared.ChatModel(p.cfg.ChatModel),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			},
			Temperature: openai.Float(temperature),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
		})
	})
	if err != nil {
		return "", err
	}

	resp := result.(*openai.ChatCompletion)
	if len(resp.Choices) == 0 {
		return "", appErrors.NewUnavailable("chat response had no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// execute runs fn under the inflight semaphore and the circuit breaker,
// mapping failures onto the API error codes.
func (p *OpenAIProvider) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, mapUpstreamError(err)
	}
	defer p.sem.Release(1)

	result, err := p.breaker.Execute(fn)
	if err != nil {
		return nil, mapUpstreamError(err)
	}
	return result, nil
}

func mapUpstreamError(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return appErrors.NewUnavailable("language model circuit open", err)
	case errors.Is(err, context.DeadlineExceeded):
		return appErrors.NewTimeout("language model call timed out")
	case errors.Is(err, context.Canceled):
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return appErrors.NewUnavailable("language model rate limited", err)
		case apiErr.StatusCode >= 500:
			return appErrors.NewUnavailable("language model upstream error", err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return appErrors.NewInternal("language model credentials rejected", err)
		case apiErr.StatusCode == 400:
			return appErrors.NewInvalidArgument("language model rejected the request: " + apiErr.Message)
		default:
			return appErrors.NewInternal("language model request failed", err)
		}
	}
	return appErrors.NewUnavailable("language model unreachable", err)
}

func parseEventTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event_time %q", s)
}
