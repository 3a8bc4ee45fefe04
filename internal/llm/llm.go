// Package llm defines the language-model boundary: chunk extraction,
// embedding, and context synthesis. The service layer depends only on the
// interfaces here; concrete providers live in this package too.
package llm

import (
	"context"
	"time"

	"cortex-backend/internal/domain"
)

// Analyzer extracts atomic memory chunks from raw text. ref anchors
// relative-date resolution performed by the model. Warnings report degraded
// extractions the caller should surface without failing the ingest, e.g.
// model output that could not be parsed; such calls return zero chunks and
// a nil error.
type Analyzer interface {
	Analyze(ctx context.Context, text string, ref time.Time) (chunks []domain.Chunk, warnings []string, err error)
}

// Embedder converts text into dense vectors of a fixed dimensionality.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// SynthesisResult is the model-written digest of retrieved evidence.
type SynthesisResult struct {
	Summary string   `json:"summary"`
	Bullets []string `json:"bullets"`
}

// Synthesizer condenses retrieved memories into a context digest for the
// caller's prompt.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, memories []domain.Memory, appContext map[string]any) (*SynthesisResult, error)
}

// Provider bundles the three model-backed capabilities a deployment
// configures together.
type Provider interface {
	Analyzer
	Embedder
	Synthesizer
}
