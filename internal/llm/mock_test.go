package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex-backend/internal/domain"
)

func TestMockEmbedIsDeterministic(t *testing.T) {
	p := NewMockProvider(16)

	a, err := p.Embed(context.Background(), "User lives in Tokyo")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "User lives in Tokyo")
	require.NoError(t, err)
	c, err := p.Embed(context.Background(), "User lives in Osaka")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestMockEmbedVectorsAreUnit(t *testing.T) {
	p := NewMockProvider(32)
	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestMockAnalyzeSplitsAndClassifies(t *testing.T) {
	p := NewMockProvider(8)
	chunks, warnings, err := p.Analyze(context.Background(),
		"I live in Tokyo. I went hiking yesterday. Never call me before 9am.",
		time.Now())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, chunks, 3)

	assert.Equal(t, domain.MemoryTypeFact, chunks[0].MemoryType)
	assert.Equal(t, domain.MemoryTypeEpisode, chunks[1].MemoryType)
	assert.Equal(t, domain.MemoryTypePolicy, chunks[2].MemoryType)

	for _, c := range chunks {
		assert.GreaterOrEqual(t, c.Importance, 1)
		assert.LessOrEqual(t, c.Importance, 5)
	}
}
