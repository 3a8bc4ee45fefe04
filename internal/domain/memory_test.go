package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateScope(t *testing.T) {
	agent := "planner"
	empty := ""

	assert.NoError(t, ValidateScope(ScopeGlobal, nil))
	assert.NoError(t, ValidateScope(ScopeAgent, &agent))

	assert.Error(t, ValidateScope(ScopeAgent, nil))
	assert.Error(t, ValidateScope(ScopeAgent, &empty))
	assert.Error(t, ValidateScope(ScopeGlobal, &agent))
	assert.Error(t, ValidateScope("team", nil))
}

func TestChunkClampScores(t *testing.T) {
	c := Chunk{}
	c.ClampScores()
	assert.Equal(t, 3, c.Importance)
	assert.Equal(t, 0.7, c.Confidence)

	c = Chunk{Importance: 9, Confidence: 1.5}
	c.ClampScores()
	assert.Equal(t, 5, c.Importance)
	assert.Equal(t, 1.0, c.Confidence)

	c = Chunk{Importance: -1, Confidence: -0.2}
	c.ClampScores()
	assert.Equal(t, 1, c.Importance)
	assert.Equal(t, 0.0, c.Confidence)
}

func TestMemoryTypeValidity(t *testing.T) {
	for _, mt := range []MemoryType{MemoryTypeFact, MemoryTypeState, MemoryTypeEpisode, MemoryTypePolicy} {
		assert.True(t, mt.IsValid())
	}
	assert.False(t, MemoryType("rumor").IsValid())
}

func TestAgentIDOrEmpty(t *testing.T) {
	agent := "planner"
	m := Memory{AgentID: &agent}
	assert.Equal(t, "planner", m.AgentIDOrEmpty())

	var global Memory
	assert.Equal(t, "", global.AgentIDOrEmpty())
}
