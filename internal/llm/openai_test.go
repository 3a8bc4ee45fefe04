package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "cortex-backend/pkg/errors"
)

// chatServer returns an httptest server answering every chat completion call
// with the given assistant message content.
func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
			}},
		})
	}))
}

func testProvider(baseURL string) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:         "test-key",
		BaseURL:        baseURL,
		ChatModel:      "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		EmbeddingDim:   8,
	}, zap.NewNop())
}

func TestAnalyze_UnparseableOutputYieldsZeroChunksAndWarning(t *testing.T) {
	srv := chatServer(t, "sorry, I cannot help with that")
	defer srv.Close()

	p := testProvider(srv.URL)
	chunks, warnings, err := p.Analyze(context.Background(), "I live in Tokyo.", time.Now())

	require.NoError(t, err)
	assert.Empty(t, chunks)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "could not be parsed")
}

func TestAnalyze_ParsesChunksFromModelJSON(t *testing.T) {
	srv := chatServer(t, `{"chunks":[{"content":"User lives in Tokyo","memory_type":"fact","tags":["location"],"importance":4,"confidence":0.9}]}`)
	defer srv.Close()

	p := testProvider(srv.URL)
	chunks, warnings, err := p.Analyze(context.Background(), "I live in Tokyo.", time.Now())

	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, chunks, 1)
	assert.Equal(t, "User lives in Tokyo", chunks[0].Content)
	assert.Equal(t, 4, chunks[0].Importance)
}

func TestMapUpstreamError_StatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   appErrors.Code
	}{
		{"bad request", 400, appErrors.CodeInvalidArgument},
		{"rate limited", 429, appErrors.CodeUnavailable},
		{"upstream failure", 500, appErrors.CodeUnavailable},
		{"bad credentials", 401, appErrors.CodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapUpstreamError(&openai.Error{StatusCode: tc.status, Message: "nope"})
			assert.Equal(t, tc.want, appErrors.CodeOf(err))
		})
	}
}

func TestMapUpstreamError_Timeout(t *testing.T) {
	err := mapUpstreamError(context.DeadlineExceeded)
	assert.Equal(t, appErrors.CodeTimeout, appErrors.CodeOf(err))
	assert.True(t, appErrors.IsRetryable(err))
}
