package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/hearthlink/internal/memory"
)

func TestOllamaGenerate(t *testing.T) {
	var gotPath string
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": "You prefer green tea."},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL)
	resp, err := p.Generate(context.Background(), &Request{
		Model: "llama3",
		Messages: []ChatMessage{
			{Role: "user", Content: "what drink do I like?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/chat", gotPath)
	assert.Equal(t, "llama3", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Equal(t, "You prefer green tea.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Zero(t, p.EstimateCost(resp))
}

func TestOllamaGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL)
	_, err := p.Generate(context.Background(), &Request{Model: "missing"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestOllamaGenerateConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately unreachable

	p := NewOllamaProvider(srv.URL)
	_, err := p.Generate(context.Background(), &Request{Model: "llama3"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "Green tea."},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProviderWithBaseURL("test-key", srv.URL)
	resp, err := p.Generate(context.Background(), &Request{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: "what drink do I like?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Green tea.", resp.Content)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
	assert.Greater(t, p.EstimateCost(resp), 0.0)
	assert.Less(t, resp.Latency, time.Minute)
}

func TestBuildContextPrompt(t *testing.T) {
	assert.Nil(t, BuildContextPrompt(nil))

	msgs := BuildContextPrompt([]memory.SearchResult{
		{Slice: memory.Slice{MemoryType: memory.TypeEpisodic, Content: "User prefers green tea over coffee"}, Score: 0.9},
		{Slice: memory.Slice{MemoryType: memory.TypeSemantic, Content: "User works at a bakery"}, Score: 0.4},
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "1. [episodic] User prefers green tea over coffee")
	assert.Contains(t, msgs[0].Content, "2. [semantic] User works at a bakery")
}
