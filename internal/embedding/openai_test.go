package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedBatch(t *testing.T) {
	var gotPath string
	var gotReq struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		// respond out of order; index drives reassembly
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1, 0}},
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0, 0}},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedderWithBaseURL("test-key", srv.URL, "", 3, 0)
	vecs, err := e.EmbedBatch(context.Background(), []string{"green tea", "coffee"})
	require.NoError(t, err)

	assert.Equal(t, "/v1/embeddings", gotPath)
	assert.Equal(t, []string{"green tea", "coffee"}, gotReq.Input)
	assert.Equal(t, "text-embedding-3-small", gotReq.Model)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1, 0}, vecs[1])
}

func TestOpenAIEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedderWithBaseURL("test-key", srv.URL, "", 2, 0)
	_, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestOpenAIEmbedTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	e := NewOpenAIEmbedderWithBaseURL("test-key", srv.URL, "", 2, 50*time.Millisecond)

	start := time.Now()
	_, err := e.Embed(context.Background(), "never returns")
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second, "client timeout must bound a hung backend")
}
