package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API
// (or any OpenAI-compatible endpoint via a custom base URL).
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedder with the given API key.
// Empty model defaults to text-embedding-3-small (1536 dims); timeout <= 0
// falls back to 30s. Every API call runs under that client timeout.
func NewOpenAIEmbedder(apiKey, model string, dims int, timeout time.Duration) *OpenAIEmbedder {
	return NewOpenAIEmbedderWithBaseURL(apiKey, "", model, dims, timeout)
}

// NewOpenAIEmbedderWithBaseURL creates an embedder pointing at a custom
// OpenAI-compatible endpoint (e.g. an httptest server in tests).
func NewOpenAIEmbedderWithBaseURL(apiKey, baseURL, model string, dims int, timeout time.Duration) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dims <= 0 {
		dims = 1536
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	config := openai.DefaultConfig(apiKey)
	config.HTTPClient = &http.Client{Timeout: timeout}
	if baseURL != "" {
		config.BaseURL = baseURL + "/v1"
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(config),
		model:  model,
		dims:   dims,
	}
}

// Embed requests a single embedding.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one API call; OpenAI preserves input order
// in the response data.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai embeddings call: %v", ErrModelUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs",
			ErrModelUnavailable, len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("%w: openai returned out-of-range index %d", ErrModelUnavailable, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Dimensions returns the configured vector size.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// ModelName returns the OpenAI model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.model }
