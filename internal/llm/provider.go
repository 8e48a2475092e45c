// Package llm abstracts chat-completion providers behind a small Provider
// interface so the orchestration core stays backend-agnostic.
package llm

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProviderNotAvailable is returned when the configured provider
	// cannot be constructed (missing key, unknown name).
	ErrProviderNotAvailable = errors.New("llm provider not available")
	// ErrServiceUnavailable is returned for transport failures and
	// timeouts; callers may retry.
	ErrServiceUnavailable = errors.New("llm service unavailable")
)

// TimeoutLLMCall bounds a single generation call.
const TimeoutLLMCall = 30 * time.Second

// ChatMessage is one prompt message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a generation request.
type Request struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// Response is the provider's reply.
type Response struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// Provider generates chat completions.
type Provider interface {
	// Name identifies the backend, e.g. "ollama" or "openai".
	Name() string
	// Generate produces a completion. Implementations apply
	// TimeoutLLMCall when the context carries no earlier deadline.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost returns the approximate USD cost of a response.
	EstimateCost(resp *Response) float64
}
