package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	hlotel "github.com/MythologIQ/hearthlink/internal/otel"
)

// OpenAIProvider implements the Provider interface for OpenAI.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI provider with the given API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
	}
}

// NewOpenAIProviderWithBaseURL creates an OpenAI provider with a custom base
// URL (e.g. for tests pointing at a mock server). baseURL should be the
// scheme+host without path; the client appends /v1 as needed.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &OpenAIProvider{client: openai.NewClientWithConfig(config)}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate sends a chat completion request to OpenAI.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(
			hlotel.GenAISystem.String("openai"),
			hlotel.GenAIRequestModel.String(req.Model),
			hlotel.GenAIRequestTemperature.Float64(float64(req.Temperature)),
			hlotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: openai call timed out: %v", ErrServiceUnavailable, err)
		}
		return nil, fmt.Errorf("%w: openai api call: %v", ErrServiceUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrServiceUnavailable)
	}
	choice := resp.Choices[0]

	span.SetAttributes(
		hlotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
		hlotel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
		hlotel.GenAIResponseFinishReason.String(string(choice.FinishReason)),
	)

	return &Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: string(choice.FinishReason),
		Latency:      time.Since(start),
	}, nil
}

// EstimateCost estimates the cost in USD from published per-1K-token
// prices. Unknown models cost 0.
func (p *OpenAIProvider) EstimateCost(resp *Response) float64 {
	type pricing struct {
		input  float64
		output float64
	}
	prices := map[string]pricing{
		"gpt-4o":        {input: 0.0025, output: 0.01},
		"gpt-4o-mini":   {input: 0.00015, output: 0.0006},
		"gpt-4-turbo":   {input: 0.01, output: 0.03},
		"gpt-3.5-turbo": {input: 0.0005, output: 0.0015},
	}
	pr, ok := prices[resp.Model]
	if !ok {
		return 0
	}
	return float64(resp.InputTokens)/1000*pr.input + float64(resp.OutputTokens)/1000*pr.output
}
