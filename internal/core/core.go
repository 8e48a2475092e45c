// Package core is the composition root: it wires sessions, memory,
// embeddings and the LLM provider into the query-processing pipeline.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MythologIQ/hearthlink/internal/config"
	"github.com/MythologIQ/hearthlink/internal/llm"
	"github.com/MythologIQ/hearthlink/internal/memory"
	hlotel "github.com/MythologIQ/hearthlink/internal/otel"
	"github.com/MythologIQ/hearthlink/internal/session"
)

var tracer = hlotel.Tracer("github.com/MythologIQ/hearthlink/internal/core")

// Retrieval defaults for the query pipeline.
const (
	contextSliceLimit = 5
	recentMessages    = 10
	keywordWeight     = 0.3
	semanticWeight    = 0.7
)

// Core owns the end-to-end query pipeline. All collaborators are injected;
// there are no package-level singletons.
type Core struct {
	sessions *session.Manager
	memory   *memory.Manager
	provider llm.Provider
	pruner   *memory.Pruner
	cfg      *config.Config
}

// New wires a Core from its collaborators.
func New(sessions *session.Manager, mem *memory.Manager, provider llm.Provider, pruner *memory.Pruner, cfg *config.Config) *Core {
	return &Core{
		sessions: sessions,
		memory:   mem,
		provider: provider,
		pruner:   pruner,
		cfg:      cfg,
	}
}

// Sessions exposes the session manager for callers that operate on
// sessions directly (CLI, maintenance).
func (c *Core) Sessions() *session.Manager { return c.sessions }

// Memory exposes the memory manager.
func (c *Core) Memory() *memory.Manager { return c.memory }

// Pruner exposes the pruning manager.
func (c *Core) Pruner() *memory.Pruner { return c.pruner }

// QueryResult is the outcome of one processed user query.
type QueryResult struct {
	MessageID      string        `json:"message_id"`
	Response       string        `json:"response"`
	Model          string        `json:"model"`
	MemoryRefs     []string      `json:"memory_refs,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// ProcessQuery runs one user turn: resolve the session, retrieve relevant
// memories (gracefully: retrieval failures just shrink the context),
// generate a reply, persist both messages, and store the exchange as a new
// episodic memory.
func (c *Core) ProcessQuery(ctx context.Context, token, personaID, text string) (*QueryResult, error) {
	ctx, span := tracer.Start(ctx, "core.process_query",
		trace.WithAttributes(attribute.String("persona_id", personaID)))
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: query text is empty", session.ErrValidation)
	}

	sess, err := c.sessions.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	scope := memory.OwnerScope{PersonaID: personaID, UserID: sess.UserID}
	start := time.Now()

	retrieved := c.memory.HybridRetrieve(ctx, text, extractKeywords(text), scope,
		nil, contextSliceLimit, keywordWeight, semanticWeight)
	refs := make([]string, len(retrieved))
	for i, r := range retrieved {
		refs[i] = r.Slice.SliceID
	}

	messages := llm.BuildContextPrompt(retrieved)
	recent, err := c.sessions.RecentContext(ctx, token, recentMessages)
	if err != nil {
		return nil, err
	}
	for _, msg := range recent {
		role := msg.Role
		if role == session.RoleAgent {
			role = session.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: session.RoleUser, Content: text})

	resp, err := c.provider.Generate(ctx, &llm.Request{
		Model:    c.cfg.LLMModel,
		Messages: messages,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generating reply: %w", err)
	}
	elapsed := time.Since(start)

	if _, err := c.sessions.AddMessage(ctx, token, personaID, session.RoleUser, text, session.MessageOpts{}); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}
	msgID, err := c.sessions.AddMessage(ctx, token, personaID, session.RoleAssistant, resp.Content, session.MessageOpts{
		MemoryRefs:     refs,
		ProcessingTime: elapsed,
		ModelUsed:      resp.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}

	// Record the exchange itself as episodic memory. Failure here is
	// logged but does not fail the turn; the reply already exists.
	_, err = c.memory.StoreMemory(ctx, memory.StoreParams{
		PersonaID:      personaID,
		UserID:         sess.UserID,
		Content:        fmt.Sprintf("User asked: %s\nAssistant replied: %s", text, resp.Content),
		MemoryType:     memory.TypeEpisodic,
		Keywords:       extractKeywords(text),
		RelevanceScore: 0.5,
		Metadata:       map[string]any{"session_id": sess.ID, "message_id": msgID},
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("exchange_memory_store_failed")
	}

	span.SetAttributes(
		attribute.Int("core.memory_refs", len(refs)),
		attribute.String("core.model", resp.Model),
	)
	return &QueryResult{
		MessageID:      msgID,
		Response:       resp.Content,
		Model:          resp.Model,
		MemoryRefs:     refs,
		ProcessingTime: elapsed,
	}, nil
}

// RecordReasoning persists a reasoning chain for a processed query.
func (c *Core) RecordReasoning(ctx context.Context, chain *memory.ReasoningChain) (string, error) {
	return c.memory.StoreReasoningChain(ctx, chain)
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "do": {}, "does": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"like": {}, "my": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"you": {}, "your": {},
}

// extractKeywords lowercases, splits on non-alphanumerics, and drops
// stopwords and single characters.
func extractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
