// Package memory implements persona-scoped semantic memory: slices of
// recalled content with embeddings, hybrid keyword+vector retrieval,
// reasoning chain records, and importance-based pruning.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSliceNotFound is returned when a slice ID does not exist.
	ErrSliceNotFound = errors.New("memory slice not found")
	// ErrChainNotFound is returned when a reasoning chain ID does not exist.
	ErrChainNotFound = errors.New("reasoning chain not found")
	// ErrValidation is returned for malformed slices or parameters.
	ErrValidation = errors.New("memory validation failed")
)

// Memory type classification, mirroring the cognitive categories the
// retrieval layer filters on.
const (
	TypeEpisodic   = "episodic"
	TypeSemantic   = "semantic"
	TypeProcedural = "procedural"
	TypeWorking    = "working"
)

// ValidType reports whether t is a known memory type.
func ValidType(t string) bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking:
		return true
	}
	return false
}

// Slice is one unit of stored memory, owned by a (persona, user) pair.
// RetrievalCount only ever increases; RelevanceScore is the author-assigned
// importance in [0,1], distinct from query-time similarity.
type Slice struct {
	SliceID        string         `json:"slice_id"`
	PersonaID      string         `json:"persona_id"`
	UserID         string         `json:"user_id"`
	Content        string         `json:"content"`
	MemoryType     string         `json:"memory_type"`
	Keywords       []string       `json:"keywords"`
	Embedding      []float32      `json:"embedding"`
	RelevanceScore float64        `json:"relevance_score"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessed   time.Time      `json:"last_accessed"`
	RetrievalCount int64          `json:"retrieval_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the slice's own invariants. dims > 0 additionally
// requires the embedding to have exactly that many dimensions.
func (s *Slice) Validate(dims int) error {
	if s.SliceID == "" {
		return fmt.Errorf("%w: slice_id is required", ErrValidation)
	}
	if s.PersonaID == "" || s.UserID == "" {
		return fmt.Errorf("%w: persona_id and user_id are required", ErrValidation)
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if !ValidType(s.MemoryType) {
		return fmt.Errorf("%w: unknown memory type %q", ErrValidation, s.MemoryType)
	}
	if s.RelevanceScore < 0 || s.RelevanceScore > 1 {
		return fmt.Errorf("%w: relevance_score %v outside [0,1]", ErrValidation, s.RelevanceScore)
	}
	if dims > 0 && len(s.Embedding) != dims {
		return fmt.Errorf("%w: embedding has %d dims, store expects %d", ErrValidation, len(s.Embedding), dims)
	}
	return nil
}

// OwnerScope identifies whose memories a query may touch. Retrieval never
// crosses scopes.
type OwnerScope struct {
	PersonaID string
	UserID    string
}

// SearchResult pairs a slice with its query-time score. For semantic search
// the score is cosine similarity; for hybrid search it is the blended score.
type SearchResult struct {
	Slice Slice   `json:"slice"`
	Score float64 `json:"score"`
}

// ReasoningStep is one step in a recorded inference trace.
type ReasoningStep struct {
	StepNumber  int     `json:"step_number"`
	Description string  `json:"description"`
	SliceID     string  `json:"slice_id,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// ReasoningChain records how a conclusion was derived from stored memories.
type ReasoningChain struct {
	ChainID            string          `json:"chain_id"`
	PersonaID          string          `json:"persona_id"`
	UserID             string          `json:"user_id"`
	InitialQuery       string          `json:"initial_query"`
	Steps              []ReasoningStep `json:"steps"`
	FinalConclusion    string          `json:"final_conclusion"`
	ConfidenceScore    float64         `json:"confidence_score"`
	SupportingMemories []string        `json:"supporting_memories"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TypeStats aggregates one memory type within a scope.
type TypeStats struct {
	Count             int64   `json:"count"`
	AvgRelevance      float64 `json:"avg_relevance"`
	AvgRetrievalCount float64 `json:"avg_retrieval_count"`
}

// Statistics summarizes a scope's memory holdings.
type Statistics struct {
	TotalSlices int64                `json:"total_slices"`
	ByType      map[string]TypeStats `json:"by_type"`
	ChainCount  int64                `json:"chain_count"`
}
