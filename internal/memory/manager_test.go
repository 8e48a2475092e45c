package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MythologIQ/hearthlink/internal/embedding"
)

func testManager(t *testing.T) (*Manager, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), 384)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	engine := embedding.NewEngine(embedding.NewHashEmbedder(384), 100)
	return NewManager(store, engine), store
}

func TestStoreMemoryValidation(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	_, err := m.StoreMemory(ctx, StoreParams{
		PersonaID: "alden", UserID: "u1", Content: " ", MemoryType: TypeEpisodic,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.StoreMemory(ctx, StoreParams{
		PersonaID: "alden", UserID: "u1", Content: "x", MemoryType: "bogus",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.StoreMemory(ctx, StoreParams{
		PersonaID: "alden", UserID: "u1", Content: "x", MemoryType: TypeEpisodic,
		RelevanceScore: -0.1,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStoreMemoryGeneratesIDAndEmbedding(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	id, err := m.StoreMemory(ctx, StoreParams{
		PersonaID: "alden", UserID: "u1",
		Content: "User prefers green tea over coffee", MemoryType: TypeEpisodic,
		Keywords: []string{"tea", "preference"}, RelevanceScore: 0.8,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Embedding, 384)
	assert.Equal(t, int64(0), got.RetrievalCount)
}

func TestStoreMemoryPropagatesEmbedFailure(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), 384)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m := NewManager(store, embedding.NewEngine(&failingEmbedder{}, 0))

	_, err = m.StoreMemory(context.Background(), StoreParams{
		PersonaID: "alden", UserID: "u1", Content: "x", MemoryType: TypeEpisodic,
	})
	assert.ErrorIs(t, err, embedding.ErrModelUnavailable)

	// nothing persisted
	stats, err := store.Statistics(context.Background(), OwnerScope{PersonaID: "alden", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalSlices)
}

func TestSemanticRetrieveDegradesOnEmbedFailure(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), 384)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m := NewManager(store, embedding.NewEngine(&failingEmbedder{}, 0))

	results := m.SemanticRetrieve(context.Background(), "anything",
		OwnerScope{PersonaID: "alden", UserID: "u1"}, nil, 10, 0.1)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSemanticRetrieveTouchesResults(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	id, err := m.StoreMemory(ctx, StoreParams{
		PersonaID: "alden", UserID: "u1",
		Content: "User prefers green tea over coffee", MemoryType: TypeEpisodic,
		RelevanceScore: 0.8,
	})
	require.NoError(t, err)

	results := m.SemanticRetrieve(ctx, "what drink does the user like",
		OwnerScope{PersonaID: "alden", UserID: "u1"}, nil, 10, 0.1)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Slice.SliceID)
	assert.Equal(t, int64(1), results[0].Slice.RetrievalCount)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RetrievalCount)
}

func TestHybridRetrieveEndToEnd(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	scope := OwnerScope{PersonaID: "alden", UserID: "u1"}

	teaID, err := m.StoreMemory(ctx, StoreParams{
		SliceID: "slice_001", PersonaID: "alden", UserID: "u1",
		Content: "User prefers green tea over coffee", MemoryType: TypeEpisodic,
		Keywords: []string{"tea", "coffee", "preference"}, RelevanceScore: 0.8,
	})
	require.NoError(t, err)
	_, err = m.StoreMemory(ctx, StoreParams{
		SliceID: "slice_002", PersonaID: "alden", UserID: "u1",
		Content: "Meeting scheduled for tomorrow at 10am", MemoryType: TypeEpisodic,
		Keywords: []string{"meeting", "schedule"}, RelevanceScore: 0.6,
	})
	require.NoError(t, err)

	results := m.HybridRetrieve(ctx, "what drink does the user like",
		[]string{"tea"}, scope, nil, 10, 0.3, 0.7)
	require.NotEmpty(t, results)
	assert.Equal(t, teaID, results[0].Slice.SliceID)
	assert.Equal(t, int64(1), results[0].Slice.RetrievalCount)
}

func TestStoreReasoningChain(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	_, err := m.StoreReasoningChain(ctx, &ReasoningChain{
		PersonaID: "alden", UserID: "u1", InitialQuery: "",
	})
	assert.ErrorIs(t, err, ErrValidation)

	id, err := m.StoreReasoningChain(ctx, &ReasoningChain{
		PersonaID: "alden", UserID: "u1",
		InitialQuery:    "what drink",
		FinalConclusion: "green tea",
		ConfidenceScore: 0.9,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := m.GetReasoningChain(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "green tea", got.FinalConclusion)
}

// failingEmbedder simulates an unreachable model backend.
type failingEmbedder struct{}

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.Join(embedding.ErrModelUnavailable, errors.New("connection refused"))
}

func (f *failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.Join(embedding.ErrModelUnavailable, errors.New("connection refused"))
}

func (f *failingEmbedder) Dimensions() int   { return 384 }
func (f *failingEmbedder) ModelName() string { return "failing-test" }
