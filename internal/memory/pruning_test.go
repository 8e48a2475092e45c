package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConversationStore records pruning decisions without real storage.
type fakeConversationStore struct {
	conversations []ConversationMetrics
	archived      []string
	deleted       []string
	failOn        map[string]bool
}

func (f *fakeConversationStore) ListConversations(context.Context) ([]ConversationMetrics, error) {
	return f.conversations, nil
}

func (f *fakeConversationStore) ArchiveConversation(_ context.Context, sessionID string) (int64, error) {
	if f.failOn[sessionID] {
		return 0, fmt.Errorf("storage hiccup")
	}
	f.archived = append(f.archived, sessionID)
	return 100, nil
}

func (f *fakeConversationStore) DeleteConversation(_ context.Context, sessionID string) (int64, error) {
	if f.failOn[sessionID] {
		return 0, fmt.Errorf("storage hiccup")
	}
	f.deleted = append(f.deleted, sessionID)
	return 50, nil
}

func TestImportanceScoreFactors(t *testing.T) {
	now := time.Now()

	// empty conversation gets only whatever recency applies
	empty := ConversationMetrics{LastActivity: now.Add(-60 * 24 * time.Hour)}
	assert.InDelta(t, 0.0, ImportanceScore(empty, now), 1e-9)

	// fully saturated factors cap at 1.0
	busy := ConversationMetrics{
		MessageCount:     1000,
		TotalCharacters:  100000,
		DurationHours:    100,
		PositiveFeedback: 10,
		LastActivity:     now,
	}
	assert.InDelta(t, 1.0, ImportanceScore(busy, now), 1e-9)

	// message factor caps at 0.3
	messages := ConversationMetrics{MessageCount: 500, LastActivity: now.Add(-60 * 24 * time.Hour)}
	assert.InDelta(t, 0.3+0.2, ImportanceScore(messages, now), 1e-9,
		"0.3 message cap plus saturated engagement factor")

	// negative feedback contributes nothing
	negative := ConversationMetrics{
		NegativeFeedback: 5,
		LastActivity:     now.Add(-60 * 24 * time.Hour),
	}
	assert.InDelta(t, 0.0, ImportanceScore(negative, now), 1e-9)

	// fresh activity is worth the full 0.1 recency factor
	fresh := ConversationMetrics{LastActivity: now}
	assert.InDelta(t, 0.1, ImportanceScore(fresh, now), 1e-9)
}

func TestPolicyPresets(t *testing.T) {
	p, err := PolicyByName("aggressive")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, p.MaxAge)
	assert.Equal(t, 50, p.MaxConversations)

	p, err = PolicyByName("conservative")
	require.NoError(t, err)
	assert.Equal(t, 500, p.MaxConversations)
	assert.Equal(t, 0.1, p.PruneThreshold)

	_, err = PolicyByName("reckless")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPruneConservation(t *testing.T) {
	now := time.Now()
	old := now.Add(-60 * 24 * time.Hour)
	store := &fakeConversationStore{
		conversations: []ConversationMetrics{
			// low importance, old: pruned
			{SessionID: "stale", LastActivity: old},
			// high importance, old: archived
			{SessionID: "valuable", MessageCount: 1000, TotalCharacters: 100000,
				DurationHours: 100, PositiveFeedback: 5, LastActivity: old},
			// recent: untouched
			{SessionID: "active", MessageCount: 10, LastActivity: now},
		},
	}

	report, err := NewPruner(store).Prune(context.Background(), "moderate", false)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Analyzed)
	assert.Equal(t, 1, report.Pruned)
	assert.Equal(t, 1, report.Archived)
	assert.Equal(t, report.Analyzed, report.Pruned+report.Archived+1,
		"every conversation is pruned, archived, or untouched")
	assert.Equal(t, []string{"stale"}, store.deleted)
	assert.Equal(t, []string{"valuable"}, store.archived)
	assert.Equal(t, int64(150), report.BytesFreed)
}

func TestPruneDryRunTouchesNothing(t *testing.T) {
	store := &fakeConversationStore{
		conversations: []ConversationMetrics{
			{SessionID: "stale", LastActivity: time.Now().Add(-60 * 24 * time.Hour)},
		},
	}

	report, err := NewPruner(store).Prune(context.Background(), "moderate", true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)
	assert.True(t, report.DryRun)
	assert.Empty(t, store.deleted)
	assert.Empty(t, store.archived)
	assert.Zero(t, report.BytesFreed)
}

func TestPruneDeletionCap(t *testing.T) {
	old := time.Now().Add(-400 * 24 * time.Hour)
	store := &fakeConversationStore{}
	for i := 0; i < 120; i++ {
		store.conversations = append(store.conversations, ConversationMetrics{
			SessionID:    fmt.Sprintf("conv-%03d", i),
			LastActivity: old,
		})
	}

	report, err := NewPruner(store).Prune(context.Background(), "aggressive", false)
	require.NoError(t, err)
	assert.Equal(t, 120, report.Analyzed)
	assert.Equal(t, 50, report.Pruned, "deletions capped per run")
	assert.Len(t, store.deleted, 50)
}

func TestPruneOverCapacityIgnoresAge(t *testing.T) {
	now := time.Now()
	store := &fakeConversationStore{}
	// 60 recent low-importance conversations exceed aggressive's cap of 50.
	for i := 0; i < 60; i++ {
		store.conversations = append(store.conversations, ConversationMetrics{
			SessionID:    fmt.Sprintf("conv-%02d", i),
			LastActivity: now.Add(-2 * 24 * time.Hour),
		})
	}

	report, err := NewPruner(store).Prune(context.Background(), "aggressive", false)
	require.NoError(t, err)
	assert.Greater(t, report.Pruned, 0, "over-capacity stores prune low-importance conversations")
}

func TestPruneRecordsPerItemErrors(t *testing.T) {
	old := time.Now().Add(-60 * 24 * time.Hour)
	store := &fakeConversationStore{
		conversations: []ConversationMetrics{
			{SessionID: "fails", LastActivity: old},
			{SessionID: "works", LastActivity: old},
		},
		failOn: map[string]bool{"fails": true},
	}

	report, err := NewPruner(store).Prune(context.Background(), "moderate", false)
	require.NoError(t, err, "per-item failures do not abort the run")
	assert.Equal(t, 1, report.Pruned)
	assert.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "fails")
}
