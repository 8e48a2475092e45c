package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, 24*time.Hour)
}

func TestCreateAndGetSession(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, token, err := m.CreateSession(ctx, "user-1",
		map[string]any{"persona": "alden"}, map[string]any{"client": "test"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)

	sess, err := m.GetSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, "alden", sess.AgentContext["persona"])
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))
}

func TestGetSessionUnknownToken(t *testing.T) {
	m := testManager(t)

	_, err := m.GetSession(context.Background(), "hl_bogus")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionAutoCreatesUser(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	// two sessions for a brand-new user; the second hits the existing row
	_, _, err := m.CreateSession(ctx, "fresh-user", nil, nil, 0)
	require.NoError(t, err)
	_, _, err = m.CreateSession(ctx, "fresh-user", nil, nil, 0)
	require.NoError(t, err)
}

func TestLazyExpiry(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, time.Hour)
	require.NoError(t, err)

	// jump past the expiry
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = m.GetSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// writes to the expired session also refuse
	_, err = m.AddMessage(ctx, token, "alden", RoleUser, "hello", MessageOpts{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLazyLoadFromStore(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m1 := NewManager(store, 24*time.Hour)
	_, token, err := m1.CreateSession(context.Background(), "user-1", nil, nil, 0)
	require.NoError(t, err)

	// a fresh manager with an empty index loads from the store
	m2 := NewManager(store, 24*time.Hour)
	sess, err := m2.GetSession(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
}

func TestAddMessageAndHistory(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)

	id1, err := m.AddMessage(ctx, token, "", RoleUser, "what drink do I like?", MessageOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := m.AddMessage(ctx, token, "alden", RoleAssistant, "You prefer green tea.", MessageOpts{
		MemoryRefs: []string{"slice_001"},
		ModelUsed:  "llama3",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id2)

	history, err := m.GetHistory(ctx, token, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, []string{"slice_001"}, history[1].MemoryRefs)
	assert.Equal(t, "llama3", history[1].ModelUsed)

	sess, err := m.GetSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.ConversationCount)
}

func TestAddMessageValidation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)

	_, err = m.AddMessage(ctx, token, "alden", "overlord", "hi", MessageOpts{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = m.AddMessage(ctx, token, "alden", RoleUser, "  ", MessageOpts{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddMessageToTerminatedSession(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, m.TerminateSession(ctx, token))

	id, err := m.AddMessage(ctx, token, "alden", RoleUser, "hello?", MessageOpts{})
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrSessionNotFound, "terminated sessions are not resolvable")
}

func TestRecentContextLimit(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four", "five"}
	for _, c := range contents {
		_, err := m.AddMessage(ctx, token, "alden", RoleUser, c, MessageOpts{})
		require.NoError(t, err)
	}

	recent, err := m.RecentContext(ctx, token, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "three", recent[0].Content)
	assert.Equal(t, "five", recent[2].Content, "recent context keeps arrival order")
}

func TestTurnRoundRobin(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)

	granted, err := m.RequestTurn(ctx, token, "A")
	require.NoError(t, err)
	assert.True(t, granted)

	// A keeps the turn on re-request
	granted, err = m.RequestTurn(ctx, token, "A")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = m.RequestTurn(ctx, token, "B")
	require.NoError(t, err)
	assert.False(t, granted)
	granted, err = m.RequestTurn(ctx, token, "C")
	require.NoError(t, err)
	assert.False(t, granted)

	// duplicate queue requests are ignored
	_, err = m.RequestTurn(ctx, token, "B")
	require.NoError(t, err)

	// full round-robin cycle: A -> B -> C -> A
	next, err := m.ReleaseTurn(ctx, token, "A")
	require.NoError(t, err)
	assert.Equal(t, "B", next)
	next, err = m.ReleaseTurn(ctx, token, "B")
	require.NoError(t, err)
	assert.Equal(t, "C", next)
	next, err = m.ReleaseTurn(ctx, token, "C")
	require.NoError(t, err)
	assert.Equal(t, "A", next)

	holder, err := m.CurrentTurn(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "A", holder)
}

func TestReleaseTurnNotHolder(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)

	_, err = m.RequestTurn(ctx, token, "A")
	require.NoError(t, err)

	_, err = m.ReleaseTurn(ctx, token, "B")
	assert.ErrorIs(t, err, ErrNotTurnHolder)
}

func TestReleaseTurnEmptyQueueClearsHolder(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)

	_, err = m.RequestTurn(ctx, token, "A")
	require.NoError(t, err)

	next, err := m.ReleaseTurn(ctx, token, "A")
	require.NoError(t, err)
	assert.Empty(t, next)

	holder, err := m.CurrentTurn(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestExtendSession(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, time.Hour)
	require.NoError(t, err)
	before, err := m.GetSession(ctx, token)
	require.NoError(t, err)

	require.NoError(t, m.ExtendSession(ctx, token, 48*time.Hour))
	after, err := m.GetSession(ctx, token)
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))

	assert.ErrorIs(t, m.ExtendSession(ctx, token, 0), ErrValidation)
}

func TestCleanupExpired(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, _, err := m.CreateSession(ctx, "user-1", nil, nil, time.Hour)
	require.NoError(t, err)
	_, keepToken, err := m.CreateSession(ctx, "user-1", nil, nil, 72*time.Hour)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	expired, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	_, err = m.GetSession(ctx, keepToken)
	assert.NoError(t, err, "unexpired sessions survive the sweep")
}

func TestPropagateContext(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", map[string]any{"topic": "tea"}, nil, 0)
	require.NoError(t, err)

	require.NoError(t, m.PropagateContext(ctx, token, map[string]any{
		"topic": "coffee",
		"mood":  "curious",
	}))

	sess, err := m.GetSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "coffee", sess.AgentContext["topic"])
	assert.Equal(t, "curious", sess.AgentContext["mood"])
	assert.Contains(t, sess.Metadata, "last_context_update")
}

func TestStats(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1", nil, nil, 0)
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, token, "alden", RoleUser, "hello", MessageOpts{})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, int64(1), stats.TotalMessages)
}

func TestExpiredSessionNotReindexed(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	m1 := NewManager(store, 24*time.Hour)
	_, token, err := m1.CreateSession(ctx, "user-1", nil, nil, time.Hour)
	require.NoError(t, err)

	// lazy expiry persists the expired status and evicts the entry
	m1.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m1.GetSession(ctx, token)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, m1.active)

	// a fresh manager over the same store must not pull the dead row back
	// into its live index, no matter how often the token is presented
	m2 := NewManager(store, 24*time.Hour)
	_, err = m2.GetSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m2.GetSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, m2.active)
}

func TestTerminateExpiredSession(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id, token, err := m.CreateSession(ctx, "user-1", nil, nil, time.Hour)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	err = m.TerminateSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// expired is terminal; the row must not flip to terminated
	sess, err := m.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, sess.Status)
}

func TestGetSessionCopiesContext(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, token, err := m.CreateSession(ctx, "user-1",
		map[string]any{"persona": "alden"}, map[string]any{"client": "cli"}, 0)
	require.NoError(t, err)

	first, err := m.GetSession(ctx, token)
	require.NoError(t, err)
	first.AgentContext["persona"] = "mimic"
	first.Metadata["client"] = "tampered"

	second, err := m.GetSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alden", second.AgentContext["persona"])
	assert.Equal(t, "cli", second.Metadata["client"])
}
