package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedConversation(t *testing.T, store *Store, sessionID string, contents []string) *Session {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureUser(ctx, "user-1"))

	now := time.Now().UTC()
	sess := &Session{
		ID:           sessionID,
		UserID:       "user-1",
		Token:        "hl_" + sessionID,
		Status:       StatusActive,
		CreatedAt:    now.Add(-time.Hour),
		LastActivity: now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
	require.NoError(t, store.InsertSession(ctx, sess))
	for i, content := range contents {
		require.NoError(t, store.InsertMessage(ctx, &Message{
			ID:        sessionID + "-msg-" + string(rune('a'+i)),
			SessionID: sessionID,
			UserID:    "user-1",
			Role:      RoleUser,
			Content:   content,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}
	return sess
}

func TestEnsureUserAndAgentValidation(t *testing.T) {
	store := testSessionStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.EnsureUser(ctx, ""), ErrValidation)
	assert.ErrorIs(t, store.EnsureAgent(ctx, ""), ErrValidation)
	assert.NoError(t, store.EnsureAgent(ctx, "alden"))
	assert.NoError(t, store.EnsureAgent(ctx, "alden"), "ensure is idempotent")
}

func TestListConversationsMetrics(t *testing.T) {
	store := testSessionStore(t)
	ctx := context.Background()

	seedConversation(t, store, "conv-1", []string{"hello", "how are you"})
	require.NoError(t, store.InsertMessage(ctx, &Message{
		ID: "fb-1", SessionID: "conv-1", UserID: "user-1", Role: RoleUser,
		Content: "great answer", Timestamp: time.Now().UTC(),
		MessageType: "positive_feedback",
	}))

	metrics, err := store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "conv-1", metrics[0].SessionID)
	assert.Equal(t, 3, metrics[0].MessageCount)
	assert.Equal(t, len("hello")+len("how are you")+len("great answer"), metrics[0].TotalCharacters)
	assert.Equal(t, 1, metrics[0].PositiveFeedback)
	assert.False(t, metrics[0].LastActivity.IsZero())
}

func TestArchiveConversationRecoverable(t *testing.T) {
	store := testSessionStore(t)
	ctx := context.Background()

	contents := []string{"first message", "second message"}
	seedConversation(t, store, "conv-1", contents)

	freed, err := store.ArchiveConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len("first message")+len("second message")), freed)

	// gone from hot storage
	_, err = store.GetByID(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	hot, err := store.History(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Empty(t, hot)

	// recoverable verbatim from the archive
	sess, messages, err := store.ArchivedConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", sess.ID)
	require.Len(t, messages, 2)
	assert.Equal(t, "first message", messages[0].Content)
	assert.Equal(t, "second message", messages[1].Content)
}

func TestDeleteConversation(t *testing.T) {
	store := testSessionStore(t)
	ctx := context.Background()

	seedConversation(t, store, "conv-1", []string{"disposable"})

	freed, err := store.DeleteConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len("disposable")), freed)

	_, err = store.GetByID(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// deleted conversations are not in the archive
	_, _, err = store.ArchivedConversation(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
