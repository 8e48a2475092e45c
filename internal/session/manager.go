package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hlotel "github.com/MythologIQ/hearthlink/internal/otel"
)

var tracer = hlotel.Tracer("github.com/MythologIQ/hearthlink/internal/session")

// entry pairs a cached session with its lock. All reads and mutations of
// the session go through the entry lock, so independent sessions never
// contend.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// Manager owns the active session index and all session operations.
// Sessions are lazily loaded from the store on first token lookup and
// lazily expired: expiry is checked at access time, not by a background
// watcher (the cleanup sweep additionally catches idle ones).
type Manager struct {
	store         *Store
	defaultExpiry time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	active map[string]*entry
}

// NewManager wires a manager over the given store. defaultExpiry <= 0
// falls back to 24h.
func NewManager(store *Store, defaultExpiry time.Duration) *Manager {
	if defaultExpiry <= 0 {
		defaultExpiry = 24 * time.Hour
	}
	return &Manager{
		store:         store,
		defaultExpiry: defaultExpiry,
		now:           time.Now,
		active:        make(map[string]*entry),
	}
}

// CreateSession starts a session for userID, creating the user row if
// needed, and returns the session ID and its opaque token.
func (m *Manager) CreateSession(ctx context.Context, userID string, agentContext, metadata map[string]any, expiresIn time.Duration) (string, string, error) {
	ctx, span := tracer.Start(ctx, "session.create",
		trace.WithAttributes(attribute.String("session.user_id", userID)))
	defer span.End()

	if err := m.store.EnsureUser(ctx, userID); err != nil {
		span.RecordError(err)
		return "", "", err
	}
	if expiresIn <= 0 {
		expiresIn = m.defaultExpiry
	}

	now := m.now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Token:        "hl_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(expiresIn),
		AgentContext: agentContext,
		Metadata:     metadata,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		span.RecordError(err)
		return "", "", err
	}

	m.mu.Lock()
	m.active[sess.Token] = &entry{sess: sess}
	m.mu.Unlock()

	log.Info().
		Str("session_id", sess.ID).
		Str("user_id", userID).
		Time("expires_at", sess.ExpiresAt).
		Msg("session_created")
	return sess.ID, sess.Token, nil
}

// GetSession resolves a token to a copy of its session. Expired sessions
// are marked, evicted, and reported as not found.
func (m *Manager) GetSession(ctx context.Context, token string) (*Session, error) {
	e, err := m.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return nil, err
	}
	copied := *e.sess
	copied.TurnQueue = append([]string(nil), e.sess.TurnQueue...)
	copied.AgentContext = copyMap(e.sess.AgentContext)
	copied.Metadata = copyMap(e.sess.Metadata)
	return &copied, nil
}

func copyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// AddMessage appends a message to the session's history. The agent row is
// created if missing. A storage failure returns an empty ID and the error;
// callers must check it.
func (m *Manager) AddMessage(ctx context.Context, token, agentID, role, content string, opts MessageOpts) (string, error) {
	ctx, span := tracer.Start(ctx, "session.add_message",
		trace.WithAttributes(attribute.String("session.role", role)))
	defer span.End()

	if !ValidRole(role) {
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: message content is empty", ErrValidation)
	}

	e, err := m.resolve(ctx, token)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return "", err
	}
	if e.sess.Closed() {
		return "", fmt.Errorf("%w: session %s is %s", ErrSessionClosed, e.sess.ID, e.sess.Status)
	}

	if agentID != "" {
		if err := m.store.EnsureAgent(ctx, agentID); err != nil {
			span.RecordError(err)
			return "", err
		}
	}

	msg := &Message{
		ID:             uuid.NewString(),
		SessionID:      e.sess.ID,
		AgentID:        agentID,
		UserID:         e.sess.UserID,
		Role:           role,
		Content:        content,
		Timestamp:      m.now().UTC(),
		MessageType:    opts.MessageType,
		Metadata:       opts.Metadata,
		MemoryRefs:     opts.MemoryRefs,
		ProcessingTime: opts.ProcessingTime,
		ModelUsed:      opts.ModelUsed,
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("session_id", e.sess.ID).Msg("message_persist_failed")
		return "", err
	}

	e.sess.LastActivity = msg.Timestamp
	e.sess.ConversationCount++
	return msg.ID, nil
}

// RequestTurn grants the turn if free, keeps it if agentID already holds
// it, and otherwise queues the agent (no duplicates). Returns whether
// agentID now holds the turn.
func (m *Manager) RequestTurn(ctx context.Context, token, agentID string) (bool, error) {
	e, err := m.resolve(ctx, token)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return false, err
	}

	sess := e.sess
	if sess.CurrentTurn == "" {
		sess.CurrentTurn = agentID
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return false, err
		}
		log.Debug().Str("session_id", sess.ID).Str("agent_id", agentID).Msg("turn_granted")
		return true, nil
	}
	if sess.CurrentTurn == agentID {
		return true, nil
	}
	for _, queued := range sess.TurnQueue {
		if queued == agentID {
			return false, nil
		}
	}
	sess.TurnQueue = append(sess.TurnQueue, agentID)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return false, err
	}
	log.Debug().Str("session_id", sess.ID).Str("agent_id", agentID).Msg("turn_queued")
	return false, nil
}

// ReleaseTurn passes the turn to the queue head and re-enqueues the
// releasing agent at the tail, cycling agents round-robin. An empty queue
// clears the holder. Returns the new holder ("" if none).
func (m *Manager) ReleaseTurn(ctx context.Context, token, agentID string) (string, error) {
	e, err := m.resolve(ctx, token)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return "", err
	}

	sess := e.sess
	if sess.CurrentTurn != agentID {
		return "", fmt.Errorf("%w: %s holds the turn, not %s", ErrNotTurnHolder, sess.CurrentTurn, agentID)
	}
	if len(sess.TurnQueue) == 0 {
		sess.CurrentTurn = ""
	} else {
		next := sess.TurnQueue[0]
		sess.TurnQueue = append(sess.TurnQueue[1:], agentID)
		sess.CurrentTurn = next
	}
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return "", err
	}
	log.Debug().
		Str("session_id", sess.ID).
		Str("released_by", agentID).
		Str("new_holder", sess.CurrentTurn).
		Msg("turn_released")
	return sess.CurrentTurn, nil
}

// CurrentTurn returns the current turn holder ("" if the turn is free).
func (m *Manager) CurrentTurn(ctx context.Context, token string) (string, error) {
	sess, err := m.GetSession(ctx, token)
	if err != nil {
		return "", err
	}
	return sess.CurrentTurn, nil
}

// ExtendSession pushes the expiry to now + extension.
func (m *Manager) ExtendSession(ctx context.Context, token string, extension time.Duration) error {
	if extension <= 0 {
		return fmt.Errorf("%w: extension must be positive", ErrValidation)
	}
	e, err := m.resolve(ctx, token)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return err
	}
	if e.sess.Closed() {
		return fmt.Errorf("%w: session %s is %s", ErrSessionClosed, e.sess.ID, e.sess.Status)
	}

	e.sess.ExpiresAt = m.now().UTC().Add(extension)
	e.sess.LastActivity = m.now().UTC()
	if err := m.store.UpdateSession(ctx, e.sess); err != nil {
		return err
	}
	log.Info().Str("session_id", e.sess.ID).Time("expires_at", e.sess.ExpiresAt).Msg("session_extended")
	return nil
}

// TerminateSession closes the session and evicts it from the active index.
func (m *Manager) TerminateSession(ctx context.Context, token string) error {
	e, err := m.resolve(ctx, token)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return err
	}

	e.sess.Status = StatusTerminated
	e.sess.LastActivity = m.now().UTC()
	if err := m.store.UpdateSession(ctx, e.sess); err != nil {
		return err
	}
	m.evict(token)
	log.Info().Str("session_id", e.sess.ID).Msg("session_terminated")
	return nil
}

// CleanupExpired sweeps the store for sessions past their expiry, marks
// them expired, and evicts them. Returns the number expired.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "session.cleanup_expired")
	defer span.End()

	sessions, err := m.store.ListSessions(ctx, StatusActive)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	expired := 0
	for i := range sessions {
		if !now.After(sessions[i].ExpiresAt) {
			continue
		}
		sessions[i].Status = StatusExpired
		if err := m.store.UpdateSession(ctx, &sessions[i]); err != nil {
			log.Warn().Err(err).Str("session_id", sessions[i].ID).Msg("expiry_update_failed")
			continue
		}
		m.evict(sessions[i].Token)
		expired++
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("expired_sessions_cleaned")
	}
	span.SetAttributes(attribute.Int("session.expired", expired))
	return expired, nil
}

// GetHistory returns the session's messages in arrival order.
func (m *Manager) GetHistory(ctx context.Context, token string, limit int) ([]Message, error) {
	sess, err := m.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.store.History(ctx, sess.ID, limit)
}

// RecentContext returns the last n messages, oldest first, for prompt
// assembly.
func (m *Manager) RecentContext(ctx context.Context, token string, n int) ([]Message, error) {
	if n <= 0 {
		n = 10
	}
	return m.GetHistory(ctx, token, n)
}

// PropagateContext merges updates into the session's shared agent context
// so every agent in the session observes them.
func (m *Manager) PropagateContext(ctx context.Context, token string, update map[string]any) error {
	if len(update) == 0 {
		return nil
	}
	e, err := m.resolve(ctx, token)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.checkExpiryLocked(ctx, e); err != nil {
		return err
	}
	if e.sess.Closed() {
		return fmt.Errorf("%w: session %s is %s", ErrSessionClosed, e.sess.ID, e.sess.Status)
	}

	if e.sess.AgentContext == nil {
		e.sess.AgentContext = make(map[string]any, len(update))
	}
	for k, v := range update {
		e.sess.AgentContext[k] = v
	}
	if e.sess.Metadata == nil {
		e.sess.Metadata = make(map[string]any, 1)
	}
	e.sess.Metadata["last_context_update"] = m.now().UTC().Format(time.RFC3339)
	return m.store.UpdateSession(ctx, e.sess)
}

// Stats summarizes the session population.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	byStatus, messages, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		ActiveSessions: byStatus[StatusActive],
		TotalMessages:  messages,
		ByStatus:       byStatus,
	}, nil
}

// resolve returns the active-index entry for token, lazily loading from
// the store on a miss.
func (m *Manager) resolve(ctx context.Context, token string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.active[token]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	sess, err := m.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	// Closed sessions never re-enter the live index.
	if sess.Closed() {
		return nil, ErrSessionNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[token]; ok {
		return existing, nil
	}
	e = &entry{sess: sess}
	m.active[token] = e
	return e, nil
}

// checkExpiryLocked enforces lazy expiry. Caller holds the entry lock.
func (m *Manager) checkExpiryLocked(ctx context.Context, e *entry) error {
	if e.sess.Status == StatusExpired {
		m.evict(e.sess.Token)
		return ErrSessionNotFound
	}
	if !m.now().UTC().After(e.sess.ExpiresAt) {
		return nil
	}
	e.sess.Status = StatusExpired
	if err := m.store.UpdateSession(ctx, e.sess); err != nil {
		log.Warn().Err(err).Str("session_id", e.sess.ID).Msg("expiry_update_failed")
	}
	m.evict(e.sess.Token)
	log.Info().Str("session_id", e.sess.ID).Msg("session_expired")
	return ErrSessionNotFound
}

func (m *Manager) evict(token string) {
	m.mu.Lock()
	delete(m.active, token)
	m.mu.Unlock()
}
