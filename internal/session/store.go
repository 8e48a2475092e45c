package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MythologIQ/hearthlink/internal/memory"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id     TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id         TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(user_id),
	token              TEXT NOT NULL UNIQUE,
	status             TEXT NOT NULL,
	created_at         DATETIME NOT NULL,
	last_activity      DATETIME NOT NULL,
	expires_at         DATETIME NOT NULL,
	agent_context      TEXT NOT NULL DEFAULT '{}',
	metadata           TEXT NOT NULL DEFAULT '{}',
	conversation_count INTEGER NOT NULL DEFAULT 0,
	current_turn       TEXT NOT NULL DEFAULT '',
	turn_queue         TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS messages (
	message_id         TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(session_id),
	agent_id           TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL DEFAULT '',
	role               TEXT NOT NULL,
	content            TEXT NOT NULL,
	timestamp          DATETIME NOT NULL,
	message_type       TEXT NOT NULL DEFAULT '',
	metadata           TEXT NOT NULL DEFAULT '{}',
	memory_refs        TEXT NOT NULL DEFAULT '[]',
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	model_used         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS archived_sessions (
	session_id  TEXT PRIMARY KEY,
	archived_at DATETIME NOT NULL,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS archived_messages (
	message_id  TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	archived_at DATETIME NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_messages_session ON archived_messages(session_id);
`

// Store persists users, agents, sessions and message history in SQLite.
// It also implements memory.ConversationStore so pruning runs against the
// same database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the sessions database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sessions database: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sessions schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EnsureUser creates the user row if it does not exist. This is the one
// place the unknown-user leniency lives; callers elsewhere assume users
// exist.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (user_id, created_at) VALUES (?, ?)
			 ON CONFLICT(user_id) DO NOTHING`, userID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("ensuring user: %w", err)
		}
		return nil
	})
}

// EnsureAgent creates the agent row if it does not exist. Same leniency
// policy as EnsureUser.
func (s *Store) EnsureAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrValidation)
	}
	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (agent_id, created_at) VALUES (?, ?)
			 ON CONFLICT(agent_id) DO NOTHING`, agentID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("ensuring agent: %w", err)
		}
		return nil
	})
}

// InsertSession persists a new session row.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	contextJSON, metadataJSON, queueJSON, err := marshalSessionColumns(sess)
	if err != nil {
		return err
	}
	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions
				(session_id, user_id, token, status, created_at, last_activity,
				 expires_at, agent_context, metadata, conversation_count, current_turn, turn_queue)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, sess.Token, sess.Status, sess.CreatedAt, sess.LastActivity,
			sess.ExpiresAt, contextJSON, metadataJSON, sess.ConversationCount,
			sess.CurrentTurn, queueJSON)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		return nil
	})
}

// UpdateSession persists mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	contextJSON, metadataJSON, queueJSON, err := marshalSessionColumns(sess)
	if err != nil {
		return err
	}
	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET
				status = ?, last_activity = ?, expires_at = ?, agent_context = ?,
				metadata = ?, conversation_count = ?, current_turn = ?, turn_queue = ?
			WHERE session_id = ?`,
			sess.Status, sess.LastActivity, sess.ExpiresAt, contextJSON,
			metadataJSON, sess.ConversationCount, sess.CurrentTurn, queueJSON, sess.ID)
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		return nil
	})
}

// GetByToken loads a session by its token or returns ErrSessionNotFound.
func (s *Store) GetByToken(ctx context.Context, token string) (*Session, error) {
	return s.getSession(ctx, `token = ?`, token)
}

// GetByID loads a session by its ID or returns ErrSessionNotFound.
func (s *Store) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	return s.getSession(ctx, `session_id = ?`, sessionID)
}

func (s *Store) getSession(ctx context.Context, where string, arg any) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, token, status, created_at, last_activity,
		       expires_at, agent_context, metadata, conversation_count, current_turn, turn_queue
		FROM sessions WHERE `+where, arg)

	var sess Session
	var contextJSON, metadataJSON, queueJSON []byte
	var createdAt, lastActivity, expiresAt any
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.Status,
		&createdAt, &lastActivity, &expiresAt,
		&contextJSON, &metadataJSON, &sess.ConversationCount, &sess.CurrentTurn, &queueJSON)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &sess.AgentContext); err != nil {
		return nil, fmt.Errorf("unmarshalling agent context: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshalling session metadata: %w", err)
	}
	if err := json.Unmarshal(queueJSON, &sess.TurnQueue); err != nil {
		return nil, fmt.Errorf("unmarshalling turn queue: %w", err)
	}
	if t, ok := scanTime(createdAt); ok {
		sess.CreatedAt = t
	}
	if t, ok := scanTime(lastActivity); ok {
		sess.LastActivity = t
	}
	if t, ok := scanTime(expiresAt); ok {
		sess.ExpiresAt = t
	}
	return &sess, nil
}

// InsertMessage appends a message and bumps the session's activity and
// conversation count in one transaction.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	metadataJSON, err := marshalJSONMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling message metadata: %w", err)
	}
	refsJSON, err := json.Marshal(emptyIfNil(msg.MemoryRefs))
	if err != nil {
		return fmt.Errorf("marshalling memory refs: %w", err)
	}

	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages
				(message_id, session_id, agent_id, user_id, role, content, timestamp,
				 message_type, metadata, memory_refs, processing_time_ms, model_used)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.AgentID, msg.UserID, msg.Role, msg.Content,
			msg.Timestamp, msg.MessageType, metadataJSON, refsJSON,
			msg.ProcessingTime.Milliseconds(), msg.ModelUsed)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET last_activity = ?, conversation_count = conversation_count + 1
			WHERE session_id = ?`, msg.Timestamp, msg.SessionID)
		if err != nil {
			return fmt.Errorf("updating session activity: %w", err)
		}
		return tx.Commit()
	})
}

// History returns a session's messages in arrival order. limit <= 0 means
// the full history.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	const columns = `message_id, session_id, agent_id, user_id, role, content, timestamp,
		       message_type, metadata, memory_refs, processing_time_ms, model_used`
	query := `SELECT ` + columns + ` FROM messages WHERE session_id = ? ORDER BY timestamp, rowid`
	args := []any{sessionID}
	if limit > 0 {
		// fetch the newest N, then re-sort into arrival order
		query = `SELECT ` + columns + ` FROM (
			SELECT *, rowid AS rid FROM messages WHERE session_id = ?
			ORDER BY timestamp DESC, rowid DESC LIMIT ?)
		ORDER BY timestamp, rid`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var metadataJSON, refsJSON []byte
		var timestamp any
		var processingMS int64
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.AgentID, &msg.UserID, &msg.Role,
			&msg.Content, &timestamp, &msg.MessageType, &metadataJSON, &refsJSON,
			&processingMS, &msg.ModelUsed)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling message metadata: %w", err)
		}
		if err := json.Unmarshal(refsJSON, &msg.MemoryRefs); err != nil {
			return nil, fmt.Errorf("unmarshalling memory refs: %w", err)
		}
		if t, ok := scanTime(timestamp); ok {
			msg.Timestamp = t
		}
		msg.ProcessingTime = time.Duration(processingMS) * time.Millisecond
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListSessions returns sessions filtered by status ("" matches all).
func (s *Store) ListSessions(ctx context.Context, status string) ([]Session, error) {
	query := `SELECT session_id, token FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CountByStatus returns session counts grouped by status plus the total
// message count.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}
	defer rows.Close()

	byStatus := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, 0, fmt.Errorf("scanning status count: %w", err)
		}
		byStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var messages int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}
	return byStatus, messages, nil
}

// ListConversations implements memory.ConversationStore with per-session
// aggregates over message history.
func (s *Store) ListConversations(ctx context.Context) ([]memory.ConversationMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id,
		       COUNT(m.message_id),
		       COALESCE(SUM(LENGTH(m.content)), 0),
		       s.created_at, s.last_activity,
		       COALESCE(SUM(CASE WHEN m.message_type = 'correction' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN m.message_type = 'positive_feedback' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN m.message_type = 'negative_feedback' THEN 1 ELSE 0 END), 0)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.session_id
		GROUP BY s.session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []memory.ConversationMetrics
	for rows.Next() {
		var conv memory.ConversationMetrics
		var createdAt, lastActivity any
		err := rows.Scan(&conv.SessionID, &conv.MessageCount, &conv.TotalCharacters,
			&createdAt, &lastActivity,
			&conv.CorrectionEvents, &conv.PositiveFeedback, &conv.NegativeFeedback)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation metrics: %w", err)
		}
		created, _ := scanTime(createdAt)
		if t, ok := scanTime(lastActivity); ok {
			conv.LastActivity = t
			if !created.IsZero() {
				conv.DurationHours = t.Sub(created).Hours()
			}
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ArchiveConversation copies the session and its messages verbatim into the
// archive tables, then deletes them from hot storage.
func (s *Store) ArchiveConversation(ctx context.Context, sessionID string) (int64, error) {
	sess, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	messages, err := s.History(ctx, sessionID, 0)
	if err != nil {
		return 0, err
	}

	sessPayload, err := json.Marshal(sess)
	if err != nil {
		return 0, fmt.Errorf("marshalling session for archive: %w", err)
	}

	var freed int64
	now := time.Now().UTC()
	err = s.writeWithRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO archived_sessions (session_id, archived_at, payload) VALUES (?, ?, ?)`,
			sessionID, now, sessPayload)
		if err != nil {
			return fmt.Errorf("archiving session: %w", err)
		}
		for i := range messages {
			payload, err := json.Marshal(&messages[i])
			if err != nil {
				return fmt.Errorf("marshalling message for archive: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO archived_messages (message_id, session_id, archived_at, payload) VALUES (?, ?, ?, ?)`,
				messages[i].ID, sessionID, now, payload)
			if err != nil {
				return fmt.Errorf("archiving message: %w", err)
			}
		}
		if err := deleteConversationTx(ctx, tx, sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	for i := range messages {
		freed += int64(len(messages[i].Content))
	}
	return freed, nil
}

// ArchivedConversation returns an archived session and its messages,
// decoded from the archive payloads.
func (s *Store) ArchivedConversation(ctx context.Context, sessionID string) (*Session, []Message, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM archived_sessions WHERE session_id = ?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading archived session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, nil, fmt.Errorf("unmarshalling archived session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM archived_messages WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("reading archived messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, nil, fmt.Errorf("scanning archived message: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(p, &msg); err != nil {
			return nil, nil, fmt.Errorf("unmarshalling archived message: %w", err)
		}
		messages = append(messages, msg)
	}
	return &sess, messages, rows.Err()
}

// DeleteConversation removes the session and its messages permanently,
// implementing memory.ConversationStore.
func (s *Store) DeleteConversation(ctx context.Context, sessionID string) (int64, error) {
	var freed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(content)), 0) FROM messages WHERE session_id = ?`,
		sessionID).Scan(&freed)
	if err != nil {
		return 0, fmt.Errorf("sizing conversation: %w", err)
	}

	err = s.writeWithRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := deleteConversationTx(ctx, tx, sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return freed, nil
}

func deleteConversationTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// writeWithRetry runs fn with retries on SQLite busy/locked.
func (s *Store) writeWithRetry(ctx context.Context, fn func(context.Context) error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// scanTime scans a column that may be time.Time or string (SQLite returns datetime as string).
func scanTime(v any) (t time.Time, ok bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case time.Time:
		return val, true
	case []byte:
		parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", string(val))
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, string(val))
		}
		if err == nil {
			return parsed, true
		}
	case string:
		parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", val)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, val)
		}
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func marshalSessionColumns(sess *Session) (agentContext, metadata, turnQueue []byte, err error) {
	agentContext, err = marshalJSONMap(sess.AgentContext)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling agent context: %w", err)
	}
	metadata, err = marshalJSONMap(sess.Metadata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling session metadata: %w", err)
	}
	turnQueue, err = json.Marshal(emptyIfNil(sess.TurnQueue))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling turn queue: %w", err)
	}
	return agentContext, metadata, turnQueue, nil
}

func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
