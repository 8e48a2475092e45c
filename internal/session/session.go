// Package session manages conversational sessions: token-based lookup,
// expiry, message history, multi-agent turn-taking, and context handoff
// between agents.
package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for unknown or expired tokens.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when writing to an expired or
	// terminated session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotTurnHolder is returned when an agent releases a turn it
	// does not hold.
	ErrNotTurnHolder = errors.New("agent does not hold the turn")
	// ErrValidation is returned for malformed session input.
	ErrValidation = errors.New("session validation failed")
)

// Session lifecycle states.
const (
	StatusActive     = "active"
	StatusIdle       = "idle"
	StatusExpired    = "expired"
	StatusTerminated = "terminated"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleAgent     = "agent"
)

// ValidRole reports whether r is a known message role.
func ValidRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleAgent:
		return true
	}
	return false
}

// Session is one conversational session. Token is the opaque credential
// callers present; ID is the stable internal identifier. CurrentTurn and
// TurnQueue implement round-robin turn-taking across agents.
type Session struct {
	ID                string         `json:"session_id"`
	UserID            string         `json:"user_id"`
	Token             string         `json:"token"`
	Status            string         `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActivity      time.Time      `json:"last_activity"`
	ExpiresAt         time.Time      `json:"expires_at"`
	AgentContext      map[string]any `json:"agent_context,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ConversationCount int            `json:"conversation_count"`
	CurrentTurn       string         `json:"current_turn,omitempty"`
	TurnQueue         []string       `json:"turn_queue,omitempty"`
}

// Closed reports whether the session no longer accepts writes.
func (s *Session) Closed() bool {
	return s.Status == StatusExpired || s.Status == StatusTerminated
}

// Message is one entry in a session's conversation history. MemoryRefs
// lists the memory slice IDs that informed an assistant reply.
type Message struct {
	ID             string         `json:"message_id"`
	SessionID      string         `json:"session_id"`
	AgentID        string         `json:"agent_id"`
	UserID         string         `json:"user_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	MessageType    string         `json:"message_type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	MemoryRefs     []string       `json:"memory_refs,omitempty"`
	ProcessingTime time.Duration  `json:"processing_time,omitempty"`
	ModelUsed      string         `json:"model_used,omitempty"`
}

// MessageOpts carries the optional fields of AddMessage.
type MessageOpts struct {
	MessageType    string
	Metadata       map[string]any
	MemoryRefs     []string
	ProcessingTime time.Duration
	ModelUsed      string
}

// Stats summarizes the manager's current session population.
type Stats struct {
	ActiveSessions int            `json:"active_sessions"`
	TotalMessages  int64          `json:"total_messages"`
	ByStatus       map[string]int `json:"by_status"`
}
