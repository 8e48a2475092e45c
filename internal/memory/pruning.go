package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ConversationMetrics describes one conversation's footprint and engagement,
// the input to importance scoring.
type ConversationMetrics struct {
	SessionID        string    `json:"session_id"`
	MessageCount     int       `json:"message_count"`
	TotalCharacters  int       `json:"total_characters"`
	DurationHours    float64   `json:"duration_hours"`
	LastActivity     time.Time `json:"last_activity"`
	CorrectionEvents int       `json:"correction_events"`
	PositiveFeedback int       `json:"positive_feedback"`
	NegativeFeedback int       `json:"negative_feedback"`
	ImportanceScore  float64   `json:"importance_score"`
}

// ConversationStore is the pruner's view of conversation storage. The
// session layer implements it; tests substitute a fake.
type ConversationStore interface {
	// ListConversations returns metrics for every stored conversation.
	ListConversations(ctx context.Context) ([]ConversationMetrics, error)
	// ArchiveConversation copies the conversation to archive storage and
	// removes it from hot storage. Archived content must survive verbatim.
	ArchiveConversation(ctx context.Context, sessionID string) (bytesFreed int64, err error)
	// DeleteConversation removes the conversation permanently.
	DeleteConversation(ctx context.Context, sessionID string) (bytesFreed int64, err error)
}

// Policy bounds what a pruning run may remove.
type Policy struct {
	Name             string        `json:"name"`
	MaxAge           time.Duration `json:"max_age"`
	MaxConversations int           `json:"max_conversations"`
	PruneThreshold   float64       `json:"prune_threshold"`
	ArchiveThreshold float64       `json:"archive_threshold"`
}

var policies = map[string]Policy{
	"aggressive":   {Name: "aggressive", MaxAge: 7 * 24 * time.Hour, MaxConversations: 50, PruneThreshold: 0.3, ArchiveThreshold: 0.7},
	"moderate":     {Name: "moderate", MaxAge: 30 * 24 * time.Hour, MaxConversations: 200, PruneThreshold: 0.2, ArchiveThreshold: 0.6},
	"conservative": {Name: "conservative", MaxAge: 90 * 24 * time.Hour, MaxConversations: 500, PruneThreshold: 0.1, ArchiveThreshold: 0.5},
}

// PolicyByName returns a preset policy.
func PolicyByName(name string) (Policy, error) {
	p, ok := policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: unknown retention policy %q", ErrValidation, name)
	}
	return p, nil
}

// maxPrunePerRun caps deletions in a single run to bound its impact.
const maxPrunePerRun = 50

// Report summarizes one pruning run. Analyzed always equals
// Pruned + Archived + conversations left untouched.
type Report struct {
	OperationID string        `json:"operation_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Analyzed    int           `json:"conversations_analyzed"`
	Pruned      int           `json:"conversations_pruned"`
	Archived    int           `json:"conversations_archived"`
	BytesFreed  int64         `json:"bytes_freed"`
	Policy      string        `json:"retention_policy"`
	Duration    time.Duration `json:"pruning_duration"`
	DryRun      bool          `json:"dry_run"`
	Errors      []string      `json:"errors,omitempty"`
}

// Pruner applies retention policies to conversation storage.
type Pruner struct {
	store ConversationStore
	now   func() time.Time
}

// NewPruner wires a pruner over conversation storage.
func NewPruner(store ConversationStore) *Pruner {
	return &Pruner{store: store, now: time.Now}
}

// ImportanceScore rates a conversation in [0,1] from capped factors:
// volume, duration, engagement, feedback ratio and recency.
func ImportanceScore(conv ConversationMetrics, now time.Time) float64 {
	score := math.Min(0.3, float64(conv.MessageCount)/50)
	score += math.Min(0.2, float64(conv.TotalCharacters)/5000)
	score += math.Min(0.1, conv.DurationHours/10)

	engagement := math.Min(1, float64(conv.MessageCount)/20)
	score += engagement * 0.2

	if total := conv.PositiveFeedback + conv.NegativeFeedback; total > 0 {
		score += float64(conv.PositiveFeedback) / float64(total) * 0.2
	}

	if !conv.LastActivity.IsZero() {
		daysAgo := now.Sub(conv.LastActivity).Hours() / 24
		recency := (30 - daysAgo) / 30 * 0.1
		score += math.Max(0, math.Min(0.1, recency))
	}

	return math.Min(1, score)
}

// Prune evaluates every conversation against the named policy and deletes
// or archives accordingly. dryRun computes the full report without touching
// storage. Per-conversation failures are recorded and the run continues.
func (p *Pruner) Prune(ctx context.Context, policyName string, dryRun bool) (*Report, error) {
	policy, err := PolicyByName(policyName)
	if err != nil {
		return nil, err
	}
	start := p.now()
	report := &Report{
		OperationID: fmt.Sprintf("prune_%s", start.Format("20060102_150405")),
		Timestamp:   start,
		Policy:      policy.Name,
		DryRun:      dryRun,
	}

	log.Info().
		Str("operation_id", report.OperationID).
		Str("policy", policy.Name).
		Bool("dry_run", dryRun).
		Msg("pruning_started")

	conversations, err := p.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("analyzing conversations: %w", err)
	}
	report.Analyzed = len(conversations)

	for i := range conversations {
		conversations[i].ImportanceScore = ImportanceScore(conversations[i], start)
	}
	toPrune, toArchive := selectForPruning(conversations, policy, start)

	if !dryRun {
		for _, conv := range toArchive {
			freed, err := p.store.ArchiveConversation(ctx, conv.SessionID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("archive failed for %s: %v", conv.SessionID, err))
				continue
			}
			report.Archived++
			report.BytesFreed += freed
			archivedTotal.Add(ctx, 1)
		}
		for _, conv := range toPrune {
			freed, err := p.store.DeleteConversation(ctx, conv.SessionID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("prune failed for %s: %v", conv.SessionID, err))
				continue
			}
			report.Pruned++
			report.BytesFreed += freed
			prunedTotal.Add(ctx, 1)
		}
	} else {
		report.Pruned = len(toPrune)
		report.Archived = len(toArchive)
	}

	report.Duration = p.now().Sub(start)
	log.Info().
		Str("operation_id", report.OperationID).
		Int("analyzed", report.Analyzed).
		Int("pruned", report.Pruned).
		Int("archived", report.Archived).
		Int64("bytes_freed", report.BytesFreed).
		Int("errors", len(report.Errors)).
		Msg("pruning_completed")
	return report, nil
}

// selectForPruning splits conversations into delete and archive sets.
// Low importance and old deletes; high importance and old archives; when
// the store holds more than the policy cap, low-importance conversations
// delete regardless of age. Deletions are capped per run.
func selectForPruning(conversations []ConversationMetrics, policy Policy, now time.Time) (toPrune, toArchive []ConversationMetrics) {
	cutoff := now.Add(-policy.MaxAge)
	overLimit := len(conversations) > policy.MaxConversations

	for _, conv := range conversations {
		old := conv.LastActivity.IsZero() || conv.LastActivity.Before(cutoff)
		switch {
		case conv.ImportanceScore < policy.PruneThreshold && old:
			toPrune = append(toPrune, conv)
		case conv.ImportanceScore >= policy.ArchiveThreshold && old:
			toArchive = append(toArchive, conv)
		case overLimit && conv.ImportanceScore < policy.PruneThreshold:
			toPrune = append(toPrune, conv)
		}
	}
	if len(toPrune) > maxPrunePerRun {
		toPrune = toPrune[:maxPrunePerRun]
	}
	return toPrune, toArchive
}
