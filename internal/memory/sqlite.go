package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sliceSchema = `
CREATE TABLE IF NOT EXISTS memory_slices (
	slice_id        TEXT PRIMARY KEY,
	persona_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	content         TEXT NOT NULL,
	memory_type     TEXT NOT NULL,
	keywords        TEXT NOT NULL DEFAULT '[]',
	embedding       TEXT NOT NULL DEFAULT '[]',
	relevance_score REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	last_accessed   DATETIME NOT NULL,
	retrieval_count INTEGER NOT NULL DEFAULT 0,
	metadata        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_slices_owner ON memory_slices(persona_id, user_id);
CREATE INDEX IF NOT EXISTS idx_slices_type ON memory_slices(memory_type);
CREATE INDEX IF NOT EXISTS idx_slices_created ON memory_slices(created_at);

CREATE TABLE IF NOT EXISTS reasoning_chains (
	chain_id            TEXT PRIMARY KEY,
	persona_id          TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	initial_query       TEXT NOT NULL,
	steps               TEXT NOT NULL DEFAULT '[]',
	final_conclusion    TEXT NOT NULL,
	confidence_score    REAL NOT NULL DEFAULT 0,
	supporting_memories TEXT NOT NULL DEFAULT '[]',
	created_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chains_owner ON reasoning_chains(persona_id, user_id);
`

// SQLiteStore persists slices in a single SQLite file. Embeddings and
// keyword sets are JSON columns; similarity is computed in Go over the
// scope-filtered candidate rows.
type SQLiteStore struct {
	db   *sql.DB
	dims int
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// dims > 0 enforces that dimension on every upserted embedding.
func NewSQLiteStore(dbPath string, dims int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.Exec(sliceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	return &SQLiteStore{db: db, dims: dims}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Upsert inserts or updates a slice, preserving created_at and
// retrieval_count on update.
func (s *SQLiteStore) Upsert(ctx context.Context, slice *Slice) error {
	if err := slice.Validate(s.dims); err != nil {
		return err
	}
	if slice.CreatedAt.IsZero() {
		slice.CreatedAt = time.Now().UTC()
	}
	if slice.LastAccessed.IsZero() {
		slice.LastAccessed = slice.CreatedAt
	}

	keywordsJSON, embeddingJSON, metadataJSON, err := marshalSliceColumns(slice)
	if err != nil {
		return err
	}

	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_slices
				(slice_id, persona_id, user_id, content, memory_type, keywords,
				 embedding, relevance_score, created_at, last_accessed, retrieval_count, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(slice_id) DO UPDATE SET
				content         = excluded.content,
				memory_type     = excluded.memory_type,
				keywords        = excluded.keywords,
				embedding       = excluded.embedding,
				relevance_score = excluded.relevance_score,
				last_accessed   = excluded.last_accessed,
				metadata        = excluded.metadata`,
			slice.SliceID, slice.PersonaID, slice.UserID, slice.Content, slice.MemoryType,
			keywordsJSON, embeddingJSON, slice.RelevanceScore,
			slice.CreatedAt, slice.LastAccessed, metadataJSON)
		if err != nil {
			return fmt.Errorf("upserting slice: %w", err)
		}
		return nil
	})
}

// Get returns the slice or ErrSliceNotFound.
func (s *SQLiteStore) Get(ctx context.Context, sliceID string) (*Slice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slice_id, persona_id, user_id, content, memory_type, keywords,
		       embedding, relevance_score, created_at, last_accessed, retrieval_count, metadata
		FROM memory_slices WHERE slice_id = ?`, sliceID)
	slice, err := scanSlice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSliceNotFound, sliceID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading slice: %w", err)
	}
	return slice, nil
}

// Delete removes the slice; missing IDs are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, sliceID string) error {
	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_slices WHERE slice_id = ?`, sliceID); err != nil {
			return fmt.Errorf("deleting slice: %w", err)
		}
		return nil
	})
}

// SemanticSearch ranks scope candidates by cosine similarity in Go.
func (s *SQLiteStore) SemanticSearch(ctx context.Context, query []float32, scope OwnerScope, types []string, limit int, minSimilarity float64) ([]SearchResult, error) {
	candidates, err := s.loadCandidates(ctx, scope, types)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, c := range candidates {
		sim := CosineSimilarity(query, c.Embedding)
		if sim < minSimilarity {
			continue
		}
		results = append(results, SearchResult{Slice: c, Score: sim})
	}
	return rankResults(results, limit), nil
}

// HybridSearch ranks by kwWeight*keywordFraction + semWeight*cosine.
func (s *SQLiteStore) HybridSearch(ctx context.Context, query []float32, keywords []string, scope OwnerScope, types []string, limit int, kwWeight, semWeight float64) ([]SearchResult, error) {
	candidates, err := s.loadCandidates(ctx, scope, types)
	if err != nil {
		return nil, err
	}
	queryKeywords := canonicalKeywords(keywords)

	var results []SearchResult
	for _, c := range candidates {
		combined := kwWeight*KeywordFraction(queryKeywords, c.Keywords) +
			semWeight*CosineSimilarity(query, c.Embedding)
		results = append(results, SearchResult{Slice: c, Score: combined})
	}
	return rankResults(results, limit), nil
}

// TouchRetrieved bumps retrieval_count and last_accessed for each ID.
func (s *SQLiteStore) TouchRetrieved(ctx context.Context, sliceIDs []string) error {
	if len(sliceIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(sliceIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(sliceIDs)+1)
	args = append(args, time.Now().UTC())
	for _, id := range sliceIDs {
		args = append(args, id)
	}

	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE memory_slices
			 SET retrieval_count = retrieval_count + 1, last_accessed = ?
			 WHERE slice_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("touching retrieved slices: %w", err)
		}
		return nil
	})
}

// Statistics aggregates the scope per memory type.
func (s *SQLiteStore) Statistics(ctx context.Context, scope OwnerScope) (*Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_type, COUNT(*), AVG(relevance_score), AVG(retrieval_count)
		FROM memory_slices WHERE persona_id = ? AND user_id = ?
		GROUP BY memory_type`, scope.PersonaID, scope.UserID)
	if err != nil {
		return nil, fmt.Errorf("querying memory statistics: %w", err)
	}
	defer rows.Close()

	stats := &Statistics{ByType: make(map[string]TypeStats)}
	for rows.Next() {
		var memType string
		var ts TypeStats
		if err := rows.Scan(&memType, &ts.Count, &ts.AvgRelevance, &ts.AvgRetrievalCount); err != nil {
			return nil, fmt.Errorf("scanning statistics row: %w", err)
		}
		stats.ByType[memType] = ts
		stats.TotalSlices += ts.Count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reasoning_chains WHERE persona_id = ? AND user_id = ?`,
		scope.PersonaID, scope.UserID).Scan(&stats.ChainCount)
	if err != nil {
		return nil, fmt.Errorf("counting reasoning chains: %w", err)
	}
	return stats, nil
}

// UpsertChain stores or replaces a reasoning chain.
func (s *SQLiteStore) UpsertChain(ctx context.Context, c *ReasoningChain) error {
	if c.ChainID == "" {
		return fmt.Errorf("%w: chain_id is required", ErrValidation)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	stepsJSON, err := json.Marshal(c.Steps)
	if err != nil {
		return fmt.Errorf("marshalling chain steps: %w", err)
	}
	supportJSON, err := json.Marshal(c.SupportingMemories)
	if err != nil {
		return fmt.Errorf("marshalling supporting memories: %w", err)
	}

	return s.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reasoning_chains
				(chain_id, persona_id, user_id, initial_query, steps,
				 final_conclusion, confidence_score, supporting_memories, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chain_id) DO UPDATE SET
				initial_query       = excluded.initial_query,
				steps               = excluded.steps,
				final_conclusion    = excluded.final_conclusion,
				confidence_score    = excluded.confidence_score,
				supporting_memories = excluded.supporting_memories`,
			c.ChainID, c.PersonaID, c.UserID, c.InitialQuery, stepsJSON,
			c.FinalConclusion, c.ConfidenceScore, supportJSON, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("upserting reasoning chain: %w", err)
		}
		return nil
	})
}

// GetChain returns the chain or ErrChainNotFound.
func (s *SQLiteStore) GetChain(ctx context.Context, chainID string) (*ReasoningChain, error) {
	var c ReasoningChain
	var stepsJSON, supportJSON []byte
	var createdAt any
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_id, persona_id, user_id, initial_query, steps,
		       final_conclusion, confidence_score, supporting_memories, created_at
		FROM reasoning_chains WHERE chain_id = ?`, chainID).Scan(
		&c.ChainID, &c.PersonaID, &c.UserID, &c.InitialQuery, &stepsJSON,
		&c.FinalConclusion, &c.ConfidenceScore, &supportJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading reasoning chain: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &c.Steps); err != nil {
		return nil, fmt.Errorf("unmarshalling chain steps: %w", err)
	}
	if err := json.Unmarshal(supportJSON, &c.SupportingMemories); err != nil {
		return nil, fmt.Errorf("unmarshalling supporting memories: %w", err)
	}
	if t, ok := scanTime(createdAt); ok {
		c.CreatedAt = t
	}
	return &c, nil
}

func (s *SQLiteStore) loadCandidates(ctx context.Context, scope OwnerScope, types []string) ([]Slice, error) {
	query := `
		SELECT slice_id, persona_id, user_id, content, memory_type, keywords,
		       embedding, relevance_score, created_at, last_accessed, retrieval_count, metadata
		FROM memory_slices WHERE persona_id = ? AND user_id = ?`
	args := []any{scope.PersonaID, scope.UserID}
	if len(types) > 0 {
		query += ` AND memory_type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying slice candidates: %w", err)
	}
	defer rows.Close()

	var slices []Slice
	for rows.Next() {
		slice, err := scanSlice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slice: %w", err)
		}
		slices = append(slices, *slice)
	}
	return slices, rows.Err()
}

// writeWithRetry runs fn with retries on SQLite busy/locked.
func (s *SQLiteStore) writeWithRetry(ctx context.Context, fn func(context.Context) error) error {
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

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlice(row rowScanner) (*Slice, error) {
	var s Slice
	var keywordsJSON, embeddingJSON, metadataJSON []byte
	var createdAt, lastAccessed any
	err := row.Scan(&s.SliceID, &s.PersonaID, &s.UserID, &s.Content, &s.MemoryType,
		&keywordsJSON, &embeddingJSON, &s.RelevanceScore,
		&createdAt, &lastAccessed, &s.RetrievalCount, &metadataJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywordsJSON, &s.Keywords); err != nil {
		return nil, fmt.Errorf("unmarshalling keywords: %w", err)
	}
	if err := json.Unmarshal(embeddingJSON, &s.Embedding); err != nil {
		return nil, fmt.Errorf("unmarshalling embedding: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	if t, ok := scanTime(createdAt); ok {
		s.CreatedAt = t
	}
	if t, ok := scanTime(lastAccessed); ok {
		s.LastAccessed = t
	}
	return &s, nil
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

func marshalSliceColumns(s *Slice) (keywords, embedding, metadata []byte, err error) {
	s.Keywords = canonicalKeywords(s.Keywords)
	keywords, err = json.Marshal(s.Keywords)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling keywords: %w", err)
	}
	embedding, err = json.Marshal(s.Embedding)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling embedding: %w", err)
	}
	if s.Metadata == nil {
		metadata = []byte("{}")
	} else if metadata, err = json.Marshal(s.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("marshalling metadata: %w", err)
	}
	return keywords, embedding, metadata, nil
}

// canonicalKeywords lowercases, trims and dedups while keeping first-seen order.
func canonicalKeywords(keywords []string) []string {
	if len(keywords) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// rankResults sorts by score descending, created_at descending on ties,
// then truncates to limit (limit <= 0 means the default of 10).
func rankResults(results []SearchResult, limit int) []SearchResult {
	if limit <= 0 {
		limit = 10
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Slice.CreatedAt.After(results[j].Slice.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results
}
