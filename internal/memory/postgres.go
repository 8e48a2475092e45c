package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists slices in Postgres with pgvector. Similarity and
// the hybrid blend are computed in SQL so ranking happens server-side;
// the formulas match SQLiteStore exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgresStore connects to connURL and ensures the schema exists.
// Requires the pgvector extension to be installable by the connecting role.
func NewPostgresStore(ctx context.Context, connURL string, dims int) (*PostgresStore, error) {
	if dims <= 0 {
		dims = 384
	}
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, dims: dims}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_slices (
			slice_id        TEXT PRIMARY KEY,
			persona_id      TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			content         TEXT NOT NULL,
			memory_type     TEXT NOT NULL,
			keywords        JSONB NOT NULL DEFAULT '[]',
			embedding       vector(%d) NOT NULL,
			relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,
			last_accessed   TIMESTAMPTZ NOT NULL,
			retrieval_count BIGINT NOT NULL DEFAULT 0,
			metadata        JSONB NOT NULL DEFAULT '{}'
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_slices_owner ON memory_slices(persona_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_slices_type ON memory_slices(memory_type)`,
		`CREATE TABLE IF NOT EXISTS reasoning_chains (
			chain_id            TEXT PRIMARY KEY,
			persona_id          TEXT NOT NULL,
			user_id             TEXT NOT NULL,
			initial_query       TEXT NOT NULL,
			steps               JSONB NOT NULL DEFAULT '[]',
			final_conclusion    TEXT NOT NULL,
			confidence_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
			supporting_memories JSONB NOT NULL DEFAULT '[]',
			created_at          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chains_owner ON reasoning_chains(persona_id, user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating postgres schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Upsert inserts or updates a slice, preserving created_at and
// retrieval_count on update.
func (s *PostgresStore) Upsert(ctx context.Context, slice *Slice) error {
	if err := slice.Validate(s.dims); err != nil {
		return err
	}
	if slice.CreatedAt.IsZero() {
		slice.CreatedAt = time.Now().UTC()
	}
	if slice.LastAccessed.IsZero() {
		slice.LastAccessed = slice.CreatedAt
	}
	keywordsJSON, _, metadataJSON, err := marshalSliceColumns(slice)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_slices
			(slice_id, persona_id, user_id, content, memory_type, keywords,
			 embedding, relevance_score, created_at, last_accessed, retrieval_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8, $9, $10, 0, $11)
		ON CONFLICT (slice_id) DO UPDATE SET
			content         = EXCLUDED.content,
			memory_type     = EXCLUDED.memory_type,
			keywords        = EXCLUDED.keywords,
			embedding       = EXCLUDED.embedding,
			relevance_score = EXCLUDED.relevance_score,
			last_accessed   = EXCLUDED.last_accessed,
			metadata        = EXCLUDED.metadata`,
		slice.SliceID, slice.PersonaID, slice.UserID, slice.Content, slice.MemoryType,
		keywordsJSON, vectorLiteral(slice.Embedding), slice.RelevanceScore,
		slice.CreatedAt, slice.LastAccessed, metadataJSON)
	if err != nil {
		return fmt.Errorf("upserting slice: %w", err)
	}
	return nil
}

// Get returns the slice or ErrSliceNotFound.
func (s *PostgresStore) Get(ctx context.Context, sliceID string) (*Slice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT slice_id, persona_id, user_id, content, memory_type, keywords,
		       embedding::text, relevance_score, created_at, last_accessed, retrieval_count, metadata
		FROM memory_slices WHERE slice_id = $1`, sliceID)
	slice, err := scanPGSlice(row, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSliceNotFound, sliceID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading slice: %w", err)
	}
	return slice, nil
}

// Delete removes the slice; missing IDs are a no-op.
func (s *PostgresStore) Delete(ctx context.Context, sliceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memory_slices WHERE slice_id = $1`, sliceID); err != nil {
		return fmt.Errorf("deleting slice: %w", err)
	}
	return nil
}

// SemanticSearch ranks server-side with pgvector's cosine distance.
func (s *PostgresStore) SemanticSearch(ctx context.Context, query []float32, scope OwnerScope, types []string, limit int, minSimilarity float64) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	sql := `
		SELECT slice_id, persona_id, user_id, content, memory_type, keywords,
		       embedding::text, relevance_score, created_at, last_accessed, retrieval_count, metadata,
		       1 - (embedding <=> $1::vector) AS score
		FROM memory_slices
		WHERE persona_id = $2 AND user_id = $3
		  AND 1 - (embedding <=> $1::vector) >= $4`
	args := []any{vectorLiteral(query), scope.PersonaID, scope.UserID, minSimilarity}
	if len(types) > 0 {
		sql += ` AND memory_type = ANY($5) ORDER BY score DESC, created_at DESC LIMIT $6`
		args = append(args, types, limit)
	} else {
		sql += ` ORDER BY score DESC, created_at DESC LIMIT $5`
		args = append(args, limit)
	}
	return s.queryResults(ctx, sql, args...)
}

// HybridSearch blends keyword fraction and cosine similarity in SQL.
func (s *PostgresStore) HybridSearch(ctx context.Context, query []float32, keywords []string, scope OwnerScope, types []string, limit int, kwWeight, semWeight float64) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	queryKeywords := canonicalKeywords(keywords)
	sql := `
		SELECT slice_id, persona_id, user_id, content, memory_type, keywords,
		       embedding::text, relevance_score, created_at, last_accessed, retrieval_count, metadata,
		       $5 * (CASE WHEN cardinality($4::text[]) = 0 THEN 0 ELSE
		               (SELECT COUNT(*)::float FROM jsonb_array_elements_text(keywords) k
		                WHERE k = ANY($4::text[])) / cardinality($4::text[]) END)
		       + $6 * (1 - (embedding <=> $1::vector)) AS score
		FROM memory_slices
		WHERE persona_id = $2 AND user_id = $3`
	args := []any{vectorLiteral(query), scope.PersonaID, scope.UserID, queryKeywords, kwWeight, semWeight}
	if len(types) > 0 {
		sql += ` AND memory_type = ANY($7) ORDER BY score DESC, created_at DESC LIMIT $8`
		args = append(args, types, limit)
	} else {
		sql += ` ORDER BY score DESC, created_at DESC LIMIT $7`
		args = append(args, limit)
	}
	return s.queryResults(ctx, sql, args...)
}

// TouchRetrieved bumps retrieval_count and last_accessed for each ID.
func (s *PostgresStore) TouchRetrieved(ctx context.Context, sliceIDs []string) error {
	if len(sliceIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE memory_slices
		SET retrieval_count = retrieval_count + 1, last_accessed = $1
		WHERE slice_id = ANY($2)`, time.Now().UTC(), sliceIDs)
	if err != nil {
		return fmt.Errorf("touching retrieved slices: %w", err)
	}
	return nil
}

// Statistics aggregates the scope per memory type.
func (s *PostgresStore) Statistics(ctx context.Context, scope OwnerScope) (*Statistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT memory_type, COUNT(*), AVG(relevance_score), AVG(retrieval_count)
		FROM memory_slices WHERE persona_id = $1 AND user_id = $2
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

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reasoning_chains WHERE persona_id = $1 AND user_id = $2`,
		scope.PersonaID, scope.UserID).Scan(&stats.ChainCount)
	if err != nil {
		return nil, fmt.Errorf("counting reasoning chains: %w", err)
	}
	return stats, nil
}

// UpsertChain stores or replaces a reasoning chain.
func (s *PostgresStore) UpsertChain(ctx context.Context, c *ReasoningChain) error {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reasoning_chains
			(chain_id, persona_id, user_id, initial_query, steps,
			 final_conclusion, confidence_score, supporting_memories, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain_id) DO UPDATE SET
			initial_query       = EXCLUDED.initial_query,
			steps               = EXCLUDED.steps,
			final_conclusion    = EXCLUDED.final_conclusion,
			confidence_score    = EXCLUDED.confidence_score,
			supporting_memories = EXCLUDED.supporting_memories`,
		c.ChainID, c.PersonaID, c.UserID, c.InitialQuery, stepsJSON,
		c.FinalConclusion, c.ConfidenceScore, supportJSON, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting reasoning chain: %w", err)
	}
	return nil
}

// GetChain returns the chain or ErrChainNotFound.
func (s *PostgresStore) GetChain(ctx context.Context, chainID string) (*ReasoningChain, error) {
	var c ReasoningChain
	var stepsJSON, supportJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT chain_id, persona_id, user_id, initial_query, steps,
		       final_conclusion, confidence_score, supporting_memories, created_at
		FROM reasoning_chains WHERE chain_id = $1`, chainID).Scan(
		&c.ChainID, &c.PersonaID, &c.UserID, &c.InitialQuery, &stepsJSON,
		&c.FinalConclusion, &c.ConfidenceScore, &supportJSON, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	return &c, nil
}

func (s *PostgresStore) queryResults(ctx context.Context, sql string, args ...any) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying slices: %w", err)
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		var score float64
		slice, err := scanPGSlice(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("scanning slice: %w", err)
		}
		results = append(results, SearchResult{Slice: *slice, Score: score})
	}
	return results, rows.Err()
}

type pgRow interface {
	Scan(dest ...any) error
}

// scanPGSlice scans a slice row; score != nil expects a trailing score column.
func scanPGSlice(row pgRow, score *float64) (*Slice, error) {
	var s Slice
	var keywordsJSON, metadataJSON []byte
	var embeddingText string
	dest := []any{&s.SliceID, &s.PersonaID, &s.UserID, &s.Content, &s.MemoryType,
		&keywordsJSON, &embeddingText, &s.RelevanceScore,
		&s.CreatedAt, &s.LastAccessed, &s.RetrievalCount, &metadataJSON}
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywordsJSON, &s.Keywords); err != nil {
		return nil, fmt.Errorf("unmarshalling keywords: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	vec, err := parseVectorLiteral(embeddingText)
	if err != nil {
		return nil, err
	}
	s.Embedding = vec
	return &s, nil
}

// vectorLiteral renders a pgvector text literal: [0.1,0.2,...].
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVectorLiteral(text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '[' || text[len(text)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", text)
	}
	inner := text[1 : len(text)-1]
	if inner == "" {
		return []float32{}, nil
	}
	parts := strings.Split(inner, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing vector component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
