// Package postgres provides a PostgreSQL-backed [memory.Store].
//
// Transcript lines live in a single transcript_entries table. When an
// embeddings provider is supplied, each line is embedded on write and
// recall runs an approximate nearest-neighbour search over a pgvector
// HNSW index; without one, recall falls back to full-text search. Both
// paths re-rank with fuzzy string matching before returning.
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxgate/voxgate/pkg/embeddings"
	"github.com/voxgate/voxgate/pkg/memory"
)

// Ensure Store implements the memory.Store interface.
var _ memory.Store = (*Store)(nil)

// overfetchFactor controls how many candidates the database returns per
// recalled result, leaving the fuzzy re-ranking something to work with.
const overfetchFactor = 4

// Store is a PostgreSQL-backed transcript log with semantic recall.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	emb  embeddings.Provider
	dims int
}

// NewStore connects to the database at dsn, runs [Migrate], and returns a
// ready store. emb may be nil, in which case lines are stored without
// vectors and recall uses full-text search only.
func NewStore(ctx context.Context, dsn string, emb embeddings.Provider, dims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if dims <= 0 && emb != nil {
		dims = emb.Dimensions()
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, emb: emb, dims: dims}, nil
}

// ddlTranscripts returns the schema DDL with the embedding dimension baked
// into the vector column type.
func ddlTranscripts(dims int) string {
	if dims <= 0 {
		dims = 1536
	}
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    context_id  TEXT         NOT NULL,
    ai_name     TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    embedding   vector(%d),
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_context
    ON transcript_entries (context_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcript_entries USING GIN (to_tsvector('english', text));

CREATE INDEX IF NOT EXISTS idx_transcripts_embedding
    ON transcript_entries USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// Migrate creates or ensures the schema. It is idempotent and safe to call
// on every application start. Changing the embedding dimension after the
// first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	if _, err := pool.Exec(ctx, ddlTranscripts(dims)); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Record implements [memory.Store]. An embedding failure is not fatal; the
// line is stored without a vector and remains reachable via full text.
func (s *Store) Record(ctx context.Context, contextID, aiName, role, text string) error {
	var vec any
	if s.emb != nil {
		if v, err := s.emb.Embed(ctx, text); err == nil {
			vec = pgvector.NewVector(v)
		}
	}

	const q = `
		INSERT INTO transcript_entries (context_id, ai_name, role, text, embedding)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, contextID, aiName, role, text, vec); err != nil {
		return fmt.Errorf("postgres: record: %w", err)
	}
	return nil
}

// Recall implements [memory.Store].
func (s *Store) Recall(ctx context.Context, contextID, query string, limit int) ([]memory.RecallResult, error) {
	if limit <= 0 {
		limit = 5
	}
	if strings.TrimSpace(query) == "" {
		return []memory.RecallResult{}, nil
	}

	if s.emb != nil {
		if v, err := s.emb.Embed(ctx, query); err == nil {
			return s.recallByVector(ctx, contextID, query, v, limit)
		}
	}
	return s.recallByText(ctx, contextID, query, limit)
}

func (s *Store) recallByVector(ctx context.Context, contextID, query string, embedding []float32, limit int) ([]memory.RecallResult, error) {
	const q = `
		SELECT context_id, ai_name, role, text, timestamp,
		       embedding <=> $1 AS distance
		FROM   transcript_entries
		WHERE  context_id = $2
		  AND  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), contextID, limit*overfetchFactor)
	if err != nil {
		return nil, fmt.Errorf("postgres: recall by vector: %w", err)
	}

	var (
		entries   []memory.TranscriptEntry
		distances []float64
	)
	type scanned struct {
		entry    memory.TranscriptEntry
		distance float64
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scanned, error) {
		var sc scanned
		err := row.Scan(
			&sc.entry.ContextID,
			&sc.entry.AIName,
			&sc.entry.Role,
			&sc.entry.Text,
			&sc.entry.Timestamp,
			&sc.distance,
		)
		return sc, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: recall scan: %w", err)
	}
	for _, sc := range all {
		entries = append(entries, sc.entry)
		distances = append(distances, sc.distance)
	}

	results := memory.RankByDistance(query, entries, distances)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) recallByText(ctx context.Context, contextID, query string, limit int) ([]memory.RecallResult, error) {
	const q = `
		SELECT context_id, ai_name, role, text, timestamp
		FROM   transcript_entries
		WHERE  context_id = $1
		  AND  to_tsvector('english', text) @@ plainto_tsquery('english', $2)
		ORDER  BY timestamp DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, contextID, query, limit*overfetchFactor)
	if err != nil {
		return nil, fmt.Errorf("postgres: recall by text: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	results := memory.RankFuzzy(query, entries)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Recent implements [memory.Store].
func (s *Store) Recent(ctx context.Context, contextID string, d time.Duration) ([]memory.TranscriptEntry, error) {
	const q = `
		SELECT context_id, ai_name, role, text, timestamp
		FROM   transcript_entries
		WHERE  context_id = $1
		  AND  timestamp  >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, contextID, d.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("postgres: recent: %w", err)
	}
	return collectEntries(rows)
}

// Close implements [memory.Store].
func (s *Store) Close() {
	s.pool.Close()
}

// collectEntries scans pgx rows into a slice of TranscriptEntry values.
func collectEntries(rows pgx.Rows) ([]memory.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TranscriptEntry, error) {
		var e memory.TranscriptEntry
		err := row.Scan(&e.ContextID, &e.AIName, &e.Role, &e.Text, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	return entries, nil
}
