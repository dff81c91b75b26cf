package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func ddl(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id          BIGSERIAL    PRIMARY KEY,
    avatar_id   TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    frequency   INTEGER      NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_avatar_id
    ON memories (avatar_id);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Store keeps avatar memories in PostgreSQL with pgvector. All methods are
// safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
	opts     Options
}

// NewStore connects to dsn, registers pgvector types on every connection
// and creates the schema if needed. dimensions must match the embedder.
func NewStore(ctx context.Context, dsn string, dimensions int, embedder Embedder, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl(dimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder, opts: opts}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Add embeds text and stores it for avatarID.
func (s *Store) Add(ctx context.Context, avatarID, text string) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("memory store: embed: %w", err)
	}
	const q = `INSERT INTO memories (avatar_id, content, embedding) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, avatarID, text, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("memory store: add: %w", err)
	}
	return nil
}

// Search returns up to TopK memories of avatarID whose cosine similarity to
// embedding reaches the threshold, most similar first.
func (s *Store) Search(ctx context.Context, avatarID string, embedding []float32) ([]string, error) {
	const q = `
		SELECT content, embedding <=> $1 AS distance
		FROM   memories
		WHERE  avatar_id = $2
		ORDER  BY distance
		LIMIT  $3`

	limit := s.opts.TopK
	if limit <= 0 {
		limit = DefaultOptions().TopK
	}
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), avatarID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: search: %w", err)
	}

	type hit struct {
		content  string
		distance float64
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (hit, error) {
		var h hit
		err := row.Scan(&h.content, &h.distance)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		// cosine distance is 1 - similarity
		if 1-h.distance >= s.opts.Threshold {
			out = append(out, h.content)
		}
	}
	return out, nil
}

// ForAvatar returns a retriever scoped to one avatar's memories.
func (s *Store) ForAvatar(avatarID string) *Retriever {
	return &Retriever{store: s, avatarID: avatarID}
}

// Retriever searches one avatar's memories in a Store.
type Retriever struct {
	store    *Store
	avatarID string
}

func (r *Retriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	vec, err := r.store.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory store: embed query: %w", err)
	}
	return r.store.Search(ctx, r.avatarID, vec)
}
