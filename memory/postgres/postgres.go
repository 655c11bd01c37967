// Package postgres implements oasis.MemoryStore (the Vector Memory Service,
// C1) using PostgreSQL with pgvector for native cosine similarity search.
//
// The store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/oasis"
)

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = take EmbeddingProvider.Dimensions()
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
	logger             *slog.Logger
}

// Option configures a MemoryStore.
type Option func(*pgConfig)

// WithEmbeddingDimension overrides the vector column dimension. When unset,
// the store uses embed.Dimensions().
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(c *pgConfig) { c.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// MemoryStore implements oasis.MemoryStore backed by PostgreSQL with
// pgvector. Vector search uses an HNSW index with cosine distance.
type MemoryStore struct {
	pool  *pgxpool.Pool
	embed oasis.EmbeddingProvider
	cfg   pgConfig
}

var _ oasis.MemoryStore = (*MemoryStore)(nil)

// New creates a MemoryStore using an existing pgxpool.Pool and the
// EmbeddingProvider used to compute vectors on Store/Search.
func New(pool *pgxpool.Pool, embed oasis.EmbeddingProvider, opts ...Option) *MemoryStore {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &MemoryStore{pool: pool, embed: embed, cfg: cfg}
}

func (s *MemoryStore) dimension() int {
	if s.cfg.embeddingDimension > 0 {
		return s.cfg.embeddingDimension
	}
	return s.embed.Dimensions()
}

func (s *MemoryStore) vectorType() string {
	return fmt.Sprintf("vector(%d)", s.dimension())
}

func (s *MemoryStore) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, memory_records table, and HNSW
// index. Safe to call multiple times (all statements are idempotent).
func (s *MemoryStore) Init(ctx context.Context) error {
	start := time.Now()
	s.cfg.logger.Debug("postgres: memory init started")
	if s.dimension() <= 0 {
		return &oasis.ConfigError{Field: "embedding_dimension", Message: "must be positive"}
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding %s NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`, s.vectorType()),
		`CREATE INDEX IF NOT EXISTS memory_records_agent_idx ON memory_records (agent_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memory_records_embedding_idx ON memory_records USING hnsw (embedding vector_cosine_ops)%s`, s.hnswWithClause()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.cfg.logger.Error("postgres: memory init failed", "error", err, "duration", time.Since(start))
			return fmt.Errorf("postgres: memory init: %w", err)
		}
	}
	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}
	s.cfg.logger.Info("postgres: memory init completed", "duration", time.Since(start))
	return nil
}

// Store embeds content, persists a MemoryRecord scoped to agentID, and
// returns its id.
func (s *MemoryStore) Store(ctx context.Context, agentID, content string, metadata map[string]string) (string, error) {
	start := time.Now()
	s.cfg.logger.Debug("postgres: store", "agent_id", agentID)
	if agentID == "" {
		return "", &oasis.ConfigError{Field: "agent_id", Message: "must not be empty"}
	}
	if content == "" {
		return "", &oasis.ConfigError{Field: "content", Message: "must not be empty"}
	}

	embs, err := s.embed.Embed(ctx, []string{content})
	if err != nil || len(embs) == 0 {
		s.cfg.logger.Error("postgres: store embed failed", "error", err, "duration", time.Since(start))
		return "", &oasis.EmbeddingUnavailable{Message: fmt.Sprintf("embed: %v", err)}
	}
	embedding := embs[0]
	if want := s.dimension(); len(embedding) != want {
		return "", &oasis.ConfigError{Field: "embedding_dimension", Message: fmt.Sprintf("got %d, want %d", len(embedding), want)}
	}

	id := oasis.NewID()
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_records (id, agent_id, content, embedding, metadata, created_at)
		 VALUES ($1, $2, $3, $4::vector, $5, $6)`,
		id, agentID, content, serializeEmbedding(embedding), metaJSON, oasis.NowUnix())
	if err != nil {
		s.cfg.logger.Error("postgres: store insert failed", "error", err, "duration", time.Since(start))
		return "", &oasis.StoreUnavailable{Backend: "postgres", Message: err.Error()}
	}
	s.cfg.logger.Debug("postgres: store ok", "id", id, "duration", time.Since(start))
	return id, nil
}

// Search embeds query and returns up to k MemoryRecords ordered by
// descending cosine similarity, optionally scoped to agentID.
func (s *MemoryStore) Search(ctx context.Context, agentID, query string, k int) ([]oasis.ScoredMemoryRecord, error) {
	start := time.Now()
	k = oasis.ClampK(k)
	s.cfg.logger.Debug("postgres: search", "agent_id", agentID, "k", k)

	embs, err := s.embed.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 {
		s.cfg.logger.Error("postgres: search embed failed", "error", err, "duration", time.Since(start))
		return nil, &oasis.EmbeddingUnavailable{Message: fmt.Sprintf("embed: %v", err)}
	}
	embStr := serializeEmbedding(embs[0])

	query2 := `SELECT id, agent_id, content, metadata, created_at, 1 - (embedding <=> $1::vector) AS score
	           FROM memory_records`
	args := []any{embStr}
	if agentID != "" {
		query2 += ` WHERE agent_id = $2`
		args = append(args, agentID)
	}
	query2 += fmt.Sprintf(` ORDER BY embedding <=> $1::vector LIMIT $%d`, len(args)+1)
	args = append(args, k)

	rows, err := s.pool.Query(ctx, query2, args...)
	if err != nil {
		s.cfg.logger.Error("postgres: search failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("postgres: search: %w", err)
	}
	defer rows.Close()

	var results []oasis.ScoredMemoryRecord
	for rows.Next() {
		var r oasis.ScoredMemoryRecord
		var metaJSON []byte
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Content, &metaJSON, &r.CreatedAt, &r.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		r.Metadata, err = unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	s.cfg.logger.Debug("postgres: search ok", "count", len(results), "duration", time.Since(start))
	return results, rows.Err()
}

// Health round-trips a trivial query against the backing store.
func (s *MemoryStore) Health(ctx context.Context) error {
	var one int
	row := s.pool.QueryRow(ctx, `SELECT 1`)
	if err := row.Scan(&one); err != nil {
		return fmt.Errorf("postgres: health: %w", err)
	}
	return nil
}

// Close is a no-op: the pool is externally owned, and the caller is
// responsible for closing it.
func (s *MemoryStore) Close() error { return nil }

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
