// Package sqlite implements oasis.MemoryStore (the Vector Memory Service,
// C1) using pure-Go SQLite with in-process brute-force cosine similarity.
// Intended for single-node and development deployments; production
// deployments use memory/postgres with pgvector instead.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/nevindra/oasis"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *MemoryStore) { s.logger = l }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// MemoryStore implements oasis.MemoryStore backed by a local SQLite file.
// Embeddings are stored as JSON text; search is brute-force cosine
// similarity computed in-process.
type MemoryStore struct {
	db        *sql.DB
	embed     oasis.EmbeddingProvider
	dimension int
	logger    *slog.Logger
}

var _ oasis.MemoryStore = (*MemoryStore)(nil)

// New opens a local SQLite file at dbPath and returns a MemoryStore using
// embed to compute vectors on Store/Search. Opens a single shared
// connection (SetMaxOpenConns(1)) so all goroutines serialize through one
// connection, eliminating SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, embed oasis.EmbeddingProvider, opts ...Option) (*MemoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &MemoryStore{db: db, embed: embed, dimension: embed.Dimensions(), logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: memory store opened", "path", dbPath)
	return s, nil
}

// Init creates the memory_records table.
func (s *MemoryStore) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: memory init started")
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		s.logger.Error("sqlite: memory init failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("sqlite: memory init: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS memory_records_agent_idx ON memory_records (agent_id)`); err != nil {
		return fmt.Errorf("sqlite: memory init index: %w", err)
	}
	s.logger.Info("sqlite: memory init completed", "duration", time.Since(start))
	return nil
}

// Store embeds content, persists a MemoryRecord scoped to agentID, and
// returns its id.
func (s *MemoryStore) Store(ctx context.Context, agentID, content string, metadata map[string]string) (string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: store", "agent_id", agentID)
	if agentID == "" {
		return "", &oasis.ConfigError{Field: "agent_id", Message: "must not be empty"}
	}
	if content == "" {
		return "", &oasis.ConfigError{Field: "content", Message: "must not be empty"}
	}

	embs, err := s.embed.Embed(ctx, []string{content})
	if err != nil || len(embs) == 0 {
		s.logger.Error("sqlite: store embed failed", "error", err, "duration", time.Since(start))
		return "", &oasis.EmbeddingUnavailable{Message: fmt.Sprintf("embed: %v", err)}
	}
	if s.dimension > 0 && len(embs[0]) != s.dimension {
		return "", &oasis.ConfigError{Field: "embedding", Message: fmt.Sprintf("dimension mismatch: got %d, want %d", len(embs[0]), s.dimension)}
	}

	id := oasis.NewID()
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, agent_id, content, embedding, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, agentID, content, serializeEmbedding(embs[0]), metaJSON, oasis.NowUnix())
	if err != nil {
		s.logger.Error("sqlite: store insert failed", "error", err, "duration", time.Since(start))
		return "", &oasis.StoreUnavailable{Backend: "sqlite", Message: err.Error()}
	}
	s.logger.Debug("sqlite: store ok", "id", id, "duration", time.Since(start))
	return id, nil
}

// Search embeds query and returns up to k MemoryRecords ordered by
// descending cosine similarity, optionally scoped to agentID.
func (s *MemoryStore) Search(ctx context.Context, agentID, query string, k int) ([]oasis.ScoredMemoryRecord, error) {
	start := time.Now()
	k = oasis.ClampK(k)
	s.logger.Debug("sqlite: search", "agent_id", agentID, "k", k)

	embs, err := s.embed.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 {
		s.logger.Error("sqlite: search embed failed", "error", err, "duration", time.Since(start))
		return nil, &oasis.EmbeddingUnavailable{Message: fmt.Sprintf("embed: %v", err)}
	}
	queryEmb := embs[0]

	sqlQuery := `SELECT id, agent_id, content, embedding, metadata, created_at FROM memory_records`
	var rows *sql.Rows
	if agentID != "" {
		sqlQuery += ` WHERE agent_id = ?`
		rows, err = s.db.QueryContext(ctx, sqlQuery, agentID)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlQuery)
	}
	if err != nil {
		s.logger.Error("sqlite: search failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close()

	var all []oasis.ScoredMemoryRecord
	for rows.Next() {
		var r oasis.ScoredMemoryRecord
		var embText, metaText string
		var metaNull sql.NullString
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Content, &embText, &metaNull, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		metaText = metaNull.String
		emb, perr := deserializeEmbedding(embText)
		if perr != nil {
			continue
		}
		r.Score = cosineSimilarity(queryEmb, emb)
		r.Metadata, err = unmarshalMetadata([]byte(metaText))
		if err != nil {
			return nil, err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > k {
		all = all[:k]
	}
	s.logger.Debug("sqlite: search ok", "count", len(all), "duration", time.Since(start))
	return all, nil
}

// Health round-trips a trivial query against the backing store.
func (s *MemoryStore) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("sqlite: health: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *MemoryStore) Close() error { return s.db.Close() }

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func marshalMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	return string(data), err
}

func unmarshalMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
