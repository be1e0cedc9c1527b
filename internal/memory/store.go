// Package memory implements the persistent vector memory store.
//
// Chunks live in a single SQLite database. Embeddings are stored inline as
// BLOBs (4 bytes per float32, little-endian) and similarity search is a
// brute-force cosine scan, which is plenty fast for the per-agent corpus
// sizes this store sees.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/perchlabs/agentd/internal/memory/embeddings"
	"github.com/perchlabs/agentd/internal/observability"
	"github.com/perchlabs/agentd/pkg/models"
)

// Store is a vector memory store backed by SQLite.
type Store struct {
	db       *sql.DB
	embedder embeddings.Provider
	logger   *slog.Logger
	chunker  Chunker
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With("component", "memory")
	}
}

// WithChunker overrides the document chunker.
func WithChunker(c Chunker) Option {
	return func(s *Store) { s.chunker = c }
}

// NewStore opens (creating if needed) the database at path and ensures the
// schema exists. The parent directory is created if missing.
func NewStore(path string, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		logger:   slog.Default().With("component", "memory"),
		chunker:  NewChunker(DefaultChunkSize, DefaultChunkOverlap),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			chunk_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_created ON chunks(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// StoreChunk embeds content and persists it as a single chunk. The row and
// its embedding are written together; an embedding failure stores nothing.
func (s *Store) StoreChunk(ctx context.Context, chunk *models.MemoryChunk) (int64, error) {
	if chunk.Content == "" {
		return 0, fmt.Errorf("memory: empty content")
	}
	if chunk.Type == "" {
		chunk.Type = models.ChunkTypeNote
	}

	embedding := chunk.Embedding
	if embedding == nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, chunk.Content)
		if err != nil {
			return 0, fmt.Errorf("memory: embed: %w", err)
		}
	}

	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (session_id, content, chunk_type, source, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		chunk.SessionID, chunk.Content, string(chunk.Type), chunk.Source, encodeEmbedding(embedding), createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("memory: insert chunk: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory: last insert id: %w", err)
	}

	observability.MemoryOps.WithLabelValues("store").Inc()
	return id, nil
}

// StoreChunks embeds all chunks with one batched call and inserts them in a
// single transaction. Either every chunk lands or none do.
func (s *Store) StoreChunks(ctx context.Context, chunks []*models.MemoryChunk) ([]int64, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if len(chunks) > s.embedder.MaxBatchSize() {
		return nil, fmt.Errorf("memory: batch of %d exceeds embedder limit %d", len(chunks), s.embedder.MaxBatchSize())
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if c.Content == "" {
			return nil, fmt.Errorf("memory: empty content at index %d", i)
		}
		texts[i] = c.Content
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("memory: embed batch: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("memory: embedder returned %d vectors for %d texts", len(vectors), len(chunks))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (session_id, content, chunk_type, source, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		chunkType := c.Type
		if chunkType == "" {
			chunkType = models.ChunkTypeNote
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		res, err := stmt.ExecContext(ctx, c.SessionID, c.Content, string(chunkType), c.Source, encodeEmbedding(vectors[i]), createdAt)
		if err != nil {
			return nil, fmt.Errorf("memory: insert chunk %d: %w", i, err)
		}
		ids[i], err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("memory: last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory: commit: %w", err)
	}

	observability.MemoryOps.WithLabelValues("store").Add(float64(len(chunks)))
	return ids, nil
}

// StoreDocument splits content into overlapping windows and stores them all
// under the given source with one batched embedding call.
func (s *Store) StoreDocument(ctx context.Context, sessionID, source, content string) ([]int64, error) {
	pieces := s.chunker.Chunk(content)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("memory: document produced no chunks")
	}

	chunks := make([]*models.MemoryChunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &models.MemoryChunk{
			SessionID: sessionID,
			Content:   piece,
			Type:      models.ChunkTypeKnowledge,
			Source:    source,
		}
	}
	ids, err := s.StoreChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("stored document", "source", source, "chunks", len(ids))
	return ids, nil
}

// SearchOptions narrow a similarity search.
type SearchOptions struct {
	// SessionID restricts results to one session when non-empty.
	SessionID string
	// SourcePrefix restricts results to sources with this prefix.
	SourcePrefix string
	// Types restricts results to the given chunk types.
	Types []models.ChunkType
}

// Search embeds the query and returns the k nearest chunks ordered by
// ascending cosine distance.
func (s *Store) Search(ctx context.Context, query string, k int, opts *SearchOptions) ([]*models.MemoryResult, error) {
	if k <= 0 {
		k = 5
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	q := `SELECT id, session_id, content, chunk_type, source, embedding, created_at FROM chunks`
	var args []any
	var where []string
	if opts != nil {
		if opts.SessionID != "" {
			where = append(where, "session_id = ?")
			args = append(args, opts.SessionID)
		}
		if opts.SourcePrefix != "" {
			where = append(where, "source LIKE ? ESCAPE '\\'")
			args = append(args, escapeLike(opts.SourcePrefix)+"%")
		}
		if len(opts.Types) > 0 {
			placeholders := ""
			for i, t := range opts.Types {
				if i > 0 {
					placeholders += ", "
				}
				placeholders += "?"
				args = append(args, string(t))
			}
			where = append(where, "chunk_type IN ("+placeholders+")")
		}
	}
	for i, clause := range where {
		if i == 0 {
			q += " WHERE " + clause
		} else {
			q += " AND " + clause
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query chunks: %w", err)
	}
	defer rows.Close()

	var results []*models.MemoryResult
	for rows.Next() {
		var chunk models.MemoryChunk
		var chunkType string
		var blob []byte
		if err := rows.Scan(&chunk.ID, &chunk.SessionID, &chunk.Content, &chunkType, &chunk.Source, &blob, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan chunk: %w", err)
		}
		chunk.Type = models.ChunkType(chunkType)

		embedding := decodeEmbedding(blob)
		if embedding == nil {
			continue
		}
		results = append(results, &models.MemoryResult{
			Chunk:    &chunk,
			Distance: 1 - cosineSimilarity(queryVec, embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}

	observability.MemoryOps.WithLabelValues("search").Inc()
	return results, nil
}

// DeleteChunk removes a single chunk. Deleting an absent id is not an error.
func (s *Store) DeleteChunk(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memory: delete chunk: %w", err)
	}
	observability.MemoryOps.WithLabelValues("delete").Inc()
	return nil
}

// DeleteSource removes every chunk whose source has the given prefix and
// returns the number of rows removed.
func (s *Store) DeleteSource(ctx context.Context, sourcePrefix string) (int64, error) {
	if sourcePrefix == "" {
		return 0, fmt.Errorf("memory: empty source prefix")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE source LIKE ? ESCAPE '\'`, escapeLike(sourcePrefix)+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("memory: delete source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memory: rows affected: %w", err)
	}
	observability.MemoryOps.WithLabelValues("delete").Add(float64(n))
	return n, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("memory: count: %w", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// encodeEmbedding packs float32s as little-endian IEEE 754 bits.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
