package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/retry"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
    id UUID PRIMARY KEY,
    repo_url VARCHAR(500) NOT NULL,
    file_path VARCHAR(1000) NOT NULL,
    title TEXT,
    text TEXT NOT NULL,
    embedding vector(1536),
    file_type VARCHAR(50),
    is_code BOOLEAN NOT NULL DEFAULT false,
    is_implementation BOOLEAN NOT NULL DEFAULT false,
    token_count INTEGER NOT NULL DEFAULT 0,
    chunk_index INTEGER NOT NULL DEFAULT 0,
    total_chunks INTEGER NOT NULL DEFAULT 1,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT document_chunks_semantic_key UNIQUE (repo_url, file_path, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_repo ON document_chunks (repo_url);
CREATE INDEX IF NOT EXISTS idx_document_chunks_file ON document_chunks (repo_url, file_path);
CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding ON document_chunks
    USING hnsw (embedding vector_cosine_ops);
`

// Postgres stores chunks in a pgvector-enabled database.
type Postgres struct {
	db     *sqlx.DB
	retry  *retry.Policy
	logger *zap.Logger
}

// PostgresConfig carries connection and pool settings. Zero pool
// values fall back to 25 open, 5 idle, 5m lifetime.
type PostgresConfig struct {
	// DSN is a lib/pq connection string.
	DSN             string
	MaxConnections  int
	IdleConnections int
	ConnMaxLifetime time.Duration
}

// NewPostgres connects, verifies the connection, and bootstraps the
// schema.
func NewPostgres(cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections <= 0 {
		cfg.IdleConnections = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorageFailure, err, "connect to postgres")
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	p := &Postgres{
		db:     db,
		retry:  retry.NewPolicy(transientRetryConfig()),
		logger: logger,
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.CodeStorageFailure, err, "bootstrap schema")
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing handle without bootstrapping the
// schema (used by tests).
func NewPostgresFromDB(db *sqlx.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, retry: retry.NewPolicy(transientRetryConfig()), logger: logger}
}

// transientRetryConfig retries serialization failures, deadlocks, and
// network-level errors; everything else fails fast.
func transientRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialInterval = 100 * time.Millisecond
	cfg.Retryable = isTransientPG
	return cfg
}

func isTransientPG(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		// class 08: connection exceptions
		return strings.HasPrefix(string(pqErr.Code), "08")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, sql.ErrConnDone)
}

const upsertSQL = `
INSERT INTO document_chunks (
    id, repo_url, file_path, title, text, embedding,
    file_type, is_code, is_implementation, token_count,
    chunk_index, total_chunks, metadata, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9, $10, $11, $12, $13, now(), now())
ON CONFLICT (repo_url, file_path, chunk_index) DO UPDATE SET
    title = EXCLUDED.title,
    text = EXCLUDED.text,
    embedding = EXCLUDED.embedding,
    file_type = EXCLUDED.file_type,
    is_code = EXCLUDED.is_code,
    is_implementation = EXCLUDED.is_implementation,
    token_count = EXCLUDED.token_count,
    total_chunks = EXCLUDED.total_chunks,
    metadata = EXCLUDED.metadata,
    updated_at = now()
RETURNING id, created_at, updated_at`

// Upsert writes one chunk, idempotent on the semantic key. created_at
// survives updates; updated_at always advances.
func (p *Postgres) Upsert(ctx context.Context, c *Chunk) error {
	if c.TotalChunks == 0 {
		c.TotalChunks = 1
	}
	if err := ValidateChunk(c); err != nil {
		metrics.RecordVectorUpsert("postgres", "invalid")
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	md, err := json.Marshal(nonNilMetadata(c.Metadata))
	if err != nil {
		return fault.Wrap(fault.CodeInvalidRequest, err, "marshal chunk metadata")
	}

	err = p.retry.Execute(ctx, func(ctx context.Context) error {
		row := p.db.QueryRowxContext(ctx, upsertSQL,
			c.ID, c.RepoURL, c.FilePath, c.Title, c.Text, formatVector(c.Embedding),
			c.FileType, c.IsCode, c.IsImplementation, c.TokenCount,
			c.ChunkIndex, c.TotalChunks, md,
		)
		return row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	})
	if err != nil {
		metrics.RecordVectorUpsert("postgres", "error")
		return fault.Wrap(fault.CodeStorageFailure, err, "upsert chunk")
	}
	metrics.RecordVectorUpsert("postgres", "ok")
	return nil
}

// BulkUpsert writes chunks in batches of at most MaxBatchSize, each
// batch in one transaction.
func (p *Postgres) BulkUpsert(ctx context.Context, chunks []*Chunk) error {
	for start := 0; start < len(chunks); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := p.bulkUpsertBatch(ctx, chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) bulkUpsertBatch(ctx context.Context, chunks []*Chunk) error {
	for _, c := range chunks {
		if c.TotalChunks == 0 {
			c.TotalChunks = 1
		}
		if err := ValidateChunk(c); err != nil {
			return err
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
	}

	return p.retry.Execute(ctx, func(ctx context.Context) error {
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return fault.Wrap(fault.CodeStorageFailure, err, "begin bulk upsert")
		}
		defer tx.Rollback()

		for _, c := range chunks {
			md, err := json.Marshal(nonNilMetadata(c.Metadata))
			if err != nil {
				return fault.Wrap(fault.CodeInvalidRequest, err, "marshal chunk metadata")
			}
			row := tx.QueryRowxContext(ctx, upsertSQL,
				c.ID, c.RepoURL, c.FilePath, c.Title, c.Text, formatVector(c.Embedding),
				c.FileType, c.IsCode, c.IsImplementation, c.TokenCount,
				c.ChunkIndex, c.TotalChunks, md,
			)
			if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return fault.Wrap(fault.CodeStorageFailure, err, "bulk upsert chunk %s#%d", c.FilePath, c.ChunkIndex)
			}
		}
		if err := tx.Commit(); err != nil {
			return fault.Wrap(fault.CodeStorageFailure, err, "commit bulk upsert")
		}
		metrics.RecordVectorUpsert("postgres", "bulk_ok")
		return nil
	})
}

// Query runs a cosine nearest-neighbour search. `<=>` is pgvector's
// cosine distance operator; similarity is 1 - distance.
func (p *Postgres) Query(ctx context.Context, embedding []float32, k int, filter *Filter) ([]Match, error) {
	start := time.Now()
	if len(embedding) != EmbeddingDim {
		metrics.RecordVectorQuery("postgres", "invalid", 0)
		return nil, ErrBadQueryEmbedding(len(embedding))
	}
	if k <= 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, repo_url, file_path, title, text, file_type,
        is_code, is_implementation, token_count, chunk_index, total_chunks,
        metadata, created_at, updated_at,
        1 - (embedding <=> $1::vector) AS similarity
    FROM document_chunks
    WHERE embedding IS NOT NULL`)

	args := []interface{}{formatVector(embedding)}
	appendFilterClauses(&sb, &args, filter)

	args = append(args, k)
	fmt.Fprintf(&sb, " ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	var matches []Match
	err := p.retry.Execute(ctx, func(ctx context.Context) error {
		rows, err := p.db.QueryxContext(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		matches = matches[:0]
		for rows.Next() {
			c, sim, err := scanMatch(rows)
			if err != nil {
				return err
			}
			matches = append(matches, Match{Chunk: c, Similarity: sim})
		}
		return rows.Err()
	})
	if err != nil {
		metrics.RecordVectorQuery("postgres", "error", time.Since(start).Seconds())
		return nil, fault.Wrap(fault.CodeStorageFailure, err, "vector query")
	}
	metrics.RecordVectorQuery("postgres", "ok", time.Since(start).Seconds())
	return matches, nil
}

func appendFilterClauses(sb *strings.Builder, args *[]interface{}, filter *Filter) {
	if filter == nil {
		return
	}
	add := func(clause string, val interface{}) {
		*args = append(*args, val)
		fmt.Fprintf(sb, " AND %s = $%d", clause, len(*args))
	}
	if filter.RepoURL != "" {
		add("repo_url", filter.RepoURL)
	}
	if filter.FilePath != "" {
		add("file_path", filter.FilePath)
	}
	if filter.FileType != "" {
		add("file_type", filter.FileType)
	}
	if filter.IsCode != nil {
		add("is_code", *filter.IsCode)
	}
	if filter.IsImplementation != nil {
		add("is_implementation", *filter.IsImplementation)
	}
}

func scanMatch(rows *sqlx.Rows) (*Chunk, float64, error) {
	var c Chunk
	var title, fileType sql.NullString
	var md []byte
	var sim float64
	err := rows.Scan(
		&c.ID, &c.RepoURL, &c.FilePath, &title, &c.Text, &fileType,
		&c.IsCode, &c.IsImplementation, &c.TokenCount, &c.ChunkIndex, &c.TotalChunks,
		&md, &c.CreatedAt, &c.UpdatedAt, &sim,
	)
	if err != nil {
		return nil, 0, err
	}
	c.Title = title.String
	c.FileType = fileType.String
	if len(md) > 0 {
		_ = json.Unmarshal(md, &c.Metadata)
	}
	return &c, sim, nil
}

const selectColumns = `id, repo_url, file_path, title, text, file_type,
    is_code, is_implementation, token_count, chunk_index, total_chunks,
    metadata, created_at, updated_at`

// Get returns a chunk by ID, or nil when absent.
func (p *Postgres) Get(ctx context.Context, id string) (*Chunk, error) {
	query := fmt.Sprintf("SELECT %s FROM document_chunks WHERE id = $1", selectColumns)
	row := p.db.QueryRowxContext(ctx, query, id)

	c, err := scanChunkRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeStorageFailure, err, "get chunk")
	}
	return c, nil
}

// List pages chunks in semantic-key order, optionally scoped to a repo.
func (p *Postgres) List(ctx context.Context, page, pageSize int, repoURL string) ([]*Chunk, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where := ""
	countArgs := []interface{}{}
	if repoURL != "" {
		where = " WHERE repo_url = $1"
		countArgs = append(countArgs, repoURL)
	}

	var total int
	if err := p.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM document_chunks"+where, countArgs...); err != nil {
		return nil, 0, fault.Wrap(fault.CodeStorageFailure, err, "count chunks")
	}

	args := append([]interface{}{}, countArgs...)
	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(
		"SELECT %s FROM document_chunks%s ORDER BY repo_url, file_path, chunk_index LIMIT $%d OFFSET $%d",
		selectColumns, where, len(args)-1, len(args),
	)

	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fault.Wrap(fault.CodeStorageFailure, err, "list chunks")
	}
	defer rows.Close()

	chunks := []*Chunk{}
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, 0, fault.Wrap(fault.CodeStorageFailure, err, "scan chunk")
		}
		chunks = append(chunks, c)
	}
	return chunks, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunkRow(row rowScanner) (*Chunk, error) {
	var c Chunk
	var title, fileType sql.NullString
	var md []byte
	err := row.Scan(
		&c.ID, &c.RepoURL, &c.FilePath, &title, &c.Text, &fileType,
		&c.IsCode, &c.IsImplementation, &c.TokenCount, &c.ChunkIndex, &c.TotalChunks,
		&md, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Title = title.String
	c.FileType = fileType.String
	if len(md) > 0 {
		_ = json.Unmarshal(md, &c.Metadata)
	}
	return &c, nil
}

// Delete removes a chunk by ID. Missing IDs are a no-op.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM document_chunks WHERE id = $1", id)
	if err != nil {
		return fault.Wrap(fault.CodeStorageFailure, err, "delete chunk")
	}
	return nil
}

// DeleteChunks removes every chunk for a source file.
func (p *Postgres) DeleteChunks(ctx context.Context, repoURL, filePath string) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM document_chunks WHERE repo_url = $1 AND file_path = $2", repoURL, filePath)
	if err != nil {
		return fault.Wrap(fault.CodeStorageFailure, err, "delete file chunks")
	}
	return nil
}

// RebuildIndex reindexes the ANN index. Best effort; failures are
// logged, not fatal.
func (p *Postgres) RebuildIndex(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, "REINDEX INDEX CONCURRENTLY idx_document_chunks_embedding"); err != nil {
		p.logger.Warn("Vector index rebuild failed", zap.Error(err))
		return fault.Wrap(fault.CodeStorageFailure, err, "rebuild vector index")
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping checks connectivity for health reporting.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// formatVector renders the pgvector text literal, e.g. "[0.1,0.2]".
// A nil embedding becomes SQL NULL.
func formatVector(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.Grow(len(v) * 10)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVector parses the pgvector text format back to float32s.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func nonNilMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return map[string]interface{}{}
	}
	return md
}
