// Package vectorstore persists document chunks with their embeddings
// and serves cosine-nearest-neighbour queries over them.
package vectorstore

import (
	"context"
	"time"

	"github.com/tessellate-ai/ragcore/internal/fault"
)

const (
	// EmbeddingDim is the only accepted embedding width.
	EmbeddingDim = 1536

	// MaxTextBytes caps a single chunk's text at 5 MiB.
	MaxTextBytes = 5 * 1024 * 1024

	MaxRepoURLLen  = 500
	MaxFilePathLen = 1000

	// MaxBatchSize bounds a single BulkUpsert call.
	MaxBatchSize = 256
)

// Chunk is one persisted document chunk. Identity is the surrogate ID;
// uniqueness is the semantic key (RepoURL, FilePath, ChunkIndex).
type Chunk struct {
	ID               string                 `db:"id" json:"id"`
	RepoURL          string                 `db:"repo_url" json:"repoUrl"`
	FilePath         string                 `db:"file_path" json:"filePath"`
	Title            string                 `db:"title" json:"title,omitempty"`
	Text             string                 `db:"text" json:"text"`
	Embedding        []float32              `db:"-" json:"embedding,omitempty"`
	FileType         string                 `db:"file_type" json:"fileType,omitempty"`
	IsCode           bool                   `db:"is_code" json:"isCode"`
	IsImplementation bool                   `db:"is_implementation" json:"isImplementation"`
	TokenCount       int                    `db:"token_count" json:"tokenCount"`
	ChunkIndex       int                    `db:"chunk_index" json:"chunkIndex"`
	TotalChunks      int                    `db:"total_chunks" json:"totalChunks"`
	Metadata         map[string]interface{} `db:"-" json:"metadata,omitempty"`
	CreatedAt        time.Time              `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time              `db:"updated_at" json:"updatedAt"`
}

// Key returns the semantic uniqueness key.
func (c *Chunk) Key() ChunkKey {
	return ChunkKey{RepoURL: c.RepoURL, FilePath: c.FilePath, ChunkIndex: c.ChunkIndex}
}

// ChunkKey is the semantic uniqueness key of a chunk.
type ChunkKey struct {
	RepoURL    string
	FilePath   string
	ChunkIndex int
}

// Filter is a set of exact-match constraints over indexable attributes.
// Nil pointers mean unconstrained.
type Filter struct {
	RepoURL          string
	FilePath         string
	FileType         string
	IsCode           *bool
	IsImplementation *bool
}

// Matches reports whether a chunk satisfies the filter.
func (f *Filter) Matches(c *Chunk) bool {
	if f == nil {
		return true
	}
	if f.RepoURL != "" && c.RepoURL != f.RepoURL {
		return false
	}
	if f.FilePath != "" && c.FilePath != f.FilePath {
		return false
	}
	if f.FileType != "" && c.FileType != f.FileType {
		return false
	}
	if f.IsCode != nil && c.IsCode != *f.IsCode {
		return false
	}
	if f.IsImplementation != nil && c.IsImplementation != *f.IsImplementation {
		return false
	}
	return true
}

// Match is a query result: a chunk with its cosine similarity in [-1,1].
type Match struct {
	Chunk      *Chunk
	Similarity float64
}

// Store is the provider-agnostic chunk store contract.
type Store interface {
	// Upsert inserts or updates a chunk, idempotent on the semantic key.
	// CreatedAt is preserved on update; UpdatedAt always advances.
	Upsert(ctx context.Context, c *Chunk) error
	// BulkUpsert upserts chunks in bounded batches.
	BulkUpsert(ctx context.Context, chunks []*Chunk) error
	// Query returns up to k chunks ordered by similarity descending.
	Query(ctx context.Context, embedding []float32, k int, filter *Filter) ([]Match, error)
	// Get returns a chunk by surrogate ID, or nil when absent.
	Get(ctx context.Context, id string) (*Chunk, error)
	// List pages chunks, optionally scoped to a repo. Returns the page
	// and the total row count for the scope.
	List(ctx context.Context, page, pageSize int, repoURL string) ([]*Chunk, int, error)
	// Delete removes a chunk by ID; deleting a missing ID is a no-op.
	Delete(ctx context.Context, id string) error
	// DeleteChunks removes every chunk for a source file.
	DeleteChunks(ctx context.Context, repoURL, filePath string) error
	// RebuildIndex is a best-effort maintenance hook.
	RebuildIndex(ctx context.Context) error
	Close() error
}

// ErrBadQueryEmbedding reports a query vector of the wrong width.
func ErrBadQueryEmbedding(got int) error {
	return fault.New(fault.CodeInvalidRequest, "query embedding must have %d dimensions, got %d", EmbeddingDim, got)
}

// ValidateChunk enforces the schema-level invariants before a write.
func ValidateChunk(c *Chunk) error {
	if c == nil {
		return fault.New(fault.CodeInvalidRequest, "chunk is nil")
	}
	if c.RepoURL == "" {
		return fault.New(fault.CodeInvalidRequest, "repoUrl is required")
	}
	if len(c.RepoURL) > MaxRepoURLLen {
		return fault.New(fault.CodeInvalidRequest, "repoUrl exceeds %d characters", MaxRepoURLLen)
	}
	if c.FilePath == "" {
		return fault.New(fault.CodeInvalidRequest, "filePath is required")
	}
	if len(c.FilePath) > MaxFilePathLen {
		return fault.New(fault.CodeInvalidRequest, "filePath exceeds %d characters", MaxFilePathLen)
	}
	if len(c.Text) > MaxTextBytes {
		return fault.New(fault.CodeInvalidRequest, "text exceeds %d bytes", MaxTextBytes)
	}
	if len(c.Embedding) != 0 && len(c.Embedding) != EmbeddingDim {
		return fault.New(fault.CodeInvalidRequest, "embedding must have %d dimensions, got %d", EmbeddingDim, len(c.Embedding))
	}
	if c.ChunkIndex < 0 {
		return fault.New(fault.CodeInvalidRequest, "chunkIndex must be >= 0")
	}
	if c.TotalChunks < 1 {
		return fault.New(fault.CodeInvalidRequest, "totalChunks must be >= 1")
	}
	return nil
}
