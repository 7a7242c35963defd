// Package ingestion validates, chunks, embeds, and upserts source
// documents into the vector store.
package ingestion

// Stage names the pipeline step where a document failed.
type Stage string

const (
	StageValidation Stage = "validation"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageUpsert     Stage = "upsert"
	StageUnknown    Stage = "unknown"
)

// MaxDocumentsPerRequest bounds one ingestion request.
const MaxDocumentsPerRequest = 1000

// Document is one source file to ingest.
type Document struct {
	RepoURL  string                 `json:"repoUrl"`
	FilePath string                 `json:"filePath"`
	Title    string                 `json:"title,omitempty"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Identifier is the "repo:path" form used in error reports.
func (d *Document) Identifier() string {
	return d.RepoURL + ":" + d.FilePath
}

// Options tune one ingestion request. Zero values use service defaults.
type Options struct {
	BatchSize         int `json:"batchSize,omitempty"`
	MaxRetries        int `json:"maxRetries,omitempty"`
	MaxTokensPerChunk int `json:"maxTokensPerChunk,omitempty"`
	// ContinueOnError keeps processing past failed documents. Omitted,
	// the service default applies (continue).
	ContinueOnError  *bool                  `json:"continueOnError,omitempty"`
	MetadataDefaults map[string]interface{} `json:"metadataDefaults,omitempty"`
	// SkipEmbedding stores chunks without vectors; they are invisible
	// to similarity queries until re-ingested.
	SkipEmbedding bool `json:"skipEmbedding,omitempty"`
}

// Request is one ingestion call.
type Request struct {
	Documents []Document `json:"documents"`
	Options   Options    `json:"options"`
}

// DocError describes one failed document.
type DocError struct {
	DocumentIdentifier string `json:"documentIdentifier"`
	ErrorMessage       string `json:"errorMessage"`
	Stage              Stage  `json:"stage"`
	IsRetryable        bool   `json:"isRetryable"`
}

// Result summarizes one ingestion request.
type Result struct {
	SuccessCount        int        `json:"successCount"`
	FailureCount        int        `json:"failureCount"`
	TotalChunks         int        `json:"totalChunks"`
	DurationMS          int64      `json:"durationMs"`
	IngestedDocumentIDs []string   `json:"ingestedDocumentIds"`
	Errors              []DocError `json:"errors"`
}
