// Package docstore implements C9, the document store adapter: CRUD over
// Document and Chunk records, a unique content-hash index, compound
// secondary indexes, and a bleve-backed lexical text index queried through
// a ReDoS-safe pattern builder.
package docstore

import "time"

// Status is a Document's lifecycle state (§3). Transitions are monotonic
// except indexed -> failed via explicit reindex.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// Document is a single logical unit of ingested text.
type Document struct {
	DocumentID  string
	TenantScope string // opaque scope key, e.g. the collection name from C7
	Title       string
	ContentHash string
	LanguageTag string
	Tags        []string
	ChunkCount  int
	TotalTokens int
	Status      Status
	ErrorDetail string
	WorkspaceID string
	ProjectID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is a contiguous substring of one document with overlap into
// neighbors.
type Chunk struct {
	ChunkID      string // document_id . chunk_index
	DocumentID   string
	ChunkIndex   int
	Text         string
	OffsetStart  int
	OffsetEnd    int
	EmbeddingRef string // opaque id of the vector stored in C8
	Metadata     map[string]any
}
