package document

import (
	"context"

	"conduit/internal/text"
)

// UpsertParams identifies a document by (TenantID, Path) and describes the
// content being written to it.
type UpsertParams struct {
	TenantID      string
	Path          string
	SourceID      string
	ConnectorType string
	BytesLen      int64
	PageCount     int
	ContentHash   string
	SyncState     map[string]any
}

// Version is the handle returned by UpsertDocument. Changed is false when
// the latest stored version already had the same content hash.
type Version struct {
	DocumentID string
	VersionID  string
	Number     int
	Changed    bool
}

type SearchResult struct {
	DocumentID string         `json:"document_id"`
	Path       string         `json:"path"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type Repository interface {
	UpsertDocument(ctx context.Context, p UpsertParams) (Version, error)
	// InsertChunks upserts on (documentID, chunk index) and drops indexes
	// past len(chunks). embeddings may be nil.
	InsertChunks(ctx context.Context, tenantID, documentID string, chunks []text.Chunk, embeddings [][]float32) error
	DeleteByPath(ctx context.Context, tenantID, path string) (int64, error)
	DeleteBySource(ctx context.Context, tenantID, sourceID string) (int64, error)
	Search(ctx context.Context, tenantID, query string, limit int) ([]SearchResult, error)
}
