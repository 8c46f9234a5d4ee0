package ingest

import (
	"context"
	"time"

	"github.com/caretrail/caretrail/internal/storage"
)

// Embedder generates vector embeddings for text content.
// Implementations: embedding.GeminiClient
type Embedder interface {
	// EmbedDocuments embeds a batch of chunks for storage.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex stores chunk embeddings per collection.
// Implementations: storage.VecStore
type VectorIndex interface {
	EnsureCollection(ctx context.Context, name string, dimensions int) error
	Upsert(ctx context.Context, collection string, points []storage.Point) error
	ListByDocument(ctx context.Context, collection, documentID string) ([]storage.Payload, error)
	DeleteByDocument(ctx context.Context, collection, documentID string) error
}

// TextExtractor converts an uploaded document into plain text.
// Implementations: extract.Extractor
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileName string) (string, error)
}

// InsightModel produces the structured document summary.
// Implementations: llm.GeminiClient
type InsightModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// BlobStore fetches raw uploaded bytes.
// Implementations: blob.FSStore, blob.S3Store
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// DocumentStore is the metadata persistence the pipeline needs.
// Implementations: storage.MetadataStore
type DocumentStore interface {
	GetDocument(id string) (*storage.DocumentRecord, error)
	ClaimDocument(id string, now time.Time) (bool, error)
	FinishDocument(id, state, errMsg string, now time.Time) error
	SaveInsight(insight *storage.InsightRecord) error
	SaveAlert(alert *storage.AlertRecord) error
}
