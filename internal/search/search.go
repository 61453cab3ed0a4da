// Package search provides vector search over source-document chunks
// using an external Qdrant index, with transparent fallback to pgvector
// similarity search in Postgres handled by the retrieval layer.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/opal-net/opal/internal/model"
)

// Point is the data needed to upsert a single chunk into the index.
// The payload carries enough provenance (text, titles, capability
// linkage) that search hits need no Postgres hydration.
type Point struct {
	ChunkID          string
	SourceDocumentID uuid.UUID
	SourceTitle      string
	ChunkIndex       int
	Text             string
	CapabilityName   string
	LabID            *uuid.UUID
	Embedding        []float32
}

// Filters narrows a chunk search. Zero values mean no filter.
type Filters struct {
	LabID *uuid.UUID
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns chunks matching the query vector, best first.
	Search(ctx context.Context, embedding []float32, filters Filters, limit int) ([]model.SearchHit, error)

	// Upsert inserts or replaces chunks in the index.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByDocument removes all chunks of one source document.
	DeleteByDocument(ctx context.Context, docID uuid.UUID) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
