package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/search"
	"github.com/opal-net/opal/internal/service/embedding"
)

const (
	embedBatchSize   = 64
	embedConcurrency = 4
)

// Store is the registry and chunk persistence surface the ingester
// writes through.
type Store interface {
	UpsertLab(ctx context.Context, l model.Lab) (uuid.UUID, error)
	UpsertFacility(ctx context.Context, f model.Facility) (uuid.UUID, error)
	UpsertCapability(ctx context.Context, c model.Capability) (uuid.UUID, error)
	CreateSourceDocument(ctx context.Context, doc model.SourceDocument) (model.SourceDocument, error)
	InsertChunks(ctx context.Context, chunks []model.SourceChunk, embeddings []pgvector.Vector) error
}

// Stats summarizes one ingest run.
type Stats struct {
	DocumentID   uuid.UUID `json:"document_id"`
	Labs         int       `json:"labs,omitempty"`
	Facilities   int       `json:"facilities,omitempty"`
	Capabilities int       `json:"capabilities,omitempty"`
	Chunks       int       `json:"chunks"`
}

// Service ingests capability bundles and source documents: it persists
// registry rows and chunk text in Postgres and mirrors embedded chunks
// into the vector index.
type Service struct {
	store    Store
	embedder embedding.Provider
	index    search.Searcher
	logger   *slog.Logger

	chunkWords   int
	overlapWords int
}

// NewService wires an ingester. index may be nil, in which case chunks
// are only written to Postgres and search runs on the pgvector
// fallback.
func NewService(store Store, embedder embedding.Provider, index search.Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		embedder:     embedder,
		index:        index,
		logger:       logger,
		chunkWords:   defaultChunkWords,
		overlapWords: defaultOverlapWords,
	}
}

// persistChunks assigns deterministic IDs, embeds every chunk, and
// writes the batch to Postgres and the vector index. labIDs runs
// parallel to chunks and may be nil for documents with no lab scope.
func (s *Service) persistChunks(ctx context.Context, doc model.SourceDocument, chunks []model.SourceChunk, labIDs []uuid.UUID) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].ID = ChunkID(doc.ID.String(), chunks[i].ChunkIndex, chunks[i].Text)
		texts[i] = chunks[i].Text
	}

	embeddings, err := s.embedAll(ctx, texts)
	if err != nil {
		return 0, err
	}

	if err := s.store.InsertChunks(ctx, chunks, embeddings); err != nil {
		return 0, err
	}

	if s.index != nil {
		points := make([]search.Point, len(chunks))
		for i, c := range chunks {
			p := search.Point{
				ChunkID:          c.ID,
				SourceDocumentID: doc.ID,
				SourceTitle:      doc.Title,
				ChunkIndex:       c.ChunkIndex,
				Text:             c.Text,
				Embedding:        embeddings[i].Slice(),
			}
			if name, ok := c.Metadata["capability_name"].(string); ok {
				p.CapabilityName = name
			}
			if labIDs != nil {
				id := labIDs[i]
				p.LabID = &id
			}
			points[i] = p
		}
		if err := s.index.Upsert(ctx, points); err != nil {
			// Postgres already holds the chunks; search degrades to the
			// pgvector fallback until the next ingest.
			s.logger.WarnContext(ctx, "vector index upsert failed", "document_id", doc.ID, "error", err)
		}
	}
	return len(chunks), nil
}

// embedAll embeds texts in bounded concurrent batches, preserving
// input order.
func (s *Service) embedAll(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		g.Go(func() error {
			vecs, err := s.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("ingest: embed batch at %d: %w", start, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("ingest: embed batch at %d: got %d vectors for %d texts", start, len(vecs), end-start)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ingestText chunks free text and persists it under a new source
// document. Used by the PDF and URL ingesters.
func (s *Service) ingestText(ctx context.Context, doc model.SourceDocument, text string, chunkMetadata map[string]any) (Stats, error) {
	created, err := s.store.CreateSourceDocument(ctx, doc)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: create source document: %w", err)
	}

	pieces := SplitText(text, s.chunkWords, s.overlapWords)
	chunks := make([]model.SourceChunk, 0, len(pieces))
	for i, piece := range pieces {
		md := map[string]any{"type": doc.SourceType}
		for k, v := range chunkMetadata {
			md[k] = v
		}
		chunks = append(chunks, model.SourceChunk{
			SourceDocumentID: created.ID,
			ChunkIndex:       i,
			Text:             piece.Text,
			Metadata:         md,
		})
	}

	n, err := s.persistChunks(ctx, created, chunks, nil)
	if err != nil {
		return Stats{DocumentID: created.ID}, err
	}

	s.logger.InfoContext(ctx, "ingested document",
		"document_id", created.ID, "source_type", doc.SourceType,
		"title", doc.Title, "chunks", n)
	return Stats{DocumentID: created.ID, Chunks: n}, nil
}
