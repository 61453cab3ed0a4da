package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/opal-net/opal/internal/model"
)

// CreateSourceDocument inserts an ingested document record and returns it.
func (db *DB) CreateSourceDocument(ctx context.Context, doc model.SourceDocument) (model.SourceDocument, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO source_documents (id, source_type, title, uri, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, source_type, title, uri, metadata, created_at`,
		doc.ID, doc.SourceType, doc.Title, doc.URI, doc.Metadata,
	)
	var d model.SourceDocument
	if err := row.Scan(&d.ID, &d.SourceType, &d.Title, &d.URI, &d.Metadata, &d.CreatedAt); err != nil {
		return model.SourceDocument{}, fmt.Errorf("storage: create source document: %w", err)
	}
	return d, nil
}

// GetSourceDocument returns a document by ID, or ErrNotFound.
func (db *DB) GetSourceDocument(ctx context.Context, id uuid.UUID) (model.SourceDocument, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, source_type, title, uri, metadata, created_at
		 FROM source_documents WHERE id = $1`, id)
	var d model.SourceDocument
	err := row.Scan(&d.ID, &d.SourceType, &d.Title, &d.URI, &d.Metadata, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourceDocument{}, ErrNotFound
	}
	if err != nil {
		return model.SourceDocument{}, fmt.Errorf("storage: get source document: %w", err)
	}
	return d, nil
}

// ListSourceDocuments returns all documents, newest first.
func (db *DB) ListSourceDocuments(ctx context.Context) ([]model.SourceDocument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source_type, title, uri, metadata, created_at
		 FROM source_documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list source documents: %w", err)
	}
	defer rows.Close()

	var docs []model.SourceDocument
	for rows.Next() {
		var d model.SourceDocument
		if err := rows.Scan(&d.ID, &d.SourceType, &d.Title, &d.URI, &d.Metadata, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan source document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// InsertChunks batch-inserts chunks with their embeddings. Chunk IDs are
// deterministic (derived from document + index by the ingester) so re-running
// an ingest overwrites rather than duplicates.
func (db *DB) InsertChunks(ctx context.Context, chunks []model.SourceChunk, embeddings []pgvector.Vector) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("storage: insert chunks: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(
			`INSERT INTO source_chunks (id, source_document_id, chunk_index, text, metadata, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
				text = EXCLUDED.text,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding`,
			c.ID, c.SourceDocumentID, c.ChunkIndex, c.Text, c.Metadata, embeddings[i],
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("storage: insert chunk: %w", err)
		}
	}
	return nil
}

// GetChunksByDocument returns a document's chunks in index order.
func (db *DB) GetChunksByDocument(ctx context.Context, docID uuid.UUID) ([]model.SourceChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source_document_id, chunk_index, text, metadata, created_at
		 FROM source_chunks
		 WHERE source_document_id = $1
		 ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.SourceChunk
	for rows.Next() {
		var c model.SourceChunk
		if err := rows.Scan(&c.ID, &c.SourceDocumentID, &c.ChunkIndex, &c.Text, &c.Metadata, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SearchChunks performs cosine-similarity search over chunk embeddings in
// Postgres, joining document titles for provenance. This is the pgvector
// fallback used when no external vector index is configured.
func (db *DB) SearchChunks(ctx context.Context, embedding pgvector.Vector, topK int) ([]model.SearchHit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT sc.id, sc.source_document_id, sd.title, sc.text, sc.metadata,
			 1 - (sc.embedding <=> $1) AS score
		 FROM source_chunks sc
		 JOIN source_documents sd ON sd.id = sc.source_document_id
		 WHERE sc.embedding IS NOT NULL
		 ORDER BY sc.embedding <=> $1
		 LIMIT $2`,
		embedding, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks: %w", err)
	}
	defer rows.Close()

	var hits []model.SearchHit
	for rows.Next() {
		var h model.SearchHit
		var docID uuid.UUID
		if err := rows.Scan(&h.ChunkID, &docID, &h.SourceTitle, &h.Text, &h.Metadata, &h.Score); err != nil {
			return nil, fmt.Errorf("storage: scan search hit: %w", err)
		}
		h.SourceDocumentID = docID.String()
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
