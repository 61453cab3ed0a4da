package ingest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/opal-net/opal/internal/model"
)

// IngestPDF extracts text from a PDF page by page and persists the
// chunks under a new source document. Pages that fail extraction are
// skipped with a warning so one corrupt page does not sink the
// document.
func (s *Service) IngestPDF(ctx context.Context, content []byte, title string, uri *string) (Stats, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: open pdf: %w", err)
	}

	doc, err := s.store.CreateSourceDocument(ctx, model.SourceDocument{
		SourceType: "pdf",
		Title:      title,
		URI:        uri,
		Metadata:   map[string]any{"pages": reader.NumPage()},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: create pdf document: %w", err)
	}

	var chunks []model.SourceChunk
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			s.logger.WarnContext(ctx, "pdf page extraction failed",
				"document_id", doc.ID, "page", pageNum, "error", err)
			continue
		}

		for _, piece := range SplitText(text, s.chunkWords, s.overlapWords) {
			chunks = append(chunks, model.SourceChunk{
				SourceDocumentID: doc.ID,
				ChunkIndex:       len(chunks),
				Text:             piece.Text,
				Metadata: map[string]any{
					"type": "pdf",
					"page": pageNum,
				},
			})
		}
	}
	if len(chunks) == 0 {
		return Stats{DocumentID: doc.ID}, fmt.Errorf("ingest: pdf %q yielded no text", title)
	}

	n, err := s.persistChunks(ctx, doc, chunks, nil)
	if err != nil {
		return Stats{DocumentID: doc.ID}, err
	}

	s.logger.InfoContext(ctx, "ingested pdf",
		"document_id", doc.ID, "title", title, "pages", reader.NumPage(), "chunks", n)
	return Stats{DocumentID: doc.ID, Chunks: n}, nil
}
