// Package retrieval answers semantic queries over the capability
// registry and ingested source documents. It embeds the query, searches
// the vector index (falling back to pgvector similarity in Postgres
// when the index is down), and hydrates capability records from their
// chunk provenance.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/search"
	"github.com/opal-net/opal/internal/service/embedding"
	"github.com/opal-net/opal/internal/storage"
)

const defaultTopK = 10

// Store is the slice of the storage layer the retrieval service uses:
// capability hydration and the pgvector search fallback.
type Store interface {
	GetCapabilityByName(ctx context.Context, name string) (model.CapabilityWithContext, error)
	SearchChunks(ctx context.Context, embedding pgvector.Vector, topK int) ([]model.SearchHit, error)
}

// Service performs semantic retrieval. The index is optional: with a
// nil or unhealthy index every query runs against Postgres.
type Service struct {
	embedder embedding.Provider
	index    search.Searcher
	store    Store
	logger   *slog.Logger
}

// NewService creates a retrieval service. index may be nil.
func NewService(embedder embedding.Provider, index search.Searcher, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, index: index, store: store, logger: logger}
}

// SearchChunks returns the topK most similar chunks for the query.
func (s *Service) SearchChunks(ctx context.Context, query string, topK int, filters search.Filters) ([]model.SearchHit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return s.searchByVector(ctx, vec, topK, filters)
}

// SearchCapabilities retrieves chunks for the query, groups them by the
// capability they describe, and returns the topK capabilities ranked by
// their best chunk score. Chunks are over-fetched (2x) so that grouping
// and filtering still leave enough candidates.
func (s *Service) SearchCapabilities(ctx context.Context, query string, opts model.CapabilitySearchOptions) ([]model.CapabilitySearchResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	hits, err := s.searchByVector(ctx, vec, topK*2, search.Filters{LabID: opts.LabID})
	if err != nil {
		return nil, err
	}

	// Group hits by capability, keeping the best score per capability
	// and every chunk that matched it.
	type group struct {
		score  float32
		chunks []model.SearchHit
	}
	groups := make(map[string]*group)
	var order []string
	for _, hit := range hits {
		name, _ := hit.Metadata["capability_name"].(string)
		if name == "" {
			continue
		}
		g, ok := groups[name]
		if !ok {
			groups[name] = &group{score: hit.Score, chunks: []model.SearchHit{hit}}
			order = append(order, name)
			continue
		}
		if hit.Score > g.score {
			g.score = hit.Score
		}
		g.chunks = append(g.chunks, hit)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return groups[order[i]].score > groups[order[j]].score
	})

	var results []model.CapabilitySearchResult
	for _, name := range order {
		if len(results) == topK {
			break
		}
		cap, err := s.store.GetCapabilityByName(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			// Index entry survived a registry change; skip it.
			s.logger.WarnContext(ctx, "retrieval: indexed capability missing from registry", "capability", name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("retrieval: hydrate capability %q: %w", name, err)
		}
		if !matchesModality(cap.Modalities, opts.Modality) {
			continue
		}
		if !matchesTags(cap.Tags, opts.Tags) {
			continue
		}
		results = append(results, model.CapabilitySearchResult{
			Capability:     cap,
			RelevanceScore: groups[name].score,
			SourceChunks:   groups[name].chunks,
		})
	}
	return results, nil
}

// searchByVector runs the query against the index when it is healthy,
// otherwise against Postgres. Fallback hits carry the same shape; only
// ranking differs slightly between backends.
func (s *Service) searchByVector(ctx context.Context, vec pgvector.Vector, topK int, filters search.Filters) ([]model.SearchHit, error) {
	if s.index != nil {
		if err := s.index.Healthy(ctx); err == nil {
			hits, err := s.index.Search(ctx, vec.Slice(), filters, topK)
			if err == nil {
				return hits, nil
			}
			s.logger.WarnContext(ctx, "retrieval: index search failed, falling back to postgres", "error", err)
		} else {
			s.logger.WarnContext(ctx, "retrieval: index unhealthy, falling back to postgres", "error", err)
		}
	}
	hits, err := s.store.SearchChunks(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: postgres chunk search: %w", err)
	}
	return filterHits(hits, filters), nil
}

// filterHits applies index-level filters to fallback results, which the
// SQL path does not constrain.
func filterHits(hits []model.SearchHit, filters search.Filters) []model.SearchHit {
	if filters.LabID == nil {
		return hits
	}
	want := filters.LabID.String()
	var out []model.SearchHit
	for _, h := range hits {
		if id, _ := h.Metadata["lab_id"].(string); id == want {
			out = append(out, h)
		}
	}
	return out
}

func matchesModality(modalities []string, want string) bool {
	if want == "" {
		return true
	}
	for _, m := range modalities {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}

func matchesTags(tags, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[strings.ToLower(t)] = struct{}{}
	}
	for _, w := range want {
		if _, ok := have[strings.ToLower(w)]; ok {
			return true
		}
	}
	return false
}
