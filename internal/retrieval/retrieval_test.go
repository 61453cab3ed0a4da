package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/search"
	"github.com/opal-net/opal/internal/service/embedding"
	"github.com/opal-net/opal/internal/storage"
)

type fakeIndex struct {
	hits      []model.SearchHit
	healthErr error
	searchErr error
	gotLimit  int
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, _ search.Filters, limit int) ([]model.SearchHit, error) {
	f.gotLimit = limit
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func (f *fakeIndex) Upsert(context.Context, []search.Point) error      { return nil }
func (f *fakeIndex) DeleteByDocument(context.Context, uuid.UUID) error { return nil }
func (f *fakeIndex) Healthy(context.Context) error                     { return f.healthErr }

type fakeStore struct {
	caps         map[string]model.CapabilityWithContext
	fallbackHits []model.SearchHit
	fallbackUsed bool
}

func (f *fakeStore) GetCapabilityByName(_ context.Context, name string) (model.CapabilityWithContext, error) {
	cap, ok := f.caps[name]
	if !ok {
		return model.CapabilityWithContext{}, storage.ErrNotFound
	}
	return cap, nil
}

func (f *fakeStore) SearchChunks(_ context.Context, _ pgvector.Vector, _ int) ([]model.SearchHit, error) {
	f.fallbackUsed = true
	return f.fallbackHits, nil
}

func capWithContext(name string, modalities, tags []string) model.CapabilityWithContext {
	return model.CapabilityWithContext{
		Capability: model.Capability{
			ID:         uuid.New(),
			Name:       name,
			Modalities: modalities,
			Tags:       tags,
		},
		FacilityName:   "Core Facility",
		LabName:        "Plant Lab",
		LabInstitution: "LBNL",
	}
}

func hit(chunkID, capability string, score float32) model.SearchHit {
	return model.SearchHit{
		ChunkID:  chunkID,
		Text:     "chunk text",
		Score:    score,
		Metadata: map[string]any{"capability_name": capability},
	}
}

func TestSearchCapabilitiesGroupsByCapability(t *testing.T) {
	idx := &fakeIndex{hits: []model.SearchHit{
		hit("c1", "Phenotyping", 0.91),
		hit("c2", "Sequencing", 0.85),
		hit("c3", "Phenotyping", 0.72),
	}}
	store := &fakeStore{caps: map[string]model.CapabilityWithContext{
		"Phenotyping": capWithContext("Phenotyping", []string{"phenotyping"}, nil),
		"Sequencing":  capWithContext("Sequencing", []string{"sequencing"}, nil),
	}}
	svc := NewService(embedding.NewNoopProvider(3), idx, store, nil)

	results, err := svc.SearchCapabilities(context.Background(), "measure plants", model.CapabilitySearchOptions{TopK: 5})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "Phenotyping", results[0].Capability.Name)
	assert.InDelta(t, 0.91, results[0].RelevanceScore, 1e-6)
	assert.Len(t, results[0].SourceChunks, 2)
	assert.Equal(t, "Sequencing", results[1].Capability.Name)

	// Over-fetch: 2x the requested topK.
	assert.Equal(t, 10, idx.gotLimit)
}

func TestSearchCapabilitiesSkipsUnhydratable(t *testing.T) {
	idx := &fakeIndex{hits: []model.SearchHit{
		hit("c1", "Deleted Capability", 0.95),
		hit("c2", "Sequencing", 0.80),
	}}
	store := &fakeStore{caps: map[string]model.CapabilityWithContext{
		"Sequencing": capWithContext("Sequencing", nil, nil),
	}}
	svc := NewService(embedding.NewNoopProvider(3), idx, store, nil)

	results, err := svc.SearchCapabilities(context.Background(), "q", model.CapabilitySearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Sequencing", results[0].Capability.Name)
}

func TestSearchCapabilitiesModalityAndTagFilters(t *testing.T) {
	idx := &fakeIndex{hits: []model.SearchHit{
		hit("c1", "Phenotyping", 0.9),
		hit("c2", "Sequencing", 0.8),
	}}
	store := &fakeStore{caps: map[string]model.CapabilityWithContext{
		"Phenotyping": capWithContext("Phenotyping", []string{"Phenotyping"}, []string{"plants"}),
		"Sequencing":  capWithContext("Sequencing", []string{"sequencing"}, []string{"genomics"}),
	}}
	svc := NewService(embedding.NewNoopProvider(3), idx, store, nil)

	results, err := svc.SearchCapabilities(context.Background(), "q", model.CapabilitySearchOptions{
		TopK:     5,
		Modality: "phenotyping", // case-insensitive
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Phenotyping", results[0].Capability.Name)

	results, err = svc.SearchCapabilities(context.Background(), "q", model.CapabilitySearchOptions{
		TopK: 5,
		Tags: []string{"GENOMICS"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Sequencing", results[0].Capability.Name)
}

func TestSearchChunksFallsBackWhenIndexUnhealthy(t *testing.T) {
	idx := &fakeIndex{healthErr: errors.New("connection refused")}
	store := &fakeStore{fallbackHits: []model.SearchHit{hit("c1", "Phenotyping", 0.5)}}
	svc := NewService(embedding.NewNoopProvider(3), idx, store, nil)

	hits, err := svc.SearchChunks(context.Background(), "q", 5, search.Filters{})
	require.NoError(t, err)
	assert.True(t, store.fallbackUsed)
	require.Len(t, hits, 1)
}

func TestSearchChunksFallsBackOnSearchError(t *testing.T) {
	idx := &fakeIndex{searchErr: errors.New("deadline exceeded")}
	store := &fakeStore{fallbackHits: []model.SearchHit{hit("c1", "Phenotyping", 0.5)}}
	svc := NewService(embedding.NewNoopProvider(3), idx, store, nil)

	hits, err := svc.SearchChunks(context.Background(), "q", 5, search.Filters{})
	require.NoError(t, err)
	assert.True(t, store.fallbackUsed)
	require.Len(t, hits, 1)
}

func TestSearchChunksNilIndexUsesPostgres(t *testing.T) {
	store := &fakeStore{fallbackHits: []model.SearchHit{hit("c1", "Phenotyping", 0.5)}}
	svc := NewService(embedding.NewNoopProvider(3), nil, store, nil)

	hits, err := svc.SearchChunks(context.Background(), "q", 5, search.Filters{})
	require.NoError(t, err)
	assert.True(t, store.fallbackUsed)
	require.Len(t, hits, 1)
}
