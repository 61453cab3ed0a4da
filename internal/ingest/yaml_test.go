package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/search"
	"github.com/opal-net/opal/internal/service/embedding"
)

const testBundle = `
labs:
  - name: Plant Lab
    institution: LBNL
    location: Berkeley, CA
    description: Plant biology and phenotyping.
    facilities:
      - name: Phenotyping Core
        description: Automated greenhouse imaging.
        capabilities:
          - name: Automated Phenotyping
            description: High-throughput plant imaging under controlled stress.
            modalities: [phenotyping, imaging]
            throughput: 400 plants/week
            typical_outputs: [growth curves, stress indices]
            tags: [drought, greenhouse]
          - name: Hyperspectral Imaging
            description: Leaf-level hyperspectral scans.
            modalities: [imaging]
            tags: [spectroscopy]
`

type fakeStore struct {
	labs         []model.Lab
	facilities   []model.Facility
	capabilities []model.Capability
	documents    []model.SourceDocument
	chunks       []model.SourceChunk
	embeddings   []pgvector.Vector
}

func (f *fakeStore) UpsertLab(_ context.Context, l model.Lab) (uuid.UUID, error) {
	l.ID = uuid.New()
	f.labs = append(f.labs, l)
	return l.ID, nil
}

func (f *fakeStore) UpsertFacility(_ context.Context, fac model.Facility) (uuid.UUID, error) {
	fac.ID = uuid.New()
	f.facilities = append(f.facilities, fac)
	return fac.ID, nil
}

func (f *fakeStore) UpsertCapability(_ context.Context, c model.Capability) (uuid.UUID, error) {
	c.ID = uuid.New()
	f.capabilities = append(f.capabilities, c)
	return c.ID, nil
}

func (f *fakeStore) CreateSourceDocument(_ context.Context, doc model.SourceDocument) (model.SourceDocument, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	f.documents = append(f.documents, doc)
	return doc, nil
}

func (f *fakeStore) InsertChunks(_ context.Context, chunks []model.SourceChunk, embeddings []pgvector.Vector) error {
	f.chunks = append(f.chunks, chunks...)
	f.embeddings = append(f.embeddings, embeddings...)
	return nil
}

type fakeIndex struct {
	points    []search.Point
	upsertErr error
}

func (f *fakeIndex) Search(context.Context, []float32, search.Filters, int) ([]model.SearchHit, error) {
	return nil, nil
}

func (f *fakeIndex) Upsert(_ context.Context, points []search.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeIndex) DeleteByDocument(context.Context, uuid.UUID) error { return nil }
func (f *fakeIndex) Healthy(context.Context) error                     { return nil }

func TestIngestBundleUpsertsRegistryAndChunks(t *testing.T) {
	store := &fakeStore{}
	index := &fakeIndex{}
	svc := NewService(store, embedding.NewNoopProvider(4), index, nil)

	stats, err := svc.IngestBundle(context.Background(), strings.NewReader(testBundle), "opal-labs.yaml")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Labs)
	assert.Equal(t, 1, stats.Facilities)
	assert.Equal(t, 2, stats.Capabilities)
	assert.Equal(t, 2, stats.Chunks)

	require.Len(t, store.labs, 1)
	assert.Equal(t, "Plant Lab", store.labs[0].Name)
	assert.Equal(t, "LBNL", store.labs[0].Institution)

	require.Len(t, store.capabilities, 2)
	assert.Equal(t, store.facilities[0].ID, store.capabilities[0].FacilityID)
	require.NotNil(t, store.capabilities[0].SourceDocumentID)
	assert.Equal(t, stats.DocumentID, *store.capabilities[0].SourceDocumentID)

	require.Len(t, store.chunks, 2)
	first := store.chunks[0]
	assert.Len(t, first.ID, 16)
	assert.Contains(t, first.Text, "Automated Phenotyping: High-throughput plant imaging")
	assert.Contains(t, first.Text, "Modalities: phenotyping, imaging.")
	assert.Contains(t, first.Text, "Tags: drought, greenhouse.")
	assert.Equal(t, "capability", first.Metadata["type"])
	assert.Equal(t, "Automated Phenotyping", first.Metadata["capability_name"])
	assert.Equal(t, "Phenotyping Core", first.Metadata["facility_name"])
	assert.Equal(t, "Plant Lab", first.Metadata["lab_name"])
}

func TestIngestBundleMirrorsChunksToIndex(t *testing.T) {
	store := &fakeStore{}
	index := &fakeIndex{}
	svc := NewService(store, embedding.NewNoopProvider(4), index, nil)

	stats, err := svc.IngestBundle(context.Background(), strings.NewReader(testBundle), "opal-labs.yaml")
	require.NoError(t, err)

	require.Len(t, index.points, 2)
	p := index.points[0]
	assert.Equal(t, store.chunks[0].ID, p.ChunkID)
	assert.Equal(t, stats.DocumentID.String(), p.SourceDocumentID)
	assert.Equal(t, "opal-labs.yaml", p.SourceTitle)
	assert.Equal(t, "Automated Phenotyping", p.CapabilityName)
	require.NotNil(t, p.LabID)
	assert.Equal(t, store.labs[0].ID, *p.LabID)
	assert.Len(t, p.Embedding, 4)
}

func TestIngestBundleIndexFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{}
	index := &fakeIndex{upsertErr: errors.New("qdrant down")}
	svc := NewService(store, embedding.NewNoopProvider(4), index, nil)

	stats, err := svc.IngestBundle(context.Background(), strings.NewReader(testBundle), "opal-labs.yaml")
	require.NoError(t, err, "postgres write succeeded; index mirror is best effort")
	assert.Equal(t, 2, stats.Chunks)
	assert.Len(t, store.chunks, 2)
}

func TestIngestBundleWithoutIndex(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, embedding.NewNoopProvider(4), nil, nil)

	stats, err := svc.IngestBundle(context.Background(), strings.NewReader(testBundle), "opal-labs.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Chunks)
}

func TestParseBundleRejectsEmpty(t *testing.T) {
	_, err := ParseBundle(strings.NewReader("labs: []"))
	require.Error(t, err)

	_, err = ParseBundle(strings.NewReader("labs:\n  - institution: X"))
	require.Error(t, err, "lab without a name")
}

func TestParseBundleRejectsMalformedYAML(t *testing.T) {
	_, err := ParseBundle(strings.NewReader("labs: [unclosed"))
	require.Error(t, err)
}
