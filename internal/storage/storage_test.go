package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/storage"
	"github.com/opal-net/opal/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this
// package. It stays nil when no container runtime is available.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.StartPostgres()
	if tc != nil {
		var err error
		testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
		if err != nil {
			tc.Terminate()
			panic(err)
		}
	}

	code := m.Run()

	if testDB != nil {
		testDB.Close()
	}
	if tc != nil {
		tc.Terminate()
	}
	os.Exit(code)
}

func requireDB(t *testing.T) *storage.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("no container runtime available")
	}
	return testDB
}

// testVec builds a 768-dim embedding with a single distinguishing
// component, matching the vector(768) column.
func testVec(hot int) pgvector.Vector {
	v := make([]float32, 768)
	v[hot%768] = 1
	return pgvector.NewVector(v)
}

func TestJobLifecycle(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	job, err := db.CreateJob(ctx, model.JobKindChat, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, db.StartJob(ctx, job.ID))

	// Progress updates are monotonic; an out-of-order lower percent is
	// absorbed.
	msg := "searching capabilities"
	require.NoError(t, db.UpdateJobProgress(ctx, job.ID, 50, &msg))
	require.NoError(t, db.UpdateJobProgress(ctx, job.ID, 30, nil))

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	assert.Equal(t, 50, got.Progress)
	require.NotNil(t, got.ProgressMessage)
	assert.Equal(t, msg, *got.ProgressMessage)
	assert.NotNil(t, got.StartedAt)

	// Executor reports are capped below 100; only completion writes it.
	require.NoError(t, db.UpdateJobProgress(ctx, job.ID, 100, nil))
	got, err = db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.Progress)

	require.NoError(t, db.CompleteJob(ctx, job.ID, json.RawMessage(`{"ok":true}`)))

	got, err = db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestJobInvalidTransitions(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	job, err := db.CreateJob(ctx, model.JobKindPlan, json.RawMessage(`{"goal":"g"}`))
	require.NoError(t, err)

	// Completing a Pending job skips Processing.
	err = db.CompleteJob(ctx, job.ID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, db.StartJob(ctx, job.ID))

	// Starting twice is not allowed.
	assert.ErrorIs(t, db.StartJob(ctx, job.ID), storage.ErrInvalidTransition)

	require.NoError(t, db.FailJob(ctx, job.ID, "upstream timeout"))

	// Terminal jobs stay terminal.
	assert.ErrorIs(t, db.CompleteJob(ctx, job.ID, json.RawMessage(`{}`)), storage.ErrInvalidTransition)

	// Progress against a terminal job is silently dropped.
	require.NoError(t, db.UpdateJobProgress(ctx, job.ID, 99, nil))
	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "upstream timeout", *got.Error)

	// Absent jobs are reported as such, not as bad transitions.
	assert.ErrorIs(t, db.StartJob(ctx, uuid.New()), storage.ErrNotFound)
	_, err = db.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteJobRemovesRow(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	job, err := db.CreateJob(ctx, model.JobKindChat, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, db.DeleteJob(ctx, job.ID))
	_, err = db.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, db.DeleteJob(ctx, job.ID), storage.ErrNotFound)
}

func TestConversationRoundTrip(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	conv := model.Conversation{ID: uuid.New()}
	conv.AppendMessage(model.RoleUser, "what phenotyping capacity exists for sorghum?")
	conv.AppendMessage(model.RoleAssistant, "two facilities match")
	conv.MergeSources([]model.Source{
		{ChunkID: "abc123", SourceDocumentID: uuid.NewString(), SourceTitle: "labs.yaml", Text: "chunk", Score: 0.9},
	})
	conv.DeriveTitle()

	require.NoError(t, db.SaveConversation(ctx, conv))

	got, err := db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	assert.Len(t, got.Sources, 1)
	require.NotNil(t, got.Title)
	assert.Equal(t, "what phenotyping capacity exists for sorghum?", *got.Title)

	// A second save with a merged duplicate source is a no-op on sources.
	got.MergeSources([]model.Source{{ChunkID: "abc123", Text: "chunk"}})
	got.AppendMessage(model.RoleUser, "narrow to greenhouse studies")
	require.NoError(t, db.SaveConversation(ctx, got))

	got, err = db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
	assert.Len(t, got.Sources, 1)

	require.NoError(t, db.RenameConversation(ctx, conv.ID, "Sorghum phenotyping"))
	got, err = db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sorghum phenotyping", *got.Title)

	require.NoError(t, db.DeleteConversation(ctx, conv.ID))
	_, err = db.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, db.DeleteConversation(ctx, conv.ID), storage.ErrNotFound)
}

func TestRegistryUpsertIsIdempotent(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	lab := model.Lab{Name: "Integration Test Lab", Institution: "LBNL"}
	labID, err := db.UpsertLab(ctx, lab)
	require.NoError(t, err)

	// The same lab name resolves to the same row.
	desc := "updated description"
	lab.Description = &desc
	labID2, err := db.UpsertLab(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, labID, labID2)

	facID, err := db.UpsertFacility(ctx, model.Facility{LabID: labID, Name: "Imaging Core"})
	require.NoError(t, err)

	capID, err := db.UpsertCapability(ctx, model.Capability{
		FacilityID: facID,
		Name:       "Hyperspectral Imaging",
		Modalities: []string{"imaging"},
		Tags:       []string{"drought"},
	})
	require.NoError(t, err)

	got, err := db.GetCapabilityByID(ctx, capID)
	require.NoError(t, err)
	assert.Equal(t, "Hyperspectral Imaging", got.Name)
	assert.Equal(t, "Imaging Core", got.FacilityName)
	assert.Equal(t, "Integration Test Lab", got.LabName)
	assert.Equal(t, "LBNL", got.LabInstitution)

	byName, err := db.GetCapabilityByName(ctx, "Hyperspectral Imaging")
	require.NoError(t, err)
	assert.Equal(t, capID, byName.ID)

	caps, err := db.GetLabCapabilities(ctx, labID)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, capID, caps[0].ID)

	found, err := db.FindLabByName(ctx, "Integration Test Lab")
	require.NoError(t, err)
	assert.Equal(t, labID, found.ID)

	_, err = db.FindLabByName(ctx, "No Such Lab")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunkSearchOrdersBySimilarity(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	doc, err := db.CreateSourceDocument(ctx, model.SourceDocument{
		SourceType: "yaml",
		Title:      "search-test.yaml",
	})
	require.NoError(t, err)

	chunks := []model.SourceChunk{
		{ID: "search-test-0", SourceDocumentID: doc.ID, ChunkIndex: 0, Text: "alpha"},
		{ID: "search-test-1", SourceDocumentID: doc.ID, ChunkIndex: 1, Text: "beta"},
	}
	embeddings := []pgvector.Vector{testVec(0), testVec(1)}
	require.NoError(t, db.InsertChunks(ctx, chunks, embeddings))

	// Re-inserting with new text overwrites by deterministic chunk ID.
	chunks[0].Text = "alpha revised"
	require.NoError(t, db.InsertChunks(ctx, chunks[:1], embeddings[:1]))

	stored, err := db.GetChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "alpha revised", stored[0].Text)

	hits, err := db.SearchChunks(ctx, testVec(1), 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "search-test-1", hits[0].ChunkID)
	assert.Equal(t, "search-test.yaml", hits[0].SourceTitle)
	assert.Greater(t, hits[0].Score, float32(0.9))
}
