package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-net/opal/internal/auth"
	"github.com/opal-net/opal/internal/ingest"
	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/service/jobs"
	"github.com/opal-net/opal/internal/storage"
)

type memStore struct {
	conversations map[uuid.UUID]model.Conversation
	labs          []model.Lab
	capabilities  map[uuid.UUID]model.CapabilityWithContext
	documents     map[uuid.UUID]model.SourceDocument
	pingErr       error
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[uuid.UUID]model.Conversation),
		capabilities:  make(map[uuid.UUID]model.CapabilityWithContext),
		documents:     make(map[uuid.UUID]model.SourceDocument),
	}
}

func (m *memStore) GetConversation(_ context.Context, id uuid.UUID) (model.Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return model.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListConversations(_ context.Context, limit, offset int) ([]model.Conversation, int, error) {
	all := make([]model.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		all = append(all, c)
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], total, nil
}

func (m *memStore) RenameConversation(_ context.Context, id uuid.UUID, title string) error {
	c, ok := m.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Title = &title
	m.conversations[id] = c
	return nil
}

func (m *memStore) DeleteConversation(_ context.Context, id uuid.UUID) error {
	if _, ok := m.conversations[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.conversations, id)
	return nil
}

func (m *memStore) ListLabs(context.Context) ([]model.Lab, error) { return m.labs, nil }

func (m *memStore) GetLabCapabilities(context.Context, uuid.UUID) ([]model.CapabilityWithContext, error) {
	var out []model.CapabilityWithContext
	for _, c := range m.capabilities {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) ListCapabilities(context.Context) ([]model.CapabilityWithContext, error) {
	var out []model.CapabilityWithContext
	for _, c := range m.capabilities {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) GetCapabilityByID(_ context.Context, id uuid.UUID) (model.CapabilityWithContext, error) {
	c, ok := m.capabilities[id]
	if !ok {
		return model.CapabilityWithContext{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListSourceDocuments(context.Context) ([]model.SourceDocument, error) {
	var out []model.SourceDocument
	for _, d := range m.documents {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) GetSourceDocument(_ context.Context, id uuid.UUID) (model.SourceDocument, error) {
	d, ok := m.documents[id]
	if !ok {
		return model.SourceDocument{}, storage.ErrNotFound
	}
	return d, nil
}

func (m *memStore) GetChunksByDocument(context.Context, uuid.UUID) ([]model.SourceChunk, error) {
	return nil, nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

type fakeRunner struct {
	jobs      map[uuid.UUID]model.Job
	submitErr error
	lastKind  model.JobKind
	lastInput json.RawMessage
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{jobs: make(map[uuid.UUID]model.Job)}
}

func (f *fakeRunner) Submit(_ context.Context, kind model.JobKind, input json.RawMessage) (model.Job, error) {
	if f.submitErr != nil {
		return model.Job{}, f.submitErr
	}
	f.lastKind = kind
	f.lastInput = input
	job := model.Job{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    model.JobStatusPending,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRunner) Get(_ context.Context, id uuid.UUID) (model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return model.Job{}, storage.ErrNotFound
	}
	return job, nil
}

type fakeSearcher struct {
	results []model.CapabilitySearchResult
}

func (f *fakeSearcher) SearchCapabilities(context.Context, string, model.CapabilitySearchOptions) ([]model.CapabilitySearchResult, error) {
	return f.results, nil
}

type fakeIngestor struct {
	bundleStats ingest.Stats
	bundleErr   error
}

func (f *fakeIngestor) IngestBundle(_ context.Context, r io.Reader, _ string) (ingest.Stats, error) {
	_, _ = io.Copy(io.Discard, r)
	return f.bundleStats, f.bundleErr
}

func (f *fakeIngestor) IngestPDF(context.Context, []byte, string, *string) (ingest.Stats, error) {
	return f.bundleStats, f.bundleErr
}

func (f *fakeIngestor) IngestURL(context.Context, string, string) (ingest.Stats, error) {
	return f.bundleStats, f.bundleErr
}

type harness struct {
	store    *memStore
	runner   *fakeRunner
	searcher *fakeSearcher
	ingestor *fakeIngestor
	srv      *Server
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		runner:   newFakeRunner(),
		searcher: &fakeSearcher{},
		ingestor: &fakeIngestor{},
	}
	cfg := Config{
		Store:               h.store,
		JobRunner:           h.runner,
		Searcher:            h.searcher,
		Ingestor:            h.ingestor,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.srv = New(cfg)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error model.ErrorDetail  `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthIncludesRequestID(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	env := decodeEnvelope(t, rec)
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.Contains(t, string(env.Data), `"status":"ok"`)
}

func TestHealthDegradedWhenDBDown(t *testing.T) {
	h := newHarness(t, nil)
	h.store.pingErr = fmt.Errorf("connection refused")

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestChatSubmitReturnsJobID(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/chat", model.ChatRequest{Message: "find phenotyping"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	env := decodeEnvelope(t, rec)
	var resp model.ChatSubmitResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.NotEqual(t, uuid.Nil, resp.JobID)
	assert.Equal(t, model.JobKindChat, h.runner.lastKind)
	assert.Contains(t, string(h.runner.lastInput), "find phenotyping")
}

func TestChatRequiresMessage(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/chat", model.ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestChatQueueFullMapsTo503(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.submitErr = jobs.ErrQueueFull

	rec := h.do(t, http.MethodPost, "/v1/chat", model.ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, model.ErrCodeUnavailable, env.Error.Code)
}

func TestPlanSubmit(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/plan", model.PlanRequest{Goal: "phenotype sorghum"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.JobKindPlan, h.runner.lastKind)
}

func TestGetJobStripsInput(t *testing.T) {
	h := newHarness(t, nil)
	job, err := h.runner.Submit(context.Background(), model.JobKindChat, json.RawMessage(`{"message":"secret"}`))
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.NotContains(t, string(env.Data), "secret")
	assert.Contains(t, string(env.Data), `"status":"pending"`)
}

func TestGetJobNotFound(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	conv := model.Conversation{
		ID:       uuid.New(),
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	}
	h.store.conversations[conv.ID] = conv

	rec := h.do(t, http.MethodGet, "/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = h.do(t, http.MethodGet, "/v1/conversations/"+conv.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	title := "Renamed"
	rec = h.do(t, http.MethodPatch, "/v1/conversations/"+conv.ID.String(),
		model.ConversationUpdateRequest{Title: &title})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", *h.store.conversations[conv.ID].Title)

	rec = h.do(t, http.MethodDelete, "/v1/conversations/"+conv.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, h.store.conversations)

	rec = h.do(t, http.MethodGet, "/v1/conversations/"+conv.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCapabilitySearchRequiresQuery(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/capabilities/search", model.CapabilitySearchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.searcher.results = []model.CapabilitySearchResult{{RelevanceScore: 0.8}}
	rec = h.do(t, http.MethodPost, "/v1/capabilities/search",
		model.CapabilitySearchRequest{Query: "sequencing"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestBundle(t *testing.T) {
	h := newHarness(t, nil)
	h.ingestor.bundleStats = ingest.Stats{DocumentID: uuid.New(), Labs: 1, Chunks: 3}

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/bundle?name=labs.yaml",
		strings.NewReader("labs: []"))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chunks_created":3`)
}

func TestIngestURLRequiresURL(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/ingest/url", model.IngestURLRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthGateWhenConfigured(t *testing.T) {
	authenticator, err := auth.NewAuthenticator("sk-opal-test", "0123456789abcdef", time.Hour)
	require.NoError(t, err)
	h := newHarness(t, func(cfg *Config) { cfg.Authenticator = authenticator })

	// Health stays open.
	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Protected routes reject missing and malformed credentials.
	rec = h.do(t, http.MethodGet, "/v1/labs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/labs", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Exchange the API key for a token, then use it.
	rec = h.do(t, http.MethodPost, "/v1/auth/token", model.AuthTokenRequest{APIKey: "sk-opal-test"})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	var tokenResp model.AuthTokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &tokenResp))

	req = httptest.NewRequest(http.MethodGet, "/v1/labs", nil)
	req.Header.Set("Authorization", "Bearer "+tokenResp.Token)
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledLeavesAPIOpen(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/labs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/auth/token", model.AuthTokenRequest{APIKey: "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.FrontendURL = "http://localhost:3000" })

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddlewareConvertsPanic(t *testing.T) {
	var handler http.Handler = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler = requestIDMiddleware(recoveryMiddleware(slog.Default(), handler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}
