package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opal-net/opal/internal/auth"
	"github.com/opal-net/opal/internal/ingest"
	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/service/jobs"
	"github.com/opal-net/opal/internal/storage"
)

// Store is the persistence surface the handlers read from. *storage.DB
// satisfies it.
type Store interface {
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, int, error)
	RenameConversation(ctx context.Context, id uuid.UUID, title string) error
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	ListLabs(ctx context.Context) ([]model.Lab, error)
	GetLabCapabilities(ctx context.Context, labID uuid.UUID) ([]model.CapabilityWithContext, error)
	ListCapabilities(ctx context.Context) ([]model.CapabilityWithContext, error)
	GetCapabilityByID(ctx context.Context, id uuid.UUID) (model.CapabilityWithContext, error)

	ListSourceDocuments(ctx context.Context) ([]model.SourceDocument, error)
	GetSourceDocument(ctx context.Context, id uuid.UUID) (model.SourceDocument, error)
	GetChunksByDocument(ctx context.Context, docID uuid.UUID) ([]model.SourceChunk, error)

	Ping(ctx context.Context) error
}

// JobRunner submits and reads asynchronous jobs. *jobs.Manager
// satisfies it.
type JobRunner interface {
	Submit(ctx context.Context, kind model.JobKind, input json.RawMessage) (model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (model.Job, error)
}

// Searcher runs semantic capability search for the synchronous search
// endpoint.
type Searcher interface {
	SearchCapabilities(ctx context.Context, query string, opts model.CapabilitySearchOptions) ([]model.CapabilitySearchResult, error)
}

// Ingestor loads capability bundles and source documents.
type Ingestor interface {
	IngestBundle(ctx context.Context, r io.Reader, sourceName string) (ingest.Stats, error)
	IngestPDF(ctx context.Context, content []byte, title string, uri *string) (ingest.Stats, error)
	IngestURL(ctx context.Context, rawURL, title string) (ingest.Stats, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	jobRunner           JobRunner
	searcher            Searcher
	ingestor            Ingestor
	authenticator       *auth.Authenticator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Ingestor, Authenticator.
type HandlersDeps struct {
	Store               Store
	JobRunner           JobRunner
	Searcher            Searcher
	Ingestor            Ingestor
	Authenticator       *auth.Authenticator
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jobRunner:           d.JobRunner,
		searcher:            d.Searcher,
		ingestor:            d.Ingestor,
		authenticator:       d.Authenticator,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /v1/auth/token: exchange the operator
// API key for a bearer token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.authenticator == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "authentication is not configured")
		return
	}

	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	token, exp, err := h.authenticator.IssueToken(req.APIKey)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// HandleChat handles POST /v1/chat: submit an asynchronous chat turn.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message is required")
		return
	}

	input, err := json.Marshal(model.ChatJobInput{
		Message:        req.Message,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "encode job input")
		return
	}

	job, err := h.jobRunner.Submit(r.Context(), model.JobKindChat, input)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.ChatSubmitResponse{JobID: job.ID})
}

// HandlePlan handles POST /v1/plan: submit an asynchronous direct plan
// generation, bypassing the conversational loop.
func (h *Handlers) HandlePlan(w http.ResponseWriter, r *http.Request) {
	var req model.PlanRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Goal == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "goal is required")
		return
	}

	input, err := json.Marshal(model.PlanJobInput{
		Goal:        req.Goal,
		Context:     req.Context,
		Constraints: req.Constraints,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "encode job input")
		return
	}

	job, err := h.jobRunner.Submit(r.Context(), model.JobKindPlan, input)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.ChatSubmitResponse{JobID: job.ID})
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, jobs.ErrQueueFull) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "job queue is full, try again shortly")
		return
	}
	h.logger.ErrorContext(r.Context(), "job submit failed", "error", err)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to submit job")
}

// HandleGetJob handles GET /v1/jobs/{job_id}. The job carries its
// progress and, once terminal, its result or error.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "job_id")
	if !ok {
		return
	}

	job, err := h.jobRunner.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get job failed", "error", err, "job_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load job")
		return
	}

	// The raw input is an internal detail; clients poll for status and
	// result.
	job.Input = nil
	writeJSON(w, r, http.StatusOK, job)
}

// HandleListConversations handles GET /v1/conversations.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	convs, total, err := h.store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list conversations failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list conversations")
		return
	}

	summaries := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summaries = append(summaries, model.ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			Preview:      c.Preview(),
			MessageCount: len(c.Messages),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	writeList(w, r, summaries, total, limit, offset)
}

// HandleGetConversation handles GET /v1/conversations/{conversation_id}.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversation_id")
	if !ok {
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get conversation failed", "error", err, "conversation_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load conversation")
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

// HandleUpdateConversation handles PATCH /v1/conversations/{conversation_id}.
func (h *Handlers) HandleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversation_id")
	if !ok {
		return
	}

	var req model.ConversationUpdateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Title == nil || *req.Title == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "title is required")
		return
	}

	err := h.store.RenameConversation(r.Context(), id, *req.Title)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "rename conversation failed", "error", err, "conversation_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to rename conversation")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "renamed"})
}

// HandleDeleteConversation handles DELETE /v1/conversations/{conversation_id}.
func (h *Handlers) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversation_id")
	if !ok {
		return
	}

	err := h.store.DeleteConversation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "delete conversation failed", "error", err, "conversation_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListLabs handles GET /v1/labs.
func (h *Handlers) HandleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := h.store.ListLabs(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list labs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list labs")
		return
	}
	writeJSON(w, r, http.StatusOK, labs)
}

// HandleLabCapabilities handles GET /v1/labs/{lab_id}/capabilities.
func (h *Handlers) HandleLabCapabilities(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "lab_id")
	if !ok {
		return
	}

	caps, err := h.store.GetLabCapabilities(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "lab capabilities failed", "error", err, "lab_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list lab capabilities")
		return
	}
	writeJSON(w, r, http.StatusOK, caps)
}

// HandleListCapabilities handles GET /v1/capabilities.
func (h *Handlers) HandleListCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := h.store.ListCapabilities(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list capabilities failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list capabilities")
		return
	}
	writeJSON(w, r, http.StatusOK, caps)
}

// HandleGetCapability handles GET /v1/capabilities/{capability_id}.
func (h *Handlers) HandleGetCapability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "capability_id")
	if !ok {
		return
	}

	cap, err := h.store.GetCapabilityByID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "capability not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get capability failed", "error", err, "capability_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load capability")
		return
	}
	writeJSON(w, r, http.StatusOK, cap)
}

// HandleSearchCapabilities handles POST /v1/capabilities/search:
// synchronous semantic search over the registry.
func (h *Handlers) HandleSearchCapabilities(w http.ResponseWriter, r *http.Request) {
	var req model.CapabilitySearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}

	results, err := h.searcher.SearchCapabilities(r.Context(), req.Query, model.CapabilitySearchOptions{
		TopK:     req.TopK,
		Modality: req.Modality,
		Tags:     req.Tags,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "capability search failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "search failed")
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// HandleListSources handles GET /v1/sources.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.ListSourceDocuments(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list sources failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list sources")
		return
	}
	writeJSON(w, r, http.StatusOK, docs)
}

// HandleGetSource handles GET /v1/sources/{source_id}.
func (h *Handlers) HandleGetSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "source_id")
	if !ok {
		return
	}

	doc, err := h.store.GetSourceDocument(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source document not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get source failed", "error", err, "source_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load source")
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// HandleSourceChunks handles GET /v1/sources/{source_id}/chunks.
func (h *Handlers) HandleSourceChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "source_id")
	if !ok {
		return
	}

	chunks, err := h.store.GetChunksByDocument(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get source chunks failed", "error", err, "source_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load chunks")
		return
	}
	writeJSON(w, r, http.StatusOK, chunks)
}

// HandleIngestURL handles POST /v1/ingest/url.
func (h *Handlers) HandleIngestURL(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "ingestion is not configured")
		return
	}

	var req model.IngestURLRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.URL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "url is required")
		return
	}

	stats, err := h.ingestor.IngestURL(r.Context(), req.URL, req.Title)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "url ingest failed", "error", err, "url", req.URL)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, fmt.Sprintf("ingest failed: %v", err))
		return
	}

	writeJSON(w, r, http.StatusCreated, model.IngestResponse{
		SourceDocumentID: stats.DocumentID,
		ChunksCreated:    stats.Chunks,
		Message:          fmt.Sprintf("ingested %d chunks from %s", stats.Chunks, req.URL),
	})
}

// HandleIngestPDF handles POST /v1/ingest/pdf with a multipart "file"
// field and optional "title".
func (h *Handlers) HandleIngestPDF(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "ingestion is not configured")
		return
	}

	if h.maxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "multipart field \"file\" is required")
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read upload")
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}

	stats, err := h.ingestor.IngestPDF(r.Context(), content, title, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "pdf ingest failed", "error", err, "title", title)
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, fmt.Sprintf("ingest failed: %v", err))
		return
	}

	writeJSON(w, r, http.StatusCreated, model.IngestResponse{
		SourceDocumentID: stats.DocumentID,
		ChunksCreated:    stats.Chunks,
		Message:          fmt.Sprintf("ingested %d chunks from %s", stats.Chunks, title),
	})
}

// HandleIngestBundle handles POST /v1/ingest/bundle with a YAML
// capability bundle as the request body.
func (h *Handlers) HandleIngestBundle(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "ingestion is not configured")
		return
	}

	if h.maxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "capability-bundle.yaml"
	}

	stats, err := h.ingestor.IngestBundle(r.Context(), r.Body, name)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "bundle ingest failed", "error", err)
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, fmt.Sprintf("ingest failed: %v", err))
		return
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{
		"source_document_id": stats.DocumentID,
		"labs":               stats.Labs,
		"facilities":         stats.Facilities,
		"capabilities":       stats.Capabilities,
		"chunks_created":     stats.Chunks,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, r, code, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// pathUUID parses a UUID path parameter, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}
