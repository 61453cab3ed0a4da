package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/opal-net/opal/internal/auth"
	"github.com/opal-net/opal/internal/ratelimit"
)

// Server is the OPAL HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
// Optional (nil-safe): Ingestor, Authenticator, Limiter, MCPServer.
type Config struct {
	Store     Store
	JobRunner JobRunner
	Searcher  Searcher
	Ingestor  Ingestor
	Logger    *slog.Logger

	Authenticator *auth.Authenticator
	Limiter       ratelimit.Limiter
	MCPServer     *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	FrontendURL         string
	MaxRequestBodyBytes int64
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JobRunner:           cfg.JobRunner,
		Searcher:            cfg.Searcher,
		Ingestor:            cfg.Ingestor,
		Authenticator:       cfg.Authenticator,
		Logger:              logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// LLM-backed submissions are the expensive path; everything else
	// rides on the queue's own backpressure.
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, logger)

	mux := http.NewServeMux()

	// Auth (open, the exchange itself is the gate).
	mux.HandleFunc("POST /v1/auth/token", h.HandleAuthToken)

	// Async job submission.
	mux.Handle("POST /v1/chat", submitRL(http.HandlerFunc(h.HandleChat)))
	mux.Handle("POST /v1/plan", submitRL(http.HandlerFunc(h.HandlePlan)))
	mux.HandleFunc("GET /v1/jobs/{job_id}", h.HandleGetJob)

	// Conversations.
	mux.HandleFunc("GET /v1/conversations", h.HandleListConversations)
	mux.HandleFunc("GET /v1/conversations/{conversation_id}", h.HandleGetConversation)
	mux.HandleFunc("PATCH /v1/conversations/{conversation_id}", h.HandleUpdateConversation)
	mux.HandleFunc("DELETE /v1/conversations/{conversation_id}", h.HandleDeleteConversation)

	// Registry.
	mux.HandleFunc("GET /v1/labs", h.HandleListLabs)
	mux.HandleFunc("GET /v1/labs/{lab_id}/capabilities", h.HandleLabCapabilities)
	mux.HandleFunc("GET /v1/capabilities", h.HandleListCapabilities)
	mux.HandleFunc("GET /v1/capabilities/{capability_id}", h.HandleGetCapability)
	mux.Handle("POST /v1/capabilities/search", submitRL(http.HandlerFunc(h.HandleSearchCapabilities)))

	// Source documents and ingestion.
	mux.HandleFunc("GET /v1/sources", h.HandleListSources)
	mux.HandleFunc("GET /v1/sources/{source_id}", h.HandleGetSource)
	mux.HandleFunc("GET /v1/sources/{source_id}/chunks", h.HandleSourceChunks)
	mux.HandleFunc("POST /v1/ingest/url", h.HandleIngestURL)
	mux.HandleFunc("POST /v1/ingest/pdf", h.HandleIngestPDF)
	mux.HandleFunc("POST /v1/ingest/bundle", h.HandleIngestBundle)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (open).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.Authenticator, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.FrontendURL, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
