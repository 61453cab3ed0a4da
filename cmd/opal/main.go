package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opal-net/opal/internal/auth"
	"github.com/opal-net/opal/internal/config"
	"github.com/opal-net/opal/internal/ingest"
	"github.com/opal-net/opal/internal/llm"
	"github.com/opal-net/opal/internal/mcp"
	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/planner"
	"github.com/opal-net/opal/internal/ratelimit"
	"github.com/opal-net/opal/internal/retrieval"
	"github.com/opal-net/opal/internal/search"
	"github.com/opal-net/opal/internal/server"
	"github.com/opal-net/opal/internal/service/chat"
	"github.com/opal-net/opal/internal/service/embedding"
	"github.com/opal-net/opal/internal/service/jobs"
	"github.com/opal-net/opal/internal/storage"
	"github.com/opal-net/opal/internal/telemetry"
	"github.com/opal-net/opal/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("OPAL_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("opal starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply embedded migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Qdrant is optional; without it every search runs against the
	// pgvector fallback in Postgres.
	var index search.Searcher
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), using pgvector")
	}

	if cfg.LLMAuthToken == "" {
		return fmt.Errorf("config: OPAL_LLM_AUTH_TOKEN is required")
	}
	gateway, err := llm.NewAnthropicGateway(llm.AnthropicConfig{
		APIKey:  cfg.LLMAuthToken,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	retrievalSvc := retrieval.NewService(embedder, index, db, logger)

	chatSvc, err := chat.NewService(gateway, retrievalSvc, db, db, cfg.MaxIterations, logger)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	plannerSvc := planner.NewService(gateway, retrievalSvc, logger)

	manager := jobs.NewManager(db, cfg.JobQueueSize, logger)
	manager.Register(model.JobKindChat, jobs.NewChatExecutor(chatSvc))
	manager.Register(model.JobKindPlan, jobs.NewPlanExecutor(plannerSvc))

	// The dispatcher gets its own lifetime so in-flight jobs drain after
	// the HTTP server stops accepting new submissions.
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	defer jobsCancel()
	jobsDone := make(chan struct{})
	go func() {
		manager.Run(jobsCtx)
		close(jobsDone)
	}()

	ingestor := ingest.NewService(db, embedder, index, logger)

	var authenticator *auth.Authenticator
	if cfg.AuthEnabled() {
		authenticator, err = auth.NewAuthenticator(cfg.APIKey, cfg.JWTSecret, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		logger.Info("auth: enabled (api key + bearer token)")
	} else {
		logger.Info("auth: disabled (no OPAL_API_KEY)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
	}

	mcpSrv := mcp.New(db, retrievalSvc, logger)

	srv := server.New(server.Config{
		Store:               db,
		JobRunner:           manager,
		Searcher:            retrievalSvc,
		Ingestor:            ingestor,
		Logger:              logger,
		Authenticator:       authenticator,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		FrontendURL:         cfg.FrontendURL,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting submissions, then let the job
	// dispatcher drain in-flight jobs to a terminal state.
	slog.Info("opal shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	jobsCancel()
	select {
	case <-jobsDone:
	case <-time.After(60 * time.Second):
		slog.Warn("job drain timed out")
	}

	slog.Info("opal stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on
// configuration. "cborg" and "openai" both speak the OpenAI embeddings
// wire format; they differ only in endpoint and credentials.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "cborg", "openai":
		if cfg.EmbeddingAPIKey == "" {
			logger.Warn("no embedding API key, using noop (semantic search degraded)",
				"provider", cfg.EmbeddingProvider)
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: "+cfg.EmbeddingProvider,
			"model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, dims)

	default:
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}
