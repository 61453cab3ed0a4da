// Command opal-ingest loads capability bundles and source documents
// into the registry from the command line, sharing the server's
// configuration and storage layer. It is the operator's bulk-load path;
// the HTTP ingest endpoints cover one-off additions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/opal-net/opal/internal/config"
	"github.com/opal-net/opal/internal/ingest"
	"github.com/opal-net/opal/internal/search"
	"github.com/opal-net/opal/internal/service/embedding"
	"github.com/opal-net/opal/internal/storage"
	"github.com/opal-net/opal/migrations"
)

func main() {
	bundlePath := flag.String("bundle", "", "path to a YAML capability bundle")
	pdfPath := flag.String("pdf", "", "path to a PDF document")
	rawURL := flag.String("url", "", "web page URL to ingest")
	title := flag.String("title", "", "document title (defaults to filename or page title)")
	migrate := flag.Bool("migrate", false, "apply pending migrations before ingesting")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *bundlePath, *pdfPath, *rawURL, *title, *migrate); err != nil {
		slog.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, bundlePath, pdfPath, rawURL, title string, migrate bool) error {
	sources := 0
	for _, s := range []string{bundlePath, pdfPath, rawURL} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("exactly one of -bundle, -pdf, or -url is required")
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if migrate {
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	embedder := newEmbeddingProvider(cfg, logger)

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
	}

	svc := ingest.NewService(db, embedder, index, logger)

	var stats ingest.Stats
	switch {
	case bundlePath != "":
		f, err := os.Open(bundlePath)
		if err != nil {
			return fmt.Errorf("open bundle: %w", err)
		}
		defer func() { _ = f.Close() }()
		stats, err = svc.IngestBundle(ctx, f, filepath.Base(bundlePath))
		if err != nil {
			return err
		}

	case pdfPath != "":
		content, err := os.ReadFile(pdfPath)
		if err != nil {
			return fmt.Errorf("read pdf: %w", err)
		}
		if title == "" {
			title = filepath.Base(pdfPath)
		}
		stats, err = svc.IngestPDF(ctx, content, title, nil)
		if err != nil {
			return err
		}

	case rawURL != "":
		stats, err = svc.IngestURL(ctx, rawURL, title)
		if err != nil {
			return err
		}
	}

	logger.Info("ingest complete",
		"document_id", stats.DocumentID,
		"labs", stats.Labs,
		"facilities", stats.Facilities,
		"capabilities", stats.Capabilities,
		"chunks", stats.Chunks,
	)
	return nil
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "cborg", "openai":
		if cfg.EmbeddingAPIKey == "" {
			logger.Warn("no embedding API key, using noop (semantic search degraded)",
				"provider", cfg.EmbeddingProvider)
			return embedding.NewNoopProvider(dims)
		}
		return embedding.NewOpenAIProvider(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, dims)

	default:
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}
