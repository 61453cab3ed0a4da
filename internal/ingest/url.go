package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/opal-net/opal/internal/model"
)

const (
	fetchTimeout = 30 * time.Second
	userAgent    = "opal-ingest/1.0"
)

// IngestURL fetches a web page, extracts the readable article text,
// and persists the chunks under a new source document. title overrides
// the extracted page title when non-empty.
func (s *Service) IngestURL(ctx context.Context, rawURL, title string) (Stats, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: parse url %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Stats{}, fmt.Errorf("ingest: unsupported url scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: fetch %q: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("ingest: fetch %q: status %d", rawURL, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: extract article from %q: %w", rawURL, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return Stats{}, fmt.Errorf("ingest: no readable text at %q", rawURL)
	}
	if title == "" {
		title = article.Title
	}
	if title == "" {
		title = rawURL
	}

	return s.ingestText(ctx, model.SourceDocument{
		SourceType: "url",
		Title:      title,
		URI:        &rawURL,
	}, text, map[string]any{"url": rawURL})
}
