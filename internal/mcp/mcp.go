// Package mcp implements the Model Context Protocol server for OPAL.
//
// It exposes the capability registry through MCP resources and tools,
// so MCP-compatible agents can discover labs and capabilities without
// going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/opal-net/opal/internal/model"
)

// Registry is the read-only view of the capability registry the MCP
// server serves from.
type Registry interface {
	ListLabs(ctx context.Context) ([]model.Lab, error)
	FindLabByName(ctx context.Context, name string) (model.Lab, error)
	GetLabCapabilities(ctx context.Context, labID uuid.UUID) ([]model.CapabilityWithContext, error)
	ListCapabilities(ctx context.Context) ([]model.CapabilityWithContext, error)
	GetCapabilityByName(ctx context.Context, name string) (model.CapabilityWithContext, error)
}

// Searcher runs semantic capability search for the opal_search tool.
type Searcher interface {
	SearchCapabilities(ctx context.Context, query string, opts model.CapabilitySearchOptions) ([]model.CapabilitySearchResult, error)
}

// Server wraps the MCP server with OPAL's registry and search services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  Registry
	searcher  Searcher
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(registry Registry, searcher Searcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		searcher: searcher,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"opal",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// opal://labs — all member labs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"opal://labs",
			"Member Labs",
			mcplib.WithResourceDescription("All OPAL member labs with institution and location"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleLabsResource,
	)

	// opal://capabilities — the full capability catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"opal://capabilities",
			"Capability Catalog",
			mcplib.WithResourceDescription("Every registered capability with its facility and lab context"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCapabilitiesResource,
	)
}

func (s *Server) handleLabsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	labs, err := s.registry.ListLabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list labs: %w", err)
	}

	data, err := json.MarshalIndent(labs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal labs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "opal://labs",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCapabilitiesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	caps, err := s.registry.ListCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list capabilities: %w", err)
	}

	data, err := json.MarshalIndent(caps, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal capabilities: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "opal://capabilities",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
