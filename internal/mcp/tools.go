package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/storage"
)

func (s *Server) registerTools() {
	// opal_search_capabilities — semantic search over the registry.
	s.mcpServer.AddTool(
		mcplib.NewTool("opal_search_capabilities",
			mcplib.WithDescription(`Search the OPAL capability registry for experimental capabilities, facilities, and labs.

WHEN TO USE: When planning an experiment and you need to find which
member lab can run a particular assay, measurement, or workflow.

WHAT YOU GET BACK: Ranked capabilities with their facility and lab,
modalities, throughput, and the source citations backing each match.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of the capability needed, e.g. 'high-throughput drought phenotyping for sorghum'"),
				mcplib.Required(),
			),
			mcplib.WithString("modality",
				mcplib.Description("Optional modality filter, e.g. phenotyping, sequencing, proteomics"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum capabilities to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearchCapabilities,
	)

	// opal_get_lab_info — one lab with its capability roster.
	s.mcpServer.AddTool(
		mcplib.NewTool("opal_get_lab_info",
			mcplib.WithDescription(`Get detailed information about a specific OPAL member lab, including every capability it offers.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("lab_name",
				mcplib.Description("Name of the lab to look up; partial names match"),
				mcplib.Required(),
			),
		),
		s.handleGetLabInfo,
	)

	// opal_get_capability_details — full record for one capability.
	s.mcpServer.AddTool(
		mcplib.NewTool("opal_get_capability_details",
			mcplib.WithDescription(`Get the full record for a single capability: sample requirements, constraints, typical outputs, and readiness level.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("name",
				mcplib.Description("Exact capability name, as returned by opal_search_capabilities"),
				mcplib.Required(),
			),
		),
		s.handleGetCapabilityDetails,
	)
}

func (s *Server) handleSearchCapabilities(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 10)
	modality := request.GetString("modality", "")

	results, err := s.searcher.SearchCapabilities(ctx, query, model.CapabilitySearchOptions{
		TopK:     limit,
		Modality: modality,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"capabilities": results,
		"total":        len(results),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetLabInfo(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	labName := request.GetString("lab_name", "")
	if labName == "" {
		return errorResult("lab_name is required"), nil
	}

	lab, err := s.registry.FindLabByName(ctx, labName)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("lab %q not found", labName)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("lab lookup failed: %v", err)), nil
	}

	caps, err := s.registry.GetLabCapabilities(ctx, lab.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("capability lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"lab":          lab,
		"capabilities": caps,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetCapabilityDetails(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("name", "")
	if name == "" {
		return errorResult("name is required"), nil
	}

	cap, err := s.registry.GetCapabilityByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("capability %q not found", name)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("capability lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(cap, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
