package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/opal-net/opal/internal/llm"
	"github.com/opal-net/opal/internal/model"
)

const systemPrompt = `You are an expert research planner for the OPAL (Orchestrated Platform for Autonomous Laboratories) network. Your task is to create detailed, actionable research plans that leverage capabilities across multiple OPAL member labs.

When creating a plan:

1. STRUCTURE: Organize the plan into clear phases:
   - Discovery/Characterization phase (strain selection, initial testing)
   - Design/Build phase (genetic engineering, strain construction)
   - Test phase (phenotyping, validation)
   - Scale-up/Application phase (if applicable)

2. SEQUENCING: Optimize for "fastest learning":
   - Front-load experiments that reduce uncertainty
   - Identify what can run in parallel
   - Mark critical decision points where results gate next steps

3. DEPENDENCIES: Clearly specify:
   - What inputs each step requires
   - What outputs it produces
   - Which steps depend on which other steps

4. CONSTRAINTS: For each step, note:
   - Biosafety requirements
   - Sample format requirements
   - Throughput/capacity limitations
   - Shipping/transfer logistics between labs

5. CITATIONS: Every capability recommendation MUST cite the source document.
   - If no source exists, mark the step as "is_hypothesis: true"
   - Be honest about uncertainty

6. RISKS: Identify potential issues and provide alternatives:
   - What if a capability is at capacity?
   - What if initial results are negative?
   - What are backup approaches?

Return a complete, well-structured plan that a scientist can immediately begin executing.`

const planSkeleton = `{
    "goal_summary": "...",
    "assumptions": ["..."],
    "steps": [
        {
            "step_id": "S1",
            "objective": "...",
            "recommended_facility": "Lab Name - Facility Name",
            "capability_ids": ["..."],
            "inputs": ["..."],
            "outputs": ["..."],
            "constraints": ["..."],
            "dependencies": [],
            "decision_points": ["..."],
            "citations": [{"source_document_id": "...", "quote": "..."}],
            "is_hypothesis": false
        }
    ],
    "open_questions": ["..."],
    "risks_and_alternatives": [
        {"risk": "...", "impact": "...", "alternative": "..."}
    ]
}`

// CapabilitySearcher is the slice of the retrieval service the planner
// needs.
type CapabilitySearcher interface {
	SearchCapabilities(ctx context.Context, query string, opts model.CapabilitySearchOptions) ([]model.CapabilitySearchResult, error)
}

// Service generates a plan directly from a goal, without a
// conversation: one retrieval pass, one model call, text-path parsing.
type Service struct {
	gateway  llm.Gateway
	searcher CapabilitySearcher
	logger   *slog.Logger
}

// NewService creates a planner service.
func NewService(gateway llm.Gateway, searcher CapabilitySearcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gateway: gateway, searcher: searcher, logger: logger}
}

// Generate retrieves relevant capabilities for the goal and asks the
// model for a structured plan in one shot. The response is parsed with
// FromText, so a malformed model reply yields a degraded plan rather
// than an error; only retrieval and gateway failures propagate.
func (s *Service) Generate(ctx context.Context, goal string, projectContext map[string]any, constraints []string) (model.Plan, error) {
	results, err := s.searcher.SearchCapabilities(ctx, goal, model.CapabilitySearchOptions{TopK: 20})
	if err != nil {
		return model.Plan{}, fmt.Errorf("planner: search capabilities: %w", err)
	}

	resp, err := s.gateway.Generate(ctx, llm.Request{
		System:   systemPrompt,
		Messages: []llm.Message{llm.UserMessage(buildPrompt(goal, projectContext, constraints, results))},
	})
	if err != nil {
		return model.Plan{}, fmt.Errorf("planner: generate: %w", err)
	}

	plan := FromText(resp.Content)
	if uncited := plan.UncitedSteps(); len(uncited) > 0 {
		s.logger.WarnContext(ctx, "plan has uncited non-hypothesis steps", "step_ids", uncited)
	}
	return plan, nil
}

func buildPrompt(goal string, projectContext map[string]any, constraints []string, results []model.CapabilitySearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research Goal: %s\n", goal)

	if len(projectContext) > 0 {
		b.WriteString("\nProject Context:\n")
		keys := make([]string, 0, len(projectContext))
		for k := range projectContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, projectContext[k])
		}
	}

	if len(constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, c := range constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\nAvailable OPAL Capabilities (from capability registry):\n")
	for i, r := range results {
		cap := r.Capability
		fmt.Fprintf(&b, "\n%d. %s (%s (%s) - %s)\n", i+1, cap.Name, cap.LabName, cap.LabInstitution, cap.FacilityName)
		if cap.Description != nil {
			fmt.Fprintf(&b, "   Description: %s\n", *cap.Description)
		}
		if len(cap.Modalities) > 0 {
			fmt.Fprintf(&b, "   Modalities: %s\n", strings.Join(cap.Modalities, ", "))
		}
		if cap.Throughput != nil {
			fmt.Fprintf(&b, "   Throughput: %s\n", *cap.Throughput)
		}
		if len(cap.Constraints) > 0 {
			fmt.Fprintf(&b, "   Constraints: %v\n", cap.Constraints)
		}
		for _, chunk := range firstN(r.SourceChunks, 2) {
			fmt.Fprintf(&b, "   Source: %s\n", chunk.SourceDocumentID)
		}
	}

	fmt.Fprintf(&b, "\nPlease create a detailed OPAL Resource Deployment Plan. Return it as a JSON object with this structure:\n%s", planSkeleton)
	return b.String()
}

func firstN(hits []model.SearchHit, n int) []model.SearchHit {
	if len(hits) <= n {
		return hits
	}
	return hits[:n]
}
