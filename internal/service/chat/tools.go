package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opal-net/opal/internal/llm"
	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/orchestrator"
	"github.com/opal-net/opal/internal/storage"
)

const (
	toolSearchCapabilities   = "search_capabilities"
	toolGetLabInfo           = "get_lab_info"
	toolGetCapabilityDetails = "get_capability_details"
	toolCreatePlan           = "create_plan"

	searchTopK             = 10
	quoteMaxLen            = 200
	citationsPerCapability = 2
)

// toolCitation is the provenance attached to each capability in a
// search_capabilities result. The chunk ID keys source dedup on the
// conversation.
type toolCitation struct {
	ChunkID          string `json:"chunk_id,omitempty"`
	SourceDocumentID string `json:"source_document_id"`
	SourceTitle      string `json:"source_title"`
	Quote            string `json:"quote"`
}

// toolCapability is one entry of a search_capabilities result payload.
type toolCapability struct {
	Name           string         `json:"name"`
	Description    *string        `json:"description,omitempty"`
	Facility       string         `json:"facility"`
	Lab            string         `json:"lab"`
	Institution    string         `json:"institution"`
	Modalities     []string       `json:"modalities,omitempty"`
	Throughput     *string        `json:"throughput,omitempty"`
	Constraints    map[string]any `json:"constraints,omitempty"`
	RelevanceScore float32        `json:"relevance_score"`
	Citations      []toolCitation `json:"citations"`
}

type searchCapabilitiesOutput struct {
	Capabilities []toolCapability `json:"capabilities"`
}

type searchCapabilitiesInput struct {
	Query    string   `json:"query"`
	Modality string   `json:"modality,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type getLabInfoInput struct {
	LabName string `json:"lab_name"`
}

type getCapabilityDetailsInput struct {
	CapabilityID string `json:"capability_id,omitempty"`
	Name         string `json:"name,omitempty"`
}

// buildRegistry assembles the closed tool set for one chat service.
func (s *Service) buildRegistry() (*orchestrator.Registry, error) {
	return orchestrator.NewRegistry(
		orchestrator.Tool{
			Spec: llm.ToolSpec{
				Name:        toolSearchCapabilities,
				Description: "Search the OPAL capability registry for relevant capabilities, facilities, and labs. Use this to find what resources are available across the OPAL network.",
				Properties: map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Natural language search query describing the capability needed",
					},
					"modality": map[string]any{
						"type":        "string",
						"description": "Optional filter by modality (e.g., 'phenotyping', 'sequencing', 'proteomics')",
					},
					"tags": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Optional filter by tags",
					},
				},
				Required: []string{"query"},
			},
			Handler: s.handleSearchCapabilities,
		},
		orchestrator.Tool{
			Spec: llm.ToolSpec{
				Name:        toolGetLabInfo,
				Description: "Get detailed information about a specific OPAL member lab",
				Properties: map[string]any{
					"lab_name": map[string]any{
						"type":        "string",
						"description": "Name of the lab to look up",
					},
				},
				Required: []string{"lab_name"},
			},
			Handler: s.handleGetLabInfo,
		},
		orchestrator.Tool{
			Spec: llm.ToolSpec{
				Name:        toolGetCapabilityDetails,
				Description: "Get full details about a single capability, including sample requirements, constraints, and readiness level",
				Properties: map[string]any{
					"capability_id": map[string]any{
						"type":        "string",
						"description": "Capability ID returned by search_capabilities",
					},
					"name": map[string]any{
						"type":        "string",
						"description": "Exact capability name, as an alternative to the ID",
					},
				},
			},
			Handler: s.handleGetCapabilityDetails,
		},
		orchestrator.Tool{
			Spec: llm.ToolSpec{
				Name:        toolCreatePlan,
				Description: "Create a structured OPAL Resource Deployment Plan. Call this when you have gathered enough information and are ready to propose a plan.",
				Properties:  planInputSchema(),
				Required:    []string{"goal_summary", "steps"},
			},
			Handler: s.handleCreatePlan,
		},
	)
}

func planInputSchema() map[string]any {
	return map[string]any{
		"goal_summary": map[string]any{
			"type":        "string",
			"description": "Brief summary of the research goal",
		},
		"assumptions": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Key assumptions made in the plan",
		},
		"steps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"step_id":              map[string]any{"type": "string"},
					"objective":            map[string]any{"type": "string"},
					"recommended_facility": map[string]any{"type": "string"},
					"capability_ids":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"inputs":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"outputs":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"constraints":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"dependencies":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"decision_points":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"citations": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"source_document_id": map[string]any{"type": "string"},
								"chunk_id":           map[string]any{"type": "string"},
								"quote":              map[string]any{"type": "string"},
							},
						},
					},
					"is_hypothesis": map[string]any{"type": "boolean"},
				},
				"required": []string{"step_id", "objective", "recommended_facility"},
			},
		},
		"open_questions": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"risks_and_alternatives": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"risk":        map[string]any{"type": "string"},
					"impact":      map[string]any{"type": "string"},
					"alternative": map[string]any{"type": "string"},
				},
			},
		},
	}
}

func (s *Service) handleSearchCapabilities(ctx context.Context, input json.RawMessage) (any, error) {
	var in searchCapabilitiesInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("chat: search_capabilities input: %w", err)
	}
	if in.Query == "" {
		return nil, errors.New("chat: search_capabilities requires a query")
	}

	results, err := s.retrieval.SearchCapabilities(ctx, in.Query, model.CapabilitySearchOptions{
		TopK:     searchTopK,
		Modality: in.Modality,
		Tags:     in.Tags,
	})
	if err != nil {
		return nil, err
	}

	out := searchCapabilitiesOutput{Capabilities: make([]toolCapability, 0, len(results))}
	for _, r := range results {
		cap := toolCapability{
			Name:           r.Capability.Name,
			Description:    r.Capability.Description,
			Facility:       r.Capability.FacilityName,
			Lab:            r.Capability.LabName,
			Institution:    r.Capability.LabInstitution,
			Modalities:     r.Capability.Modalities,
			Throughput:     r.Capability.Throughput,
			Constraints:    r.Capability.Constraints,
			RelevanceScore: r.RelevanceScore,
			Citations:      []toolCitation{},
		}
		for i, chunk := range r.SourceChunks {
			if i == citationsPerCapability {
				break
			}
			cap.Citations = append(cap.Citations, toolCitation{
				ChunkID:          chunk.ChunkID,
				SourceDocumentID: chunk.SourceDocumentID,
				SourceTitle:      chunk.SourceTitle,
				Quote:            truncateQuote(chunk.Text),
			})
		}
		out.Capabilities = append(out.Capabilities, cap)
	}
	return out, nil
}

func (s *Service) handleGetLabInfo(ctx context.Context, input json.RawMessage) (any, error) {
	var in getLabInfoInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("chat: get_lab_info input: %w", err)
	}

	lab, err := s.registryStore.FindLabByName(ctx, in.LabName)
	if errors.Is(err, storage.ErrNotFound) {
		// A miss is an answer, not a failure: the model relays it.
		return map[string]string{"error": fmt.Sprintf("Lab %q not found", in.LabName)}, nil
	}
	if err != nil {
		return nil, err
	}

	caps, err := s.registryStore.GetLabCapabilities(ctx, lab.ID)
	if err != nil {
		return nil, err
	}

	capSummaries := make([]map[string]any, 0, len(caps))
	for _, c := range caps {
		capSummaries = append(capSummaries, map[string]any{
			"name":        c.Name,
			"description": c.Description,
			"modalities":  c.Modalities,
		})
	}
	return map[string]any{
		"name":         lab.Name,
		"institution":  lab.Institution,
		"location":     lab.Location,
		"description":  lab.Description,
		"capabilities": capSummaries,
	}, nil
}

func (s *Service) handleGetCapabilityDetails(ctx context.Context, input json.RawMessage) (any, error) {
	var in getCapabilityDetailsInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("chat: get_capability_details input: %w", err)
	}

	var (
		cap model.CapabilityWithContext
		err error
	)
	switch {
	case in.CapabilityID != "":
		id, perr := uuid.Parse(in.CapabilityID)
		if perr != nil {
			return map[string]string{"error": fmt.Sprintf("invalid capability_id %q", in.CapabilityID)}, nil
		}
		cap, err = s.registryStore.GetCapabilityByID(ctx, id)
	case in.Name != "":
		cap, err = s.registryStore.GetCapabilityByName(ctx, in.Name)
	default:
		return map[string]string{"error": "provide capability_id or name"}, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]string{"error": "capability not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	return cap, nil
}

// handleCreatePlan validates nothing beyond JSON shape: the model
// supplies the structure and the chat service mines it from the tool
// log afterwards.
func (s *Service) handleCreatePlan(_ context.Context, input json.RawMessage) (any, error) {
	var raw map[string]any
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil, fmt.Errorf("chat: create_plan input: %w", err)
	}
	return map[string]any{"status": "plan_created", "plan": raw}, nil
}

// truncateQuote bounds quoted chunk text on rune boundaries so stored
// citations stay valid UTF-8.
func truncateQuote(s string) string {
	runes := []rune(s)
	if len(runes) <= quoteMaxLen {
		return s
	}
	return string(runes[:quoteMaxLen]) + "..."
}
