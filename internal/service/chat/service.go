// Package chat orchestrates conversational turns: it resolves the
// conversation, runs the tool-use loop, mines the tool log for plans
// and citation sources, and persists the updated conversation in one
// durable write.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opal-net/opal/internal/llm"
	"github.com/opal-net/opal/internal/model"
	"github.com/opal-net/opal/internal/orchestrator"
	"github.com/opal-net/opal/internal/planner"
	"github.com/opal-net/opal/internal/storage"
)

// ConversationStore persists conversations.
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	SaveConversation(ctx context.Context, c model.Conversation) error
}

// RegistryStore reads the capability registry for the lab and
// capability tools.
type RegistryStore interface {
	FindLabByName(ctx context.Context, name string) (model.Lab, error)
	GetLabCapabilities(ctx context.Context, labID uuid.UUID) ([]model.CapabilityWithContext, error)
	GetCapabilityByID(ctx context.Context, id uuid.UUID) (model.CapabilityWithContext, error)
	GetCapabilityByName(ctx context.Context, name string) (model.CapabilityWithContext, error)
}

// Retriever is the semantic search surface used by the
// search_capabilities tool.
type Retriever interface {
	SearchCapabilities(ctx context.Context, query string, opts model.CapabilitySearchOptions) ([]model.CapabilitySearchResult, error)
}

// ReportFunc receives coarse progress updates during a turn.
type ReportFunc func(percent int, message string)

// Service executes chat turns.
type Service struct {
	conversations ConversationStore
	registryStore RegistryStore
	retrieval     Retriever
	orch          *orchestrator.Orchestrator
	logger        *slog.Logger
}

// NewService wires a chat service. maxIterations bounds the tool-use
// loop per turn.
func NewService(
	gateway llm.Gateway,
	retrieval Retriever,
	conversations ConversationStore,
	registryStore RegistryStore,
	maxIterations int,
	logger *slog.Logger,
) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		conversations: conversations,
		registryStore: registryStore,
		retrieval:     retrieval,
		logger:        logger,
	}
	registry, err := s.buildRegistry()
	if err != nil {
		return nil, fmt.Errorf("chat: build tool registry: %w", err)
	}
	s.orch = orchestrator.New(gateway, registry, logger, maxIterations)
	return s, nil
}

// Respond executes one turn: resolve or create the conversation, run
// the tool-use loop, extract the plan and sources from the tool log,
// and persist everything in a single write. report may be nil.
//
// A model refusal surfaces as an error wrapping llm.ErrRefusal; the
// conversation is not modified in that case.
func (s *Service) Respond(ctx context.Context, in model.ChatJobInput, report ReportFunc) (model.ChatJobResult, error) {
	if report == nil {
		report = func(int, string) {}
	}

	conv, err := s.resolveConversation(ctx, in.ConversationID)
	if err != nil {
		return model.ChatJobResult{}, err
	}

	report(10, "generating response")
	transcript := toTranscript(conv.Messages)
	transcript = append(transcript, llm.UserMessage(in.Message))

	res, err := s.orch.Run(ctx, systemPrompt, transcript)
	if err != nil {
		if errors.Is(err, llm.ErrRefusal) {
			return model.ChatJobResult{}, fmt.Errorf("chat: %w", err)
		}
		return model.ChatJobResult{}, fmt.Errorf("chat: turn failed: %w", err)
	}
	if res.Degraded {
		s.logger.WarnContext(ctx, "turn hit iteration budget", "conversation_id", conv.ID, "tool_calls", len(res.ToolLog))
	}

	report(80, "saving conversation")
	plan, sources := mineToolLog(res.ToolLog)
	if plan != nil {
		if uncited := plan.UncitedSteps(); len(uncited) > 0 {
			s.logger.WarnContext(ctx, "plan has uncited non-hypothesis steps",
				"conversation_id", conv.ID, "step_ids", uncited)
		}
	}

	conv.AppendMessage(model.RoleUser, in.Message)
	conv.AppendMessage(model.RoleAssistant, res.Content)
	if plan != nil {
		conv.Plan = plan
	}
	conv.MergeSources(sources)
	conv.DeriveTitle()

	if err := s.conversations.SaveConversation(ctx, conv); err != nil {
		return model.ChatJobResult{}, fmt.Errorf("chat: persist turn: %w", err)
	}

	return model.ChatJobResult{
		Content:        res.Content,
		ConversationID: conv.ID,
		Plan:           plan,
		Sources:        sources,
	}, nil
}

// resolveConversation loads an existing conversation or starts a fresh
// one. An unknown ID starts a new conversation rather than failing, so
// stale clients keep working.
func (s *Service) resolveConversation(ctx context.Context, id *uuid.UUID) (model.Conversation, error) {
	if id != nil {
		conv, err := s.conversations.GetConversation(ctx, *id)
		if err == nil {
			s.logger.DebugContext(ctx, "resumed conversation", "conversation_id", conv.ID, "messages", len(conv.Messages))
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Conversation{}, fmt.Errorf("chat: load conversation: %w", err)
		}
	}
	conv := model.Conversation{
		ID:       uuid.New(),
		Messages: []model.Message{},
		Sources:  []model.Source{},
	}
	s.logger.InfoContext(ctx, "created conversation", "conversation_id", conv.ID)
	return conv, nil
}

// toTranscript maps stored conversation turns into the model transcript.
func toTranscript(messages []model.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleUser
		if m.Role == model.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Text: m.Content})
	}
	return out
}

// mineToolLog extracts the plan (last create_plan call wins) and the
// citation sources (from search_capabilities results) out of one turn's
// tool log. Failed records are skipped.
func mineToolLog(log []orchestrator.ToolCallRecord) (*model.Plan, []model.Source) {
	var plan *model.Plan
	sources := []model.Source{}

	for _, rec := range log {
		if rec.Failed {
			continue
		}
		switch rec.Name {
		case toolCreatePlan:
			p := planner.FromToolInput(rec.Input)
			plan = &p
		case toolSearchCapabilities:
			var out searchCapabilitiesOutput
			if err := json.Unmarshal(rec.Result, &out); err != nil {
				continue
			}
			for _, cap := range out.Capabilities {
				for _, cit := range cap.Citations {
					sources = append(sources, model.Source{
						ChunkID:          cit.ChunkID,
						SourceDocumentID: cit.SourceDocumentID,
						SourceTitle:      cit.SourceTitle,
						Text:             cit.Quote,
						Score:            cap.RelevanceScore,
					})
				}
			}
		}
	}
	return plan, sources
}
