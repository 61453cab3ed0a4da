package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opal-net/opal/internal/llm"
)

const defaultMaxIterations = 10

// ToolCallRecord is one executed tool call, in execution order. The
// chat service mines the log afterwards for plans and citation sources.
type ToolCallRecord struct {
	Name   string          `json:"tool_name"`
	Input  json.RawMessage `json:"tool_input"`
	Result json.RawMessage `json:"tool_result"`
	Failed bool            `json:"failed,omitempty"`
}

// Result is the outcome of one orchestration turn.
type Result struct {
	Content    string
	StopReason string
	ToolLog    []ToolCallRecord
	Iterations int
	// Degraded is set when the loop hit its iteration budget before the
	// model ended its turn. Content then holds the last response text.
	Degraded bool
	Usage    llm.Usage
}

// Orchestrator drives the generate / execute-tools cycle against an
// injected gateway and tool registry.
type Orchestrator struct {
	gateway       llm.Gateway
	registry      *Registry
	logger        *slog.Logger
	maxIterations int
}

// New creates an orchestrator. maxIterations <= 0 selects the default
// budget of 10 generations per turn.
func New(gateway llm.Gateway, registry *Registry, logger *slog.Logger, maxIterations int) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gateway:       gateway,
		registry:      registry,
		logger:        logger,
		maxIterations: maxIterations,
	}
}

// Run executes one bounded turn over the given transcript. It returns
// when the model produces a response with no tool calls, when the
// iteration budget is exhausted (Degraded result, not an error), or on
// a gateway error. llm.ErrRefusal from the gateway ends the turn
// immediately with no further calls.
//
// Tool handler failures never abort the turn: the error is serialized
// as an {"error": "..."} payload and handed back to the model, which
// decides how to proceed.
func (o *Orchestrator) Run(ctx context.Context, system string, transcript []llm.Message) (Result, error) {
	messages := make([]llm.Message, len(transcript))
	copy(messages, transcript)

	var res Result
	for res.Iterations < o.maxIterations {
		res.Iterations++

		resp, err := o.gateway.Generate(ctx, llm.Request{
			System:   system,
			Messages: messages,
			Tools:    o.registry.Specs(),
		})
		if err != nil {
			return res, fmt.Errorf("orchestrator: generate: %w", err)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		res.Content = resp.Content
		res.StopReason = resp.StopReason

		if len(resp.ToolCalls) == 0 {
			return res, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Text:      resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			payload, failed := o.execute(ctx, call)
			res.ToolLog = append(res.ToolLog, ToolCallRecord{
				Name:   call.Name,
				Input:  call.Input,
				Result: payload,
				Failed: failed,
			})
			results = append(results, llm.ToolResult{
				ToolUseID: call.ID,
				Content:   string(payload),
				IsError:   failed,
			})
		}
		messages = append(messages, llm.Message{
			Role:        llm.RoleUser,
			ToolResults: results,
		})
	}

	o.logger.WarnContext(ctx, "orchestrator: iteration budget exhausted",
		"max_iterations", o.maxIterations,
		"tool_calls", len(res.ToolLog),
	)
	res.Degraded = true
	return res, nil
}

// execute runs one tool call and serializes its outcome. Failures
// (handler errors, unknown tools, unserializable results) become
// {"error": "..."} payloads.
func (o *Orchestrator) execute(ctx context.Context, call llm.ToolCall) (json.RawMessage, bool) {
	o.logger.InfoContext(ctx, "executing tool", "tool", call.Name)

	value, err := o.registry.Execute(ctx, call.Name, call.Input)
	if err != nil {
		o.logger.ErrorContext(ctx, "tool execution failed", "tool", call.Name, "error", err)
		return errorPayload(err), true
	}
	payload, err := json.Marshal(value)
	if err != nil {
		o.logger.ErrorContext(ctx, "tool result not serializable", "tool", call.Name, "error", err)
		return errorPayload(err), true
	}
	return payload, false
}

func errorPayload(err error) json.RawMessage {
	payload, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return json.RawMessage(`{"error":"tool execution failed"}`)
	}
	return payload
}
