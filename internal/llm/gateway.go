// Package llm defines the gateway to the language model provider.
//
// The orchestrator depends only on the Gateway interface and a
// provider-neutral message representation, so tests can substitute a
// scripted gateway and the provider can change without touching the
// tool-use loop.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRefusal reports that the model declined to generate content.
// A refusal is a distinct turn outcome, not a transport failure:
// callers surface it to the user instead of retrying.
var ErrRefusal = errors.New("llm refused to generate content")

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult carries the outcome of one executed tool call back to the
// model. Content is always a JSON document; executor failures are
// encoded as {"error": "..."} with IsError set rather than aborting
// the turn.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one entry in the model transcript. Exactly one of the
// content fields is normally populated: Text for plain turns, ToolCalls
// for an assistant message that requested tools (Text may accompany
// it), ToolResults for the user message answering those requests.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage builds a plain-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// ToolSpec describes one tool offered to the model. Properties follows
// JSON Schema object-property conventions.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Request is a single model invocation.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the model's reply to one invocation. An empty ToolCalls
// slice means the model ended its turn with text only.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Gateway generates model responses. Implementations return ErrRefusal
// when the provider reports a content refusal.
type Gateway interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
