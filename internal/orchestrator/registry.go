// Package orchestrator runs the bounded tool-use loop that turns a user
// message into an assistant reply, executing registered tools on the
// model's behalf between generations.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opal-net/opal/internal/llm"
)

// ErrUnknownTool reports a tool call naming a tool that is not
// registered. The loop converts it to an error payload for the model
// rather than failing the turn.
var ErrUnknownTool = errors.New("orchestrator: unknown tool")

// Handler executes one tool call. The returned value is serialized to
// JSON as the tool result payload.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Tool pairs a model-facing definition with its executor.
type Tool struct {
	Spec    llm.ToolSpec
	Handler Handler
}

// Registry is a closed set of tools keyed by name. It is assembled at
// construction time and read-only afterwards.
type Registry struct {
	tools []Tool
	index map[string]int
}

// NewRegistry builds a registry from the given tools. Duplicate names
// are a programming error.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools: tools,
		index: make(map[string]int, len(tools)),
	}
	for i, t := range tools {
		if t.Spec.Name == "" {
			return nil, fmt.Errorf("orchestrator: tool %d has no name", i)
		}
		if _, dup := r.index[t.Spec.Name]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate tool %q", t.Spec.Name)
		}
		r.index[t.Spec.Name] = i
	}
	return r, nil
}

// Specs returns the model-facing tool definitions in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, len(r.tools))
	for i, t := range r.tools {
		specs[i] = t.Spec
	}
	return specs
}

// Execute runs the named tool. Unknown names return ErrUnknownTool.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (any, error) {
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return r.tools[i].Handler(ctx, input)
}
