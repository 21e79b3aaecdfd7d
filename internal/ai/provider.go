package ai

import (
	"context"
	"encoding/json"
	"errors"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Tool is a function the model may call. Parameters is a JSON schema object; nil
// means the tool takes no arguments.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// ToolProvider is an optional interface for providers that support function calling.
// The returned call is nil when the model answered with text instead.
type ToolProvider interface {
	ChatWithTools(ctx context.Context, messages []Message, tools []Tool) (*ToolCall, string, error)
}

// ErrToolsUnsupported is returned when a tool call is requested from a provider that
// cannot make one.
var ErrToolsUnsupported = errors.New("ai: provider does not support tool calls")

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

// toolSpecs renders tools in the OpenAI function format, which Ollama accepts too.
func toolSpecs(tools []Tool) []toolSpec {
	out := make([]toolSpec, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, toolSpec{
			Type:     "function",
			Function: functionSpec{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}
