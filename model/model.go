package model

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Message roles used in conversation turn state.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one invocation requested by the model: a tool identity, opaque
// structured arguments and a correlation token matching the eventual result
// message back to this request.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry of conversation turn state: a user turn, an assistant
// reply (optionally carrying requested invocations), or a tool result.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text,omitempty"`

	// ToolCalls is set on assistant messages that request invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result messages, correlating
	// the result to the assistant's request. IsError marks execution-level
	// failures surfaced to the model as content rather than faults.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// NewUserMessage builds a user turn.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// NewAssistantMessage builds a plain assistant reply.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// NewToolResultMessage builds a tool-result message for the given
// correlation token.
func NewToolResultMessage(callID, toolName, content string, isError bool) Message {
	return Message{Role: RoleTool, ToolCallID: callID, ToolName: toolName, Text: content, IsError: isError}
}

// NewCallID generates a correlation token for a tool call.
func NewCallID() string { return "call_" + uuid.NewString() }

// ToolDefinition declaratively exposes one callable capability to the model.
// Parameters is a JSON-Schema-like object describing accepted arguments.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the structured model input for one inference step: the
// conversation so far plus the tools available at the moment the registry
// snapshot was taken.
type Request struct {
	Instructions string           `json:"instructions,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

// Response is the model's reply: either final natural-language text or one
// or more requested invocations. When ToolCalls is non-empty the text (if
// any) is interim commentary, not a final answer.
type Response struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Final reports whether the response is a final answer with no requested
// invocations.
func (r *Response) Final() bool { return len(r.ToolCalls) == 0 }

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the language-model collaborator boundary. Whether a provider
// streams internally is its own concern; the orchestrator sees one blocking
// call per inference step.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// It answers with canned text keyed by the last user message, and can be
// scripted to request tool calls before answering.
type MockModel struct {
	info      Info
	responses map[string]string
	script    []Response
	requests  []Request
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// Enqueue appends scripted responses returned in order before falling back
// to canned completions.
func (m *MockModel) Enqueue(responses ...Response) { m.script = append(m.script, responses...) }

// Requests returns every request seen so far, in order.
func (m *MockModel) Requests() []Request { return m.requests }

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		return &next, nil
	}

	var lastUser string
	for _, msg := range req.Messages {
		if msg.Role == RoleUser {
			lastUser = msg.Text
		}
	}

	text := m.responses[lastUser]
	if text == "" {
		text = fmt.Sprintf("Mock response to: %s", lastUser)
	}

	return &Response{Text: text}, nil
}

// Info returns metadata describing the mock.
func (m *MockModel) Info() Info { return m.info }
