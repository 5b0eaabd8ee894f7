// Package llm defines the contract between the orchestration core and the
// LLM oracle: message shapes, the Client interface, and the error taxonomy
// the agent's recovery policy dispatches on.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a conversation transcript.
//
// Content is always a string, possibly empty — persisted and transmitted
// messages never carry null content. ToolCallID is set only on tool-role
// messages and must reference a tool call of the preceding assistant message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema describes a callable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one completion request to the oracle.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema

	// Temperature is omitted from the wire request when nil. Recovery may
	// retry a bad request with Temperature cleared.
	Temperature *float32

	MaxTokens int

	// ThinkingBudget caps extended-reasoning tokens; 0 disables thinking.
	ThinkingBudget int
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the oracle's answer to one Request.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Client is a request/response oracle. Implementations must classify
// failures as *Error so callers can dispatch on Reason.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
