package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient adapts the Anthropic SDK to the Client interface.
type AnthropicClient struct {
	name        string
	client      anthropic.Client
	callTimeout time.Duration
}

// NewAnthropicClient creates an adapter for the Anthropic Messages API.
func NewAnthropicClient(apiKey string, baseURL string, callTimeout time.Duration) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &AnthropicClient{
		name:        "anthropic",
		client:      anthropic.NewClient(opts...),
		callTimeout: callTimeout,
	}
}

// Name returns the client name used in logs and error context.
func (c *AnthropicClient) Name() string { return c.name }

// Complete sends one Messages API request and returns the response.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, &Error{
			Reason:   ReasonBadRequest,
			Provider: c.name,
			Model:    req.Model,
			Message:  err.Error(),
			Cause:    err,
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = messages

	if tools, err := toAnthropicTools(req.Tools); err != nil {
		return nil, &Error{
			Reason:   ReasonBadRequest,
			Provider: c.name,
			Model:    req.Model,
			Message:  err.Error(),
			Cause:    err,
		}
	} else if len(tools) > 0 {
		params.Tools = tools
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}

	msg, err := c.client.Messages.New(callCtx, params)
	if err != nil {
		return nil, c.classify(err, req.Model)
	}

	out := &Response{
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out, nil
}

func (c *AnthropicClient) classify(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Reason:   ClassifyStatus(apiErr.StatusCode),
			Provider: c.name,
			Model:    model,
			Status:   apiErr.StatusCode,
			Cause:    err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Reason:   ReasonConnection,
			Provider: c.name,
			Model:    model,
			Message:  "request timed out",
			Cause:    err,
		}
	}
	return &Error{
		Reason:   ReasonConnection,
		Provider: c.name,
		Model:    model,
		Cause:    err,
	}
}

// toAnthropicMessages splits out the system prompt and converts the rest.
// Tool-role messages become user messages carrying tool_result blocks, per
// the Messages API shape.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam, error) {
	system := ""
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return "", nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(content...))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system, out, nil
}

func toAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}
