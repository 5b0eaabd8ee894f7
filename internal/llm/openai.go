package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultCallTimeout = 180 * time.Second

// OpenAIClient adapts the go-openai SDK to the Client interface. It also
// serves any OpenAI-compatible gateway (DeepSeek, OpenRouter, local
// runtimes) via a custom base URL.
type OpenAIClient struct {
	name        string
	baseURL     string
	client      *openai.Client
	callTimeout time.Duration
	logger      *slog.Logger
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.baseURL = url
	}
}

// WithCallTimeout overrides the per-call wall-clock timeout.
func WithCallTimeout(d time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithClientName sets the name reported by Name().
func WithClientName(name string) OpenAIOption {
	return func(c *OpenAIClient) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewOpenAIClient creates an adapter for an OpenAI-compatible API.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		name:        "openai",
		callTimeout: defaultCallTimeout,
		logger:      slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	c.client = openai.NewClientWithConfig(cfg)
	return c
}

// Name returns the client name used in logs and error context.
func (c *OpenAIClient) Name() string { return c.name }

// Complete sends one chat-completion request and returns the response.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		classified := c.classify(err, req.Model)
		c.logger.Warn("completion failed",
			"provider", c.name,
			"model", req.Model,
			"reason", string(ReasonOf(classified)))
		return nil, classified
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{
			Reason:   ReasonAPI,
			Provider: c.name,
			Model:    req.Model,
			Message:  "completion returned no choices",
		}
	}

	choice := resp.Choices[0]
	out := &Response{
		Text: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *OpenAIClient) classify(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Reason:   ClassifyStatus(apiErr.HTTPStatusCode),
			Provider: c.name,
			Model:    model,
			Status:   apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		reason := ClassifyStatus(reqErr.HTTPStatusCode)
		if reqErr.HTTPStatusCode == 0 {
			reason = ReasonConnection
		}
		return &Error{
			Reason:   reason,
			Provider: c.name,
			Model:    model,
			Status:   reqErr.HTTPStatusCode,
			Cause:    err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Reason:   ReasonConnection,
			Provider: c.name,
			Model:    model,
			Message:  fmt.Sprintf("request failed: %v", err),
			Cause:    err,
		}
	}
	return &Error{
		Reason:   ReasonAPI,
		Provider: c.name,
		Model:    model,
		Cause:    err,
	}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func toOpenAITools(tools []ToolSchema) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
