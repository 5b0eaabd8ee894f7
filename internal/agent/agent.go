// Package agent drives the tool-calling conversation loop: history repair
// and trimming, approval gating, model selection, recovery with fallback,
// and the advisor/after-chat-hook pipeline.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roshni-ai/roshni/internal/hooks"
	"github.com/roshni-ai/roshni/internal/llm"
	"github.com/roshni-ai/roshni/internal/observability"
	"github.com/roshni-ai/roshni/internal/routing"
	"github.com/roshni-ai/roshni/internal/tools"
)

const (
	defaultMaxIterations = 10
	defaultMaxHistory    = 40

	steeringPrefix = "[STEERING] "
)

// pendingApproval stashes tool calls awaiting a user grant between chats.
type pendingApproval struct {
	calls []llm.ToolCall
	names []string
}

// Agent owns one conversation: its history, steering queue, and approval
// state. Chat is serialized by a mutex; the gateway's single consumer is
// the only expected caller, the lock guards direct CLI use.
type Agent struct {
	clients  []llm.Client
	fallback string
	catalog  *llm.Catalog
	selector *routing.Selector
	executor *tools.Executor
	advisors []Advisor
	hooks    []hooks.Hook
	hookPool *hooks.Pool

	persona       string
	maxIterations int
	maxHistory    int

	budgetExhausted func() bool

	mu       sync.Mutex
	history  []llm.Message
	pending  *pendingApproval
	steering chan string

	now     func() time.Time
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithFallbackModel sets the model tried after the primary chain is
// exhausted.
func WithFallbackModel(model string) Option {
	return func(a *Agent) { a.fallback = model }
}

// WithCatalog wires model-name resolution for not-found recovery.
func WithCatalog(c *llm.Catalog) Option {
	return func(a *Agent) { a.catalog = c }
}

// WithSelector wires model-tier routing; without it the request model is
// left empty and the client default applies.
func WithSelector(s *routing.Selector) Option {
	return func(a *Agent) { a.selector = s }
}

// WithPersona sets the base system prompt.
func WithPersona(p string) Option {
	return func(a *Agent) { a.persona = p }
}

// WithAdvisors appends system-prompt advisors.
func WithAdvisors(advisors ...Advisor) Option {
	return func(a *Agent) { a.advisors = append(a.advisors, advisors...) }
}

// WithHooks appends after-chat hooks, dispatched on the pool.
func WithHooks(pool *hooks.Pool, hs ...hooks.Hook) Option {
	return func(a *Agent) {
		a.hookPool = pool
		a.hooks = append(a.hooks, hs...)
	}
}

// WithMaxIterations caps tool-loop rounds per chat.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithMaxHistory caps retained history messages.
func WithMaxHistory(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxHistory = n
		}
	}
}

// WithBudgetCheck short-circuits chats while fn reports exhaustion.
func WithBudgetCheck(fn func() bool) Option {
	return func(a *Agent) { a.budgetExhausted = fn }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMetrics wires oracle-call counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithLogger sets the agent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger.With("component", "agent")
		}
	}
}

// New creates an agent over the primary client chain. Clients after the
// first are auth-profile rotations tried on transient provider failures.
func New(executor *tools.Executor, clients []llm.Client, opts ...Option) (*Agent, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("at least one llm client is required")
	}
	a := &Agent{
		clients:       clients,
		executor:      executor,
		maxIterations: defaultMaxIterations,
		maxHistory:    defaultMaxHistory,
		steering:      make(chan string, 16),
		now:           time.Now,
		logger:        slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Steer queues an advisory message consumed at the next loop iteration. A
// full queue drops the oldest entry.
func (a *Agent) Steer(message string) {
	for {
		select {
		case a.steering <- message:
			return
		default:
			select {
			case <-a.steering:
			default:
			}
		}
	}
}

// ChatOption carries per-call settings.
type ChatOption func(*chatCall)

type chatCall struct {
	mode     string
	callType string
	channel  string
	maxIters int
}

// WithMode sets the agent mode hint for this chat.
func WithMode(mode string) ChatOption {
	return func(c *chatCall) { c.mode = mode }
}

// WithCallType sets the call type for this chat.
func WithCallType(ct string) ChatOption {
	return func(c *chatCall) { c.callType = ct }
}

// WithChannel sets the originating channel for this chat.
func WithChannel(ch string) ChatOption {
	return func(c *chatCall) { c.channel = ch }
}

// WithIterationCap overrides the loop cap for this chat.
func WithIterationCap(n int) ChatOption {
	return func(c *chatCall) {
		if n > 0 {
			c.maxIters = n
		}
	}
}

// Chat runs the tool loop for one user message and returns the response
// text. Failures the recovery policy cannot absorb surface as errors; all
// user-visible failure text is a class-routed friendly string.
func (a *Agent) Chat(ctx context.Context, message string, opts ...ChatOption) (string, error) {
	call := &chatCall{maxIters: a.maxIterations}
	for _, opt := range opts {
		opt(call)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.budgetExhausted != nil && a.budgetExhausted() {
		return friendlyBudget, nil
	}

	// A pending approval intercepts the next message.
	var outcomes []hooks.ToolOutcome
	firstIteration := true
	if a.pending != nil {
		// On approve the tools ran and their results are in history; on
		// deny the error results are. Either way the loop continues so
		// the model can respond to them.
		if _, handled := a.resumeApproval(ctx, message, &outcomes); handled {
			firstIteration = false
		}
	}

	response, err := a.loop(ctx, message, call, firstIteration, &outcomes)
	if err != nil {
		return "", err
	}

	a.dispatchHooks(message, response, outcomes, call.channel)
	return response, nil
}

// resumeApproval consumes an approve/deny reply. It reports whether the
// message was handled as an approval response; when it was, the caller
// must not append it as a new user message.
func (a *Agent) resumeApproval(ctx context.Context, message string, outcomes *[]hooks.ToolOutcome) (approved, handled bool) {
	pending := a.pending
	switch strings.ToLower(strings.TrimSpace(message)) {
	case "approve", "yes":
		a.pending = nil
		for _, tc := range pending.calls {
			result := a.executor.Execute(ctx, tc)
			a.appendToolResult(tc, result, outcomes)
		}
		return true, true
	case "deny", "no":
		a.pending = nil
		for _, tc := range pending.calls {
			result := fmt.Sprintf("Error: %s was not executed: denied by user", tc.Name)
			a.appendToolResult(tc, result, outcomes)
		}
		return false, true
	default:
		// A different message abandons the grant; sanitization drops the
		// dangling assistant turn since none of its calls have results.
		a.pending = nil
		a.logger.Info("pending approval abandoned", "tools", pending.names)
		return false, false
	}
}

func (a *Agent) appendToolResult(tc llm.ToolCall, result string, outcomes *[]hooks.ToolOutcome) {
	a.history = append(a.history, llm.Message{
		Role:       llm.RoleTool,
		Content:    result,
		ToolCallID: tc.ID,
	})
	*outcomes = append(*outcomes, hooks.ToolOutcome{Call: tc, Result: result})
}

// loop is the core tool loop. appendUser controls whether message becomes
// a fresh user turn (false when resuming an approval).
func (a *Agent) loop(ctx context.Context, message string, call *chatCall, appendUser bool, outcomes *[]hooks.ToolOutcome) (string, error) {
	if appendUser && message != "" {
		a.history = append(a.history, llm.Message{Role: llm.RoleUser, Content: message})
	}

	toolChars := 0
	response := ""
	for iteration := 0; iteration < call.maxIters; iteration++ {
		a.drainSteering()

		req := a.buildRequest(ctx, message, call, iteration, toolChars)
		resp, friendly, err := a.complete(ctx, req)
		if friendly != "" {
			return friendly, nil
		}
		if err != nil {
			return "", err
		}

		a.history = append(a.history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		response = resp.Text

		if len(resp.ToolCalls) == 0 {
			break
		}

		if gated := a.gateApproval(resp.ToolCalls); gated != "" {
			return gated, nil
		}

		for _, tc := range resp.ToolCalls {
			result := a.executor.Execute(ctx, tc)
			a.appendToolResult(tc, result, outcomes)
			toolChars += len(result)
		}
	}
	return response, nil
}

// gateApproval checks the round's tool calls against approval policy. A
// non-empty return is the user-facing approval prompt; the calls are
// stashed until the next chat.
func (a *Agent) gateApproval(calls []llm.ToolCall) string {
	var names []string
	for _, tc := range calls {
		tool, ok := a.executor.Registry().Get(tc.Name)
		if ok && tool.NeedsApproval() {
			names = append(names, tc.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	a.pending = &pendingApproval{calls: calls, names: names}
	return fmt.Sprintf(
		"Approval required for: %s. Reply \"approve\" to run or \"deny\" to skip.",
		strings.Join(names, ", "))
}

func (a *Agent) drainSteering() {
	for {
		select {
		case msg := <-a.steering:
			a.history = append(a.history, llm.Message{
				Role:    llm.RoleUser,
				Content: steeringPrefix + msg,
			})
		default:
			return
		}
	}
}

// buildRequest assembles system prompt + repaired, trimmed history and
// consults the selector for the model tier.
func (a *Agent) buildRequest(ctx context.Context, message string, call *chatCall, iteration, toolChars int) *llm.Request {
	a.history = Sanitize(a.history)
	trimmed := Trim(a.history, a.maxHistory)
	if len(trimmed) < len(a.history) {
		a.history = trimmed
	}

	msgs := make([]llm.Message, 0, len(a.history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt(ctx, message, call.channel)})
	msgs = append(msgs, a.history...)

	req := &llm.Request{
		Messages: msgs,
		Tools:    a.executor.Registry().Schemas(),
	}
	if a.selector != nil {
		sel := a.selector.Select(routing.TaskSignals{
			Iteration:       iteration,
			ToolResultChars: toolChars,
			Channel:         call.channel,
			Mode:            call.mode,
			Query:           message,
		})
		req.Model = sel.Model
		req.ThinkingBudget = sel.ThinkingBudget
	}
	return req
}

// systemPrompt runs on every chat: persona, current date/time, then each
// advisor's contribution.
func (a *Agent) systemPrompt(ctx context.Context, message, channel string) string {
	var b strings.Builder
	b.WriteString(a.persona)
	if a.persona != "" {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "CURRENT DATE/TIME: %s", a.now().Format("Monday, January 2, 2006 15:04 MST"))

	for _, adv := range a.advisors {
		text, err := adv.Advise(ctx, message, channel)
		if err != nil {
			a.logger.Warn("advisor failed", "advisor", adv.Name(), "error", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		b.WriteString("\n\n---\n")
		b.WriteString(text)
	}
	return b.String()
}

func (a *Agent) dispatchHooks(message, response string, outcomes []hooks.ToolOutcome, channel string) {
	if a.hookPool == nil || len(a.hooks) == 0 {
		return
	}
	hctx := hooks.Context{
		Message:   message,
		Response:  response,
		ToolCalls: outcomes,
		Channel:   channel,
	}
	// Hooks outlive the chat call; they carry their own background context.
	for _, h := range a.hooks {
		a.hookPool.Submit(context.Background(), h, hctx)
	}
}

// History returns a copy of the conversation history.
func (a *Agent) History() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Message, len(a.history))
	copy(out, a.history)
	return out
}

// Reset clears history, steering, and approval state.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.pending = nil
	for {
		select {
		case <-a.steering:
		default:
			return
		}
	}
}
