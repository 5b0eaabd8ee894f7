package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/roshni-ai/roshni/internal/backoff"
	"github.com/roshni-ai/roshni/internal/llm"
	"github.com/roshni-ai/roshni/internal/observability"
)

const defaultMaxAttempts = 3

// Executor runs tool calls against a registry. Tool failures never escape
// as errors: every outcome is a transcript string, with failures prefixed
// "Error:" so the oracle can narrate them.
type Executor struct {
	registry *Registry
	policy   backoff.Policy
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackoffPolicy overrides the transient-retry backoff policy.
func WithBackoffPolicy(p backoff.Policy) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithMetrics wires execution counters and latency histograms.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger.With("component", "tools")
		}
	}
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		policy:   backoff.DefaultPolicy(),
		logger:   slog.Default().With("component", "tools"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the underlying registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one tool call and returns its transcript result.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) string {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.count(call.Name, "error")
		return fmt.Sprintf("Unknown tool: %s", call.Name)
	}

	args := json.RawMessage(call.Arguments)
	if err := ValidateArgs(tool, args); err != nil {
		e.count(call.Name, "error")
		return fmt.Sprintf("Error: %s failed: %v", call.Name, err)
	}

	maxAttempts := tool.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	start := time.Now()
	result, err := backoff.Retry(ctx, e.policy, maxAttempts, isTransient, func(attempt int) (string, error) {
		runCtx := ctx
		if tool.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(tool.Timeout)*time.Second)
			defer cancel()
		}
		return tool.Handler(runCtx, args)
	})
	if e.metrics != nil {
		e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		e.count(call.Name, "error")
		e.logger.Warn("tool failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error: %s failed: %v", call.Name, rootMessage(err))
	}
	e.count(call.Name, "success")
	return result
}

func (e *Executor) count(name, status string) {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	}
}

// isTransient reports whether an error is worth a backoff retry: network
// failures, timeouts, and OS-level I/O errors.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}

// rootMessage strips the retry-exhaustion wrapper so the transcript shows
// the underlying failure.
func rootMessage(err error) string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		errs := joined.Unwrap()
		if len(errs) > 0 {
			return errs[len(errs)-1].Error()
		}
	}
	return err.Error()
}
