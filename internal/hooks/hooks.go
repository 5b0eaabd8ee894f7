// Package hooks runs after-chat side effects on a process-wide bounded
// pool. Hooks are fire-and-forget and at-most-once: when the pool is
// saturated the submission is dropped, never queued.
package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roshni-ai/roshni/internal/llm"
	"github.com/roshni-ai/roshni/internal/observability"
)

// Context carries one completed chat turn into a hook.
type Context struct {
	Message   string
	Response  string
	ToolCalls []ToolOutcome
	Channel   string
}

// ToolOutcome pairs a tool call with its transcript result.
type ToolOutcome struct {
	Call   llm.ToolCall
	Result string
}

// Hook is a post-response side effect. Errors are logged, never surfaced.
type Hook interface {
	Name() string
	Run(ctx context.Context, hctx Context) error
}

// Pool dispatches hooks on a bounded semaphore. One Pool is shared
// process-wide so hook fan-out cannot grow without bound.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics *observability.Metrics
	logger  *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMetrics wires the hook dispatch counter.
func WithMetrics(m *observability.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger.With("component", "hooks")
		}
	}
}

// NewPool creates a pool with the given number of slots.
func NewPool(slots int, opts ...PoolOption) *Pool {
	if slots <= 0 {
		slots = 4
	}
	p := &Pool{
		sem:    make(chan struct{}, slots),
		logger: slog.Default().With("component", "hooks"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs the hook on a pool slot. A saturated pool drops the
// submission and reports false.
func (p *Pool) Submit(ctx context.Context, h Hook, hctx Context) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		p.count(h.Name(), "dropped")
		p.logger.Warn("hook pool saturated, dropping", "hook", h.Name())
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				p.count(h.Name(), "failed")
				p.logger.Error("hook panicked", "hook", h.Name(), "panic", r)
			}
		}()

		if err := h.Run(ctx, hctx); err != nil {
			p.count(h.Name(), "failed")
			p.logger.Warn("hook failed", "hook", h.Name(), "error", err)
			return
		}
		p.count(h.Name(), "ran")
	}()
	return true
}

// Wait blocks until all in-flight hooks finish.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) count(name, status string) {
	if p.metrics != nil {
		p.metrics.HookCounter.WithLabelValues(name, status).Inc()
	}
}
