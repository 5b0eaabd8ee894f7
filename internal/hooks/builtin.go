package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/roshni-ai/roshni/internal/breaker"
)

// ToolHealthHook feeds circuit-breaker outcomes from tool results. A
// result string starting with "Error:" counts as a failure for that tool's
// service.
type ToolHealthHook struct {
	breaker *breaker.CircuitBreaker
}

// NewToolHealthHook creates the breaker-feeding hook.
func NewToolHealthHook(cb *breaker.CircuitBreaker) *ToolHealthHook {
	return &ToolHealthHook{breaker: cb}
}

func (h *ToolHealthHook) Name() string { return "tool_health" }

func (h *ToolHealthHook) Run(_ context.Context, hctx Context) error {
	for _, tc := range hctx.ToolCalls {
		failed := strings.HasPrefix(tc.Result, "Error:")
		h.breaker.Record(tc.Call.Name, !failed, 0)
	}
	return nil
}

// defaultMemoryTriggers matches messages that read like something worth
// keeping.
var defaultMemoryTriggers = regexp.MustCompile(`(?i)\b(remember|don't forget|note that|keep in mind|my \w+ is)\b`)

// MemoryHook extracts durable facts from chat turns. It fires only when a
// trigger pattern matches the user message and the agent did not already
// call the save_memory tool during the turn.
type MemoryHook struct {
	save     func(ctx context.Context, note string) error
	triggers *regexp.Regexp
	now      func() time.Time
}

// NewMemoryHook creates the extraction hook saving through fn.
func NewMemoryHook(fn func(ctx context.Context, note string) error) *MemoryHook {
	return &MemoryHook{
		save:     fn,
		triggers: defaultMemoryTriggers,
		now:      time.Now,
	}
}

func (h *MemoryHook) Name() string { return "memory_extraction" }

func (h *MemoryHook) Run(ctx context.Context, hctx Context) error {
	if !h.triggers.MatchString(hctx.Message) {
		return nil
	}
	for _, tc := range hctx.ToolCalls {
		if tc.Call.Name == "save_memory" {
			return nil
		}
	}
	note := fmt.Sprintf("[%s] %s", h.now().Format("2006-01-02"), strings.TrimSpace(hctx.Message))
	return h.save(ctx, note)
}
