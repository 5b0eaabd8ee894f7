package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roshni-ai/roshni/internal/breaker"
	"github.com/roshni-ai/roshni/internal/llm"
)

type fnHook struct {
	name string
	fn   func(context.Context, Context) error
}

func (h fnHook) Name() string                            { return h.name }
func (h fnHook) Run(ctx context.Context, c Context) error { return h.fn(ctx, c) }

func TestPoolRunsHook(t *testing.T) {
	var ran atomic.Bool
	p := NewPool(2)
	ok := p.Submit(context.Background(), fnHook{"t", func(context.Context, Context) error {
		ran.Store(true)
		return nil
	}}, Context{})
	if !ok {
		t.Fatal("submit refused with free slots")
	}
	p.Wait()
	if !ran.Load() {
		t.Error("hook did not run")
	}
}

func TestPoolDropsWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1)

	slow := fnHook{"slow", func(context.Context, Context) error {
		<-block
		return nil
	}}
	if !p.Submit(context.Background(), slow, Context{}) {
		t.Fatal("first submit should succeed")
	}
	// Give the goroutine time to occupy the slot.
	time.Sleep(20 * time.Millisecond)

	if p.Submit(context.Background(), slow, Context{}) {
		t.Error("second submit should drop, pool saturated")
	}
	close(block)
	p.Wait()
}

func TestPoolSurvivesHookErrorsAndPanics(t *testing.T) {
	p := NewPool(2)
	p.Submit(context.Background(), fnHook{"err", func(context.Context, Context) error {
		return errors.New("boom")
	}}, Context{})
	p.Submit(context.Background(), fnHook{"panic", func(context.Context, Context) error {
		panic("boom")
	}}, Context{})
	p.Wait()

	// Pool must still accept work afterwards.
	var ran atomic.Bool
	p.Submit(context.Background(), fnHook{"after", func(context.Context, Context) error {
		ran.Store(true)
		return nil
	}}, Context{})
	p.Wait()
	if !ran.Load() {
		t.Error("pool unusable after hook failure")
	}
}

func TestToolHealthHookFeedsBreaker(t *testing.T) {
	cb := breaker.New(breaker.WithFailureThreshold(2))
	h := NewToolHealthHook(cb)

	hctx := Context{ToolCalls: []ToolOutcome{
		{Call: llm.ToolCall{Name: "calendar"}, Result: "Error: calendar failed: timeout"},
		{Call: llm.ToolCall{Name: "calendar"}, Result: "Error: calendar failed: timeout"},
		{Call: llm.ToolCall{Name: "notes"}, Result: "saved"},
	}}
	if err := h.Run(context.Background(), hctx); err != nil {
		t.Fatal(err)
	}

	if cb.IsAvailable("calendar") {
		t.Error("calendar should be open after consecutive failures")
	}
	if !cb.IsAvailable("notes") {
		t.Error("notes should stay available")
	}
}

func TestMemoryHookTriggers(t *testing.T) {
	var mu sync.Mutex
	var saved []string
	h := NewMemoryHook(func(_ context.Context, note string) error {
		mu.Lock()
		saved = append(saved, note)
		mu.Unlock()
		return nil
	})

	tests := []struct {
		name    string
		hctx    Context
		wantSave bool
	}{
		{"trigger phrase", Context{Message: "Remember that my anniversary is June 3"}, true},
		{"no trigger", Context{Message: "What's the weather?"}, false},
		{"already saved via tool", Context{
			Message:   "Remember this",
			ToolCalls: []ToolOutcome{{Call: llm.ToolCall{Name: "save_memory"}, Result: "ok"}},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			saved = nil
			mu.Unlock()
			if err := h.Run(context.Background(), tt.hctx); err != nil {
				t.Fatal(err)
			}
			mu.Lock()
			got := len(saved) > 0
			mu.Unlock()
			if got != tt.wantSave {
				t.Errorf("saved = %v, want %v", got, tt.wantSave)
			}
		})
	}
}
