package routing

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSettings() Settings {
	return Settings{
		Light:        "gpt-4o-mini",
		Heavy:        "gpt-4o",
		Thinking:     "o3-mini",
		ActiveFamily: "openai",
	}
}

func noonClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}
}

func TestLadderOrder(t *testing.T) {
	pressure := 0.0
	s := NewSelector(testSettings(),
		WithPressure(func() float64 { return pressure }),
		WithNow(noonClock()),
		WithModeOverride("vault", "gpt-4o"),
	)

	tests := []struct {
		name      string
		pressure  float64
		signals   TaskSignals
		wantModel string
		wantTier  string
	}{
		{"critical pressure wins over thinking", 0.96, TaskSignals{ThinkingLevel: ThinkingHigh}, "gpt-4o-mini", "budget_critical"},
		{"high pressure downgrades thinking", 0.85, TaskSignals{Mode: "think"}, "gpt-4o-mini", "budget_high"},
		{"mode override", 0.0, TaskSignals{Mode: "vault"}, "gpt-4o", "mode_override"},
		{"think mode routes to thinking tier", 0.0, TaskSignals{Mode: "think"}, "o3-mini", "thinking"},
		{"heartbeat channel stays light", 0.0, TaskSignals{Channel: "heartbeat", Query: "analyze everything in detail"}, "gpt-4o-mini", "background_channel"},
		{"boot channel stays light", 0.0, TaskSignals{Channel: "boot"}, "gpt-4o-mini", "background_channel"},
		{"tool chars escalate", 0.0, TaskSignals{ToolResultChars: 50000}, "gpt-4o", "synthesis"},
		{"needs synthesis escalates", 0.0, TaskSignals{NeedsSynthesis: true}, "gpt-4o", "synthesis"},
		{"heavy mode", 0.0, TaskSignals{Mode: "research"}, "gpt-4o", "heavy_mode"},
		{"light mode", 0.0, TaskSignals{Mode: "chat", Query: "analyze this tradeoff"}, "gpt-4o-mini", "light_mode"},
		{"complex keyword", 0.0, TaskSignals{Query: "please analyze the failure"}, "gpt-4o", "complex_query"},
		{"light keyword", 0.0, TaskSignals{Query: "quick note"}, "gpt-4o-mini", "light_query"},
		{"default", 0.0, TaskSignals{Query: "hello"}, "gpt-4o-mini", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pressure = tt.pressure
			sel := s.Select(tt.signals)
			if sel.Model != tt.wantModel || sel.Tier != tt.wantTier {
				t.Errorf("Select() = (%s, %s), want (%s, %s)", sel.Model, sel.Tier, tt.wantModel, tt.wantTier)
			}
		})
	}
}

func TestLongQueryEscalates(t *testing.T) {
	s := NewSelector(testSettings(), WithNow(noonClock()))
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	sel := s.Select(TaskSignals{Query: string(long)})
	if sel.Model != "gpt-4o" {
		t.Errorf("long query routed to %s, want heavy", sel.Model)
	}
}

func TestQuietHours(t *testing.T) {
	night := func() time.Time {
		return time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)
	}
	s := NewSelector(testSettings(), WithQuietHours(23, 7), WithNow(night))
	sel := s.Select(TaskSignals{Mode: "research"})
	if sel.Tier != "quiet_hours" || sel.Model != "gpt-4o-mini" {
		t.Errorf("Select() = (%s, %s), want quiet hours light", sel.Model, sel.Tier)
	}
}

func TestThinkingBudgetCappedUnderPressure(t *testing.T) {
	s := NewSelector(testSettings(),
		WithPressure(func() float64 { return 0.6 }),
		WithNow(noonClock()),
	)
	sel := s.Select(TaskSignals{ThinkingLevel: ThinkingHigh})
	if sel.Model != "o3-mini" {
		t.Fatalf("model = %s, want thinking tier", sel.Model)
	}
	if sel.ThinkingBudget != ThinkingLow.Budget() {
		t.Errorf("thinking budget = %d, want capped %d", sel.ThinkingBudget, ThinkingLow.Budget())
	}
}

func TestSettingsPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selector.json")

	s := NewSelector(testSettings(), WithSettingsPath(path), WithNow(noonClock()))
	updated := testSettings()
	updated.Heavy = "claude-sonnet-4-5"
	updated.ActiveFamily = "anthropic"
	if err := s.UpdateSettings(updated); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}

	// A fresh selector picks the persisted record over its constructor arg.
	s2 := NewSelector(testSettings(), WithSettingsPath(path), WithNow(noonClock()))
	if got := s2.Settings().Heavy; got != "claude-sonnet-4-5" {
		t.Errorf("persisted heavy = %s, want claude-sonnet-4-5", got)
	}
}
