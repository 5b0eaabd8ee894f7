package workflow

import (
	"testing"
	"time"
)

func evt(seq uint64, typ string, ts time.Time, payload map[string]any) Event {
	return Event{
		EventID:   "evt-test",
		Seq:       seq,
		Type:      typ,
		Timestamp: ts,
		Actor:     "test",
		Payload:   payload,
	}
}

func TestFoldRequiresCreatedFirst(t *testing.T) {
	_, err := Fold([]Event{evt(1, EventProjectTransitioned, time.Now(), nil)})
	if err == nil {
		t.Fatal("Fold accepted a log that does not start with project.created")
	}
	if _, err := Fold(nil); err == nil {
		t.Fatal("Fold accepted an empty log")
	}
}

// Replay order follows seq, never timestamps.
func TestResumeOrderedBySeqNotTimestamp(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	events := []Event{
		evt(1, EventProjectCreated, base.Add(2*time.Hour), map[string]any{"id": "p1", "goal": "g"}),
		evt(2, EventProjectTransitioned, base.Add(time.Hour), map[string]any{"from": "planning", "to": "awaiting_approval"}),
		evt(3, EventProjectTransitioned, base, map[string]any{"from": "awaiting_approval", "to": "executing"}),
	}
	p, err := Fold(events)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if p.Status != StatusExecuting {
		t.Errorf("status = %s, want %s", p.Status, StatusExecuting)
	}
	if p.LastEventSeq != 3 {
		t.Errorf("LastEventSeq = %d, want 3", p.LastEventSeq)
	}
}

func TestUnknownEventAdvancesCursor(t *testing.T) {
	p := &Project{LastEventSeq: 4}
	Replay(p, []Event{evt(5, "future.event_type", time.Now(), nil)})
	if p.LastEventSeq != 5 {
		t.Errorf("LastEventSeq = %d, want 5", p.LastEventSeq)
	}
}

func TestReplaySkipsAppliedEvents(t *testing.T) {
	p := &Project{Status: StatusExecuting, LastEventSeq: 3}
	Replay(p, []Event{
		evt(2, EventProjectTransitioned, time.Now(), map[string]any{"to": "failed"}),
		evt(3, EventProjectTransitioned, time.Now(), map[string]any{"to": "cancelled"}),
	})
	if p.Status != StatusExecuting {
		t.Errorf("stale events mutated state: status = %s", p.Status)
	}
}

func TestBudgetEventsReplayIntoUsage(t *testing.T) {
	events := []Event{
		evt(1, EventProjectCreated, time.Now(), map[string]any{
			"id": "p1", "goal": "g",
			"budget": map[string]any{"max_cost_usd": 1.0, "max_llm_calls": 10},
		}),
		evt(2, EventBudgetRecordedCall, time.Now(), map[string]any{"cost": 0.25}),
		evt(3, EventBudgetRecordedCall, time.Now(), map[string]any{"cost": 0.25}),
	}
	p, err := Fold(events)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if p.Budget == nil {
		t.Fatal("budget not seeded from project.created")
	}
	if p.Budget.UsedLLMCalls != 2 {
		t.Errorf("UsedLLMCalls = %d, want 2", p.Budget.UsedLLMCalls)
	}
	if p.Budget.UsedCostUSD != 0.5 {
		t.Errorf("UsedCostUSD = %v, want 0.5", p.Budget.UsedCostUSD)
	}
}

// A plan rewrite that keeps a phase id must not reset that phase's
// progress; advancing a reviewed project appends a phase without
// disturbing completed ones.
func TestPlanRewritePreservesPhaseProgress(t *testing.T) {
	started := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	p := &Project{
		Phases: []Phase{{
			ID:        "phase-1",
			Name:      "First",
			Status:    PhaseCompleted,
			StartedAt: &started,
			Tasks:     []TaskSpec{{ID: "phase-1-task-1", Description: "d", MaxAttempts: 3}},
		}},
	}

	plan := map[string]any{
		"phases": []any{
			map[string]any{
				"id": "phase-1", "name": "First", "description": "",
				"entry_criteria": []any{}, "exit_criteria": []any{},
				"tasks": []any{map[string]any{"id": "phase-1-task-1", "description": "d", "allowed_tools": []any{}}},
			},
			map[string]any{
				"id": "phase-2", "name": "Second", "description": "",
				"entry_criteria": []any{}, "exit_criteria": []any{},
				"tasks": []any{map[string]any{"id": "phase-2-task-1", "description": "d2", "allowed_tools": []any{}}},
			},
		},
		"terminal_conditions": []any{},
	}
	apply(p, evt(10, EventPlanWritten, time.Now(), map[string]any{"plan_hash": "x", "plan": plan}))

	if len(p.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(p.Phases))
	}
	if p.Phases[0].Status != PhaseCompleted {
		t.Errorf("phase-1 status = %s, want %s", p.Phases[0].Status, PhaseCompleted)
	}
	if p.Phases[0].StartedAt == nil || !p.Phases[0].StartedAt.Equal(started) {
		t.Error("phase-1 StartedAt lost across plan rewrite")
	}
	if p.Phases[0].Tasks[0].MaxAttempts != 3 {
		t.Errorf("task retry setting lost: MaxAttempts = %d, want 3", p.Phases[0].Tasks[0].MaxAttempts)
	}
	if p.Phases[1].Status != PhasePending {
		t.Errorf("phase-2 status = %s, want %s", p.Phases[1].Status, PhasePending)
	}
}

func TestTaskSettingsRestoredOnReplay(t *testing.T) {
	plan := map[string]any{
		"phases": []any{map[string]any{
			"id": "phase-1", "name": "P", "description": "",
			"entry_criteria": []any{}, "exit_criteria": []any{},
			"tasks": []any{map[string]any{"id": "phase-1-task-1", "description": "d", "allowed_tools": []any{}}},
		}},
		"terminal_conditions": []any{},
	}
	p := &Project{}
	apply(p, evt(1, EventPlanWritten, time.Now(), map[string]any{
		"plan_hash": "x",
		"plan":      plan,
		"task_settings": map[string]any{
			"phase-1-task-1": map[string]any{"max_attempts": 4.0, "timeout": 90.0},
		},
	}))

	task := p.Phases[0].Tasks[0]
	if task.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", task.MaxAttempts)
	}
	if task.TimeoutSecs != 90 {
		t.Errorf("TimeoutSecs = %d, want 90", task.TimeoutSecs)
	}
}

func TestTransitionTimestamps(t *testing.T) {
	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	p := &Project{Status: StatusAwaitingApproval}

	apply(p, evt(1, EventProjectTransitioned, ts, map[string]any{"to": "executing"}))
	if p.StartedAt == nil || !p.StartedAt.Equal(ts) {
		t.Fatal("StartedAt not stamped on first transition to executing")
	}

	// A later pause/resume round trip keeps the original start.
	apply(p, evt(2, EventProjectTransitioned, ts.Add(time.Hour), map[string]any{"to": "paused"}))
	apply(p, evt(3, EventProjectTransitioned, ts.Add(2*time.Hour), map[string]any{"to": "executing"}))
	if !p.StartedAt.Equal(ts) {
		t.Error("StartedAt overwritten on re-entry to executing")
	}

	apply(p, evt(4, EventProjectTransitioned, ts.Add(3*time.Hour), map[string]any{"to": "cancelled"}))
	if p.CancelRequestedAt == nil {
		t.Error("CancelRequestedAt not stamped on cancellation")
	}
}
