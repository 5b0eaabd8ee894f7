package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// The canonical event-type vocabulary. These strings are persisted; do not
// rename.
const (
	EventProjectCreated      = "project.created"
	EventProjectTransitioned = "project.transitioned"
	EventProjectSteered      = "project.steered"
	EventProjectAdvanced     = "project.advanced"
	EventPlanWritten         = "plan.written"
	EventPhaseStarted        = "phase.started"
	EventPhaseCompleted      = "phase.completed"
	EventPhaseFailed         = "phase.failed"
	EventTaskDispatched      = "task.dispatched"
	EventTaskCompleted       = "task.completed"
	EventTaskFailed          = "task.failed"
	EventBudgetRecordedCall  = "budget.recorded_call"
	EventBudgetWarning       = "budget.warning"
	EventBudgetExhausted     = "budget.exhausted"
	EventConflictDetected    = "conflict.detected"
	EventConflictReconciled  = "conflict.reconciled"
	EventTerminalEvaluated   = "terminal_condition.evaluated"
)

// Event is one durable fact in a project's log. Seq is the replay key;
// timestamps are informational only.
type Event struct {
	EventID   string         `json:"event_id"`
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// apply folds one event into the project. Unknown event types are skipped
// but still advance the replay cursor; replay must be deterministic, so
// only event fields are read, never the clock.
func apply(p *Project, e Event) {
	defer func() { p.LastEventSeq = e.Seq }()

	switch e.Type {
	case EventProjectCreated:
		p.ID = payloadString(e.Payload, "id")
		p.Goal = payloadString(e.Payload, "goal")
		p.Status = StatusPlanning
		p.Tags = payloadStrings(e.Payload, "tags")
		p.CreatedAt = e.Timestamp
		p.UpdatedAt = e.Timestamp
		if raw, ok := e.Payload["budget"]; ok && p.Budget == nil {
			p.Budget = decodeBudget(raw)
		}

	case EventProjectTransitioned:
		to := Status(payloadString(e.Payload, "to"))
		p.Status = to
		p.UpdatedAt = e.Timestamp
		switch to {
		case StatusExecuting:
			if p.StartedAt == nil {
				ts := e.Timestamp
				p.StartedAt = &ts
			}
		case StatusCancelled:
			ts := e.Timestamp
			p.CancelRequestedAt = &ts
		}

	case EventPlanWritten:
		p.PlanHash = payloadString(e.Payload, "plan_hash")
		if raw, ok := e.Payload["plan"]; ok {
			applyPlan(p, raw)
		}
		if raw, ok := e.Payload["task_settings"]; ok {
			applyTaskSettings(p, raw)
		}
		p.UpdatedAt = e.Timestamp

	case EventPhaseStarted:
		if ph := p.PhaseByID(payloadString(e.Payload, "phase_id")); ph != nil {
			ph.Status = PhaseActive
			ts := e.Timestamp
			ph.StartedAt = &ts
		}

	case EventPhaseCompleted:
		if ph := p.PhaseByID(payloadString(e.Payload, "phase_id")); ph != nil {
			ph.Status = PhaseCompleted
			ts := e.Timestamp
			ph.CompletedAt = &ts
		}

	case EventPhaseFailed:
		if ph := p.PhaseByID(payloadString(e.Payload, "phase_id")); ph != nil {
			ph.Status = PhaseFailed
		}

	case EventProjectSteered:
		p.AddJournal(e.Timestamp, "steering", payloadString(e.Payload, "direction"))

	case EventBudgetRecordedCall:
		if p.Budget != nil {
			cost, _ := e.Payload["cost"].(float64)
			p.Budget.RecordCall(cost)
		}

	case EventTerminalEvaluated:
		idx := payloadInt(e.Payload, "index")
		if idx >= 0 && idx < len(p.TerminalConditions) {
			met, _ := e.Payload["met"].(bool)
			p.TerminalConditions[idx].Met = met
			p.TerminalConditions[idx].Rationale = payloadString(e.Payload, "rationale")
		}

	case EventProjectAdvanced, EventTaskDispatched, EventTaskCompleted, EventTaskFailed,
		EventBudgetWarning, EventBudgetExhausted, EventConflictDetected, EventConflictReconciled:
		// Durable facts with no fold rule; the cursor still advances.
	}
}

// applyPlan decodes a plan payload into the project's phases and terminal
// conditions. Phases that survive a rewrite (matched by id) keep their
// status and timestamps, so advancing a project with a new phase does not
// reset completed ones.
func applyPlan(p *Project, raw any) {
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return
	}

	prev := make(map[string]*Phase, len(p.Phases))
	for i := range p.Phases {
		prev[p.Phases[i].ID] = &p.Phases[i]
	}
	phases := phasesFromPlan(plan)
	for i := range phases {
		old, ok := prev[phases[i].ID]
		if !ok {
			continue
		}
		phases[i].Status = old.Status
		phases[i].StartedAt = old.StartedAt
		phases[i].CompletedAt = old.CompletedAt
		oldTasks := make(map[string]TaskSpec, len(old.Tasks))
		for _, t := range old.Tasks {
			oldTasks[t.ID] = t
		}
		for j := range phases[i].Tasks {
			if ot, ok := oldTasks[phases[i].Tasks[j].ID]; ok {
				phases[i].Tasks[j].MaxAttempts = ot.MaxAttempts
				phases[i].Tasks[j].TimeoutSecs = ot.TimeoutSecs
			}
		}
	}
	p.Phases = phases
	p.TerminalConditions = conditionsFromPlan(plan)
}

// applyTaskSettings restores per-task retry and timeout settings, which
// ride outside the canonical (hashed) plan.
func applyTaskSettings(p *Project, raw any) {
	settings, ok := raw.(map[string]any)
	if !ok {
		return
	}
	for i := range p.Phases {
		for j := range p.Phases[i].Tasks {
			t := &p.Phases[i].Tasks[j]
			entry, ok := settings[t.ID].(map[string]any)
			if !ok {
				continue
			}
			if v := payloadInt(entry, "max_attempts"); v > 0 {
				t.MaxAttempts = v
			}
			if v := payloadInt(entry, "timeout"); v > 0 {
				t.TimeoutSecs = v
			}
		}
	}
}

// phasesFromPlan expands a canonical plan into fresh pending phases.
func phasesFromPlan(plan Plan) []Phase {
	phases := make([]Phase, 0, len(plan.Phases))
	for _, pp := range plan.Phases {
		ph := Phase{
			ID:          pp.ID,
			Name:        pp.Name,
			Description: pp.Description,
			Status:      PhasePending,
		}
		for _, d := range pp.EntryCriteria {
			ph.EntryCriteria = append(ph.EntryCriteria, Criterion{Description: d})
		}
		for _, d := range pp.ExitCriteria {
			ph.ExitCriteria = append(ph.ExitCriteria, Criterion{Description: d})
		}
		for _, t := range pp.Tasks {
			ph.Tasks = append(ph.Tasks, TaskSpec{
				ID:           t.ID,
				Description:  t.Description,
				AllowedTools: t.AllowedTools,
				MaxAttempts:  1,
			})
		}
		phases = append(phases, ph)
	}
	return phases
}

// conditionsFromPlan expands a canonical plan's terminal conditions.
func conditionsFromPlan(plan Plan) []TerminalCondition {
	conds := make([]TerminalCondition, 0, len(plan.TerminalConditions))
	for _, c := range plan.TerminalConditions {
		conds = append(conds, TerminalCondition{
			Description: c.Description,
			Type:        c.Type,
			Params:      c.Params,
		})
	}
	return conds
}

// Replay folds events in seq order onto base. Events at or before the
// base's cursor are skipped.
func Replay(base *Project, events []Event) *Project {
	for _, e := range events {
		if e.Seq <= base.LastEventSeq {
			continue
		}
		apply(base, e)
	}
	return base
}

// Fold rebuilds a project from scratch. The first event must be
// project.created.
func Fold(events []Event) (*Project, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to fold")
	}
	if events[0].Type != EventProjectCreated {
		return nil, fmt.Errorf("first event is %s, want %s", events[0].Type, EventProjectCreated)
	}
	p := &Project{}
	for _, e := range events {
		apply(p, e)
	}
	return p, nil
}

func payloadString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func payloadInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

func payloadStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeBudget(raw any) *Budget {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var b Budget
	if err := json.Unmarshal(data, &b); err != nil {
		return nil
	}
	// Replay re-applies budget.recorded_call events; used counters from
	// the created payload would double count.
	b.UsedCostUSD = 0
	b.UsedLLMCalls = 0
	return &b
}
