package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"
)

// mtimeTolerance absorbs filesystem timestamp jitter around the
// orchestrator's own registry writes.
const mtimeTolerance = 2 * time.Second

// CheckConflict compares the registry file against the project's stored
// state. A non-empty reason means an external edit changed the plan.
func (s *Store) CheckConflict(p *Project) (string, error) {
	if s.registry == nil {
		return "", nil
	}
	doc, err := s.registry.Read(p.ID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	// An mtime within tolerance of our own last write is our write.
	age := doc.ModTime.Sub(p.LastOrchestratorUpdateAt)
	if age < 0 {
		age = -age
	}
	if age <= mtimeTolerance {
		return "", nil
	}

	if doc.Front.PlanHash != "" && doc.Front.PlanHash != p.PlanHash {
		return fmt.Sprintf(
			"registry plan_hash %s differs from stored plan_hash %s (file modified %s after last orchestrator update)",
			doc.Front.PlanHash, p.PlanHash, doc.ModTime.Sub(p.LastOrchestratorUpdateAt).Round(time.Second)), nil
	}
	// Matching hash means the touch was cosmetic.
	return "", nil
}

// ResumeChecked resumes a project and pauses it when an external conflict
// is detected. Already paused or terminal projects only record the
// conflict.
func (s *Store) ResumeChecked(id string) (*Project, error) {
	s.Forget(id)
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	reason, err := s.CheckConflict(p)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return p, nil
	}

	e, err := s.backend.Append(p.ID, EventConflictDetected, "orchestrator",
		map[string]any{"reason": reason})
	if err != nil {
		return nil, err
	}
	apply(p, e)

	switch p.Status {
	case StatusPaused, StatusDone, StatusCancelled:
		// Nothing to interrupt.
		if err := s.backend.WriteCheckpoint(p); err != nil {
			return nil, err
		}
	default:
		p.AddJournal(e.Timestamp, "conflict", reason)
		// A conflict pauses from any non-terminal status, even ones the
		// normal state machine has no pause edge for.
		te, err := s.backend.Append(p.ID, EventProjectTransitioned, "orchestrator",
			map[string]any{"from": string(p.Status), "to": string(StatusPaused), "cause": "conflict"})
		if err != nil {
			return nil, err
		}
		apply(p, te)
		if err := s.backend.WriteCheckpoint(p); err != nil {
			return nil, err
		}
	}
	s.logger.Warn("external conflict detected", "id", p.ID, "reason", reason)
	return p, nil
}

// ReconcileAccept adopts external registry edits: frontmatter tags and
// status, plus a plan-override block when present. The override is the
// canonical plan JSON.
func (s *Store) ReconcileAccept(p *Project) error {
	if s.registry == nil {
		return fmt.Errorf("no registry configured")
	}
	doc, err := s.registry.Read(p.ID)
	if err != nil {
		return err
	}

	if len(doc.Front.Tags) > 0 {
		p.Tags = doc.Front.Tags
	}
	if doc.Front.Status != "" && Status(doc.Front.Status) != p.Status {
		if p.Status.CanTransition(Status(doc.Front.Status)) {
			if err := s.Transition(p, Status(doc.Front.Status), "reconcile"); err != nil {
				return err
			}
		} else {
			s.logger.Warn("ignoring invalid status from registry edit",
				"id", p.ID, "from", p.Status, "to", doc.Front.Status)
		}
	}

	if doc.PlanOverride != "" {
		var plan Plan
		if err := json.Unmarshal([]byte(doc.PlanOverride), &plan); err != nil {
			return fmt.Errorf("parse plan override: %w", err)
		}
		if err := s.writePlan(p, phasesFromPlan(plan), conditionsFromPlan(plan), "reconcile"); err != nil {
			return err
		}
	}

	e, err := s.backend.Append(p.ID, EventConflictReconciled, "reconcile",
		map[string]any{"mode": "accept"})
	if err != nil {
		return err
	}
	apply(p, e)
	p.AddJournal(e.Timestamp, "steering", "accepted external registry edits")
	return s.backend.WriteCheckpoint(p)
}

// ReconcileOverride re-renders the registry markdown from the canonical
// checkpoint, discarding external edits.
func (s *Store) ReconcileOverride(p *Project) error {
	if s.registry == nil {
		return fmt.Errorf("no registry configured")
	}
	e, err := s.backend.Append(p.ID, EventConflictReconciled, "reconcile",
		map[string]any{"mode": "override"})
	if err != nil {
		return err
	}
	apply(p, e)
	if err := s.backend.WriteCheckpoint(p); err != nil {
		return err
	}
	return s.registry.Write(RenderProject(p))
}

// writePlan installs a plan: persists plan.json, records plan.written
// with the new hash, and folds the event into the project so the live
// state matches what replay would produce.
func (s *Store) writePlan(p *Project, phases []Phase, conds []TerminalCondition, actor string) error {
	staging := &Project{Phases: phases, TerminalConditions: conds}
	plan := CanonicalPlan(staging)
	hash := plan.Hash()
	if err := s.backend.SavePlan(p.ID, plan); err != nil {
		return err
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	var planPayload any
	if err := json.Unmarshal(raw, &planPayload); err != nil {
		return err
	}
	payload := map[string]any{"plan_hash": hash, "plan": planPayload}

	// Retry and timeout settings are not part of the hashed plan but must
	// survive replay.
	settings := map[string]any{}
	for _, ph := range phases {
		for _, t := range ph.Tasks {
			if t.MaxAttempts > 1 || t.TimeoutSecs > 0 {
				settings[t.ID] = map[string]any{
					"max_attempts": t.Attempts(),
					"timeout":      t.TimeoutSecs,
				}
			}
		}
	}
	if len(settings) > 0 {
		payload["task_settings"] = settings
	}

	e, err := s.backend.Append(p.ID, EventPlanWritten, actor, payload)
	if err != nil {
		return err
	}
	apply(p, e)
	return nil
}
