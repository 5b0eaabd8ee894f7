package workflow

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeRegistryFile(t *testing.T, s *Store, p *Project, planHash string, mtime time.Time) {
	t.Helper()
	content := "---\n" +
		"id: " + p.ID + "\n" +
		"title: " + p.Goal + "\n" +
		"status: " + string(p.Status) + "\n" +
		"plan_hash: " + planHash + "\n" +
		"---\n\nedited by a human\n"
	path := s.registry.Path(p.ID)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func approvedProject(t *testing.T, s *Store) *Project {
	t.Helper()
	p, err := s.Create("conflict target", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	phases := []Phase{{
		ID: "phase-1", Name: "Only", Status: PhasePending,
		Tasks: []TaskSpec{{ID: "phase-1-task-1", Description: "do it"}},
	}}
	if err := s.writePlan(p, phases, nil, "test"); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(p, StatusAwaitingApproval, "test"); err != nil {
		t.Fatal(err)
	}
	return p
}

// An external edit that changes plan_hash outside the mtime tolerance
// pauses the project and records both hashes.
func TestConflictDetectionPausesProject(t *testing.T) {
	s := testStore(t)
	p := approvedProject(t, s)
	storedHash := p.PlanHash

	writeRegistryFile(t, s, p, "deadbeefdeadbeef", p.LastOrchestratorUpdateAt.Add(10*time.Second))

	resumed, err := s.ResumeChecked(p.ID)
	if err != nil {
		t.Fatalf("ResumeChecked: %v", err)
	}
	if resumed.Status != StatusPaused {
		t.Errorf("status = %s, want %s", resumed.Status, StatusPaused)
	}

	events, err := s.backend.Events(p.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var reason string
	for _, e := range events {
		if e.Type == EventConflictDetected {
			reason = payloadString(e.Payload, "reason")
		}
	}
	if reason == "" {
		t.Fatal("no conflict.detected event recorded")
	}
	if !strings.Contains(reason, storedHash) || !strings.Contains(reason, "deadbeefdeadbeef") {
		t.Errorf("reason %q does not contain both hashes", reason)
	}
}

func TestConflictIgnoredWithinTolerance(t *testing.T) {
	s := testStore(t)
	p := approvedProject(t, s)

	writeRegistryFile(t, s, p, "deadbeefdeadbeef", p.LastOrchestratorUpdateAt.Add(time.Second))

	reason, err := s.CheckConflict(p)
	if err != nil {
		t.Fatal(err)
	}
	if reason != "" {
		t.Errorf("conflict reported within mtime tolerance: %q", reason)
	}
}

func TestConflictCosmeticTouchIgnored(t *testing.T) {
	s := testStore(t)
	p := approvedProject(t, s)

	// Same hash, late mtime: a human fixed a typo in the body.
	writeRegistryFile(t, s, p, p.PlanHash, p.LastOrchestratorUpdateAt.Add(time.Minute))

	reason, err := s.CheckConflict(p)
	if err != nil {
		t.Fatal(err)
	}
	if reason != "" {
		t.Errorf("cosmetic edit reported as conflict: %q", reason)
	}
}

func TestReconcileAcceptAdoptsPlanOverride(t *testing.T) {
	s := testStore(t)
	p := approvedProject(t, s)
	oldHash := p.PlanHash

	override := `{"phases": [{"id": "phase-1", "name": "Revised", "description": "human plan",` +
		` "entry_criteria": [], "exit_criteria": [],` +
		` "tasks": [{"id": "phase-1-task-1", "description": "new task", "allowed_tools": []}]}],` +
		` "terminal_conditions": []}`
	content := "---\nid: " + p.ID + "\ntitle: " + p.Goal + "\ntags:\n  - redirected\n---\n\n" +
		planOverrideStart + "\n" + override + "\n" + planOverrideEnd + "\n"
	if err := os.WriteFile(s.registry.Path(p.ID), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.ReconcileAccept(p); err != nil {
		t.Fatalf("ReconcileAccept: %v", err)
	}
	if p.PlanHash == oldHash {
		t.Error("plan hash unchanged after accepting override")
	}
	if len(p.Phases) != 1 || p.Phases[0].Name != "Revised" {
		t.Errorf("phases = %+v", p.Phases)
	}
	if !hasTag(p.Tags, "redirected") {
		t.Errorf("tags = %v, want redirected adopted", p.Tags)
	}

	// The override plan survives a cold resume.
	s.Forget(p.ID)
	got, err := s.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PlanHash != p.PlanHash {
		t.Errorf("resumed hash = %s, want %s", got.PlanHash, p.PlanHash)
	}
}

func TestReconcileOverrideRewritesRegistry(t *testing.T) {
	s := testStore(t)
	p := approvedProject(t, s)

	writeRegistryFile(t, s, p, "deadbeefdeadbeef", p.LastOrchestratorUpdateAt.Add(time.Minute))
	if err := s.ReconcileOverride(p); err != nil {
		t.Fatalf("ReconcileOverride: %v", err)
	}

	doc, err := s.registry.Read(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Front.PlanHash != p.PlanHash {
		t.Errorf("registry hash = %s, want canonical %s", doc.Front.PlanHash, p.PlanHash)
	}
}
