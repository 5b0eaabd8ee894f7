package workflow

import "testing"

func samplePlanProject() *Project {
	return &Project{
		Phases: []Phase{{
			ID:            "phase-1",
			Name:          "Research",
			Description:   "Gather sources",
			EntryCriteria: []Criterion{{Description: "goal agreed"}},
			ExitCriteria:  []Criterion{{Description: "sources listed"}},
			Tasks: []TaskSpec{{
				ID:           "phase-1-task-1",
				Description:  "search the web",
				AllowedTools: []string{"web_search"},
			}},
		}},
		TerminalConditions: []TerminalCondition{{
			Description: "report exists",
			Type:        CondArtifactExists,
			Params:      map[string]any{"name": "report.md"},
		}},
	}
}

func TestPlanHashDeterministic(t *testing.T) {
	a := PlanHashOf(samplePlanProject())
	b := PlanHashOf(samplePlanProject())
	if a != b {
		t.Fatalf("equal plans hash differently: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("hash length = %d, want 16", len(a))
	}
}

func TestPlanHashSensitivity(t *testing.T) {
	base := PlanHashOf(samplePlanProject())

	edits := []struct {
		name string
		edit func(*Project)
	}{
		{"phase id", func(p *Project) { p.Phases[0].ID = "phase-9" }},
		{"phase name", func(p *Project) { p.Phases[0].Name = "Renamed" }},
		{"phase description", func(p *Project) { p.Phases[0].Description = "different" }},
		{"entry criterion", func(p *Project) { p.Phases[0].EntryCriteria[0].Description = "other" }},
		{"task description", func(p *Project) { p.Phases[0].Tasks[0].Description = "other" }},
		{"allowed tools", func(p *Project) { p.Phases[0].Tasks[0].AllowedTools = []string{"shell"} }},
		{"terminal condition", func(p *Project) { p.TerminalConditions[0].Type = CondPhaseCount }},
	}
	for _, tt := range edits {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePlanProject()
			tt.edit(p)
			if got := PlanHashOf(p); got == base {
				t.Errorf("edit %q did not change the hash", tt.name)
			}
		})
	}
}

func TestPlanHashIgnoresRuntimeFields(t *testing.T) {
	base := PlanHashOf(samplePlanProject())

	p := samplePlanProject()
	p.Phases[0].Status = PhaseCompleted
	p.Phases[0].Tasks[0].MaxAttempts = 5
	p.Phases[0].Tasks[0].TimeoutSecs = 30
	p.TerminalConditions[0].Met = true

	if got := PlanHashOf(p); got != base {
		t.Errorf("runtime fields changed the hash: %s vs %s", got, base)
	}
}
