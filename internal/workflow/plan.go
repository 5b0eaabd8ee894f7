package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Plan is the canonical form fed to the plan hash: phase and task
// identity, criteria descriptions, and terminal conditions. Field order is
// fixed by the struct, map keys are sorted by the encoder, so equal plans
// always produce equal bytes.
type Plan struct {
	Phases             []PlanPhase     `json:"phases"`
	TerminalConditions []PlanCondition `json:"terminal_conditions"`
}

// PlanPhase is one phase in canonical form.
type PlanPhase struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	EntryCriteria []string   `json:"entry_criteria"`
	ExitCriteria  []string   `json:"exit_criteria"`
	Tasks         []PlanTask `json:"tasks"`
}

// PlanTask is one task in canonical form.
type PlanTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowed_tools"`
}

// PlanCondition is one terminal condition in canonical form.
type PlanCondition struct {
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params"`
}

// CanonicalPlan projects a Project onto its canonical plan.
func CanonicalPlan(p *Project) Plan {
	plan := Plan{
		Phases:             make([]PlanPhase, 0, len(p.Phases)),
		TerminalConditions: make([]PlanCondition, 0, len(p.TerminalConditions)),
	}
	for _, ph := range p.Phases {
		pp := PlanPhase{
			ID:            ph.ID,
			Name:          ph.Name,
			Description:   ph.Description,
			EntryCriteria: criterionDescriptions(ph.EntryCriteria),
			ExitCriteria:  criterionDescriptions(ph.ExitCriteria),
			Tasks:         make([]PlanTask, 0, len(ph.Tasks)),
		}
		for _, t := range ph.Tasks {
			tools := t.AllowedTools
			if tools == nil {
				tools = []string{}
			}
			pp.Tasks = append(pp.Tasks, PlanTask{
				ID:           t.ID,
				Description:  t.Description,
				AllowedTools: tools,
			})
		}
		plan.Phases = append(plan.Phases, pp)
	}
	for _, tc := range p.TerminalConditions {
		params := tc.Params
		if params == nil {
			params = map[string]any{}
		}
		plan.TerminalConditions = append(plan.TerminalConditions, PlanCondition{
			Description: tc.Description,
			Type:        tc.Type,
			Params:      params,
		})
	}
	return plan
}

func criterionDescriptions(cs []Criterion) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Description)
	}
	return out
}

// Hash returns the plan fingerprint: the first 16 hex characters of the
// SHA-256 of the canonical JSON.
func (pl Plan) Hash() string {
	raw, err := json.Marshal(pl)
	if err != nil {
		// Plan is plain data; Marshal cannot fail on it.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// PlanHashOf fingerprints a project's current plan.
func PlanHashOf(p *Project) string {
	return CanonicalPlan(p).Hash()
}
