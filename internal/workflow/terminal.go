package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roshni-ai/roshni/internal/llm"
)

// evalVerdict is the JSON shape expected back from the evaluator oracle.
type evalVerdict struct {
	Met       bool   `json:"met"`
	Rationale string `json:"rationale"`
	Evidence  string `json:"evidence"`
}

// evaluateTerminalConditions checks every declared condition, recording a
// terminal_condition.evaluated event per condition, and reports whether
// all are met. No declared conditions means phase completion alone
// decides.
func (o *Orchestrator) evaluateTerminalConditions(ctx context.Context, p *Project) (bool, error) {
	if len(p.TerminalConditions) == 0 {
		return true, nil
	}

	allMet := true
	for i := range p.TerminalConditions {
		cond := &p.TerminalConditions[i]
		met, rationale := o.evaluateCondition(ctx, p, cond)

		e, err := o.store.Backend().Append(p.ID, EventTerminalEvaluated, "orchestrator", map[string]any{
			"index":     i,
			"type":      cond.Type,
			"met":       met,
			"rationale": rationale,
		})
		if err != nil {
			return false, err
		}
		apply(p, e)

		if !met {
			allMet = false
		}
	}
	return allMet, nil
}

func (o *Orchestrator) evaluateCondition(ctx context.Context, p *Project, cond *TerminalCondition) (bool, string) {
	switch cond.Type {
	case CondArtifactExists:
		name := payloadString(cond.Params, "name")
		if p.HasArtifact(name) {
			return true, fmt.Sprintf("artifact %q exists", name)
		}
		return false, fmt.Sprintf("artifact %q not found", name)

	case CondPhaseCount:
		min := payloadInt(cond.Params, "min_completed")
		if min < 0 {
			min = len(p.Phases)
		}
		done := p.CompletedPhases()
		if done >= min {
			return true, fmt.Sprintf("%d of %d required phases completed", done, min)
		}
		return false, fmt.Sprintf("%d of %d required phases completed", done, min)

	case CondLLMEval:
		return o.evaluateWithOracle(ctx, p, cond)

	case CondCheckFn:
		return false, "check_fn conditions are not implemented"

	default:
		return false, fmt.Sprintf("unknown condition type %q", cond.Type)
	}
}

// evaluateWithOracle asks the evaluator model for a verdict. Any failure,
// transport or parse, resolves to not-met so a flaky oracle never
// completes a project by accident.
func (o *Orchestrator) evaluateWithOracle(ctx context.Context, p *Project, cond *TerminalCondition) (bool, string) {
	if o.oracle == nil {
		return false, "no evaluator configured"
	}

	var b strings.Builder
	b.WriteString("You judge whether a project condition is satisfied.\n\n")
	fmt.Fprintf(&b, "PROJECT GOAL: %s\n", p.Goal)
	fmt.Fprintf(&b, "CONDITION: %s\n", cond.Description)
	fmt.Fprintf(&b, "COMPLETED PHASES (%d of %d):\n", p.CompletedPhases(), len(p.Phases))
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "- [%s] %s\n", ph.Status, ph.Name)
	}
	if len(p.Artifacts) > 0 {
		b.WriteString("ARTIFACTS:\n")
		for _, a := range p.Artifacts {
			fmt.Fprintf(&b, "- %s\n", a.Name)
		}
	}
	b.WriteString("\nRespond with JSON only: {\"met\": bool, \"rationale\": string, \"evidence\": string}")

	resp, err := o.oracle.Complete(ctx, &llm.Request{
		Model: o.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a strict project reviewer. Respond with JSON only."},
			{Role: llm.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		o.logger.Warn("terminal condition evaluation failed", "id", p.ID, "error", err)
		return false, "evaluation failed: " + err.Error()
	}

	var verdict evalVerdict
	if err := json.Unmarshal([]byte(stripFences(resp.Text)), &verdict); err != nil {
		o.logger.Warn("terminal condition verdict unparseable", "id", p.ID, "error", err)
		return false, "evaluation returned unparseable verdict"
	}
	rationale := verdict.Rationale
	if verdict.Evidence != "" {
		rationale += " (evidence: " + verdict.Evidence + ")"
	}
	return verdict.Met, rationale
}

// stripFences unwraps a markdown-fenced block so fenced JSON parses.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
