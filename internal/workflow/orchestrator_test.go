package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/roshni-ai/roshni/internal/llm"
)

// fakeOracle returns scripted texts in order, repeating the last one.
type fakeOracle struct {
	mu       sync.Mutex
	texts    []string
	err      error
	calls    int
	requests []*llm.Request
}

func (f *fakeOracle) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.texts) == 0 {
		return &llm.Response{Text: "ok"}, nil
	}
	i := f.calls - 1
	if i >= len(f.texts) {
		i = len(f.texts) - 1
	}
	return &llm.Response{Text: f.texts[i]}, nil
}

func (f *fakeOracle) Name() string { return "fake" }

// countingFactory produces workers that fail the first failures runs per
// task, then succeed.
type countingFactory struct {
	mu       sync.Mutex
	failures int
	runs     map[string]int
	tools    [][]string
}

func newCountingFactory(failures int) *countingFactory {
	return &countingFactory{failures: failures, runs: make(map[string]int)}
}

func (c *countingFactory) factory(allowedTools []string) (WorkerAgent, error) {
	c.mu.Lock()
	c.tools = append(c.tools, allowedTools)
	c.mu.Unlock()
	return workerFunc(func(ctx context.Context, prompt string) (string, int, error) {
		c.mu.Lock()
		c.runs[prompt]++
		n := c.runs[prompt]
		c.mu.Unlock()
		if n <= c.failures {
			return "", 1, errors.New("simulated worker failure")
		}
		return "task done", 1, nil
	}), nil
}

type workerFunc func(ctx context.Context, prompt string) (string, int, error)

func (f workerFunc) Run(ctx context.Context, prompt string) (string, int, error) {
	return f(ctx, prompt)
}

func testOrchestrator(t *testing.T, oracle llm.Client, factory WorkerFactory) (*Orchestrator, *Store) {
	t.Helper()
	s := testStore(t)
	if factory == nil {
		factory = newCountingFactory(0).factory
	}
	pool := NewWorkerPool(factory, s.Backend(), 2)
	return NewOrchestrator(s, pool, oracle), s
}

func eventsOfType(t *testing.T, s *Store, projectID, eventType string) []Event {
	t.Helper()
	all, err := s.Backend().Events(projectID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var out []Event
	for _, e := range all {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

const twoPhasePlan = "```json\n" + `{
  "phases": [
    {"name": "Research", "description": "gather sources",
     "entry_criteria": [], "exit_criteria": ["sources listed"],
     "tasks": [{"description": "search", "allowed_tools": ["web_search"], "max_attempts": 2, "timeout": 0}]},
    {"name": "Write", "description": "draft the report",
     "entry_criteria": [], "exit_criteria": [],
     "tasks": [{"description": "draft", "allowed_tools": [], "max_attempts": 1, "timeout": 0}]}
  ],
  "terminal_conditions": []
}` + "\n```"

func TestStartProjectParsesFencedPlan(t *testing.T) {
	oracle := &fakeOracle{texts: []string{twoPhasePlan}}
	o, s := testOrchestrator(t, oracle, nil)

	p, err := o.StartProject(context.Background(), "write a market report", nil, []string{"work"})
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if p.Status != StatusAwaitingApproval {
		t.Errorf("status = %s, want %s", p.Status, StatusAwaitingApproval)
	}
	if len(p.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(p.Phases))
	}
	if p.Phases[0].ID != "phase-1" || p.Phases[1].ID != "phase-2" {
		t.Errorf("phase ids = %s, %s", p.Phases[0].ID, p.Phases[1].ID)
	}
	if p.Phases[0].Tasks[0].ID != "phase-1-task-1" {
		t.Errorf("task id = %s", p.Phases[0].Tasks[0].ID)
	}
	if p.Phases[0].Tasks[0].MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2", p.Phases[0].Tasks[0].MaxAttempts)
	}
	if p.PlanHash == "" {
		t.Error("plan hash not set")
	}
	if n := len(eventsOfType(t, s, p.ID, EventPlanWritten)); n != 1 {
		t.Errorf("plan.written events = %d, want 1", n)
	}
}

func TestStartProjectFallsBackOnUnparseablePlan(t *testing.T) {
	oracle := &fakeOracle{texts: []string{"I cannot produce JSON today."}}
	o, _ := testOrchestrator(t, oracle, nil)

	p, err := o.StartProject(context.Background(), "organize my files", nil, nil)
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if len(p.Phases) != 1 {
		t.Fatalf("phases = %d, want single fallback phase", len(p.Phases))
	}
	if p.Phases[0].Tasks[0].Description != "organize my files" {
		t.Errorf("fallback task = %q, want the goal", p.Phases[0].Tasks[0].Description)
	}

	var journaled bool
	for _, j := range p.Journal {
		if j.Kind == "planning" && strings.Contains(j.Text, "fallback") {
			journaled = true
		}
	}
	if !journaled {
		t.Error("fallback not journaled")
	}
}

func TestApproveRequiresAwaitingApproval(t *testing.T) {
	o, s := testOrchestrator(t, nil, nil)
	p, err := o.StartProject(context.Background(), "some goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(p, StatusFailed, "test"); err != nil {
		t.Fatal(err)
	}

	_, err = o.ApproveAndExecute(context.Background(), p.ID)
	if err == nil {
		t.Fatal("ApproveAndExecute accepted a failed project")
	}
	if !strings.Contains(err.Error(), string(StatusAwaitingApproval)) {
		t.Errorf("error %q does not name the required status", err)
	}
}

func TestApproveAndExecuteToDone(t *testing.T) {
	oracle := &fakeOracle{texts: []string{twoPhasePlan}}
	factory := newCountingFactory(0)
	o, s := testOrchestrator(t, oracle, factory.factory)

	p, err := o.StartProject(context.Background(), "write a market report", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := o.ApproveAndExecute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ApproveAndExecute: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("status = %s, want %s", got.Status, StatusDone)
	}
	for _, ph := range got.Phases {
		if ph.Status != PhaseCompleted {
			t.Errorf("phase %s status = %s", ph.ID, ph.Status)
		}
	}
	if n := len(eventsOfType(t, s, p.ID, EventPhaseCompleted)); n != 2 {
		t.Errorf("phase.completed events = %d, want 2", n)
	}

	// The worker allowlist reaches the factory.
	factory.mu.Lock()
	var sawAllowlist bool
	for _, tools := range factory.tools {
		if len(tools) == 1 && tools[0] == "web_search" {
			sawAllowlist = true
		}
	}
	factory.mu.Unlock()
	if !sawAllowlist {
		t.Error("task allowlist never reached the worker factory")
	}

	// A cold resume reproduces the final state exactly.
	s.Forget(p.ID)
	resumed, err := s.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != StatusDone {
		t.Errorf("resumed status = %s, want %s", resumed.Status, StatusDone)
	}
	if resumed.Budget != nil && got.Budget != nil &&
		resumed.Budget.UsedLLMCalls != got.Budget.UsedLLMCalls {
		t.Errorf("resumed budget calls = %d, want %d",
			resumed.Budget.UsedLLMCalls, got.Budget.UsedLLMCalls)
	}
}

func TestBudgetExhaustionPausesExecution(t *testing.T) {
	o, s := testOrchestrator(t, nil, nil)
	p, err := o.StartProject(context.Background(), "budgeted goal", NewBudget(0.01, 1, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Budget.RecordCall(0)

	got, err := o.ApproveAndExecute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ApproveAndExecute: %v", err)
	}
	if got.Status != StatusPaused {
		t.Fatalf("status = %s, want %s", got.Status, StatusPaused)
	}
	if len(eventsOfType(t, s, p.ID, EventBudgetExhausted)) == 0 {
		t.Error("no budget.exhausted event recorded")
	}

	var journaled bool
	for _, j := range got.Journal {
		if strings.Contains(strings.ToLower(j.Text), "budget") {
			journaled = true
		}
	}
	if !journaled {
		t.Error("journal has no budget entry")
	}
}

func TestTaskRetriesThenPhaseFails(t *testing.T) {
	oracle := &fakeOracle{texts: []string{twoPhasePlan}}
	factory := newCountingFactory(99)
	o, s := testOrchestrator(t, oracle, factory.factory)

	p, err := o.StartProject(context.Background(), "doomed goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := o.ApproveAndExecute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ApproveAndExecute: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, StatusFailed)
	}
	if got.Phases[0].Status != PhaseFailed {
		t.Errorf("phase status = %s, want %s", got.Phases[0].Status, PhaseFailed)
	}
	if len(eventsOfType(t, s, p.ID, EventPhaseFailed)) != 1 {
		t.Error("phase.failed event missing")
	}

	// phase-1-task-1 carries max_attempts 2: one dispatch per attempt.
	dispatched := eventsOfType(t, s, p.ID, EventTaskDispatched)
	if len(dispatched) != 2 {
		t.Errorf("task.dispatched events = %d, want 2", len(dispatched))
	}
}

func TestTaskRetrySucceedsSecondAttempt(t *testing.T) {
	oracle := &fakeOracle{texts: []string{twoPhasePlan}}
	factory := newCountingFactory(1)
	o, _ := testOrchestrator(t, oracle, factory.factory)

	p, err := o.StartProject(context.Background(), "flaky goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Each task fails its first run. phase-1's task has max_attempts 2 and
	// recovers; phase-2's has max_attempts 1 and does not.
	got, err := o.ApproveAndExecute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ApproveAndExecute: %v", err)
	}
	if got.Phases[0].Status != PhaseCompleted {
		t.Errorf("phase-1 status = %s after retry, want %s", got.Phases[0].Status, PhaseCompleted)
	}
	if got.Phases[1].Status != PhaseFailed {
		t.Errorf("phase-2 status = %s, want %s", got.Phases[1].Status, PhaseFailed)
	}
}

func TestBudgetWarningRecordedOncePerPhase(t *testing.T) {
	oracle := &fakeOracle{texts: []string{twoPhasePlan}}
	o, s := testOrchestrator(t, oracle, nil)

	p, err := o.StartProject(context.Background(), "pressured goal", NewBudget(0, 10, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		p.Budget.RecordCall(0)
	}

	if _, err := o.ApproveAndExecute(context.Background(), p.ID); err != nil {
		t.Fatalf("ApproveAndExecute: %v", err)
	}

	warnings := eventsOfType(t, s, p.ID, EventBudgetWarning)
	if len(warnings) == 0 {
		t.Fatal("no budget.warning recorded at 80% pressure")
	}
	if th := payloadString(warnings[0].Payload, "threshold"); th != "80%" {
		t.Errorf("threshold = %q, want 80%%", th)
	}
	perPhase := make(map[string]int)
	for _, w := range warnings {
		perPhase[payloadString(w.Payload, "phase_id")]++
	}
	for phase, n := range perPhase {
		if n > 1 {
			t.Errorf("phase %s warned %d times", phase, n)
		}
	}
}

func TestTerminalConditionsGateCompletion(t *testing.T) {
	o, s := testOrchestrator(t, nil, nil)
	p, err := o.StartProject(context.Background(), "conditional goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conds := []TerminalCondition{{
		Description: "report artifact exists",
		Type:        CondArtifactExists,
		Params:      map[string]any{"name": "report.md"},
	}}
	if err := s.writePlan(p, p.Phases, conds, "test"); err != nil {
		t.Fatal(err)
	}

	got, err := o.ApproveAndExecute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ApproveAndExecute: %v", err)
	}
	if got.Status != StatusReviewing {
		t.Fatalf("status = %s, want %s (condition unmet)", got.Status, StatusReviewing)
	}
	evals := eventsOfType(t, s, p.ID, EventTerminalEvaluated)
	if len(evals) != 1 {
		t.Fatalf("terminal_condition.evaluated events = %d, want 1", len(evals))
	}
	if met, _ := evals[0].Payload["met"].(bool); met {
		t.Error("condition evaluated met without the artifact")
	}
}

func TestCheckFnConditionAlwaysFalse(t *testing.T) {
	o, _ := testOrchestrator(t, nil, nil)
	met, rationale := o.evaluateCondition(context.Background(),
		&Project{}, &TerminalCondition{Type: CondCheckFn})
	if met {
		t.Error("check_fn evaluated true")
	}
	if rationale == "" {
		t.Error("no rationale returned")
	}
}

func TestLLMEvalConditionSafeFalse(t *testing.T) {
	tests := []struct {
		name   string
		oracle *fakeOracle
	}{
		{"oracle error", &fakeOracle{err: context.DeadlineExceeded}},
		{"unparseable verdict", &fakeOracle{texts: []string{"definitely done, trust me"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := testOrchestrator(t, tt.oracle, nil)
			met, _ := o.evaluateCondition(context.Background(), &Project{Goal: "g"},
				&TerminalCondition{Type: CondLLMEval, Description: "quality bar"})
			if met {
				t.Error("llm_eval resolved met on failure")
			}
		})
	}
}

func TestLLMEvalConditionParsesFencedVerdict(t *testing.T) {
	oracle := &fakeOracle{texts: []string{
		"```json\n{\"met\": true, \"rationale\": \"all good\", \"evidence\": \"report.md\"}\n```",
	}}
	o, _ := testOrchestrator(t, oracle, nil)
	met, rationale := o.evaluateCondition(context.Background(), &Project{Goal: "g"},
		&TerminalCondition{Type: CondLLMEval, Description: "quality bar"})
	if !met {
		t.Error("fenced verdict not accepted")
	}
	if !strings.Contains(rationale, "all good") || !strings.Contains(rationale, "report.md") {
		t.Errorf("rationale = %q", rationale)
	}
}

func TestSteerIsAdvisory(t *testing.T) {
	o, s := testOrchestrator(t, nil, nil)
	p, err := o.StartProject(context.Background(), "steerable goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	statusBefore := p.Status

	got, err := o.Steer(p.ID, "focus on the summary first")
	if err != nil {
		t.Fatalf("Steer: %v", err)
	}
	if got.Status != statusBefore {
		t.Errorf("steering changed status to %s", got.Status)
	}
	if len(eventsOfType(t, s, p.ID, EventProjectSteered)) != 1 {
		t.Error("project.steered event missing")
	}
	var journaled bool
	for _, j := range got.Journal {
		if j.Kind == "steering" && strings.Contains(j.Text, "summary") {
			journaled = true
		}
	}
	if !journaled {
		t.Error("steering not journaled")
	}
}

const onePhaseAdvance = `{"phases": [{"name": "Polish", "description": "final pass",
  "entry_criteria": [], "exit_criteria": [],
  "tasks": [{"description": "proofread", "allowed_tools": [], "max_attempts": 1, "timeout": 0}]}]}`

func TestAdvanceAfterDonePlansOneNewPhase(t *testing.T) {
	// First call plans, second call advances.
	oracle := &fakeOracle{texts: []string{"not json", onePhaseAdvance}}
	o, s := testOrchestrator(t, oracle, nil)

	p, err := o.StartProject(context.Background(), "evolving goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.ApproveAndExecute(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusDone {
		t.Fatalf("precondition: status = %s", p.Status)
	}

	got, err := o.Advance(context.Background(), p.ID, "add a polish pass")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if len(got.Phases) != 2 {
		t.Fatalf("phases = %d, want original + advanced", len(got.Phases))
	}
	if got.Phases[1].ID != "phase-2" {
		t.Errorf("new phase id = %s, want phase-2", got.Phases[1].ID)
	}
	if got.Phases[0].Status != PhaseCompleted {
		t.Errorf("original phase reset to %s", got.Phases[0].Status)
	}
	if got.Status != StatusDone {
		t.Errorf("status after advance = %s, want %s", got.Status, StatusDone)
	}
	if len(eventsOfType(t, s, p.ID, EventProjectAdvanced)) != 1 {
		t.Error("project.advanced event missing")
	}
}

func TestAdvanceWhileExecutingSteersOnly(t *testing.T) {
	o, s := testOrchestrator(t, nil, nil)
	p, err := o.StartProject(context.Background(), "running goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(p, StatusExecuting, "test"); err != nil {
		t.Fatal(err)
	}

	got, err := o.Advance(context.Background(), p.ID, "hurry up")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got.Status != StatusExecuting {
		t.Errorf("status = %s, advance must not interrupt execution", got.Status)
	}
	if len(eventsOfType(t, s, p.ID, EventProjectSteered)) != 1 {
		t.Error("directive not recorded as steering")
	}
}

func TestAdvanceResumesPaused(t *testing.T) {
	o, s := testOrchestrator(t, nil, nil)
	p, err := o.StartProject(context.Background(), "paused goal", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(p, StatusExecuting, "test"); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(p, StatusPaused, "test"); err != nil {
		t.Fatal(err)
	}

	got, err := o.Advance(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got.Status != StatusExecuting {
		t.Errorf("status = %s, want %s", got.Status, StatusExecuting)
	}
}

func TestReviewProjectsFiltersAndSynthesizes(t *testing.T) {
	oracle := &fakeOracle{texts: []string{"not json", "not json", "portfolio synthesis"}}
	o, _ := testOrchestrator(t, oracle, nil)

	if _, err := o.StartProject(context.Background(), "quarterly report", nil, []string{"work"}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.StartProject(context.Background(), "garden plan", nil, []string{"home"}); err != nil {
		t.Fatal(err)
	}

	out, err := o.ReviewProjects(context.Background(), "report", []string{"work"})
	if err != nil {
		t.Fatalf("ReviewProjects: %v", err)
	}
	if out != "portfolio synthesis" {
		t.Errorf("synthesis = %q", out)
	}
	last := oracle.requests[len(oracle.requests)-1]
	prompt := last.Messages[len(last.Messages)-1].Content
	if !strings.Contains(prompt, "quarterly report") {
		t.Error("matched project missing from review context")
	}
	if strings.Contains(prompt, "garden plan") {
		t.Error("unmatched project leaked into review context")
	}

	callsBefore := oracle.calls
	out, err = o.ReviewProjects(context.Background(), "no such thing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "No projects matched." {
		t.Errorf("empty match = %q", out)
	}
	if oracle.calls != callsBefore {
		t.Error("oracle called despite empty match")
	}
}
