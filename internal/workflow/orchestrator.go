package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roshni-ai/roshni/internal/llm"
)

const plannerSystemPrompt = `You are a project planner. Decompose the goal into 2-4 sequential phases,
each with 1-3 concrete tasks a worker agent can execute independently.
Respond with JSON only:
{"phases": [{"name": string, "description": string,
  "entry_criteria": [string], "exit_criteria": [string],
  "tasks": [{"description": string, "allowed_tools": [string],
             "max_attempts": int, "timeout": int}]}],
 "terminal_conditions": [{"description": string,
   "type": "artifact_exists"|"phase_count"|"llm_eval", "params": object}]}`

// Reporter receives human-readable progress lines as a project runs.
type Reporter func(projectID, message string)

// Orchestrator drives projects end to end: planning, phase execution
// through the worker pool, budget enforcement, and terminal review.
type Orchestrator struct {
	store  *Store
	pool   *WorkerPool
	oracle llm.Client
	model  string

	report Reporter
	tracer trace.Tracer
	now    func() time.Time
	logger *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPlannerModel overrides the model used for planning, evaluation, and
// review calls.
func WithPlannerModel(model string) OrchestratorOption {
	return func(o *Orchestrator) { o.model = model }
}

// WithReporter sets the progress callback.
func WithReporter(r Reporter) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.report = r
		}
	}
}

// WithOrchestratorNow injects a clock for tests.
func WithOrchestratorNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithOrchestratorLogger sets the orchestrator logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "orchestrator")
		}
	}
}

// NewOrchestrator wires the store, worker pool, and planning oracle.
// oracle may be nil; planning then always uses the single-phase fallback
// and llm_eval conditions resolve to not-met.
func NewOrchestrator(store *Store, pool *WorkerPool, oracle llm.Client, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		pool:   pool,
		oracle: oracle,
		tracer: otel.Tracer("roshni/workflow"),
		now:    time.Now,
		logger: slog.Default().With("component", "orchestrator"),
	}
	o.report = func(projectID, message string) {
		o.logger.Info("progress", "id", projectID, "message", message)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// draft types mirror the planner's JSON; ids are assigned after parsing.
type draftTask struct {
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowed_tools"`
	MaxAttempts  int      `json:"max_attempts"`
	Timeout      int      `json:"timeout"`
}

type draftPhase struct {
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	EntryCriteria []string    `json:"entry_criteria"`
	ExitCriteria  []string    `json:"exit_criteria"`
	Tasks         []draftTask `json:"tasks"`
}

type draftCondition struct {
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params"`
}

type draftPlan struct {
	Phases             []draftPhase     `json:"phases"`
	TerminalConditions []draftCondition `json:"terminal_conditions"`
}

// StartProject creates a project, plans it, and leaves it awaiting
// approval.
func (o *Orchestrator) StartProject(ctx context.Context, goal string, budget *Budget, tags []string) (*Project, error) {
	p, err := o.store.Create(goal, budget, tags)
	if err != nil {
		return nil, err
	}

	phases, conds, planned := o.plan(ctx, p)
	if !planned {
		p.AddJournal(o.now().UTC(), "planning", "planner output unusable, using single-phase fallback")
	}
	if err := o.store.writePlan(p, phases, conds, "orchestrator"); err != nil {
		return nil, err
	}
	if err := o.store.Transition(p, StatusAwaitingApproval, "orchestrator"); err != nil {
		return nil, err
	}

	o.report(p.ID, fmt.Sprintf("Planned %d phase(s); awaiting approval.", len(p.Phases)))
	return p, nil
}

// plan asks the oracle for a decomposition; any failure yields the
// single-phase fallback whose sole task is the goal itself.
func (o *Orchestrator) plan(ctx context.Context, p *Project) ([]Phase, []TerminalCondition, bool) {
	if o.oracle == nil {
		return o.fallbackPlan(p), nil, false
	}
	resp, err := o.oracle.Complete(ctx, &llm.Request{
		Model: o.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: plannerSystemPrompt},
			{Role: llm.RoleUser, Content: "GOAL: " + p.Goal},
		},
	})
	if err != nil {
		o.logger.Warn("planner call failed", "id", p.ID, "error", err)
		return o.fallbackPlan(p), nil, false
	}

	var draft draftPlan
	if err := json.Unmarshal([]byte(stripFences(resp.Text)), &draft); err != nil || len(draft.Phases) == 0 {
		o.logger.Warn("planner output unparseable", "id", p.ID, "error", err)
		return o.fallbackPlan(p), nil, false
	}

	phases := expandDraft(draft.Phases, 1)
	conds := make([]TerminalCondition, 0, len(draft.TerminalConditions))
	for _, c := range draft.TerminalConditions {
		conds = append(conds, TerminalCondition{
			Description: c.Description,
			Type:        c.Type,
			Params:      c.Params,
		})
	}
	return phases, conds, true
}

// expandDraft assigns phase and task ids starting at phase index start.
func expandDraft(drafts []draftPhase, start int) []Phase {
	phases := make([]Phase, 0, len(drafts))
	for i, d := range drafts {
		phaseID := fmt.Sprintf("phase-%d", start+i)
		ph := Phase{
			ID:          phaseID,
			Name:        d.Name,
			Description: d.Description,
			Status:      PhasePending,
		}
		for _, c := range d.EntryCriteria {
			ph.EntryCriteria = append(ph.EntryCriteria, Criterion{Description: c})
		}
		for _, c := range d.ExitCriteria {
			ph.ExitCriteria = append(ph.ExitCriteria, Criterion{Description: c})
		}
		for j, t := range d.Tasks {
			ph.Tasks = append(ph.Tasks, TaskSpec{
				ID:           fmt.Sprintf("%s-task-%d", phaseID, j+1),
				Description:  t.Description,
				AllowedTools: t.AllowedTools,
				MaxAttempts:  t.MaxAttempts,
				TimeoutSecs:  t.Timeout,
			})
		}
		phases = append(phases, ph)
	}
	return phases
}

func (o *Orchestrator) fallbackPlan(p *Project) []Phase {
	return []Phase{{
		ID:          "phase-1",
		Name:        "Execute goal",
		Description: p.Goal,
		Status:      PhasePending,
		Tasks: []TaskSpec{{
			ID:          "phase-1-task-1",
			Description: p.Goal,
			MaxAttempts: 1,
		}},
	}}
}

// ApproveAndExecute runs an approved project through its phases and into
// review.
func (o *Orchestrator) ApproveAndExecute(ctx context.Context, id string) (*Project, error) {
	p, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusAwaitingApproval {
		return nil, fmt.Errorf("project %s: approve_and_execute requires status %s, have %s",
			id, StatusAwaitingApproval, p.Status)
	}
	if err := o.store.Transition(p, StatusExecuting, "orchestrator"); err != nil {
		return nil, err
	}
	if p.Budget != nil {
		p.Budget.StartWall(o.now().UTC())
	}

	if err := o.runPhases(ctx, p); err != nil {
		return p, err
	}
	if p.Status != StatusExecuting {
		// Paused, failed, or cancelled mid-run; state already persisted.
		return p, nil
	}
	return p, o.review(ctx, p)
}

// runPhases iterates pending phases in order, enforcing the budget before
// each one.
func (o *Orchestrator) runPhases(ctx context.Context, p *Project) error {
	warned := make(map[string]bool)

	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.Status == PhaseCompleted || ph.Status == PhaseSkipped {
			continue
		}
		if p.Status == StatusPaused || p.Status == StatusCancelled {
			break
		}

		if p.Budget != nil && p.Budget.Exhausted() {
			return o.pauseOnBudget(p)
		}
		if err := o.warnBudget(p, ph, warned); err != nil {
			return err
		}

		if err := o.runPhase(ctx, p, ph); err != nil {
			return err
		}
		if err := o.checkpoint(p); err != nil {
			return err
		}
		if p.Status != StatusExecuting {
			break
		}
	}
	return nil
}

// runPhase executes one phase's tasks through the worker pool.
func (o *Orchestrator) runPhase(ctx context.Context, p *Project, ph *Phase) error {
	ctx, span := o.tracer.Start(ctx, "workflow.phase", trace.WithAttributes(
		attribute.String("project.id", p.ID),
		attribute.String("phase.id", ph.ID),
	))
	defer span.End()

	e, err := o.store.Backend().Append(p.ID, EventPhaseStarted, "orchestrator",
		map[string]any{"phase_id": ph.ID})
	if err != nil {
		return err
	}
	apply(p, e)
	p.AddJournal(e.Timestamp, "phase", "started "+ph.Name)
	o.report(p.ID, "Phase started: "+ph.Name)

	results := o.runTasks(ctx, p, ph)
	// Workers append events and mutate the budget directly; move the
	// cursor past their events so the next checkpoint does not replay
	// them onto an already-counted budget.
	if err := o.syncCursor(p); err != nil {
		return err
	}

	var failed *WorkerResult
	for i := range results {
		if !results[i].Success {
			failed = &results[i]
			break
		}
	}

	if failed != nil {
		// A mid-phase budget stop pauses rather than fails.
		if p.Budget != nil && p.Budget.Exhausted() {
			return o.pauseOnBudget(p)
		}
		e, err := o.store.Backend().Append(p.ID, EventPhaseFailed, "orchestrator",
			map[string]any{"phase_id": ph.ID, "task_id": failed.TaskID, "error": failed.Error})
		if err != nil {
			return err
		}
		apply(p, e)
		p.AddJournal(e.Timestamp, "phase",
			fmt.Sprintf("failed %s: task %s: %s", ph.Name, failed.TaskID, failed.Error))
		o.report(p.ID, fmt.Sprintf("Phase failed: %s (task %s)", ph.Name, failed.TaskID))
		return o.store.Transition(p, StatusFailed, "orchestrator")
	}

	e, err = o.store.Backend().Append(p.ID, EventPhaseCompleted, "orchestrator",
		map[string]any{"phase_id": ph.ID})
	if err != nil {
		return err
	}
	apply(p, e)
	p.AddJournal(e.Timestamp, "phase", "completed "+ph.Name)
	o.report(p.ID, "Phase completed: "+ph.Name)
	return nil
}

// runTasks fans a phase's tasks out to the pool and waits. Each task
// retries up to its attempt cap; the pool's semaphore bounds concurrency.
func (o *Orchestrator) runTasks(ctx context.Context, p *Project, ph *Phase) []WorkerResult {
	results := make([]WorkerResult, len(ph.Tasks))
	var wg sync.WaitGroup
	for i := range ph.Tasks {
		wg.Add(1)
		go func(i int, task TaskSpec) {
			defer wg.Done()
			var res WorkerResult
			for attempt := 1; attempt <= task.Attempts(); attempt++ {
				res = o.pool.SpawnWorker(ctx, p, ph, task, attempt)
				if res.Success || !res.Retryable {
					break
				}
			}
			results[i] = res
		}(i, ph.Tasks[i])
	}
	wg.Wait()
	return results
}

// pauseOnBudget records budget.exhausted and pauses the project.
func (o *Orchestrator) pauseOnBudget(p *Project) error {
	e, err := o.store.Backend().Append(p.ID, EventBudgetExhausted, "orchestrator",
		map[string]any{"remaining": p.Budget.RemainingFraction()})
	if err != nil {
		return err
	}
	apply(p, e)
	p.AddJournal(e.Timestamp, "budget", "budget exhausted, pausing execution")
	o.report(p.ID, "Budget exhausted; project paused.")
	return o.store.Transition(p, StatusPaused, "orchestrator")
}

// warnBudget records the highest crossed pressure threshold, at most once
// per phase.
func (o *Orchestrator) warnBudget(p *Project, ph *Phase, warned map[string]bool) error {
	if p.Budget == nil || warned[ph.ID] {
		return nil
	}
	pressure := p.Budget.Pressure()
	var threshold string
	switch {
	case pressure >= 0.95:
		threshold = "95%"
	case pressure >= 0.80:
		threshold = "80%"
	case pressure >= 0.50:
		threshold = "50%"
	default:
		return nil
	}
	warned[ph.ID] = true

	e, err := o.store.Backend().Append(p.ID, EventBudgetWarning, "orchestrator",
		map[string]any{"threshold": threshold, "phase_id": ph.ID})
	if err != nil {
		return err
	}
	apply(p, e)
	o.report(p.ID, fmt.Sprintf("Budget pressure at %s entering %s.", threshold, ph.Name))
	return nil
}

// review transitions to REVIEWING, evaluates terminal conditions, and
// finishes to DONE when all are met.
func (o *Orchestrator) review(ctx context.Context, p *Project) error {
	if err := o.store.Transition(p, StatusReviewing, "orchestrator"); err != nil {
		return err
	}
	allMet, err := o.evaluateTerminalConditions(ctx, p)
	if err != nil {
		return err
	}
	if !allMet {
		if err := o.checkpoint(p); err != nil {
			return err
		}
		o.report(p.ID, "Terminal conditions unmet; project stays in review.")
		return nil
	}
	if err := o.store.Transition(p, StatusDone, "orchestrator"); err != nil {
		return err
	}
	o.report(p.ID, "Project done.")
	return nil
}

// Steer records advisory direction; it never interrupts in-flight tasks.
func (o *Orchestrator) Steer(id, direction string) (*Project, error) {
	p, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	e, err := o.store.Backend().Append(p.ID, EventProjectSteered, "user",
		map[string]any{"direction": direction})
	if err != nil {
		return nil, err
	}
	apply(p, e)
	return p, o.checkpoint(p)
}

// Advance pushes a project forward according to its status: plan one more
// phase after review or completion, resume when paused, or steer when
// executing.
func (o *Orchestrator) Advance(ctx context.Context, id, directive string) (*Project, error) {
	p, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusDone, StatusReviewing:
		return p, o.advancePlan(ctx, p, directive)

	case StatusPaused:
		if err := o.store.Transition(p, StatusExecuting, "orchestrator"); err != nil {
			return nil, err
		}
		if directive != "" {
			if _, err := o.Steer(id, directive); err != nil {
				return nil, err
			}
		}
		o.report(p.ID, "Project resumed.")
		return p, nil

	case StatusExecuting:
		if directive == "" {
			return nil, fmt.Errorf("project %s is executing; a directive is required to steer it", id)
		}
		return o.Steer(id, directive)

	default:
		return nil, fmt.Errorf("project %s: cannot advance from status %s", id, p.Status)
	}
}

// advancePlan plans exactly one new phase from full project context and
// runs it.
func (o *Orchestrator) advancePlan(ctx context.Context, p *Project, directive string) error {
	if err := o.store.Transition(p, StatusPlanning, "orchestrator"); err != nil {
		return err
	}

	next := o.planNextPhase(ctx, p, directive)
	phases := append(append([]Phase{}, p.Phases...), next)

	e, err := o.store.Backend().Append(p.ID, EventProjectAdvanced, "orchestrator",
		map[string]any{"directive": directive, "phase_id": next.ID})
	if err != nil {
		return err
	}
	apply(p, e)

	if err := o.store.writePlan(p, phases, p.TerminalConditions, "orchestrator"); err != nil {
		return err
	}
	if err := o.store.Transition(p, StatusAwaitingApproval, "orchestrator"); err != nil {
		return err
	}
	if err := o.store.Transition(p, StatusExecuting, "orchestrator"); err != nil {
		return err
	}
	o.report(p.ID, "Advancing with new phase: "+next.Name)

	if err := o.runPhases(ctx, p); err != nil {
		return err
	}
	if p.Status != StatusExecuting {
		return nil
	}
	return o.review(ctx, p)
}

// planNextPhase asks the oracle for one phase continuing the project; any
// failure yields a single-task phase built from the directive.
func (o *Orchestrator) planNextPhase(ctx context.Context, p *Project, directive string) Phase {
	start := len(p.Phases) + 1
	goal := directive
	if goal == "" {
		goal = "Continue toward: " + p.Goal
	}

	if o.oracle != nil {
		resp, err := o.oracle.Complete(ctx, &llm.Request{
			Model: o.model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "You plan exactly ONE next phase for an ongoing project. " +
					"Respond with JSON only: {\"phases\": [/* one phase, same shape as initial planning */]}"},
				{Role: llm.RoleUser, Content: o.projectContext(p) + "\nDIRECTIVE: " + goal},
			},
		})
		if err == nil {
			var draft draftPlan
			if jsonErr := json.Unmarshal([]byte(stripFences(resp.Text)), &draft); jsonErr == nil && len(draft.Phases) > 0 {
				return expandDraft(draft.Phases[:1], start)[0]
			}
		} else {
			o.logger.Warn("advance planner call failed", "id", p.ID, "error", err)
		}
	}

	phaseID := fmt.Sprintf("phase-%d", start)
	return Phase{
		ID:          phaseID,
		Name:        "Continue work",
		Description: goal,
		Status:      PhasePending,
		Tasks: []TaskSpec{{
			ID:          phaseID + "-task-1",
			Description: goal,
			MaxAttempts: 1,
		}},
	}
}

// ReviewProjects synthesizes a narrative over projects matching the query
// and tag filter.
func (o *Orchestrator) ReviewProjects(ctx context.Context, query string, tags []string) (string, error) {
	all, err := o.store.List(ListFilter{})
	if err != nil {
		return "", err
	}

	var matched []*Project
	for _, p := range all {
		if !matchesTags(p, tags) || !matchesQuery(p, query) {
			continue
		}
		matched = append(matched, p)
	}
	if len(matched) == 0 {
		return "No projects matched.", nil
	}

	var b strings.Builder
	for _, p := range matched {
		b.WriteString(o.projectContext(p))
		b.WriteString("\n")
	}
	if o.oracle == nil {
		return b.String(), nil
	}

	resp, err := o.oracle.Complete(ctx, &llm.Request{
		Model: o.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You review a portfolio of projects. Synthesize status, risks, and next steps into a short narrative."},
			{Role: llm.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("review synthesis: %w", err)
	}
	return resp.Text, nil
}

// projectContext renders one project's status for oracle prompts.
func (o *Orchestrator) projectContext(p *Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PROJECT %s [%s]: %s\n", p.ID, p.Status, p.Goal)
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, "  tags: %s\n", strings.Join(p.Tags, ", "))
	}
	fmt.Fprintf(&b, "  phases: %d/%d completed\n", p.CompletedPhases(), len(p.Phases))
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "  - [%s] %s\n", ph.Status, ph.Name)
	}
	for _, a := range p.Artifacts {
		fmt.Fprintf(&b, "  artifact: %s\n", a.Name)
	}
	for _, c := range p.TerminalConditions {
		if !c.Met {
			fmt.Fprintf(&b, "  unmet: %s\n", c.Description)
		}
	}
	// Recent journal only; full history lives in the event log.
	tail := p.Journal
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for _, j := range tail {
		fmt.Fprintf(&b, "  journal[%s]: %s\n", j.Kind, j.Text)
	}
	return b.String()
}

func matchesTags(p *Project, tags []string) bool {
	for _, want := range tags {
		if !hasTag(p.Tags, want) {
			return false
		}
	}
	return true
}

func matchesQuery(p *Project, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(p.Goal), q) {
		return true
	}
	for _, ph := range p.Phases {
		if strings.Contains(strings.ToLower(ph.Name), q) {
			return true
		}
	}
	for _, t := range p.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) syncCursor(p *Project) error {
	last, err := o.store.Backend().LastSeq(p.ID)
	if err != nil {
		return err
	}
	if last > p.LastEventSeq {
		p.LastEventSeq = last
	}
	return nil
}

// checkpoint syncs the replay cursor past events appended by workers, then
// snapshots.
func (o *Orchestrator) checkpoint(p *Project) error {
	if err := o.syncCursor(p); err != nil {
		return err
	}
	return o.store.Backend().WriteCheckpoint(p)
}
