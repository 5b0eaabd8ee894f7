// Package workflow implements event-sourced projects: state-machine
// transitions, phase/task decomposition, checkpoint+replay durability,
// budget enforcement, and external-file conflict detection.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is a project's lifecycle state.
type Status string

const (
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusReviewing        Status = "reviewing"
	StatusPaused           Status = "paused"
	StatusDone             Status = "done"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// transitions is the static state machine. Cancelled is terminal; done can
// re-open to planning for more work.
var transitions = map[Status][]Status{
	StatusPlanning:         {StatusAwaitingApproval, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusExecuting, StatusPlanning, StatusFailed, StatusCancelled},
	StatusExecuting:        {StatusReviewing, StatusPaused, StatusFailed, StatusCancelled},
	StatusReviewing:        {StatusDone, StatusPlanning, StatusPaused, StatusFailed, StatusCancelled},
	StatusPaused:           {StatusExecuting, StatusPlanning, StatusFailed, StatusCancelled},
	StatusDone:             {StatusPlanning},
	StatusFailed:           {StatusPlanning, StatusCancelled},
	StatusCancelled:        {},
}

// CanTransition reports whether the state machine permits from -> to.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the permitted targets from s, sorted.
func (s Status) AllowedTargets() []string {
	targets := make([]string, 0, len(transitions[s]))
	for _, t := range transitions[s] {
		targets = append(targets, string(t))
	}
	sort.Strings(targets)
	return targets
}

// Terminal reports whether no transitions leave s.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// invalidTransitionError names the allowed targets so callers can see what
// the state machine expected.
func invalidTransitionError(projectID string, from, to Status) error {
	targets := from.AllowedTargets()
	if len(targets) == 0 {
		return fmt.Errorf("project %s: cannot transition from terminal status %s", projectID, from)
	}
	return fmt.Errorf("project %s: invalid transition %s -> %s (allowed: %s)",
		projectID, from, to, strings.Join(targets, ", "))
}

// PhaseStatus is one phase's lifecycle state.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Criterion is an entry or exit condition on a phase.
type Criterion struct {
	Description string `json:"description"`
	Met         bool   `json:"met"`
}

// TaskSpec is one unit of worker execution.
type TaskSpec struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	// AllowedTools restricts the sub-agent's registry; empty means all.
	AllowedTools []string       `json:"allowed_tools,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	// DependsOn is declared but not enforced by dispatch yet.
	DependsOn   []string `json:"depends_on,omitempty"`
	MaxAttempts int      `json:"max_attempts"`
	// TimeoutSecs bounds one attempt; 0 means no timeout.
	TimeoutSecs int `json:"timeout"`
}

// Attempts returns the effective retry cap, at least 1.
func (t TaskSpec) Attempts() int {
	if t.MaxAttempts < 1 {
		return 1
	}
	return t.MaxAttempts
}

// Phase is one stage of a project.
type Phase struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	Status        PhaseStatus `json:"status"`
	EntryCriteria []Criterion `json:"entry_criteria,omitempty"`
	ExitCriteria  []Criterion `json:"exit_criteria,omitempty"`
	Tasks         []TaskSpec  `json:"tasks"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// TerminalCondition decides whether a project is done.
type TerminalCondition struct {
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Met         bool           `json:"met"`
	Rationale   string         `json:"rationale,omitempty"`
}

// Terminal condition types.
const (
	CondArtifactExists = "artifact_exists"
	CondPhaseCount     = "phase_count"
	CondLLMEval        = "llm_eval"
	CondCheckFn        = "check_fn"
)

// JournalEntry is one append-only journal line.
type JournalEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
}

// Artifact is a named project output.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a long-running plan with durable state. The event log is the
// source of truth; a Project value is the folded view.
type Project struct {
	ID     string   `json:"id"`
	Goal   string   `json:"goal"`
	Status Status   `json:"status"`
	Tags   []string `json:"tags,omitempty"`

	Phases             []Phase             `json:"phases"`
	TerminalConditions []TerminalCondition `json:"terminal_conditions,omitempty"`
	Journal            []JournalEntry      `json:"journal,omitempty"`
	Artifacts          []Artifact          `json:"artifacts,omitempty"`

	Budget *Budget `json:"budget,omitempty"`

	PlanHash     string `json:"plan_hash,omitempty"`
	LastEventSeq uint64 `json:"last_event_seq"`

	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
	StartedAt                *time.Time `json:"started_at,omitempty"`
	CancelRequestedAt        *time.Time `json:"cancel_requested_at,omitempty"`
	LastOrchestratorUpdateAt time.Time  `json:"last_orchestrator_update_at"`
}

// PhaseByID returns a pointer into Phases, nil when absent.
func (p *Project) PhaseByID(id string) *Phase {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

// CompletedPhases counts phases in the completed state.
func (p *Project) CompletedPhases() int {
	n := 0
	for _, ph := range p.Phases {
		if ph.Status == PhaseCompleted {
			n++
		}
	}
	return n
}

// HasArtifact reports whether a named artifact exists.
func (p *Project) HasArtifact(name string) bool {
	for _, a := range p.Artifacts {
		if a.Name == name {
			return true
		}
	}
	return false
}

// AddJournal appends a journal entry stamped at ts.
func (p *Project) AddJournal(ts time.Time, kind, text string) {
	p.Journal = append(p.Journal, JournalEntry{Timestamp: ts, Kind: kind, Text: text})
}

// WorkerResult is the outcome of one worker execution. Workers never
// raise; failure is carried here.
type WorkerResult struct {
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	Attempt   int    `json:"attempt"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`
	LLMCalls  int    `json:"llm_calls"`
}
