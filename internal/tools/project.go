package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roshni-ai/roshni/internal/workflow"
)

type startProjectArgs struct {
	Goal        string   `json:"goal" jsonschema:"description=What the project should accomplish,required"`
	MaxCostUSD  float64  `json:"max_cost_usd,omitempty" jsonschema:"description=Budget cap in USD; 0 uses the default"`
	MaxLLMCalls int      `json:"max_llm_calls,omitempty" jsonschema:"description=Budget cap on oracle calls; 0 uses the default"`
	Tags        []string `json:"tags,omitempty" jsonschema:"description=Labels for filtering and review"`
}

type projectIDArgs struct {
	ProjectID string `json:"project_id" jsonschema:"description=Project identifier or slug,required"`
}

type steerProjectArgs struct {
	ProjectID string `json:"project_id" jsonschema:"description=Project identifier or slug,required"`
	Direction string `json:"direction" jsonschema:"description=Guidance for the next planning or advance step,required"`
}

type advanceProjectArgs struct {
	ProjectID string `json:"project_id" jsonschema:"description=Project identifier or slug,required"`
	Directive string `json:"directive,omitempty" jsonschema:"description=What the next phase should focus on"`
}

type reviewProjectsArgs struct {
	Query string   `json:"query,omitempty" jsonschema:"description=Substring matched against goals and phase names"`
	Tags  []string `json:"tags,omitempty" jsonschema:"description=Only projects carrying all of these tags"`
}

// ProjectDeps bundles what the project tools need: the orchestrator for
// operations, the store for reads, and default budget caps applied when
// the caller does not set its own.
type ProjectDeps struct {
	Orchestrator *workflow.Orchestrator
	Store        *workflow.Store

	DefaultMaxCostUSD  float64
	DefaultMaxLLMCalls int
	DefaultMaxWallSecs int
}

// StartProjectTool creates a project, drafts a plan, and leaves it
// awaiting approval.
func StartProjectTool(deps ProjectDeps) Tool {
	return Tool{
		Name:        "start_project",
		Description: "Start a long-running project: draft a phased plan for a goal and hold it for approval.",
		Parameters:  SchemaFor[startProjectArgs](),
		Permission:  PermissionWrite,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args startProjectArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			cost, calls := args.MaxCostUSD, args.MaxLLMCalls
			if cost <= 0 {
				cost = deps.DefaultMaxCostUSD
			}
			if calls <= 0 {
				calls = deps.DefaultMaxLLMCalls
			}
			budget := workflow.NewBudget(cost, calls, deps.DefaultMaxWallSecs)
			p, err := deps.Orchestrator.StartProject(ctx, args.Goal, budget, args.Tags)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Project %s created with %d phase(s), awaiting approval. Use approve_project to begin.",
				p.ID, len(p.Phases)), nil
		},
	}
}

// ApproveProjectTool starts execution in the background; progress flows
// through the orchestrator's reporter.
func ApproveProjectTool(deps ProjectDeps) Tool {
	return Tool{
		Name:        "approve_project",
		Description: "Approve a project's plan and start executing it in the background.",
		Parameters:  SchemaFor[projectIDArgs](),
		Permission:  PermissionWrite,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args projectIDArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			p, err := deps.Store.Get(args.ProjectID)
			if err != nil {
				return "", err
			}
			if p.Status != workflow.StatusAwaitingApproval {
				return "", fmt.Errorf("project %s is %s, not %s",
					p.ID, p.Status, workflow.StatusAwaitingApproval)
			}
			// Detach from the chat turn; execution outlives it.
			go deps.Orchestrator.ApproveAndExecute(context.Background(), p.ID)
			return fmt.Sprintf("Execution of %s started.", p.ID), nil
		},
	}
}

// ProjectStatusTool summarizes one project or lists all of them.
func ProjectStatusTool(deps ProjectDeps) Tool {
	return Tool{
		Name:        "project_status",
		Description: "Show the status, phases, and budget of a project. Pass project_id \"all\" to list every project.",
		Parameters:  SchemaFor[projectIDArgs](),
		Permission:  PermissionRead,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args projectIDArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			if args.ProjectID == "all" || args.ProjectID == "" {
				all, err := deps.Store.List(workflow.ListFilter{})
				if err != nil {
					return "", err
				}
				if len(all) == 0 {
					return "No projects.", nil
				}
				var b strings.Builder
				for _, p := range all {
					fmt.Fprintf(&b, "%s [%s] %s (%d/%d phases)\n",
						p.ID, p.Status, p.Goal, p.CompletedPhases(), len(p.Phases))
				}
				return b.String(), nil
			}
			p, err := deps.Store.Get(args.ProjectID)
			if err != nil {
				return "", err
			}
			return formatProject(p), nil
		},
	}
}

// SteerProjectTool records advisory guidance without interrupting work.
func SteerProjectTool(deps ProjectDeps) Tool {
	return Tool{
		Name:        "steer_project",
		Description: "Record steering guidance for a project; applied on its next planning or advance step.",
		Parameters:  SchemaFor[steerProjectArgs](),
		Permission:  PermissionWrite,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args steerProjectArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			p, err := deps.Orchestrator.Steer(args.ProjectID, args.Direction)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Steering recorded for %s (status %s).", p.ID, p.Status), nil
		},
	}
}

// AdvanceProjectTool continues a finished project or resumes a paused one.
func AdvanceProjectTool(deps ProjectDeps) Tool {
	return Tool{
		Name:        "advance_project",
		Description: "Advance a project: plan and run one more phase if done, resume if paused, or steer if executing.",
		Parameters:  SchemaFor[advanceProjectArgs](),
		Permission:  PermissionWrite,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args advanceProjectArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			p, err := deps.Store.Get(args.ProjectID)
			if err != nil {
				return "", err
			}
			switch p.Status {
			case workflow.StatusExecuting:
				// Advisory only; cheap enough to run inline.
				if _, err := deps.Orchestrator.Advance(context.Background(), p.ID, args.Directive); err != nil {
					return "", err
				}
				return fmt.Sprintf("%s is executing; directive recorded as steering.", p.ID), nil
			default:
				go deps.Orchestrator.Advance(context.Background(), p.ID, args.Directive)
				return fmt.Sprintf("Advancing %s in the background.", p.ID), nil
			}
		},
	}
}

// ReviewProjectsTool synthesizes a narrative across matching projects.
func ReviewProjectsTool(deps ProjectDeps) Tool {
	return Tool{
		Name:        "review_projects",
		Description: "Review projects matching a query or tags and synthesize their combined status.",
		Parameters:  SchemaFor[reviewProjectsArgs](),
		Permission:  PermissionRead,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args reviewProjectsArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("parse arguments: %w", err)
				}
			}
			return deps.Orchestrator.ReviewProjects(ctx, args.Query, args.Tags)
		},
	}
}

func formatProject(p *workflow.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\nGoal: %s\n", p.ID, p.Status, p.Goal)
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(p.Tags, ", "))
	}
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "- %s: %s [%s]\n", ph.ID, ph.Name, ph.Status)
	}
	if p.Budget != nil {
		fmt.Fprintf(&b, "Budget: %d/%d calls, $%.2f/$%.2f\n",
			p.Budget.UsedLLMCalls, p.Budget.MaxLLMCalls,
			p.Budget.UsedCostUSD, p.Budget.MaxCostUSD)
	}
	return b.String()
}

// RegisterProjectTools installs the workflow toolset.
func RegisterProjectTools(r *Registry, deps ProjectDeps) error {
	for _, t := range []Tool{
		StartProjectTool(deps),
		ApproveProjectTool(deps),
		ProjectStatusTool(deps),
		SteerProjectTool(deps),
		AdvanceProjectTool(deps),
		ReviewProjectsTool(deps),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
