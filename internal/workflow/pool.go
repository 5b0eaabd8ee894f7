package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roshni-ai/roshni/internal/observability"
)

// WorkerAgent is one fresh, short-lived sub-agent executing a single task
// prompt. It reports how many oracle calls the run consumed.
type WorkerAgent interface {
	Run(ctx context.Context, prompt string) (output string, llmCalls int, err error)
}

// WorkerFactory constructs a sub-agent restricted to the task's tool
// allowlist; an empty allowlist means all tools.
type WorkerFactory func(allowedTools []string) (WorkerAgent, error)

// WorkerPool bounds task fan-out within a phase by a semaphore. Workers
// never raise; every spawn returns a WorkerResult.
type WorkerPool struct {
	factory WorkerFactory
	backend *Backend
	sem     chan struct{}
	wg      sync.WaitGroup

	metrics *observability.Metrics
	logger  *slog.Logger
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPoolMetrics wires worker task counters.
func WithPoolMetrics(m *observability.Metrics) PoolOption {
	return func(w *WorkerPool) { w.metrics = m }
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(w *WorkerPool) {
		if logger != nil {
			w.logger = logger.With("component", "workers")
		}
	}
}

// NewWorkerPool creates a pool with maxConcurrent slots.
func NewWorkerPool(factory WorkerFactory, backend *Backend, maxConcurrent int, opts ...PoolOption) *WorkerPool {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	w := &WorkerPool{
		factory: factory,
		backend: backend,
		sem:     make(chan struct{}, maxConcurrent),
		logger:  slog.Default().With("component", "workers"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SpawnWorker runs one task attempt synchronously: pre-checks, dispatch
// event, bounded execution with the task's timeout, budget accounting,
// and a completion or failure event.
func (w *WorkerPool) SpawnWorker(ctx context.Context, p *Project, phase *Phase, task TaskSpec, attempt int) WorkerResult {
	workerID := "worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	result := WorkerResult{TaskID: task.ID, WorkerID: workerID, Attempt: attempt}

	// Refuse spawn when the project can no longer spend or proceed.
	if p.Budget != nil && p.Budget.Exhausted() {
		result.Error = "budget exhausted"
		w.count("refused")
		return result
	}
	if p.Status == StatusPaused || p.Status == StatusCancelled {
		result.Error = fmt.Sprintf("project is %s", p.Status)
		w.count("refused")
		return result
	}

	w.appendEvent(p.ID, EventTaskDispatched, map[string]any{
		"phase_id":  phase.ID,
		"task_id":   task.ID,
		"worker_id": workerID,
		"attempt":   attempt,
	})

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		result.Error = ctx.Err().Error()
		result.Retryable = attempt < task.Attempts()
		w.count("refused")
		return result
	}
	w.wg.Add(1)
	defer w.wg.Done()
	defer func() { <-w.sem }()

	runCtx := ctx
	if task.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSecs)*time.Second)
		defer cancel()
	}

	output, llmCalls, err := w.run(runCtx, p, phase, task)
	result.LLMCalls = llmCalls

	// Cost rides the global token budget; here each call counts against
	// the project's call cap.
	for i := 0; i < llmCalls; i++ {
		if p.Budget != nil {
			p.Budget.RecordCall(0)
		}
		w.appendEvent(p.ID, EventBudgetRecordedCall, map[string]any{
			"task_id": task.ID,
			"cost":    0.0,
		})
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.Error = fmt.Sprintf("task timed out after %ds", task.TimeoutSecs)
		result.Retryable = attempt < task.Attempts()
		w.count("timeout")
		w.appendEvent(p.ID, EventTaskFailed, map[string]any{
			"phase_id":  phase.ID,
			"task_id":   task.ID,
			"worker_id": workerID,
			"attempt":   attempt,
			"error":     result.Error,
			"retryable": result.Retryable,
		})
	case err != nil:
		result.Error = err.Error()
		result.Retryable = attempt < task.Attempts()
		w.count("failed")
		w.appendEvent(p.ID, EventTaskFailed, map[string]any{
			"phase_id":  phase.ID,
			"task_id":   task.ID,
			"worker_id": workerID,
			"attempt":   attempt,
			"error":     result.Error,
			"retryable": result.Retryable,
		})
	default:
		result.Success = true
		result.Output = output
		w.count("completed")
		w.appendEvent(p.ID, EventTaskCompleted, map[string]any{
			"phase_id":  phase.ID,
			"task_id":   task.ID,
			"worker_id": workerID,
			"attempt":   attempt,
		})
	}

	w.backend.AppendWorkerLog(p.ID, result)
	return result
}

// run constructs the sub-agent and executes the worker prompt.
func (w *WorkerPool) run(ctx context.Context, p *Project, phase *Phase, task TaskSpec) (string, int, error) {
	agent, err := w.factory(task.AllowedTools)
	if err != nil {
		return "", 0, fmt.Errorf("construct worker agent: %w", err)
	}
	return agent.Run(ctx, workerPrompt(p, phase, task))
}

func workerPrompt(p *Project, phase *Phase, task TaskSpec) string {
	var b strings.Builder
	b.WriteString("You are a worker executing one task of a larger project.\n\n")
	fmt.Fprintf(&b, "PROJECT GOAL: %s\n", p.Goal)
	fmt.Fprintf(&b, "PHASE: %s (%s)\n", phase.Name, phase.Description)
	fmt.Fprintf(&b, "TASK %s: %s\n", task.ID, task.Description)
	if len(task.Outputs) > 0 {
		b.WriteString("EXPECTED OUTPUTS:\n")
		for name, desc := range task.Outputs {
			fmt.Fprintf(&b, "- %s: %v\n", name, desc)
		}
	}
	b.WriteString("\nComplete the task and report the result concisely.")
	return b.String()
}

// Drain waits for running workers with a soft timeout; stragglers are
// logged and left to finish on their own.
func (w *WorkerPool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn("drain timeout, leaving workers running", "timeout", timeout)
	}
}

func (w *WorkerPool) appendEvent(projectID, eventType string, payload map[string]any) {
	if _, err := w.backend.Append(projectID, eventType, "worker", payload); err != nil {
		w.logger.Error("record worker event failed",
			"project_id", projectID, "type", eventType, "error", err)
	}
}

func (w *WorkerPool) count(status string) {
	if w.metrics != nil {
		w.metrics.WorkerTaskCounter.WithLabelValues(status).Inc()
	}
}
