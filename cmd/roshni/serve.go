package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roshni-ai/roshni/internal/agent"
	"github.com/roshni-ai/roshni/internal/breaker"
	"github.com/roshni-ai/roshni/internal/config"
	"github.com/roshni-ai/roshni/internal/cron"
	"github.com/roshni-ai/roshni/internal/events"
	"github.com/roshni-ai/roshni/internal/hooks"
	"github.com/roshni-ai/roshni/internal/llm"
	"github.com/roshni-ai/roshni/internal/observability"
	"github.com/roshni-ai/roshni/internal/routing"
	"github.com/roshni-ai/roshni/internal/tools"
	"github.com/roshni-ai/roshni/internal/workflow"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "roshni.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Observability.LogLevel = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	logger.Info("starting roshni", "version", version, "config", configPath)

	metrics := observability.NewMetrics(nil)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, shutdownTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:  "roshni",
		Endpoint:     cfg.Observability.TraceEndpoint,
		SamplingRate: cfg.Observability.TraceRatio,
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("trace shutdown", "error", err)
		}
	}()

	clients, err := buildClients(cfg, logger)
	if err != nil {
		return err
	}

	selector := buildSelector(cfg, logger)
	catalog := defaultCatalog()

	noteStore := tools.NewNoteStore(filepath.Join(cfg.Workflow.StateDir, "notes.md"))
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, noteStore, time.Now); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	executor := tools.NewExecutor(registry,
		tools.WithMetrics(metrics),
		tools.WithLogger(logger),
	)

	toolBreaker := breaker.New()
	hookPool := hooks.NewPool(cfg.Agent.HookPoolSize,
		hooks.WithMetrics(metrics),
		hooks.WithLogger(logger),
	)

	ag, err := agent.New(executor, clients,
		agent.WithFallbackModel(cfg.LLM.FallbackModel),
		agent.WithCatalog(catalog),
		agent.WithSelector(selector),
		agent.WithPersona(cfg.Agent.Persona),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithMaxHistory(cfg.Agent.MaxHistoryMessages),
		agent.WithHooks(hookPool,
			hooks.NewToolHealthHook(toolBreaker),
			hooks.NewMemoryHook(func(_ context.Context, note string) error {
				return noteStore.Save(note)
			}),
		),
		agent.WithMetrics(metrics),
		agent.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	gw := events.NewGateway(
		func(ctx context.Context, e *events.Event) (string, error) {
			return ag.Chat(ctx, e.Message,
				agent.WithMode(e.Mode),
				agent.WithCallType(e.CallType),
				agent.WithChannel(e.Channel),
			)
		},
		events.WithCapacity(cfg.Gateway.QueueCapacity),
		events.WithGatewayMetrics(metrics),
		events.WithGatewayLogger(logger),
	)
	gw.OnResponse(func(_ context.Context, e *events.Event, response string) {
		logger.Info("response", "source", string(e.Source), "channel", e.Channel, "text", response)
	})
	gw.Start(ctx)

	scheduler, err := cron.New(gw.Submit, cfg.Scheduler.Timezone, cron.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	if err := scheduler.FromConfig(cfg.Scheduler); err != nil {
		return fmt.Errorf("configure scheduler: %w", err)
	}
	scheduler.Start()

	// Workflow engine: file-backed projects, bounded worker pool, planner
	// on the primary oracle.
	backend := workflow.NewBackend(cfg.Workflow.StateDir,
		workflow.WithBackendLogger(logger),
	)
	var wfRegistry *workflow.Registry
	if cfg.Workflow.RegistryDir != "" {
		wfRegistry = workflow.NewRegistry(cfg.Workflow.RegistryDir, logger)
	}
	store := workflow.NewStore(backend, wfRegistry, workflow.WithStoreLogger(logger))

	workerPool := workflow.NewWorkerPool(
		workerFactory(clients, registry, selector, catalog, metrics, logger),
		backend,
		cfg.Workflow.MaxWorkers,
		workflow.WithPoolMetrics(metrics),
		workflow.WithPoolLogger(logger),
	)
	orchestrator := workflow.NewOrchestrator(store, workerPool, clients[0],
		workflow.WithPlannerModel(selector.Settings().Heavy),
		workflow.WithReporter(func(projectID, message string) {
			logger.Info("project update", "project_id", projectID, "message", message)
		}),
		workflow.WithOrchestratorLogger(logger),
	)
	// The registry is shared by reference, so the agent built above sees
	// these too.
	if err := tools.RegisterProjectTools(registry, tools.ProjectDeps{
		Orchestrator:       orchestrator,
		Store:              store,
		DefaultMaxCostUSD:  cfg.Workflow.DefaultBudget.MaxCostUSD,
		DefaultMaxLLMCalls: cfg.Workflow.DefaultBudget.MaxLLMCalls,
		DefaultMaxWallSecs: cfg.Workflow.DefaultBudget.MaxWallSecs,
	}); err != nil {
		return fmt.Errorf("register project tools: %w", err)
	}

	if wfRegistry != nil && cfg.Workflow.WatchRegistry {
		if err := wfRegistry.Watch(ctx, func(slug string) {
			// Drop the cached view; the next access re-runs conflict
			// detection against the edited file.
			store.Forget(slug)
			logger.Info("registry file changed", "id", slug)
		}); err != nil {
			return fmt.Errorf("watch registry: %w", err)
		}
	}

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	logger.Info("roshni started",
		"queue_capacity", cfg.Gateway.QueueCapacity,
		"scheduler_entries", scheduler.Entries(),
		"metrics_port", cfg.Observability.MetricsPort,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway stop", "error", err)
	}
	workerPool.Drain(cfg.Workflow.DrainTimeout)
	hookPool.Wait()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server stop", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildClients constructs the rotation chain: the default provider first,
// then its extra auth profiles, then the remaining providers.
func buildClients(cfg *config.Config, logger *slog.Logger) ([]llm.Client, error) {
	var clients []llm.Client

	add := func(name string, pc config.LLMProviderConfig) {
		keys := append([]string{pc.APIKey}, pc.AuthProfiles...)
		for i, key := range keys {
			if key == "" {
				continue
			}
			clientName := name
			if i > 0 {
				clientName = fmt.Sprintf("%s-profile-%d", name, i)
			}
			if name == "anthropic" {
				clients = append(clients, llm.NewAnthropicClient(key, pc.BaseURL, cfg.LLM.CallTimeout))
			} else {
				clients = append(clients, llm.NewOpenAIClient(key,
					llm.WithBaseURL(pc.BaseURL),
					llm.WithCallTimeout(cfg.LLM.CallTimeout),
					llm.WithClientName(clientName),
					llm.WithLogger(logger),
				))
			}
		}
	}

	if pc, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok {
		add(cfg.LLM.DefaultProvider, pc)
	}
	for name, pc := range cfg.LLM.Providers {
		if name == cfg.LLM.DefaultProvider {
			continue
		}
		add(name, pc)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no LLM provider configured with an API key")
	}
	return clients, nil
}

func buildSelector(cfg *config.Config, logger *slog.Logger) *routing.Selector {
	opts := []routing.Option{
		routing.WithToolCharsThreshold(cfg.Selector.ToolCharsThreshold),
		routing.WithLogger(logger),
	}
	if cfg.Selector.SettingsPath != "" {
		opts = append(opts, routing.WithSettingsPath(cfg.Selector.SettingsPath))
	}
	if cfg.Selector.QuietHoursEnabled {
		opts = append(opts, routing.WithQuietHours(cfg.Selector.QuietHoursStart, cfg.Selector.QuietHoursEnd))
	}
	for mode, model := range cfg.Selector.ModeOverrides {
		opts = append(opts, routing.WithModeOverride(mode, model))
	}
	return routing.NewSelector(routing.Settings{
		Light:    cfg.Selector.Light,
		Heavy:    cfg.Selector.Heavy,
		Thinking: cfg.Selector.Thinking,
	}, opts...)
}

func defaultCatalog() *llm.Catalog {
	return llm.NewCatalog(
		llm.CatalogEntry{ID: "gpt-4o", Provider: "openai", Aliases: []string{"4o"}},
		llm.CatalogEntry{ID: "gpt-4o-mini", Provider: "openai", Aliases: []string{"4o-mini", "mini"}},
		llm.CatalogEntry{ID: "claude-sonnet-4-5", Provider: "anthropic", Aliases: []string{"sonnet"}},
		llm.CatalogEntry{ID: "claude-haiku-4-5", Provider: "anthropic", Aliases: []string{"haiku"}},
		llm.CatalogEntry{ID: "deepseek/deepseek-chat", Provider: "deepseek", Aliases: []string{"deepseek"}},
	)
}

// countingClient wraps a client and counts completed calls, so worker
// runs can report oracle usage to the project budget.
type countingClient struct {
	inner llm.Client
	n     *atomic.Int32
}

func (c countingClient) Name() string { return c.inner.Name() }

func (c countingClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.n.Add(1)
	return c.inner.Complete(ctx, req)
}

// workerFactory builds fresh single-task sub-agents restricted to the
// task's tool allowlist.
func workerFactory(clients []llm.Client, registry *tools.Registry, selector *routing.Selector,
	catalog *llm.Catalog, metrics *observability.Metrics, logger *slog.Logger) workflow.WorkerFactory {

	return func(allowedTools []string) (workflow.WorkerAgent, error) {
		var calls atomic.Int32
		counted := make([]llm.Client, len(clients))
		for i, c := range clients {
			counted[i] = countingClient{inner: c, n: &calls}
		}

		executor := tools.NewExecutor(registry.Filtered(allowedTools),
			tools.WithMetrics(metrics),
			tools.WithLogger(logger),
		)
		sub, err := agent.New(executor, counted,
			agent.WithSelector(selector),
			agent.WithCatalog(catalog),
			agent.WithMaxIterations(5),
			agent.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return workerAgent{sub: sub, calls: &calls}, nil
	}
}

type workerAgent struct {
	sub   *agent.Agent
	calls *atomic.Int32
}

func (w workerAgent) Run(ctx context.Context, prompt string) (string, int, error) {
	out, err := w.sub.Chat(ctx, prompt, agent.WithCallType("background"))
	return out, int(w.calls.Load()), err
}
