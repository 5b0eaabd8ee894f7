package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the core's Prometheus metrics: event flow through the
// gateway, oracle calls, tool executions, and workflow worker tasks.
type Metrics struct {
	// EventCounter counts gateway events by source and outcome.
	// Labels: source, outcome (processed|retried|dead_letter|dropped|rejected)
	EventCounter *prometheus.CounterVec

	// QueueDepth gauges the current gateway queue depth.
	QueueDepth prometheus.Gauge

	// LLMRequestCounter counts oracle calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures oracle call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// WorkerTaskCounter counts workflow worker tasks.
	// Labels: status (completed|failed|timeout|refused)
	WorkerTaskCounter *prometheus.CounterVec

	// HookCounter counts after-chat hook dispatches.
	// Labels: hook, status (ran|failed|dropped)
	HookCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all core metrics on the given registerer.
// A nil registerer uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(opts, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		EventCounter: factory(prometheus.CounterOpts{
			Name: "roshni_events_total",
			Help: "Gateway events by source and outcome",
		}, []string{"source", "outcome"}),

		LLMRequestCounter: factory(prometheus.CounterOpts{
			Name: "roshni_llm_requests_total",
			Help: "Oracle requests by provider, model, and status",
		}, []string{"provider", "model", "status"}),

		LLMTokensUsed: factory(prometheus.CounterOpts{
			Name: "roshni_llm_tokens_total",
			Help: "Token usage by provider, model, and type",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory(prometheus.CounterOpts{
			Name: "roshni_tool_executions_total",
			Help: "Tool invocations by name and status",
		}, []string{"tool_name", "status"}),

		WorkerTaskCounter: factory(prometheus.CounterOpts{
			Name: "roshni_worker_tasks_total",
			Help: "Workflow worker task outcomes",
		}, []string{"status"}),

		HookCounter: factory(prometheus.CounterOpts{
			Name: "roshni_hooks_total",
			Help: "After-chat hook dispatches by hook and status",
		}, []string{"hook", "status"}),
	}

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roshni_queue_depth",
		Help: "Current gateway priority queue depth",
	})
	reg.MustRegister(m.QueueDepth)

	m.LLMRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roshni_llm_request_duration_seconds",
		Help:    "Oracle request latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
	}, []string{"provider", "model"})
	reg.MustRegister(m.LLMRequestDuration)

	m.ToolExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roshni_tool_execution_duration_seconds",
		Help:    "Tool execution latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"tool_name"})
	reg.MustRegister(m.ToolExecutionDuration)

	return m
}
