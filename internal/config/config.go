// Package config loads the roshni configuration tree from YAML with
// environment-variable expansion and defaulting.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for roshni.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Selector      SelectorConfig      `yaml:"selector"`
	Agent         AgentConfig         `yaml:"agent"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LLMConfig configures oracle providers and the fallback chain.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	FallbackModel   string                       `yaml:"fallback_model"`
	CallTimeout     time.Duration                `yaml:"call_timeout"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig configures one provider. AuthProfiles lists extra API
// keys rotated through on transient failures, tried after APIKey.
type LLMProviderConfig struct {
	APIKey       string   `yaml:"api_key"`
	AuthProfiles []string `yaml:"auth_profiles"`
	DefaultModel string   `yaml:"default_model"`
	BaseURL      string   `yaml:"base_url"`
}

// SelectorConfig configures model-tier routing.
type SelectorConfig struct {
	Light              string            `yaml:"light"`
	Heavy              string            `yaml:"heavy"`
	Thinking           string            `yaml:"thinking"`
	SettingsPath       string            `yaml:"settings_path"`
	QuietHoursStart    int               `yaml:"quiet_hours_start"`
	QuietHoursEnd      int               `yaml:"quiet_hours_end"`
	QuietHoursEnabled  bool              `yaml:"quiet_hours_enabled"`
	ModeOverrides      map[string]string `yaml:"mode_overrides"`
	ToolCharsThreshold int               `yaml:"tool_chars_threshold"`
}

// AgentConfig configures the tool-calling loop.
type AgentConfig struct {
	Persona            string `yaml:"persona"`
	MaxIterations      int    `yaml:"max_iterations"`
	MaxHistoryMessages int    `yaml:"max_history_messages"`
	HookPoolSize       int    `yaml:"hook_pool_size"`
}

// GatewayConfig configures the event gateway.
type GatewayConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// SchedulerConfig configures cron-triggered event submission.
type SchedulerConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Timezone  string          `yaml:"timezone"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Jobs      []JobConfig     `yaml:"jobs"`
}

// HeartbeatConfig configures the periodic wake-up prompt.
type HeartbeatConfig struct {
	Enabled bool          `yaml:"enabled"`
	Cron    string        `yaml:"cron"`
	Every   time.Duration `yaml:"every"`
	Prompt  string        `yaml:"prompt"`
}

// JobConfig is one named scheduled job.
type JobConfig struct {
	ID       string         `yaml:"id"`
	Prompt   string         `yaml:"prompt"`
	Cron     string         `yaml:"cron"`
	Every    time.Duration  `yaml:"every"`
	Timezone string         `yaml:"timezone"`
	CallType string         `yaml:"call_type"`
	Channel  string         `yaml:"channel"`
	Metadata map[string]any `yaml:"metadata"`
	Enabled  *bool          `yaml:"enabled"`
}

// On reports whether the job is enabled; jobs default to enabled.
func (j JobConfig) On() bool {
	return j.Enabled == nil || *j.Enabled
}

// WorkflowConfig configures the project engine.
type WorkflowConfig struct {
	StateDir      string        `yaml:"state_dir"`
	RegistryDir   string        `yaml:"registry_dir"`
	MaxWorkers    int           `yaml:"max_workers"`
	DefaultBudget BudgetConfig  `yaml:"default_budget"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	WatchRegistry bool          `yaml:"watch_registry"`
}

// BudgetConfig caps a project's resource envelope.
type BudgetConfig struct {
	MaxCostUSD  float64 `yaml:"max_cost_usd"`
	MaxLLMCalls int     `yaml:"max_llm_calls"`
	MaxWallSecs int     `yaml:"max_wall_seconds"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	LogLevel      string  `yaml:"log_level"`
	LogFormat     string  `yaml:"log_format"`
	MetricsPort   int     `yaml:"metrics_port"`
	TraceEndpoint string  `yaml:"trace_endpoint"`
	TraceRatio    float64 `yaml:"trace_ratio"`
}

// Load reads and parses the configuration file, expanding ${VAR}
// references from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// input.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.CallTimeout == 0 {
		cfg.LLM.CallTimeout = 180 * time.Second
	}
	if cfg.Selector.ToolCharsThreshold == 0 {
		cfg.Selector.ToolCharsThreshold = 20000
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.MaxHistoryMessages == 0 {
		cfg.Agent.MaxHistoryMessages = 40
	}
	if cfg.Agent.HookPoolSize == 0 {
		cfg.Agent.HookPoolSize = 4
	}
	if cfg.Gateway.QueueCapacity == 0 {
		cfg.Gateway.QueueCapacity = 100
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Workflow.StateDir == "" {
		cfg.Workflow.StateDir = "workflow"
	}
	if cfg.Workflow.MaxWorkers == 0 {
		cfg.Workflow.MaxWorkers = 3
	}
	if cfg.Workflow.DrainTimeout == 0 {
		cfg.Workflow.DrainTimeout = 30 * time.Second
	}
	if cfg.Workflow.DefaultBudget.MaxLLMCalls == 0 {
		cfg.Workflow.DefaultBudget.MaxLLMCalls = 100
	}
	if cfg.Workflow.DefaultBudget.MaxCostUSD == 0 {
		cfg.Workflow.DefaultBudget.MaxCostUSD = 5.0
	}
	if cfg.Workflow.DefaultBudget.MaxWallSecs == 0 {
		cfg.Workflow.DefaultBudget.MaxWallSecs = 3600
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.MetricsPort == 0 {
		cfg.Observability.MetricsPort = 9090
	}
	if cfg.Observability.TraceRatio == 0 {
		cfg.Observability.TraceRatio = 0.1
	}
}
