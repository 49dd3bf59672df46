// Package config loads the delegation engine's top-level configuration:
// the model pool, per-role model overrides, trace/escalation/validation
// policy knobs, and tool/filesystem settings named in §6. One file,
// loaded once at startup, the same way catalogue.Load reads role
// definitions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// ModelPoolEntry describes one ModelRouter rung.
	ModelPoolEntry struct {
		ModelTag        string  `yaml:"model_tag"`
		Provider        string  `yaml:"provider"` // "openai" | "anthropic" | "bedrock"
		BaseURL         string  `yaml:"base_url"`
		CapabilityScore float64 `yaml:"capability_score"`
		MaxConcurrent   int     `yaml:"max_concurrent"`
		InitialTPM      float64 `yaml:"initial_tpm"`
		MaxTPM          float64 `yaml:"max_tpm"`
	}

	// TraceConfig configures TraceLogger.
	TraceConfig struct {
		Level        string `yaml:"level"` // off | summary | basic | full | debug
		Dir          string `yaml:"dir"`
		TruncateSize int    `yaml:"truncate_size"`
	}

	// EscalationConfig configures EscalationManager.
	EscalationConfig struct {
		Threshold             int     `yaml:"threshold"`
		HourlyBudgetUSD       float64 `yaml:"hourly_budget_usd"`
		MaxTokensPerRequest   int     `yaml:"max_tokens_per_request"`
		CostPerThousandTokens float64 `yaml:"cost_per_thousand_tokens"`
		PreferredModel        string  `yaml:"preferred_model"`
		RedisAddr             string  `yaml:"redis_addr"`
		RedisKey              string  `yaml:"redis_key"`
	}

	// ValidationConfig configures QualityValidator.
	ValidationConfig struct {
		CriticalRoles  []string `yaml:"critical_roles"`
		MaxRetries     int      `yaml:"max_retries"`
		PreferredModel string   `yaml:"preferred_model"`
	}

	// PlanConfig configures Planner/PlanValidator retry behavior.
	PlanConfig struct {
		MaxRetries int `yaml:"max_retries"`
	}

	// TaskConfig configures AgentExecutor/TaskScheduler limits.
	TaskConfig struct {
		MaxAttempts    int   `yaml:"max_attempts"`
		WallTimeoutMS  int64 `yaml:"wall_timeout_ms"`
		MaxConcurrency int   `yaml:"max_concurrency"`
	}

	// ToolsConfig configures ToolGateway.
	ToolsConfig struct {
		MCPEndpoints  []string `yaml:"mcp_endpoints"`
		CallTimeoutMS int64    `yaml:"call_timeout_ms"`
	}

	// Config is the full set of §6 recognized top-level options.
	Config struct {
		DefaultModel string                   `yaml:"default_model"`
		ModelPool    []ModelPoolEntry         `yaml:"model_pool"`
		Agents       map[string]AgentOverride `yaml:"agents"`
		Trace        TraceConfig              `yaml:"delegation"`
		Escalation   EscalationConfig         `yaml:"escalation"`
		Validation   ValidationConfig         `yaml:"validation"`
		Plan         PlanConfig               `yaml:"plan"`
		Task         TaskConfig               `yaml:"task"`
		Tools        ToolsConfig              `yaml:"tools"`
		Cwd          string                   `yaml:"cwd"`
		CatalogueDir string                   `yaml:"catalogue_dir"`
	}

	// AgentOverride holds per-role config overrides keyed under
	// "agents.<ROLE>.*", layered on top of the role's catalogue AgentDef.
	AgentOverride struct {
		Model string `yaml:"model"`
	}
)

// TaskTimeout returns Task.WallTimeoutMS as a time.Duration, or 0 if unset.
func (c TaskConfig) TaskTimeout() time.Duration {
	if c.WallTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.WallTimeoutMS) * time.Millisecond
}

// ToolCallTimeout returns Tools.CallTimeoutMS as a time.Duration, or 0 if unset.
func (c ToolsConfig) ToolCallTimeout() time.Duration {
	if c.CallTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}

// Default returns a Config with every §6 knob set to the value its owning
// component already defaults to on its own, so a caller can start from
// Default() and override only what they care about.
func Default() *Config {
	return &Config{
		Trace: TraceConfig{Level: "basic", TruncateSize: 500},
		Escalation: EscalationConfig{
			Threshold:             1,
			HourlyBudgetUSD:       5.0,
			MaxTokensPerRequest:   8192,
			CostPerThousandTokens: 0.015,
		},
		Validation: ValidationConfig{
			CriticalRoles: []string{"CODER", "FILE_EXECUTOR", "SHELL_EXECUTOR", "PLANNER"},
			MaxRetries:    3,
		},
		Plan: PlanConfig{MaxRetries: 2},
		Task: TaskConfig{MaxAttempts: 2, WallTimeoutMS: 300_000, MaxConcurrency: 4},
		Tools: ToolsConfig{CallTimeoutMS: 60_000},
	}
}

// Load reads and parses a YAML config file at path, starting from
// Default() so unset fields keep their sensible defaults instead of
// zero-valuing every component's policy knobs.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if len(cfg.ModelPool) == 0 {
		return nil, fmt.Errorf("config: %s declares no model_pool entries", path)
	}
	return cfg, nil
}
