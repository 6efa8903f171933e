// Package config holds the structures the core needs to run: the
// model-tier lookup table, policy budget presets, and timeouts. It does
// not implement the config-file discovery precedence chain described in
// spec §6 (--config > ./open_harness.yaml > ~/.open_harness/... >
// defaults) — that belongs to the external configuration collaborator
// named out of scope in §1. This package only defines the shapes that
// collaborator's YAML unmarshals into, and ships built-in defaults so
// the core is runnable standalone.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is a named capability bucket the LM Client resolves against the
// Tiers table rather than taking a raw model name (spec §4.1).
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// TierConfig is the concrete endpoint/model a Tier resolves to.
type TierConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PolicyPreset is one row of the budget table in spec §4.6. Zero means
// unlimited.
type PolicyPreset struct {
	FileWrites     int `yaml:"file_writes"`
	Shells         int `yaml:"shells"`
	GitCommits     int `yaml:"git_commits"`
	ExternalAgents int `yaml:"external_agents"`
}

// Config is the full shape the core consumes.
type Config struct {
	Tiers            map[Tier]TierConfig    `yaml:"tiers"`
	DefaultTier      Tier                   `yaml:"default_tier"`
	PolicyPresets    map[string]PolicyPreset `yaml:"policy_presets"`
	PolicyPreset     string                 `yaml:"policy_preset"`
	ShellTimeout     time.Duration          `yaml:"shell_timeout"`
	RunTestsTimeout  time.Duration          `yaml:"run_tests_timeout"`
	TestCommand      string                 `yaml:"test_command"`
	ExternalTimeout  time.Duration          `yaml:"external_timeout"`
	LMRequestTimeout time.Duration          `yaml:"lm_request_timeout"`
	MaxRetries       int                    `yaml:"max_retries"`
	WorkingLayerMin  int                    `yaml:"working_layer_min"`
	// ReplanAllowance caps the complexity-driven replan allowance (spec
	// §3: 0/1/2 for low/medium/high); it never raises it above what the
	// goal's complexity earns.
	ReplanAllowance  int                    `yaml:"replan_allowance"`
	MaxPlanSteps     int                    `yaml:"max_plan_steps"`
	// StepBudget is the fallback agent-step budget used only when a
	// step carries no complexity-derived MaxAgentSteps of its own.
	StepBudget       int                    `yaml:"step_budget"`
	ModelMaxTokens   int                    `yaml:"model_max_tokens"`
}

// Default returns the built-in configuration used when no external
// discovery collaborator hands the core a file.
func Default() Config {
	return Config{
		Tiers: map[Tier]TierConfig{
			TierSmall:  {Model: "qwen2.5-coder-7b", BaseURL: "http://localhost:8080/v1"},
			TierMedium: {Model: "qwen2.5-coder-32b", BaseURL: "http://localhost:8080/v1"},
			TierLarge:  {Model: "deepseek-coder-v2", BaseURL: "http://localhost:8080/v1"},
		},
		DefaultTier: TierMedium,
		PolicyPresets: map[string]PolicyPreset{
			"safe":     {FileWrites: 20, Shells: 30, GitCommits: 3, ExternalAgents: 10},
			"balanced": {FileWrites: 0, Shells: 0, GitCommits: 10, ExternalAgents: 0},
			"full":     {FileWrites: 0, Shells: 0, GitCommits: 0, ExternalAgents: 0},
		},
		PolicyPreset:     "balanced",
		ShellTimeout:     30 * time.Second,
		RunTestsTimeout:  10 * time.Minute,
		TestCommand:      "go test ./...",
		ExternalTimeout:  10 * time.Minute,
		LMRequestTimeout: 120 * time.Second,
		MaxRetries:       3,
		WorkingLayerMin:  2,
		ReplanAllowance:  2,
		MaxPlanSteps:     8,
		StepBudget:       12,
		ModelMaxTokens:   8192,
	}
}

// Parse unmarshals YAML bytes (the format named "open_harness.yaml" /
// legacy "config.yaml" in spec §6) on top of the built-in defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// Preset looks up a policy preset by name, falling back to "balanced".
func (c Config) Preset(name string) PolicyPreset {
	if p, ok := c.PolicyPresets[name]; ok {
		return p
	}
	return c.PolicyPresets["balanced"]
}

// ResolveTier looks up the concrete model/endpoint for a tier.
func (c Config) ResolveTier(t Tier) (TierConfig, error) {
	tc, ok := c.Tiers[t]
	if !ok {
		return TierConfig{}, fmt.Errorf("config: unknown tier %q", t)
	}
	return tc, nil
}

// Escalate returns the next tier up from t, or t itself if already large
// (spec §4.4, "escalate tier").
func Escalate(t Tier) Tier {
	switch t {
	case TierSmall:
		return TierMedium
	case TierMedium:
		return TierLarge
	default:
		return TierLarge
	}
}
