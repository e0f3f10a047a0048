// Package config loads the gateway catalog: tools, limits, timeouts, the
// initial safety state, static API keys and audit settings. The file is YAML
// with ${VAR} environment expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/dispatch"
	"github.com/triage-ai/toolgate/internal/limiter"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/safety"
	"gopkg.in/yaml.v3"
)

// Config is the complete catalog file.
type Config struct {
	Safety   SafetyConfig   `yaml:"safety"`
	Limits   LimitsConfig   `yaml:"limits"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Auth     AuthConfig     `yaml:"auth"`
	Audit    AuditConfig    `yaml:"audit"`
	Tools    []ToolConfig   `yaml:"tools"`
}

// SafetyConfig is the safety state at startup.
type SafetyConfig struct {
	DemoMode       bool `yaml:"demo_mode"`
	KillSwitch     bool `yaml:"kill_switch"`
	GlobalReadOnly bool `yaml:"global_read_only"`
}

// PolicyConfig is one token-bucket budget.
type PolicyConfig struct {
	Capacity  int    `yaml:"capacity"`
	WindowStr string `yaml:"window"`

	Window time.Duration `yaml:"-"`
}

// LimitsConfig overrides the built-in tier policies. Tier keys are
// case-insensitive.
type LimitsConfig struct {
	Tiers     map[string]PolicyConfig `yaml:"tiers"`
	Overrides map[string]PolicyConfig `yaml:"overrides"`
}

// TimeoutsConfig bounds handler execution.
type TimeoutsConfig struct {
	DefaultStr string            `yaml:"default"`
	TiersStr   map[string]string `yaml:"tiers"`

	Default time.Duration                   `yaml:"-"`
	Tiers   map[registry.Tier]time.Duration `yaml:"-"`
}

// AuthConfig lists static API keys.
type AuthConfig struct {
	Keys []KeyConfig `yaml:"keys"`
}

// KeyConfig is one static key. Secrets normally come from ${VAR} expansion.
type KeyConfig struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// BackoffConfig bounds audit write retries.
type BackoffConfig struct {
	InitialStr string  `yaml:"initial"`
	MaxStr     string  `yaml:"max"`
	Multiplier float64 `yaml:"multiplier"`
}

// AuditConfig tunes the audit recorder.
type AuditConfig struct {
	FallbackPath     string        `yaml:"fallback_path"`
	QueueSize        int           `yaml:"queue_size"`
	BatchSize        int           `yaml:"batch_size"`
	FlushIntervalStr string        `yaml:"flush_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	Backoff          BackoffConfig `yaml:"backoff"`

	FlushInterval  time.Duration `yaml:"-"`
	BackoffInitial time.Duration `yaml:"-"`
	BackoffMax     time.Duration `yaml:"-"`
}

// ToolConfig is one catalog entry.
type ToolConfig struct {
	Name                 string         `yaml:"name"`
	Category             string         `yaml:"category"`
	Description          string         `yaml:"description"`
	Tier                 string         `yaml:"tier"`
	Risk                 string         `yaml:"risk"`
	SupportsDryRun       bool           `yaml:"supports_dry_run"`
	MutatesExternalState bool           `yaml:"mutates_external_state"`
	Endpoint             string         `yaml:"endpoint"`
	ArgumentSchema       map[string]any `yaml:"argument_schema"`
}

// Load reads, expands, parses and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or the
// empty string when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func parseDurations(cfg *Config) error {
	var err error
	for tier, p := range cfg.Limits.Tiers {
		if p.Window, err = parseDuration("limits.tiers."+tier+".window", p.WindowStr); err != nil {
			return err
		}
		cfg.Limits.Tiers[tier] = p
	}
	for op, p := range cfg.Limits.Overrides {
		if p.Window, err = parseDuration("limits.overrides."+op+".window", p.WindowStr); err != nil {
			return err
		}
		cfg.Limits.Overrides[op] = p
	}

	if cfg.Timeouts.Default, err = parseDuration("timeouts.default", cfg.Timeouts.DefaultStr); err != nil {
		return err
	}
	cfg.Timeouts.Tiers = make(map[registry.Tier]time.Duration, len(cfg.Timeouts.TiersStr))
	for name, s := range cfg.Timeouts.TiersStr {
		tier, err := registry.ParseTier(name)
		if err != nil {
			return fmt.Errorf("timeouts.tiers: %w", err)
		}
		if cfg.Timeouts.Tiers[tier], err = parseDuration("timeouts.tiers."+name, s); err != nil {
			return err
		}
	}

	if cfg.Audit.FlushInterval, err = parseDuration("audit.flush_interval", cfg.Audit.FlushIntervalStr); err != nil {
		return err
	}
	if cfg.Audit.BackoffInitial, err = parseDuration("audit.backoff.initial", cfg.Audit.Backoff.InitialStr); err != nil {
		return err
	}
	if cfg.Audit.BackoffMax, err = parseDuration("audit.backoff.max", cfg.Audit.Backoff.MaxStr); err != nil {
		return err
	}
	return nil
}

// Validate checks the catalog. Any error is fatal at startup.
func (c *Config) Validate() error {
	if _, err := c.LimiterConfig(); err != nil {
		return err
	}
	for tier, d := range c.Timeouts.Tiers {
		if d < 0 {
			return fmt.Errorf("timeouts.tiers.%s must not be negative", tier)
		}
	}
	if c.Timeouts.Default < 0 {
		return fmt.Errorf("timeouts.default must not be negative")
	}

	ids := make(map[string]bool, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		if k.ID == "" {
			return fmt.Errorf("auth.keys[%d].id is required", i)
		}
		if ids[k.ID] {
			return fmt.Errorf("auth.keys: duplicate id %q", k.ID)
		}
		ids[k.ID] = true
	}

	names := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d].name is required", i)
		}
		if names[t.Name] {
			return fmt.Errorf("tools: %w: %s", registry.ErrDuplicateTool, t.Name)
		}
		names[t.Name] = true
		if _, err := t.entry().ResolveTier(); err != nil {
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	return nil
}

// LimiterConfig converts the limits section.
func (c *Config) LimiterConfig() (limiter.Config, error) {
	out := limiter.Config{
		Tiers:     make(map[registry.Tier]limiter.Policy, len(c.Limits.Tiers)),
		Overrides: make(map[string]limiter.Policy, len(c.Limits.Overrides)),
	}
	for name, p := range c.Limits.Tiers {
		tier, err := registry.ParseTier(name)
		if err != nil {
			return limiter.Config{}, fmt.Errorf("limits.tiers: %w", err)
		}
		out.Tiers[tier] = limiter.Policy{Capacity: p.Capacity, Window: p.Window}
	}
	for op, p := range c.Limits.Overrides {
		out.Overrides[op] = limiter.Policy{Capacity: p.Capacity, Window: p.Window}
	}
	if err := out.Validate(); err != nil {
		return limiter.Config{}, err
	}
	return out, nil
}

// DispatchTimeouts converts the timeouts section.
func (c *Config) DispatchTimeouts() dispatch.Timeouts {
	return dispatch.Timeouts{Default: c.Timeouts.Default, PerTier: c.Timeouts.Tiers}
}

// SafetyState converts the safety section.
func (c *Config) SafetyState() safety.State {
	return safety.State{
		DemoMode:       c.Safety.DemoMode,
		KillSwitch:     c.Safety.KillSwitch,
		GlobalReadOnly: c.Safety.GlobalReadOnly,
	}
}

// StaticKeys converts the auth section.
func (c *Config) StaticKeys() []auth.StaticKey {
	keys := make([]auth.StaticKey, 0, len(c.Auth.Keys))
	for _, k := range c.Auth.Keys {
		keys = append(keys, auth.StaticKey{ID: k.ID, Secret: k.Secret})
	}
	return keys
}

// RecorderConfig converts the audit section.
func (c *Config) RecorderConfig() audit.RecorderConfig {
	rc := audit.RecorderConfig{
		QueueSize:     c.Audit.QueueSize,
		BatchSize:     c.Audit.BatchSize,
		FlushInterval: c.Audit.FlushInterval,
		MaxRetries:    c.Audit.MaxRetries,
	}
	if c.Audit.BackoffInitial > 0 {
		rc.Backoff = audit.BackoffConfig{
			InitialDelay: c.Audit.BackoffInitial,
			Multiplier:   c.Audit.Backoff.Multiplier,
			MaxDelay:     c.Audit.BackoffMax,
			Jitter:       true,
		}
		if rc.Backoff.Multiplier == 0 {
			rc.Backoff.Multiplier = 2
		}
	}
	return rc
}

// CatalogEntries converts the tools section.
func (c *Config) CatalogEntries() []registry.CatalogEntry {
	out := make([]registry.CatalogEntry, 0, len(c.Tools))
	for _, t := range c.Tools {
		out = append(out, t.entry())
	}
	return out
}

func (t ToolConfig) entry() registry.CatalogEntry {
	return registry.CatalogEntry{
		Name:                 t.Name,
		Category:             t.Category,
		Description:          t.Description,
		Tier:                 t.Tier,
		Risk:                 t.Risk,
		SupportsDryRun:       t.SupportsDryRun,
		MutatesExternalState: t.MutatesExternalState,
		Endpoint:             t.Endpoint,
		ArgumentSchema:       t.ArgumentSchema,
	}
}
