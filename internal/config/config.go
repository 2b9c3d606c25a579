// Package config handles loading and validating detsandbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/whitelist"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Environment variables that take precedence over the config file.
const (
	EnvConfig    = "DETSANDBOX_CONFIG"
	EnvWhitelist = "DETSANDBOX_WHITELIST"
	EnvProfile   = "DETSANDBOX_PROFILE"
	EnvDataDir   = "DETSANDBOX_DATA_DIR"
)

// Config is the root configuration for detsandbox.
type Config struct {
	// DataDir defaults to ~/.detsandbox. Override: DETSANDBOX_DATA_DIR.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	// ClassPath lists archives and directories searched after the ones given on the command line.
	ClassPath     []string             `json:"class_path,omitempty" yaml:"class_path,omitempty"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit log disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// PolicyConfig configures what untrusted code may reference.
type PolicyConfig struct {
	// Whitelist is NONE, ALL, LANG, DEFAULT or a file. Override: DETSANDBOX_WHITELIST.
	Whitelist string `json:"whitelist" yaml:"whitelist"`
	// Pinned adds patterns to sandbox/runtime/*, which is always pinned.
	Pinned []string `json:"pinned,omitempty" yaml:"pinned,omitempty"`
	// Prefix of the sandbox namespace. Default: "sandbox/"
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// AnalyzePinned runs the rules over pinned classes too.
	AnalyzePinned bool `json:"analyze_pinned" yaml:"analyze_pinned"`
	// MinSeverity is the lowest severity reported. Default: "WARNING"
	MinSeverity string `json:"min_severity,omitempty" yaml:"min_severity,omitempty"`
}

// ExecutionConfig configures resource limits of a session.
type ExecutionConfig struct {
	// Profile is DEFAULT, UNLIMITED or CUSTOM. Override: DETSANDBOX_PROFILE.
	Profile string `json:"profile" yaml:"profile"`
	// Thresholds is required for CUSTOM and overrides non-zero limits otherwise.
	Thresholds *costing.Thresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	// MaxDepth bounds the call depth. Default: 1000
	MaxDepth       int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// AuditConfig configures the append-only decision log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics. The CLI writes them in
// the text exposition format when a file is set.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	File    string `json:"file,omitempty" yaml:"file,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "detsandbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures failure-rate detection across sessions.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed sessions
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
	MinSamples         int     `json:"min_samples,omitempty" yaml:"min_samples,omitempty"` // Outcomes needed before alerting. Default: 5
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvWhitelist); v != "" {
		c.Policy.Whitelist = v
	}
	if v := os.Getenv(EnvProfile); v != "" {
		c.Execution.Profile = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".detsandbox"
		}
		return filepath.Join(home, ".detsandbox")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// AuditLogPath returns the audit log path, derived from the data directory when unset.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// Whitelist resolves the configured whitelist.
func (c *Config) Whitelist() (*whitelist.Whitelist, error) {
	return whitelist.Load(c.Policy.Whitelist)
}

// Pinned returns the pinned patterns, always including the sandbox runtime.
func (c *Config) Pinned() (*whitelist.Whitelist, error) {
	patterns := append([]string{"sandbox/runtime/*"}, c.Policy.Pinned...)
	return whitelist.New("pinned", patterns...)
}

// MinSeverity returns the lowest severity reported. Defaults to WARNING.
func (c *Config) MinSeverity() messages.Severity {
	s, err := messages.ParseSeverity(c.Policy.MinSeverity)
	if err != nil {
		return messages.Warning
	}
	return s
}

// Profile returns the execution profile with custom thresholds applied.
func (c *Config) Profile() (costing.Profile, error) {
	name := strings.ToUpper(strings.TrimSpace(c.Execution.Profile))
	if name == "CUSTOM" {
		if c.Execution.Thresholds == nil {
			return costing.Profile{}, fmt.Errorf("execution.thresholds is required for the CUSTOM profile")
		}
		return costing.Profile{Name: name, Thresholds: *c.Execution.Thresholds}, nil
	}
	p, err := costing.ProfileByName(name)
	if err != nil {
		return costing.Profile{}, err
	}
	if t := c.Execution.Thresholds; t != nil {
		for _, cost := range costing.Costs {
			if limit := t.Limit(cost); limit > 0 {
				p.Thresholds = p.Thresholds.With(cost, limit)
			}
		}
	}
	return p, nil
}

// Timeout returns the session timeout. Zero selects the executor default.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Execution.TimeoutSeconds) * time.Second
}

// MetricsFile returns the file metrics are written to, or "".
func (c *Config) MetricsFile() string {
	if c.Observability == nil || c.Observability.Metrics == nil || !c.Observability.Metrics.Enabled {
		return ""
	}
	return c.Observability.Metrics.File
}

func (c *Config) validate() error {
	if c.Policy.Whitelist == "" {
		c.Policy.Whitelist = whitelist.NameDefault
	}
	if c.Policy.MinSeverity == "" {
		c.Policy.MinSeverity = messages.Warning.String()
	}
	if _, err := messages.ParseSeverity(c.Policy.MinSeverity); err != nil {
		return fmt.Errorf("policy.min_severity: %w", err)
	}
	for _, p := range c.Policy.Pinned {
		if err := whitelist.CheckPattern(p); err != nil {
			return fmt.Errorf("policy.pinned: %w", err)
		}
	}
	if c.Execution.Profile == "" {
		c.Execution.Profile = costing.DefaultProfile.Name
	}
	if _, err := c.Profile(); err != nil {
		return fmt.Errorf("execution.profile: %w", err)
	}
	if c.Execution.MaxDepth < 0 {
		return fmt.Errorf("execution.max_depth must not be negative")
	}
	if c.Execution.TimeoutSeconds < 0 {
		return fmt.Errorf("execution.timeout_seconds must not be negative")
	}
	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		switch strings.ToLower(t.Tracing.Protocol) {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http, got %q", t.Tracing.Protocol)
		}
		if t.Tracing.SampleRate < 0 || t.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
