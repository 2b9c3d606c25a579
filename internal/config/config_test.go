package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/whitelist"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "detsandbox.yaml", `
policy:
  whitelist: LANG
  pinned: [app/Trusted]
  min_severity: info
execution:
  profile: default
  thresholds:
    jumps: 500
  max_depth: 64
  timeout_seconds: 5
audit:
  enabled: true
observability:
  metrics:
    enabled: true
    file: metrics.prom
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wl, err := cfg.Whitelist()
	if err != nil {
		t.Fatalf("Whitelist: %v", err)
	}
	if wl.Matches("lang/StringBuilder") {
		t.Error("LANG must not include lang/StringBuilder")
	}
	pinned, err := cfg.Pinned()
	if err != nil {
		t.Fatalf("Pinned: %v", err)
	}
	if !pinned.Matches("app/Trusted") || !pinned.Matches("sandbox/runtime/Runtime") {
		t.Errorf("unexpected pinned patterns %v", pinned.Patterns())
	}
	if cfg.MinSeverity() != messages.Informational {
		t.Errorf("min severity = %s", cfg.MinSeverity())
	}

	p, err := cfg.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Thresholds.Jumps != 500 || p.Thresholds.Allocations != costing.DefaultProfile.Thresholds.Allocations {
		t.Errorf("unexpected thresholds %+v", p.Thresholds)
	}
	if cfg.Timeout().Seconds() != 5 || cfg.Execution.MaxDepth != 64 {
		t.Errorf("timeout = %s, depth = %d", cfg.Timeout(), cfg.Execution.MaxDepth)
	}
	if cfg.MetricsFile() != "metrics.prom" {
		t.Errorf("metrics file = %q", cfg.MetricsFile())
	}
	if !strings.HasSuffix(cfg.AuditLogPath(), "audit.jsonl") {
		t.Errorf("audit path = %q", cfg.AuditLogPath())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "detsandbox.json", `{
  "execution": {"profile": "custom", "thresholds": {"allocations": 10, "invocations": 20}}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, err := cfg.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Name != "CUSTOM" || p.Thresholds.Allocations != 10 || p.Thresholds.Jumps != 0 {
		t.Errorf("unexpected profile %+v", p)
	}
	if cfg.Policy.Whitelist != whitelist.NameDefault || cfg.MinSeverity() != messages.Warning {
		t.Errorf("defaults not applied: %+v", cfg.Policy)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvWhitelist, "ALL")
	t.Setenv(EnvProfile, "UNLIMITED")
	path := writeFile(t, "detsandbox.yaml", "policy:\n  whitelist: LANG\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wl, err := cfg.Whitelist()
	if err != nil {
		t.Fatalf("Whitelist: %v", err)
	}
	if !wl.Matches("anything/At/All") {
		t.Error("expected the ALL whitelist from the environment")
	}
	if p, _ := cfg.Profile(); p.Name != costing.UnlimitedProfile.Name {
		t.Errorf("profile = %s", p.Name)
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.Execution.Profile != costing.DefaultProfile.Name || cfg.MetricsFile() != "" {
		t.Errorf("unexpected defaults %+v", cfg.Execution)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown profile", "execution:\n  profile: turbo\n", "execution.profile"},
		{"custom without thresholds", "execution:\n  profile: CUSTOM\n", "execution.thresholds is required"},
		{"negative depth", "execution:\n  max_depth: -1\n", "max_depth"},
		{"bad severity", "policy:\n  min_severity: loud\n", "min_severity"},
		{"ambiguous pin", "policy:\n  pinned: ['app/*/x']\n", "policy.pinned"},
		{"bad protocol", "observability:\n  tracing:\n    enabled: true\n    protocol: udp\n", "protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestAmbiguousPinIsTyped(t *testing.T) {
	_, err := Load(writeFile(t, "c.yaml", "policy:\n  pinned: ['*']\n"))
	if !errors.Is(err, whitelist.ErrAmbiguousPattern) {
		t.Errorf("expected ErrAmbiguousPattern, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
