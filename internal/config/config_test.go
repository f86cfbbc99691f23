package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronos-ops/chronos/internal/build"
	"github.com/chronos-ops/chronos/internal/ooda"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8420" {
		t.Errorf("expected :8420, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/chronos" {
		t.Errorf("expected /var/lib/chronos, got %s", cfg.DataDir)
	}
	if cfg.Investigation.ConfidenceThreshold != 0.7 {
		t.Errorf("expected 0.7, got %g", cfg.Investigation.ConfidenceThreshold)
	}
	if cfg.Lock.TimeoutMinutes != 30 || cfg.Lock.MaxExtensions != 6 {
		t.Errorf("unexpected lock defaults: %+v", cfg.Lock)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"data_dir": "/tmp/chronos-test",
		"investigation": {
			"confidence_threshold": 0.8,
			"max_actions_per_incident": 3,
			"action_cooldown_seconds": 30,
			"max_verification_attempts": 2,
			"stale_threshold_seconds": 60,
			"heartbeat_interval_seconds": 15,
			"phase_max_retries": 3
		},
		"rollback": {
			"require_approval": true,
			"protected_namespaces": ["kube-system"],
			"max_rollbacks_per_incident": 5,
			"escalation_threshold": 5
		}
	}`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.Investigation.ConfidenceThreshold != 0.8 {
		t.Errorf("expected 0.8, got %g", cfg.Investigation.ConfidenceThreshold)
	}
	if !cfg.Rollback.RequireApproval {
		t.Error("expected approval requirement from file")
	}
	if len(cfg.Rollback.ProtectedNamespaces) != 1 || cfg.Rollback.ProtectedNamespaces[0] != "kube-system" {
		t.Errorf("protected namespaces = %v", cfg.Rollback.ProtectedNamespaces)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Lock.TimeoutMinutes != 30 {
		t.Errorf("lock defaults lost: %+v", cfg.Lock)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"listen_addr": ":9090"}`), 0644)

	t.Setenv("CHRONOS_LISTEN_ADDR", ":7070")
	t.Setenv("CHRONOS_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("CHRONOS_ROLLBACK_REQUIRE_APPROVAL", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if cfg.Investigation.ConfidenceThreshold != 0.9 {
		t.Errorf("expected 0.9, got %g", cfg.Investigation.ConfidenceThreshold)
	}
	if !cfg.Rollback.RequireApproval {
		t.Error("env should enable approval requirement")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"zero confidence", func(c *Config) { c.Investigation.ConfidenceThreshold = 0 }},
		{"confidence above one", func(c *Config) { c.Investigation.ConfidenceThreshold = 1.5 }},
		{"zero actions", func(c *Config) { c.Investigation.MaxActionsPerIncident = 0 }},
		{"zero lock timeout", func(c *Config) { c.Lock.TimeoutMinutes = 0 }},
		{"negative extensions", func(c *Config) { c.Lock.MaxExtensions = -1 }},
		{"zero retention", func(c *Config) { c.Recovery.TimelineRetentionDays = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	cfg := Default()
	cfg.ListenAddr = ":3000"
	cfg.Build.Registry = "registry.local"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ListenAddr != ":3000" {
		t.Errorf("expected :3000, got %s", loaded.ListenAddr)
	}
	if loaded.Build.Registry != "registry.local" {
		t.Errorf("expected registry.local, got %s", loaded.Build.Registry)
	}
}

func TestInvestigationSettings(t *testing.T) {
	cfg := Default()
	cfg.Investigation.ActionCooldownSeconds = 45
	cfg.Investigation.PhaseMaxRetries = 5
	cfg.Investigation.PhaseTimeoutSeconds = map[string]int{"ACTING": 600}

	out := cfg.InvestigationSettings()
	if out.ActionCooldown != 45*time.Second {
		t.Errorf("cooldown = %s", out.ActionCooldown)
	}
	if out.Machine.MaxRetries != 5 {
		t.Errorf("max retries = %d", out.Machine.MaxRetries)
	}
	if out.Machine.PhaseTimeouts[ooda.StateActing] != 10*time.Minute {
		t.Errorf("acting timeout = %s", out.Machine.PhaseTimeouts[ooda.StateActing])
	}
}

func TestLockSettings(t *testing.T) {
	out := Default().LockSettings()
	if out.Timeout != 30*time.Minute || out.ExtendOnActivity != 5*time.Minute {
		t.Errorf("lock settings = %+v", out)
	}
	if out.MaxExtensions != 6 || out.HeartbeatInterval != 30*time.Second {
		t.Errorf("lock settings = %+v", out)
	}
}

func TestBuildSettings(t *testing.T) {
	cfg := Default()
	cfg.Build.Registry = "registry.local"
	cfg.Build.StageTimeoutSeconds = map[string]int{"testing": 120}

	out := cfg.BuildSettings()
	if out.Registry != "registry.local" {
		t.Errorf("registry = %s", out.Registry)
	}
	if out.StageTimeouts[build.StageTesting] != 2*time.Minute {
		t.Errorf("testing timeout = %s", out.StageTimeouts[build.StageTesting])
	}
	// Untouched stages keep their defaults.
	if out.StageTimeouts[build.StageBuilding] != 10*time.Minute {
		t.Errorf("building timeout = %s", out.StageTimeouts[build.StageBuilding])
	}
}

func TestRollbackPolicy(t *testing.T) {
	cfg := Default()
	cfg.Rollback.CooldownSeconds = 90
	out := cfg.RollbackPolicy()
	if out.RollbackCooldown != 90*time.Second {
		t.Errorf("cooldown = %s", out.RollbackCooldown)
	}
	if !out.EnableCascadeProtection || out.EscalationThreshold != 5 {
		t.Errorf("policy = %+v", out)
	}
}

func TestRemedyPolicy(t *testing.T) {
	cfg := Default()
	if !cfg.Remedy.Simulate {
		t.Error("remedy must default to simulate mode")
	}

	cfg.Remedy.AllowedActionTypes = []string{"restart", "scale"}
	cfg.Remedy.CommandTimeoutSeconds = 45
	cfg.Remedy.Simulate = false

	out := cfg.RemedyPolicy()
	if out.Timeout != 45*time.Second {
		t.Errorf("timeout = %s", out.Timeout)
	}
	if len(out.AllowedTypes) != 2 || out.Simulate {
		t.Errorf("policy = %+v", out)
	}
}
