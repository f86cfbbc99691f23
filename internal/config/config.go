// Package config provides configuration loading for the chronos daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chronos-ops/chronos/internal/build"
	"github.com/chronos-ops/chronos/internal/editlock"
	"github.com/chronos-ops/chronos/internal/investigation"
	"github.com/chronos-ops/chronos/internal/observe"
	"github.com/chronos-ops/chronos/internal/ooda"
	"github.com/chronos-ops/chronos/internal/recovery"
	"github.com/chronos-ops/chronos/internal/remedy"
	"github.com/chronos-ops/chronos/internal/rollback"
)

// Config holds all daemon configuration. Durations are expressed in the unit
// named by the field so the JSON stays hand-editable.
type Config struct {
	// Listen address for health, metrics and MCP (default ":8420")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/chronos")
	DataDir string `json:"data_dir"`
	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
	// OTLP gRPC endpoint for traces; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	Investigation InvestigationConfig `json:"investigation"`
	Lock          LockConfig          `json:"lock"`
	Build         BuildConfig         `json:"build"`
	Rollback      RollbackConfig      `json:"rollback"`
	Recovery      RecoveryConfig      `json:"recovery"`
	Patterns      PatternsConfig      `json:"patterns"`
	Remedy        RemedyConfig        `json:"remedy"`

	// SQLSources are monitored-service databases queried during evidence
	// collection.
	SQLSources []observe.SQLSourceConfig `json:"sql_sources,omitempty"`
}

// InvestigationConfig tunes the investigation loop.
type InvestigationConfig struct {
	ConfidenceThreshold      float64 `json:"confidence_threshold"`
	MaxActionsPerIncident    int     `json:"max_actions_per_incident"`
	ActionCooldownSeconds    int     `json:"action_cooldown_seconds"`
	VerificationWaitSeconds  int     `json:"verification_wait_seconds"`
	MaxVerificationAttempts  int     `json:"max_verification_attempts"`
	StaleThresholdSeconds    int     `json:"stale_threshold_seconds"`
	HeartbeatIntervalSeconds int     `json:"heartbeat_interval_seconds"`
	PhaseMaxRetries          int     `json:"phase_max_retries"`
	// PhaseTimeoutSeconds overrides per-phase deadlines, keyed by state name.
	PhaseTimeoutSeconds map[string]int `json:"phase_timeout_seconds,omitempty"`
}

// LockConfig tunes edit locks.
type LockConfig struct {
	TimeoutMinutes          int `json:"timeout_minutes"`
	ExtendOnActivityMinutes int `json:"extend_on_activity_minutes"`
	MaxExtensions           int `json:"max_extensions"`
	HeartbeatSeconds        int `json:"heartbeat_seconds"`
}

// BuildConfig tunes the build pipeline.
type BuildConfig struct {
	WorkDirRoot string `json:"workdir_root,omitempty"`
	Registry    string `json:"registry,omitempty"`
	BaseImage   string `json:"base_image,omitempty"`
	SkipLint    bool   `json:"skip_lint,omitempty"`
	SkipTests   bool   `json:"skip_tests,omitempty"`
	SkipPush    bool   `json:"skip_push,omitempty"`
	// StageTimeoutSeconds overrides per-stage deadlines, keyed by stage name.
	StageTimeoutSeconds map[string]int `json:"stage_timeout_seconds,omitempty"`
}

// RollbackConfig mirrors the rollback policy.
type RollbackConfig struct {
	RequireApproval         bool     `json:"require_approval"`
	ProtectedNamespaces     []string `json:"protected_namespaces,omitempty"`
	ProtectedDeployments    []string `json:"protected_deployments,omitempty"`
	MaxRollbacksPerIncident int      `json:"max_rollbacks_per_incident"`
	CooldownSeconds         int      `json:"cooldown_seconds"`
	EnableCascadeProtection bool     `json:"enable_cascade_protection"`
	EscalationThreshold     int      `json:"escalation_threshold"`
}

// RecoveryConfig tunes startup and maintenance sweeps. Schedules are Go
// durations or standard cron expressions.
type RecoveryConfig struct {
	StaleThresholdSeconds int    `json:"stale_threshold_seconds"`
	LockSweepSchedule     string `json:"lock_sweep_schedule"`
	OrphanScanSchedule    string `json:"orphan_scan_schedule"`
	PruneSchedule         string `json:"prune_schedule"`
	TimelineRetentionDays int    `json:"timeline_retention_days"`
}

// PatternsConfig tunes the pattern knowledge base.
type PatternsConfig struct {
	// PackDir holds YAML pattern packs loaded at startup.
	PackDir string `json:"pack_dir,omitempty"`
}

// RemedyConfig tunes the remediation executor and verifier. Commands maps an
// action type to an argv template with {target}, {namespace} and parameter
// placeholders; types without a template run simulated.
type RemedyConfig struct {
	Simulate              bool                `json:"simulate"`
	AllowedActionTypes    []string            `json:"allowed_action_types,omitempty"`
	BlockedTargets        []string            `json:"blocked_targets,omitempty"`
	CommandTimeoutSeconds int                 `json:"command_timeout_seconds"`
	Commands              map[string][]string `json:"commands,omitempty"`
	HealthURLTemplate     string              `json:"health_url_template"`
	VerifyChecks          int                 `json:"verify_checks"`
	VerifyIntervalSeconds int                 `json:"verify_interval_seconds"`
}

// Default returns configuration with every documented default.
func Default() Config {
	return Config{
		ListenAddr: ":8420",
		DataDir:    "/var/lib/chronos",
		LogLevel:   "info",
		Investigation: InvestigationConfig{
			ConfidenceThreshold:      0.7,
			MaxActionsPerIncident:    5,
			ActionCooldownSeconds:    60,
			VerificationWaitSeconds:  10,
			MaxVerificationAttempts:  3,
			StaleThresholdSeconds:    60,
			HeartbeatIntervalSeconds: 15,
			PhaseMaxRetries:          3,
		},
		Lock: LockConfig{
			TimeoutMinutes:          30,
			ExtendOnActivityMinutes: 5,
			MaxExtensions:           6,
			HeartbeatSeconds:        30,
		},
		Rollback: RollbackConfig{
			MaxRollbacksPerIncident: 5,
			CooldownSeconds:         60,
			EnableCascadeProtection: true,
			EscalationThreshold:     5,
		},
		Recovery: RecoveryConfig{
			StaleThresholdSeconds: 60,
			LockSweepSchedule:     "1m",
			OrphanScanSchedule:    "5m",
			PruneSchedule:         "0 3 * * *",
			TimelineRetentionDays: 90,
		},
		Remedy: RemedyConfig{
			Simulate:              true,
			CommandTimeoutSeconds: 30,
			HealthURLTemplate:     "http://{target}/healthz",
			VerifyChecks:          3,
			VerifyIntervalSeconds: 2,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("CHRONOS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHRONOS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHRONOS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHRONOS_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("CHRONOS_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Investigation.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("CHRONOS_MAX_ACTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Investigation.MaxActionsPerIncident = n
		}
	}
	if v := os.Getenv("CHRONOS_REGISTRY"); v != "" {
		cfg.Build.Registry = v
	}
	if v := os.Getenv("CHRONOS_PATTERN_PACK_DIR"); v != "" {
		cfg.Patterns.PackDir = v
	}
	if v := os.Getenv("CHRONOS_ROLLBACK_REQUIRE_APPROVAL"); v != "" {
		cfg.Rollback.RequireApproval = v == "true" || v == "1"
	}
	if v := os.Getenv("CHRONOS_SIMULATE"); v != "" {
		cfg.Remedy.Simulate = v == "true" || v == "1"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// Validate rejects configurations that would misbehave at runtime.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Investigation.ConfidenceThreshold <= 0 || c.Investigation.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0, 1], got %g", c.Investigation.ConfidenceThreshold)
	}
	if c.Investigation.MaxActionsPerIncident <= 0 {
		return fmt.Errorf("max_actions_per_incident must be > 0")
	}
	if c.Lock.TimeoutMinutes <= 0 || c.Lock.ExtendOnActivityMinutes <= 0 {
		return fmt.Errorf("lock timeout and extension must be > 0")
	}
	if c.Lock.MaxExtensions < 0 {
		return fmt.Errorf("lock max_extensions must be >= 0")
	}
	if c.Rollback.MaxRollbacksPerIncident <= 0 {
		return fmt.Errorf("max_rollbacks_per_incident must be > 0")
	}
	if c.Recovery.TimelineRetentionDays <= 0 {
		return fmt.Errorf("timeline_retention_days must be > 0")
	}
	return nil
}

// InvestigationSettings converts to the investigation package's config.
func (c Config) InvestigationSettings() investigation.Config {
	machine := ooda.DefaultConfig()
	if c.Investigation.PhaseMaxRetries > 0 {
		machine.MaxRetries = c.Investigation.PhaseMaxRetries
	}
	for name, secs := range c.Investigation.PhaseTimeoutSeconds {
		machine.PhaseTimeouts[ooda.State(name)] = time.Duration(secs) * time.Second
	}
	return investigation.Config{
		ConfidenceThreshold:     c.Investigation.ConfidenceThreshold,
		MaxActionsPerIncident:   c.Investigation.MaxActionsPerIncident,
		ActionCooldown:          time.Duration(c.Investigation.ActionCooldownSeconds) * time.Second,
		VerificationWait:        time.Duration(c.Investigation.VerificationWaitSeconds) * time.Second,
		MaxVerificationAttempts: c.Investigation.MaxVerificationAttempts,
		StaleThreshold:          time.Duration(c.Investigation.StaleThresholdSeconds) * time.Second,
		HeartbeatInterval:       time.Duration(c.Investigation.HeartbeatIntervalSeconds) * time.Second,
		Machine:                 machine,
	}
}

// LockSettings converts to the editlock package's config.
func (c Config) LockSettings() editlock.Config {
	return editlock.Config{
		Timeout:           time.Duration(c.Lock.TimeoutMinutes) * time.Minute,
		ExtendOnActivity:  time.Duration(c.Lock.ExtendOnActivityMinutes) * time.Minute,
		MaxExtensions:     c.Lock.MaxExtensions,
		HeartbeatInterval: time.Duration(c.Lock.HeartbeatSeconds) * time.Second,
	}
}

// BuildSettings converts to the build package's config.
func (c Config) BuildSettings() build.Config {
	out := build.DefaultConfig()
	if c.Build.WorkDirRoot != "" {
		out.WorkDirRoot = c.Build.WorkDirRoot
	}
	out.Registry = c.Build.Registry
	out.BaseImage = c.Build.BaseImage
	out.SkipLint = c.Build.SkipLint
	out.SkipTests = c.Build.SkipTests
	out.SkipPush = c.Build.SkipPush
	for name, secs := range c.Build.StageTimeoutSeconds {
		out.StageTimeouts[build.Stage(name)] = time.Duration(secs) * time.Second
	}
	return out
}

// RollbackPolicy converts to the rollback package's policy.
func (c Config) RollbackPolicy() rollback.Policy {
	return rollback.Policy{
		RequireApproval:         c.Rollback.RequireApproval,
		ProtectedNamespaces:     c.Rollback.ProtectedNamespaces,
		ProtectedDeployments:    c.Rollback.ProtectedDeployments,
		MaxRollbacksPerIncident: c.Rollback.MaxRollbacksPerIncident,
		RollbackCooldown:        time.Duration(c.Rollback.CooldownSeconds) * time.Second,
		EnableCascadeProtection: c.Rollback.EnableCascadeProtection,
		EscalationThreshold:     c.Rollback.EscalationThreshold,
	}
}

// RemedyPolicy converts to the remedy package's executor policy.
func (c Config) RemedyPolicy() remedy.Policy {
	return remedy.Policy{
		AllowedTypes:   c.Remedy.AllowedActionTypes,
		BlockedTargets: c.Remedy.BlockedTargets,
		Timeout:        time.Duration(c.Remedy.CommandTimeoutSeconds) * time.Second,
		Simulate:       c.Remedy.Simulate,
	}
}

// VerifyInterval returns the spacing between verification health checks.
func (c Config) VerifyInterval() time.Duration {
	return time.Duration(c.Remedy.VerifyIntervalSeconds) * time.Second
}

// RecoverySettings converts to the recovery package's config.
func (c Config) RecoverySettings() recovery.Config {
	return recovery.Config{
		StaleThreshold: time.Duration(c.Recovery.StaleThresholdSeconds) * time.Second,
	}
}

// TimelineRetention returns the timeline retention window.
func (c Config) TimelineRetention() time.Duration {
	return time.Duration(c.Recovery.TimelineRetentionDays) * 24 * time.Hour
}
