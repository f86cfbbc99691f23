// Package incident holds the incident domain model, its SQLite store, the
// append-only timeline, and postmortem bundle generation.
package incident

import (
	"time"

	"github.com/chronos-ops/chronos/internal/ooda"
)

// Severity defines the impact level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status tracks the incident lifecycle state.
type Status string

const (
	StatusActive        Status = "active"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// HypothesisStatus tracks the lifecycle of a hypothesis.
type HypothesisStatus string

const (
	HypothesisProposed  HypothesisStatus = "proposed"
	HypothesisTesting   HypothesisStatus = "testing"
	HypothesisConfirmed HypothesisStatus = "confirmed"
	HypothesisRejected  HypothesisStatus = "rejected"
)

// Incident is the identity of a failure under investigation.
type Incident struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Severity  Severity   `json:"severity"`
	Status    Status     `json:"status"`
	State     ooda.State `json:"state"`
	Namespace string     `json:"namespace"`
	Service   string     `json:"service,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	// ResolvedAt is set when the incident reaches a terminal outcome.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Investigation ownership. At most one active investigation per incident;
	// a heartbeat older than the stale threshold marks it orphaned.
	IsInvestigating         bool       `json:"is_investigating"`
	InvestigationInstanceID string     `json:"investigation_instance_id,omitempty"`
	InvestigationHeartbeat  *time.Time `json:"investigation_heartbeat,omitempty"`

	// PhaseRetries is the per-phase retry counter map, persisted so a
	// resumed investigation never resets its budgets.
	PhaseRetries map[ooda.State]int `json:"phase_retries,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Evidence is an immutable observation attached to an incident.
type Evidence struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	Source      string    `json:"source"` // logs, metrics, events, video, sql
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	CollectedAt time.Time `json:"collected_at"`
}

// Hypothesis is a candidate root cause with a confidence in [0,1].
type Hypothesis struct {
	ID          string           `json:"id"`
	IncidentID  string           `json:"incident_id"`
	RootCause   string           `json:"root_cause"`
	Confidence  float64          `json:"confidence"`
	Status      HypothesisStatus `json:"status"`
	Action      ProposedAction   `json:"action"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ProposedAction is the remediation a hypothesis recommends.
type ProposedAction struct {
	Type       string            `json:"type"` // rollback, restart, scale, code_fix
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ActionRecord is an immutable record of an executed remediation.
type ActionRecord struct {
	ID         string            `json:"id"`
	IncidentID string            `json:"incident_id"`
	Type       string            `json:"type"`
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Success    bool              `json:"success"`
	Mode       string            `json:"mode"` // simulated, live
	DurationMs int64             `json:"duration_ms"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	ExecutedAt time.Time         `json:"executed_at"`
}

// HealthCheck summarises workload health at verification time.
type HealthCheck struct {
	Healthy       bool     `json:"healthy"`
	ReadyPods     int      `json:"ready_pods"`
	TotalPods     int      `json:"total_pods"`
	UnhealthyPods []string `json:"unhealthy_pods,omitempty"`
}

// VerificationRecord is an immutable record of one verification attempt.
type VerificationRecord struct {
	ID              string       `json:"id"`
	IncidentID      string       `json:"incident_id"`
	ActionID        string       `json:"action_id,omitempty"`
	Success         bool         `json:"success"`
	Confidence      float64      `json:"confidence"`
	ChecksPerformed int          `json:"checks_performed"`
	ChecksPassed    int          `json:"checks_passed"`
	ChecksFailed    int          `json:"checks_failed"`
	ShouldRetry     bool         `json:"should_retry"`
	HealthCheck     *HealthCheck `json:"health_check,omitempty"`
	VerifiedAt      time.Time    `json:"verified_at"`
}

// TimelineEventType classifies timeline entries.
type TimelineEventType string

const (
	TimelineIncidentOpened    TimelineEventType = "incident_opened"
	TimelinePhaseChange       TimelineEventType = "phase_change"
	TimelineEvidenceCollected TimelineEventType = "evidence_collected"
	TimelineHypothesis        TimelineEventType = "hypothesis"
	TimelineActionExecuted    TimelineEventType = "action_executed"
	TimelineVerification      TimelineEventType = "verification"
	TimelineRollback          TimelineEventType = "rollback"
	TimelineManualNote        TimelineEventType = "manual_note"
)

// TimelineEvent records a discrete event in the incident timeline.
// The timeline is append-only: events are never updated or deleted
// (pruning by age excepted).
type TimelineEvent struct {
	ID          string            `json:"id"`
	IncidentID  string            `json:"incident_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        TimelineEventType `json:"type"`
	Description string            `json:"description"`
	Detail      string            `json:"detail,omitempty"`
}

// Filter defines query filters for listing incidents.
type Filter struct {
	Status    Status
	Severity  Severity
	Namespace string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Update holds fields that can be patched on an incident.
type Update struct {
	Status        *Status
	State         *ooda.State
	ResolvedAt    *time.Time
	FailureReason *string
	PhaseRetries  map[ooda.State]int
}
