// Package rollback decides whether a failed remediation warrants a
// compensating rollback, gates the decision through policy, and tracks
// rollback requests through their lifecycle.
package rollback

import (
	"time"
)

// Urgency ranks how quickly a rollback should happen.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// RequestStatus is the rollback request lifecycle state.
// pending -> approved -> executed -> {succeeded, failed}; cancellation is
// allowed only from pending.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusExecuted  RequestStatus = "executed"
	StatusSucceeded RequestStatus = "succeeded"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Decision is the outcome of evaluating a failed verification.
type Decision struct {
	ShouldRollback bool    `json:"should_rollback"`
	Urgency        Urgency `json:"urgency"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

// Snapshot captures deployment state before a rollback, taken lazily via the
// cluster collaborator. Nil when no collaborator is configured.
type Snapshot struct {
	Deployment string            `json:"deployment"`
	Namespace  string            `json:"namespace"`
	Revision   string            `json:"revision"`
	Image      string            `json:"image,omitempty"`
	Replicas   int               `json:"replicas"`
	Labels     map[string]string `json:"labels,omitempty"`
	TakenAt    time.Time         `json:"taken_at"`
}

// Request is a rollback request moving through its lifecycle.
type Request struct {
	ID         string        `json:"id"`
	IncidentID string        `json:"incident_id"`
	Deployment string        `json:"deployment"`
	Namespace  string        `json:"namespace"`
	Urgency    Urgency       `json:"urgency"`
	Reasoning  string        `json:"reasoning"`
	Status     RequestStatus `json:"status"`
	Snapshot   *Snapshot     `json:"snapshot,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	ExecutedAt *time.Time    `json:"executed_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Policy gates rollback decisions and request approval.
type Policy struct {
	RequireApproval         bool          `json:"require_approval"`
	ProtectedNamespaces     []string      `json:"protected_namespaces,omitempty"`
	ProtectedDeployments    []string      `json:"protected_deployments,omitempty"`
	MaxRollbacksPerIncident int           `json:"max_rollbacks_per_incident"`
	RollbackCooldown        time.Duration `json:"rollback_cooldown"`
	EnableCascadeProtection bool          `json:"enable_cascade_protection"`
	EscalationThreshold     int           `json:"escalation_threshold"`
}

// DefaultPolicy returns the standard rollback policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRollbacksPerIncident: 5,
		RollbackCooldown:        60 * time.Second,
		EnableCascadeProtection: true,
		EscalationThreshold:     5,
	}
}

func (p Policy) protects(namespace, deployment string) bool {
	for _, ns := range p.ProtectedNamespaces {
		if ns == namespace {
			return true
		}
	}
	for _, d := range p.ProtectedDeployments {
		if d == deployment {
			return true
		}
	}
	return false
}
