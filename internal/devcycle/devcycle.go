// Package devcycle tracks development cycles: asynchronous code-change work
// items raised by investigations (code_fix remediations) or by operators,
// with interrupted-cycle detection for crash recovery.
package devcycle

import (
	"time"
)

// Phase is the cycle lifecycle phase.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhasePlanning     Phase = "PLANNING"
	PhaseImplementing Phase = "IMPLEMENTING"
	PhaseBuilding     Phase = "BUILDING"
	PhaseTesting      Phase = "TESTING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// Terminal reports whether the phase ends the cycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Cycle is one development cycle.
type Cycle struct {
	ID          string `json:"id"`
	Phase       Phase  `json:"phase"`
	ServiceType string `json:"service_type"`
	Requirement string `json:"requirement"`
	// IncidentID links a cycle raised as a code_fix remediation back to its
	// incident. Empty for operator-initiated cycles.
	IncidentID    string        `json:"incident_id,omitempty"`
	Iterations    int           `json:"iterations"`
	MaxIterations int           `json:"max_iterations"`
	PhaseRetries  map[Phase]int `json:"phase_retries,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Interrupted reports whether the cycle was abandoned mid-flight: never
// completed, and not sitting in IDLE or a terminal phase.
func (c Cycle) Interrupted() bool {
	return c.CompletedAt == nil && c.Phase != PhaseIdle && !c.Phase.Terminal()
}
