package investigation

import (
	"context"

	"github.com/chronos-ops/chronos/internal/devcycle"
	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/patterns"
	"github.com/chronos-ops/chronos/internal/rollback"
)

// EvidenceCollector gathers observations (logs, metrics, events, optional
// video frames) for an incident.
type EvidenceCollector interface {
	Collect(ctx context.Context, inc incident.Incident) ([]incident.Evidence, error)
}

// Correlation is the analyst's read of the collected evidence.
type Correlation struct {
	Summary  string   `json:"summary"`
	Symptoms []string `json:"symptoms"`
	// NoSignal means the evidence does not support any correlation yet and
	// more observation is needed.
	NoSignal bool `json:"no_signal"`
}

// Analyst is the AI backend: it correlates evidence and proposes hypotheses.
type Analyst interface {
	Correlate(ctx context.Context, inc incident.Incident, evidence []incident.Evidence, matches []patterns.Match) (Correlation, error)
	Hypothesize(ctx context.Context, inc incident.Incident, corr Correlation) ([]incident.Hypothesis, error)
}

// Executor performs remediation actions against the cluster.
type Executor interface {
	Execute(ctx context.Context, action incident.ProposedAction) (incident.ActionRecord, error)
}

// Verifier checks whether an executed action fixed the incident.
type Verifier interface {
	Verify(ctx context.Context, action incident.ActionRecord) (incident.VerificationRecord, error)
}

// PatternSource feeds learned-pattern recommendations into orientation.
// Satisfied by *patterns.KnowledgeBase.
type PatternSource interface {
	GetRecommendations(input patterns.MatchInput) ([]patterns.Match, error)
}

// RollbackDecider evaluates failed verifications and raises rollbacks.
// Satisfied by *rollback.Manager.
type RollbackDecider interface {
	Decide(action incident.ActionRecord, verification incident.VerificationRecord, incidentID string) (rollback.Decision, error)
	RequestRollback(ctx context.Context, incidentID, namespace, deployment string, urgency rollback.Urgency, reasoning string) (rollback.Request, error)
}

// CycleEnqueuer raises asynchronous code_fix development cycles.
// Satisfied by *devcycle.Queue.
type CycleEnqueuer interface {
	EnqueueCodeFix(incidentID, serviceType, requirement string) (devcycle.Cycle, error)
}
