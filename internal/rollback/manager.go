package rollback

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/events"
	"github.com/chronos-ops/chronos/internal/incident"
)

// SnapshotTaker captures deployment state before a rollback. Nil is allowed:
// rollback proceeds without a snapshot, using external revision history.
type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context, namespace, deployment string) (*Snapshot, error)
}

// Manager evaluates rollback decisions and shepherds requests through their
// lifecycle under the configured policy.
type Manager struct {
	policy    Policy
	store     *Store
	snapshots SnapshotTaker
	notify    func(events.Event)
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
	// cascadeTripped records incidents whose cascade breaker has fired;
	// requests for them auto-pend until Reset.
	cascadeTripped map[string]bool
}

// NewManager constructs a rollback manager. snapshots and notify may be nil.
func NewManager(policy Policy, store *Store, snapshots SnapshotTaker, notify func(events.Event), logger *zap.Logger) *Manager {
	if policy.MaxRollbacksPerIncident <= 0 {
		policy.MaxRollbacksPerIncident = DefaultPolicy().MaxRollbacksPerIncident
	}
	if policy.RollbackCooldown <= 0 {
		policy.RollbackCooldown = DefaultPolicy().RollbackCooldown
	}
	if policy.EscalationThreshold <= 0 {
		policy.EscalationThreshold = DefaultPolicy().EscalationThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(events.Event) {}
	}
	return &Manager{
		policy:         policy,
		store:          store,
		snapshots:      snapshots,
		notify:         notify,
		logger:         logger,
		now:            time.Now,
		cascadeTripped: make(map[string]bool),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Decide evaluates whether a failed verification warrants a rollback.
func (m *Manager) Decide(action incident.ActionRecord, verification incident.VerificationRecord, incidentID string) (Decision, error) {
	decision, err := m.decide(action, verification, incidentID)
	if err != nil {
		return Decision{}, err
	}

	m.logger.Info("rollback decision",
		zap.String("incident_id", incidentID),
		zap.Bool("should_rollback", decision.ShouldRollback),
		zap.String("urgency", string(decision.Urgency)),
		zap.String("reasoning", decision.Reasoning),
	)
	m.notify(events.Event{
		Type:       events.RollbackDecision,
		IncidentID: incidentID,
		Summary:    decision.Reasoning,
		Detail: map[string]interface{}{
			"should_rollback": decision.ShouldRollback,
			"urgency":         string(decision.Urgency),
			"confidence":      decision.Confidence,
		},
	})
	return decision, nil
}

func (m *Manager) decide(action incident.ActionRecord, verification incident.VerificationRecord, incidentID string) (Decision, error) {
	if verification.Success {
		return Decision{
			ShouldRollback: false,
			Urgency:        UrgencyLow,
			Confidence:     verification.Confidence,
			Reasoning:      fmt.Sprintf("verification succeeded for action %s, no rollback needed", action.Type),
		}, nil
	}

	count, err := m.store.CountExecuted(incidentID)
	if err != nil {
		return Decision{}, err
	}
	if count >= m.policy.MaxRollbacksPerIncident {
		return Decision{
			ShouldRollback: false,
			Urgency:        UrgencyLow,
			Confidence:     1,
			Reasoning: fmt.Sprintf("rollback limit reached: %d of %d rollbacks already executed",
				count, m.policy.MaxRollbacksPerIncident),
		}, nil
	}

	last, err := m.store.LastExecutedAt(incidentID)
	if err != nil {
		return Decision{}, err
	}
	if last != nil {
		if elapsed := m.now().UTC().Sub(*last); elapsed < m.policy.RollbackCooldown {
			return Decision{
				ShouldRollback: false,
				Urgency:        UrgencyLow,
				Confidence:     1,
				Reasoning: fmt.Sprintf("rollback cooldown active: last rollback %s ago, cooldown %s",
					elapsed.Round(time.Second), m.policy.RollbackCooldown),
			}, nil
		}
	}

	urgency, confidence := assessUrgency(verification)
	return Decision{
		ShouldRollback: true,
		Urgency:        urgency,
		Confidence:     confidence,
		Reasoning: fmt.Sprintf("verification failed (%d/%d checks failed), urgency %s",
			verification.ChecksFailed, verification.ChecksPerformed, urgency),
	}, nil
}

// assessUrgency ranks the failure by unhealthy-pod ratio and the strength of
// the failure signal. Zero ready pods with a failed health check is critical.
func assessUrgency(v incident.VerificationRecord) (Urgency, float64) {
	hc := v.HealthCheck
	if hc == nil {
		return UrgencyMedium, 0.5
	}
	if hc.TotalPods > 0 && hc.ReadyPods == 0 && !hc.Healthy {
		return UrgencyCritical, 1
	}

	ratio := 0.0
	if hc.TotalPods > 0 {
		ratio = float64(len(hc.UnhealthyPods)) / float64(hc.TotalPods)
	}
	failureSignal := 1 - v.Confidence
	confidence := ratio
	if failureSignal > confidence {
		confidence = failureSignal
	}
	if confidence > 1 {
		confidence = 1
	}

	switch {
	case ratio >= 0.5:
		return UrgencyHigh, confidence
	case ratio >= 0.25:
		return UrgencyMedium, confidence
	default:
		return UrgencyLow, confidence
	}
}

// RequestRollback raises a rollback request. Protected targets, an
// approval-required policy, and a tripped cascade breaker all force pending;
// anything else is auto-approved. The snapshot is taken lazily and its
// absence never blocks the request.
func (m *Manager) RequestRollback(ctx context.Context, incidentID, namespace, deployment string, urgency Urgency, reasoning string) (Request, error) {
	attempts, err := m.store.CountAttempts(incidentID)
	if err != nil {
		return Request{}, err
	}
	if m.policy.EnableCascadeProtection && attempts >= m.policy.EscalationThreshold {
		m.mu.Lock()
		if !m.cascadeTripped[incidentID] {
			m.cascadeTripped[incidentID] = true
			m.logger.Warn("cascade protection tripped",
				zap.String("incident_id", incidentID),
				zap.Int("attempts", attempts),
				zap.Int("threshold", m.policy.EscalationThreshold),
			)
		}
		m.mu.Unlock()
	}

	status := StatusApproved
	switch {
	case m.cascadeActive(incidentID):
		status = StatusPending
	case m.policy.protects(namespace, deployment):
		status = StatusPending
	case m.policy.RequireApproval:
		status = StatusPending
	}

	var snapshot *Snapshot
	if m.snapshots != nil {
		snap, err := m.snapshots.TakeSnapshot(ctx, namespace, deployment)
		if err != nil {
			m.logger.Warn("snapshot failed, proceeding without",
				zap.String("deployment", deployment), zap.Error(err))
		} else {
			snapshot = snap
		}
	}

	req, err := m.store.Insert(Request{
		IncidentID: incidentID,
		Deployment: deployment,
		Namespace:  namespace,
		Urgency:    urgency,
		Reasoning:  reasoning,
		Status:     status,
		Snapshot:   snapshot,
	})
	if err != nil {
		return Request{}, err
	}

	m.notify(events.Event{
		Type:       events.RollbackRequested,
		IncidentID: incidentID,
		Summary:    fmt.Sprintf("rollback of %s/%s requested (%s)", namespace, deployment, status),
		Detail: map[string]interface{}{
			"request_id": req.ID,
			"status":     string(status),
			"urgency":    string(urgency),
		},
	})
	return req, nil
}

// Approve moves a pending request to approved.
func (m *Manager) Approve(requestID string) error {
	if err := m.store.Transition(requestID, StatusPending, StatusApproved, ""); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("request %s is not pending", requestID)
		}
		return err
	}
	m.emitDecided(requestID, StatusApproved)
	return nil
}

// Cancel cancels a request. Allowed only from pending.
func (m *Manager) Cancel(requestID string) error {
	if err := m.store.Transition(requestID, StatusPending, StatusCancelled, ""); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("request %s cannot be cancelled: only pending requests can", requestID)
		}
		return err
	}
	m.emitDecided(requestID, StatusCancelled)
	return nil
}

// MarkExecuted moves an approved request to executed.
func (m *Manager) MarkExecuted(requestID string) error {
	if err := m.store.Transition(requestID, StatusApproved, StatusExecuted, ""); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("request %s is not approved", requestID)
		}
		return err
	}
	return nil
}

// MarkOutcome finalizes an executed request as succeeded or failed.
func (m *Manager) MarkOutcome(requestID string, success bool, errMsg string) error {
	to := StatusSucceeded
	if !success {
		to = StatusFailed
	}
	if err := m.store.Transition(requestID, StatusExecuted, to, errMsg); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("request %s is not executed", requestID)
		}
		return err
	}
	m.emitDecided(requestID, to)
	return nil
}

// CascadeActive reports whether the breaker has tripped for an incident.
func (m *Manager) CascadeActive(incidentID string) bool {
	return m.cascadeActive(incidentID)
}

func (m *Manager) cascadeActive(incidentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cascadeTripped[incidentID]
}

// ResetCascade clears the breaker for an incident.
func (m *Manager) ResetCascade(incidentID string) {
	m.mu.Lock()
	delete(m.cascadeTripped, incidentID)
	m.mu.Unlock()
}

// Get returns a rollback request.
func (m *Manager) Get(requestID string) (Request, bool, error) {
	return m.store.Get(requestID)
}

// ListByIncident returns an incident's rollback requests, newest first.
func (m *Manager) ListByIncident(incidentID string) ([]Request, error) {
	return m.store.ListByIncident(incidentID)
}

// Pending returns all pending requests, oldest first.
func (m *Manager) Pending() ([]Request, error) {
	return m.store.ListByStatus(StatusPending)
}

func (m *Manager) emitDecided(requestID string, status RequestStatus) {
	req, found, err := m.store.Get(requestID)
	if err != nil || !found {
		return
	}
	m.notify(events.Event{
		Type:       events.RollbackDecided,
		IncidentID: req.IncidentID,
		Summary:    fmt.Sprintf("rollback request %s is now %s", requestID, status),
		Detail:     map[string]interface{}{"request_id": requestID, "status": string(status)},
	})
}
