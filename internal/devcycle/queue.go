package devcycle

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/events"
)

// Queue raises development cycles for code_fix remediations. Investigations
// treat the cycle as a pending remediation and continue asynchronously.
type Queue struct {
	store  *Store
	notify func(events.Event)
	logger *zap.Logger
}

// NewQueue constructs a cycle queue. notify may be nil.
func NewQueue(store *Store, notify func(events.Event), logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(events.Event) {}
	}
	return &Queue{store: store, notify: notify, logger: logger}
}

// EnqueueCodeFix raises a cycle for an incident's code_fix remediation. An
// incident with an open cycle re-uses it rather than stacking duplicates.
func (q *Queue) EnqueueCodeFix(incidentID, serviceType, requirement string) (Cycle, error) {
	if existing, found, err := q.store.GetByIncident(incidentID); err != nil {
		return Cycle{}, err
	} else if found && existing.CompletedAt == nil {
		q.logger.Debug("code_fix cycle already open",
			zap.String("incident_id", incidentID),
			zap.String("cycle_id", existing.ID),
		)
		return existing, nil
	}

	cycle, err := q.store.Create(Cycle{
		Phase:       PhasePlanning,
		ServiceType: serviceType,
		Requirement: requirement,
		IncidentID:  incidentID,
	})
	if err != nil {
		return Cycle{}, err
	}

	q.logger.Info("code_fix cycle enqueued",
		zap.String("cycle_id", cycle.ID),
		zap.String("incident_id", incidentID),
	)
	q.notify(events.Event{
		Type:       events.CycleEnqueued,
		IncidentID: incidentID,
		Summary:    fmt.Sprintf("development cycle %s enqueued for incident %s", cycle.ID, incidentID),
		Detail:     map[string]interface{}{"cycle_id": cycle.ID, "service_type": serviceType},
	})
	return cycle, nil
}

// ResumeInterrupted re-announces cycles abandoned mid-flight so a worker can
// pick them back up. Returns the resumed cycles.
func (q *Queue) ResumeInterrupted() ([]Cycle, error) {
	cycles, err := q.store.Interrupted()
	if err != nil {
		return nil, err
	}
	for _, c := range cycles {
		q.logger.Info("resuming interrupted cycle",
			zap.String("cycle_id", c.ID),
			zap.String("phase", string(c.Phase)),
		)
		q.notify(events.Event{
			Type:       events.CycleResumed,
			IncidentID: c.IncidentID,
			Summary:    fmt.Sprintf("development cycle %s resumed in phase %s", c.ID, c.Phase),
			Detail:     map[string]interface{}{"cycle_id": c.ID, "phase": string(c.Phase)},
		})
	}
	return cycles, nil
}
