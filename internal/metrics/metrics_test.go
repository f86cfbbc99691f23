package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/chronos-ops/chronos/internal/events"
)

func counterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestRecordHelpers(t *testing.T) {
	beforeSuccess := counterValue(ActionsTotal, "restart", "success")
	beforeFailure := counterValue(ActionsTotal, "restart", "failure")

	RecordAction("restart", true)
	RecordAction("restart", true)
	RecordAction("restart", false)

	if got := counterValue(ActionsTotal, "restart", "success") - beforeSuccess; got != 2 {
		t.Errorf("success delta = %g, want 2", got)
	}
	if got := counterValue(ActionsTotal, "restart", "failure") - beforeFailure; got != 1 {
		t.Errorf("failure delta = %g, want 1", got)
	}

	beforeHold := counterValue(RollbackDecisionsTotal, "hold")
	RecordRollbackDecision(false)
	if got := counterValue(RollbackDecisionsTotal, "hold") - beforeHold; got != 1 {
		t.Errorf("hold delta = %g, want 1", got)
	}

	beforeResolved := counterValue(InvestigationsTotal, "resolved")
	RecordInvestigationComplete("resolved", 42*time.Second)
	if got := counterValue(InvestigationsTotal, "resolved") - beforeResolved; got != 1 {
		t.Errorf("resolved delta = %g, want 1", got)
	}
}

func TestRecorderConsumesBus(t *testing.T) {
	bus := events.NewBus(64)
	rec := NewRecorder(bus, nil)

	beforeActive := gaugeValue(ActiveInvestigations)
	beforeTransitions := counterValue(PhaseTransitionsTotal, "OBSERVING")
	beforeAcquired := counterValue(LockEventsTotal, "acquired")
	beforeRollback := counterValue(RollbackDecisionsTotal, "rollback")
	beforeStage := counterValue(BuildStagesTotal, "testing", "failure")

	bus.Publish(events.Event{Type: events.InvestigationStarted, IncidentID: "inc-1"})
	bus.Publish(events.Event{
		Type:   events.StateChanged,
		Detail: map[string]interface{}{"from": "IDLE", "to": "OBSERVING"},
	})
	bus.Publish(events.Event{Type: events.LockAcquired})
	bus.Publish(events.Event{
		Type:   events.RollbackDecision,
		Detail: map[string]interface{}{"should_rollback": true, "urgency": "critical"},
	})
	bus.Publish(events.Event{
		Type:   events.BuildError,
		Detail: map[string]interface{}{"stage": "testing", "error": "2 tests failed"},
	})

	// Close drains the subscription before we read.
	rec.Close()

	if got := gaugeValue(ActiveInvestigations) - beforeActive; got != 1 {
		t.Errorf("active delta = %g, want 1", got)
	}
	if got := counterValue(PhaseTransitionsTotal, "OBSERVING") - beforeTransitions; got != 1 {
		t.Errorf("transition delta = %g, want 1", got)
	}
	if got := counterValue(LockEventsTotal, "acquired") - beforeAcquired; got != 1 {
		t.Errorf("lock delta = %g, want 1", got)
	}
	if got := counterValue(RollbackDecisionsTotal, "rollback") - beforeRollback; got != 1 {
		t.Errorf("rollback delta = %g, want 1", got)
	}
	if got := counterValue(BuildStagesTotal, "testing", "failure") - beforeStage; got != 1 {
		t.Errorf("build stage delta = %g, want 1", got)
	}
}
