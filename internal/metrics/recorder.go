package metrics

import (
	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/events"
)

// Recorder consumes the event bus and keeps the Prometheus metrics current.
// It is the single wiring point between domain events and metrics, so the
// domain packages never import this one.
type Recorder struct {
	bus    *events.Bus
	logger *zap.Logger
	done   chan struct{}
}

// NewRecorder subscribes to the bus and starts recording.
func NewRecorder(bus *events.Bus, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{bus: bus, logger: logger.Named("metrics"), done: make(chan struct{})}
	ch := bus.Subscribe("metrics-recorder")
	go r.consume(ch)
	return r
}

// Close unsubscribes and waits for the consumer to drain.
func (r *Recorder) Close() {
	r.bus.Unsubscribe("metrics-recorder")
	<-r.done
}

func (r *Recorder) consume(ch <-chan events.Event) {
	defer close(r.done)
	for evt := range ch {
		r.record(evt)
	}
}

func (r *Recorder) record(evt events.Event) {
	detail, _ := evt.Detail.(map[string]interface{})

	switch evt.Type {
	case events.InvestigationStarted:
		ActiveInvestigations.Inc()
	case events.InvestigationCompleted:
		ActiveInvestigations.Dec()
		InvestigationsTotal.WithLabelValues("resolved").Inc()
	case events.InvestigationFailed:
		ActiveInvestigations.Dec()
		InvestigationsTotal.WithLabelValues("failed").Inc()
	case events.StateChanged:
		if to, ok := detail["to"].(string); ok {
			PhaseTransitionsTotal.WithLabelValues(to).Inc()
		}
	case events.PhaseTimeout:
		PhaseTimeoutsTotal.WithLabelValues(evt.Summary).Inc()
	case events.ActionExecuted:
		actionType, _ := detail["type"].(string)
		success, _ := detail["success"].(bool)
		RecordAction(actionType, success)
	case events.RollbackDecision:
		should, _ := detail["should_rollback"].(bool)
		RecordRollbackDecision(should)
	case events.RollbackRequested:
		urgency, _ := detail["urgency"].(string)
		RollbackRequestsTotal.WithLabelValues(urgency).Inc()
	case events.BuildStageChange:
		if stage, ok := detail["stage"].(string); ok {
			RecordBuildStage(stage, true)
		}
	case events.BuildError:
		if stage, ok := detail["stage"].(string); ok {
			RecordBuildStage(stage, false)
		}
	case events.LockAcquired:
		LockEventsTotal.WithLabelValues("acquired").Inc()
	case events.LockDenied:
		LockEventsTotal.WithLabelValues("denied").Inc()
	case events.LockExtended:
		LockEventsTotal.WithLabelValues("extended").Inc()
	case events.LockReleased:
		LockEventsTotal.WithLabelValues("released").Inc()
	case events.LockExpired:
		LockEventsTotal.WithLabelValues("expired").Inc()
	}
}
