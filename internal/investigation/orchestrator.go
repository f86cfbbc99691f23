// Package investigation drives the observe-orient-decide-act-verify loop for
// one incident: it sequences the state machine, calls the evidence, analysis,
// execution and verification collaborators, and records everything in the
// incident store.
package investigation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/events"
	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/ooda"
	"github.com/chronos-ops/chronos/internal/patterns"
	"github.com/chronos-ops/chronos/internal/rollback"
	"github.com/chronos-ops/chronos/internal/telemetry"
)

// Config tunes the investigation loop.
type Config struct {
	// ConfidenceThreshold is the minimum hypothesis confidence to act on.
	ConfidenceThreshold float64
	// MaxActionsPerIncident caps executed actions per incident.
	MaxActionsPerIncident int
	// ActionCooldown is the minimum spacing between executed actions.
	ActionCooldown time.Duration
	// VerificationWait is the settling pause between acting and verifying.
	VerificationWait time.Duration
	// MaxVerificationAttempts caps failed verifications per investigation.
	// The counter is cumulative: re-entering OBSERVING after fix_not_working
	// does not reset it.
	MaxVerificationAttempts int
	// StaleThreshold is how old a heartbeat may be before the claim counts
	// as orphaned.
	StaleThreshold time.Duration
	// HeartbeatInterval is the claim heartbeat cadence.
	HeartbeatInterval time.Duration

	Machine ooda.Config
}

// DefaultConfig returns the standard investigation parameters.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:     0.7,
		MaxActionsPerIncident:   5,
		ActionCooldown:          60 * time.Second,
		VerificationWait:        10 * time.Second,
		MaxVerificationAttempts: 3,
		StaleThreshold:          60 * time.Second,
		HeartbeatInterval:       15 * time.Second,
		Machine:                 ooda.DefaultConfig(),
	}
}

// Orchestrator runs investigations. One Run call owns one incident's
// investigation from claim to terminal state.
type Orchestrator struct {
	cfg        Config
	incidents  *incident.Store
	collector  EvidenceCollector
	analyst    Analyst
	executor   Executor
	verifier   Verifier
	patternSrc PatternSource
	rollbacks  RollbackDecider
	cycles     CycleEnqueuer
	bus        *events.Bus
	logger     *zap.Logger
	instanceID string
}

// NewOrchestrator constructs an orchestrator. patternSrc, rollbacks and
// cycles may be nil; the corresponding phases then skip those collaborators.
func NewOrchestrator(
	cfg Config,
	incidents *incident.Store,
	collector EvidenceCollector,
	analyst Analyst,
	executor Executor,
	verifier Verifier,
	patternSrc PatternSource,
	rollbacks RollbackDecider,
	cycles CycleEnqueuer,
	bus *events.Bus,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	if cfg.MaxActionsPerIncident <= 0 {
		cfg.MaxActionsPerIncident = DefaultConfig().MaxActionsPerIncident
	}
	if cfg.ActionCooldown <= 0 {
		cfg.ActionCooldown = DefaultConfig().ActionCooldown
	}
	if cfg.MaxVerificationAttempts <= 0 {
		cfg.MaxVerificationAttempts = DefaultConfig().MaxVerificationAttempts
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		incidents:  incidents,
		collector:  collector,
		analyst:    analyst,
		executor:   executor,
		verifier:   verifier,
		patternSrc: patternSrc,
		rollbacks:  rollbacks,
		cycles:     cycles,
		bus:        bus,
		logger:     logger,
		instanceID: uuid.NewString(),
	}
}

// InstanceID identifies this orchestrator's investigation claims.
func (o *Orchestrator) InstanceID() string { return o.instanceID }

// run carries the per-investigation state threaded through the phase loop.
type run struct {
	machine *ooda.Machine
	inc     incident.Incident

	evidence   []incident.Evidence
	corr       Correlation
	hypothesis incident.Hypothesis
	lastAction incident.ActionRecord
	// verificationRetries is cumulative across fix_not_working loops.
	verificationRetries int
}

// Investigate claims the incident and drives the loop to a terminal state.
// The context cancels the whole investigation; cancellation surfaces as
// investigation:failed with reason "cancelled".
func (o *Orchestrator) Investigate(ctx context.Context, incidentID string) error {
	return o.investigate(ctx, incidentID, "", nil)
}

// Resume re-enters a previously interrupted investigation at the given phase
// without resetting its retry counters.
func (o *Orchestrator) Resume(ctx context.Context, incidentID string, state ooda.State, phaseRetries map[ooda.State]int) error {
	return o.investigate(ctx, incidentID, state, phaseRetries)
}

func (o *Orchestrator) investigate(ctx context.Context, incidentID string, resumeState ooda.State, resumeRetries map[ooda.State]int) error {
	inc, found, err := o.incidents.Get(incidentID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("incident not found: %s", incidentID)
	}

	claimed, err := o.incidents.ClaimInvestigation(incidentID, o.instanceID, o.cfg.StaleThreshold)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("incident %s already under investigation", incidentID)
	}
	defer func() {
		if err := o.incidents.ReleaseInvestigation(incidentID, o.instanceID); err != nil {
			o.logger.Warn("release investigation failed", zap.String("incident_id", incidentID), zap.Error(err))
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go o.heartbeatLoop(hbCtx, incidentID)

	r := &run{inc: inc}
	r.machine = ooda.NewMachine(o.cfg.Machine, o.machineNotify(incidentID))
	defer r.machine.Stop()

	status := incident.StatusInvestigating
	if _, err := o.incidents.Update(incidentID, incident.Update{Status: &status}); err != nil {
		return err
	}

	if resumeState != "" {
		if err := r.machine.Resume(incidentID, resumeState, resumeRetries); err != nil {
			return err
		}
		o.logger.Info("investigation resumed",
			zap.String("incident_id", incidentID),
			zap.String("state", string(resumeState)),
		)
	} else {
		if err := r.machine.Start(incidentID); err != nil {
			return err
		}
	}
	o.publish(events.Event{
		Type:       events.InvestigationStarted,
		IncidentID: incidentID,
		Summary:    fmt.Sprintf("investigation of %s started", incidentID),
		Detail:     map[string]interface{}{"instance_id": o.instanceID},
	})
	o.appendTimeline(incidentID, incident.TimelinePhaseChange, "investigation started")

	spanCtx, span := telemetry.StartInvestigationSpan(ctx, incidentID, string(inc.Severity))
	err = o.loop(spanCtx, r)
	span.End()
	o.finish(r, err)
	return err
}

// loop runs phase handlers until the machine reaches a terminal state (which
// auto-releases to IDLE) or the context is cancelled.
func (o *Orchestrator) loop(ctx context.Context, r *run) error {
	for {
		if err := ctx.Err(); err != nil {
			o.cancel(r)
			return err
		}

		state := r.machine.State()
		if state == ooda.StateIdle || state.Terminal() {
			return nil
		}

		phaseCtx, phaseSpan := telemetry.StartPhaseSpan(ctx, r.inc.ID, string(state))
		var err error
		switch state {
		case ooda.StateObserving:
			err = o.observe(phaseCtx, r)
		case ooda.StateOrienting:
			err = o.orient(phaseCtx, r)
		case ooda.StateDeciding:
			err = o.decide(phaseCtx, r)
		case ooda.StateActing:
			err = o.act(phaseCtx, r)
		case ooda.StateVerifying:
			err = o.verify(phaseCtx, r)
		}
		telemetry.EndPhaseSpan(phaseSpan, string(r.machine.State()), r.machine.FailureReason())
		if err != nil {
			if ctx.Err() != nil {
				o.cancel(r)
				return ctx.Err()
			}
			return err
		}
	}
}

// phaseFailure applies the transient/permanent taxonomy to a collaborator
// error inside the given phase.
func (o *Orchestrator) phaseFailure(r *run, phase ooda.State, err error) error {
	if IsPermanent(err) {
		r.machine.SetFailureReason(err.Error())
		return r.machine.TransitionWithReason(ooda.StateFailed, err.Error())
	}
	if r.machine.CanRetryPhase(phase) {
		o.logger.Warn("phase failed, retrying",
			zap.String("incident_id", r.inc.ID),
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
		return r.machine.TransitionWithReason(ooda.RetryTarget(phase), "retry_on_failure")
	}
	budget := &BudgetExceededError{Budget: fmt.Sprintf("phase %s retry", phase), Limit: r.machine.Retries()[phase]}
	reason := fmt.Sprintf("%s: %v", budget.Error(), err)
	r.machine.SetFailureReason(reason)
	return r.machine.TransitionWithReason(ooda.StateFailed, reason)
}

func (o *Orchestrator) observe(ctx context.Context, r *run) error {
	evidence, err := o.collector.Collect(ctx, r.inc)
	if err != nil {
		return o.phaseFailure(r, ooda.StateObserving, err)
	}

	for _, ev := range evidence {
		ev.IncidentID = r.inc.ID
		if _, err := o.incidents.AddEvidence(ev); err != nil {
			o.logger.Warn("persist evidence failed", zap.Error(err))
		}
	}
	r.evidence = evidence

	o.publish(events.Event{
		Type:       events.ObservationCollected,
		IncidentID: r.inc.ID,
		Summary:    fmt.Sprintf("collected %d evidence records", len(evidence)),
		Detail:     map[string]interface{}{"count": len(evidence)},
	})
	o.appendTimeline(r.inc.ID, incident.TimelineEvidenceCollected,
		fmt.Sprintf("collected %d evidence records", len(evidence)))

	return r.machine.TransitionWithReason(ooda.StateOrienting, "observations_collected")
}

func (o *Orchestrator) orient(ctx context.Context, r *run) error {
	var matches []patterns.Match
	if o.patternSrc != nil {
		input := matchInputFromEvidence(r.inc, r.evidence)
		found, err := o.patternSrc.GetRecommendations(input)
		if err != nil {
			o.logger.Warn("pattern recommendations failed", zap.Error(err))
		} else {
			matches = found
		}
	}

	corr, err := o.analyst.Correlate(ctx, r.inc, r.evidence, matches)
	if err != nil {
		return o.phaseFailure(r, ooda.StateOrienting, err)
	}

	if corr.NoSignal {
		if r.machine.CanRetryPhase(ooda.StateOrienting) {
			return r.machine.TransitionWithReason(ooda.StateObserving, "need_more_data")
		}
		reason := "no correlation found after exhausting observation retries"
		r.machine.SetFailureReason(reason)
		return r.machine.TransitionWithReason(ooda.StateFailed, reason)
	}

	r.corr = corr
	return r.machine.TransitionWithReason(ooda.StateDeciding, "correlations_found")
}

func (o *Orchestrator) decide(ctx context.Context, r *run) error {
	hyps, err := o.analyst.Hypothesize(ctx, r.inc, r.corr)
	if err != nil {
		return o.phaseFailure(r, ooda.StateDeciding, err)
	}

	var best incident.Hypothesis
	for _, h := range hyps {
		h.IncidentID = r.inc.ID
		stored, err := o.incidents.AddHypothesis(h)
		if err != nil {
			o.logger.Warn("persist hypothesis failed", zap.Error(err))
			stored = h
		}
		if stored.Confidence > best.Confidence {
			best = stored
		}
	}

	if best.Confidence < o.cfg.ConfidenceThreshold {
		reason := fmt.Sprintf("no viable hypothesis: best confidence %.2f below threshold %.2f",
			best.Confidence, o.cfg.ConfidenceThreshold)
		r.machine.SetFailureReason(reason)
		return r.machine.TransitionWithReason(ooda.StateFailed, "no_viable_hypothesis")
	}

	if best.ID != "" {
		if err := o.incidents.SetHypothesisStatus(best.ID, incident.HypothesisTesting); err != nil {
			o.logger.Warn("set hypothesis status failed", zap.Error(err))
		}
	}
	r.hypothesis = best

	o.publish(events.Event{
		Type:       events.HypothesisGenerated,
		IncidentID: r.inc.ID,
		Summary:    best.RootCause,
		Detail: map[string]interface{}{
			"confidence": best.Confidence,
			"action":     best.Action.Type,
			"target":     best.Action.Target,
		},
	})
	o.appendTimeline(r.inc.ID, incident.TimelineHypothesis,
		fmt.Sprintf("hypothesis: %s (confidence %.2f)", best.RootCause, best.Confidence))

	return r.machine.TransitionWithReason(ooda.StateActing, "hypothesis_confirmed")
}

func (o *Orchestrator) act(ctx context.Context, r *run) error {
	count, err := o.incidents.CountActions(r.inc.ID)
	if err != nil {
		return o.phaseFailure(r, ooda.StateActing, err)
	}
	if count >= o.cfg.MaxActionsPerIncident {
		budget := &BudgetExceededError{Budget: "action cap", Limit: o.cfg.MaxActionsPerIncident}
		r.machine.SetFailureReason(budget.Error())
		return r.machine.TransitionWithReason(ooda.StateFailed, "action_failed")
	}

	if err := o.waitForCooldown(ctx, r.inc.ID); err != nil {
		return err
	}

	action := r.hypothesis.Action
	if action.Type == "code_fix" {
		return o.enqueueCodeFix(r, action)
	}

	rec, err := o.executor.Execute(ctx, action)
	if err != nil {
		if IsPermanent(err) {
			r.machine.SetFailureReason(err.Error())
			return r.machine.TransitionWithReason(ooda.StateFailed, "action_failed")
		}
		if r.machine.CanRetryPhase(ooda.StateActing) {
			return r.machine.TransitionWithReason(ooda.StateObserving, "retry_from_failure")
		}
		reason := fmt.Sprintf("action %s failed after retries: %v", action.Type, err)
		r.machine.SetFailureReason(reason)
		return r.machine.TransitionWithReason(ooda.StateFailed, "action_failed")
	}

	rec.IncidentID = r.inc.ID
	rec.Type = action.Type
	rec.Target = action.Target
	stored, err := o.incidents.AddAction(rec)
	if err != nil {
		o.logger.Warn("persist action failed", zap.Error(err))
		stored = rec
	}
	r.lastAction = stored

	o.publish(events.Event{
		Type:       events.ActionExecuted,
		IncidentID: r.inc.ID,
		Summary:    fmt.Sprintf("%s on %s (%s)", stored.Type, stored.Target, stored.Mode),
		Detail: map[string]interface{}{
			"action_id":   stored.ID,
			"type":        stored.Type,
			"success":     stored.Success,
			"duration_ms": stored.DurationMs,
		},
	})
	o.appendTimeline(r.inc.ID, incident.TimelineActionExecuted,
		fmt.Sprintf("executed %s on %s", stored.Type, stored.Target))

	if o.cfg.VerificationWait > 0 {
		select {
		case <-time.After(o.cfg.VerificationWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.machine.TransitionWithReason(ooda.StateVerifying, "action_executed")
}

// enqueueCodeFix hands the remediation to a development cycle. The cycle is
// asynchronous: the investigation records it as a pending remediation and
// proceeds to verification, which observes whether the fix landed.
func (o *Orchestrator) enqueueCodeFix(r *run, action incident.ProposedAction) error {
	if o.cycles == nil {
		reason := "code_fix requested but no development cycle queue is configured"
		r.machine.SetFailureReason(reason)
		return r.machine.TransitionWithReason(ooda.StateFailed, "action_failed")
	}

	cycle, err := o.cycles.EnqueueCodeFix(r.inc.ID, action.Parameters["service_type"], r.hypothesis.RootCause)
	if err != nil {
		return o.phaseFailure(r, ooda.StateActing, err)
	}

	rec, err := o.incidents.AddAction(incident.ActionRecord{
		IncidentID: r.inc.ID,
		Type:       action.Type,
		Target:     action.Target,
		Success:    true,
		Mode:       "queued",
		Message:    fmt.Sprintf("development cycle %s enqueued", cycle.ID),
	})
	if err != nil {
		o.logger.Warn("persist action failed", zap.Error(err))
	}
	r.lastAction = rec

	o.appendTimeline(r.inc.ID, incident.TimelineActionExecuted,
		fmt.Sprintf("code_fix queued as development cycle %s", cycle.ID))
	return r.machine.TransitionWithReason(ooda.StateVerifying, "action_executed")
}

func (o *Orchestrator) verify(ctx context.Context, r *run) error {
	ver, err := o.verifier.Verify(ctx, r.lastAction)
	if err != nil {
		return o.phaseFailure(r, ooda.StateVerifying, err)
	}

	ver.IncidentID = r.inc.ID
	ver.ActionID = r.lastAction.ID
	if _, err := o.incidents.AddVerification(ver); err != nil {
		o.logger.Warn("persist verification failed", zap.Error(err))
	}

	o.publish(events.Event{
		Type:       events.VerificationCompleted,
		IncidentID: r.inc.ID,
		Summary:    fmt.Sprintf("verification %d/%d checks passed", ver.ChecksPassed, ver.ChecksPerformed),
		Detail: map[string]interface{}{
			"success":    ver.Success,
			"confidence": ver.Confidence,
		},
	})
	o.appendTimeline(r.inc.ID, incident.TimelineVerification,
		fmt.Sprintf("verification success=%v confidence=%.2f", ver.Success, ver.Confidence))

	if ver.Success {
		if r.hypothesis.ID != "" {
			if err := o.incidents.SetHypothesisStatus(r.hypothesis.ID, incident.HypothesisConfirmed); err != nil {
				o.logger.Warn("set hypothesis status failed", zap.Error(err))
			}
		}
		return r.machine.TransitionWithReason(ooda.StateDone, "fix_verified")
	}

	r.verificationRetries++

	shouldRollback := false
	var urgency, reasoning string
	if o.rollbacks != nil {
		decision, err := o.rollbacks.Decide(r.lastAction, ver, r.inc.ID)
		if err != nil {
			o.logger.Warn("rollback decision failed", zap.Error(err))
		} else {
			shouldRollback = decision.ShouldRollback
			urgency = string(decision.Urgency)
			reasoning = decision.Reasoning
		}
	}

	if !shouldRollback && r.verificationRetries <= o.cfg.MaxVerificationAttempts {
		return r.machine.TransitionWithReason(ooda.StateObserving, "fix_not_working")
	}

	if shouldRollback && o.rollbacks != nil {
		if _, err := o.rollbacks.RequestRollback(ctx, r.inc.ID, r.inc.Namespace, r.lastAction.Target,
			urgencyOrDefault(urgency), reasoning); err != nil {
			o.logger.Warn("rollback request failed", zap.Error(err))
		}
		o.appendTimeline(r.inc.ID, incident.TimelineRollback,
			fmt.Sprintf("rollback of %s requested: %s", r.lastAction.Target, reasoning))
	}

	var reason string
	if shouldRollback {
		reason = fmt.Sprintf("verification failed, rollback requested: %s", reasoning)
	} else {
		budget := &BudgetExceededError{Budget: "verification attempts", Limit: o.cfg.MaxVerificationAttempts}
		reason = budget.Error()
	}
	r.machine.SetFailureReason(reason)
	return r.machine.TransitionWithReason(ooda.StateFailed, "verification_failed")
}

// cancel records a cancelled investigation.
func (o *Orchestrator) cancel(r *run) {
	state := r.machine.State()
	if state.Terminal() || state == ooda.StateIdle {
		return
	}
	r.machine.SetFailureReason("cancelled")
	if err := r.machine.TransitionWithReason(ooda.StateFailed, "cancelled"); err != nil {
		o.logger.Warn("cancel transition failed", zap.Error(err))
	}
}

// finish persists the terminal outcome.
func (o *Orchestrator) finish(r *run, runErr error) {
	reason := r.machine.FailureReason()
	retries := r.machine.Retries()

	if reason == "" && runErr == nil {
		now := time.Now().UTC()
		status := incident.StatusResolved
		state := ooda.StateDone
		if _, err := o.incidents.Update(r.inc.ID, incident.Update{
			Status:       &status,
			State:        &state,
			ResolvedAt:   &now,
			PhaseRetries: retries,
		}); err != nil {
			o.logger.Warn("persist resolution failed", zap.Error(err))
		}
		o.publish(events.Event{
			Type:       events.InvestigationCompleted,
			IncidentID: r.inc.ID,
			Summary:    fmt.Sprintf("investigation of %s completed", r.inc.ID),
		})
		return
	}

	if reason == "" {
		reason = runErr.Error()
	}
	status := incident.StatusActive
	state := ooda.StateFailed
	if _, err := o.incidents.Update(r.inc.ID, incident.Update{
		Status:        &status,
		State:         &state,
		FailureReason: &reason,
		PhaseRetries:  retries,
	}); err != nil {
		o.logger.Warn("persist failure failed", zap.Error(err))
	}
	o.publish(events.Event{
		Type:       events.InvestigationFailed,
		IncidentID: r.inc.ID,
		Summary:    reason,
		Detail:     map[string]interface{}{"reason": reason},
	})
}

// waitForCooldown blocks until the action cooldown since the last executed
// action has elapsed.
func (o *Orchestrator) waitForCooldown(ctx context.Context, incidentID string) error {
	last, err := o.incidents.LastActionAt(incidentID)
	if err != nil || last == nil {
		return err
	}
	remaining := o.cfg.ActionCooldown - time.Since(*last)
	if remaining <= 0 {
		return nil
	}
	o.logger.Debug("action cooldown",
		zap.String("incident_id", incidentID),
		zap.Duration("remaining", remaining),
	)
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context, incidentID string) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := o.incidents.Heartbeat(incidentID, o.instanceID); err != nil || !ok {
				o.logger.Warn("investigation heartbeat lost",
					zap.String("incident_id", incidentID), zap.Error(err))
				return
			}
		}
	}
}

// machineNotify bridges machine events onto the bus and persists phase
// changes on the incident.
func (o *Orchestrator) machineNotify(incidentID string) func(events.Event) {
	return func(evt events.Event) {
		o.publish(evt)
		if evt.Type != events.StateChanged {
			return
		}
		detail, ok := evt.Detail.(map[string]interface{})
		if !ok {
			return
		}
		to, _ := detail["to"].(string)
		if to == "" {
			return
		}
		state := ooda.State(to)
		if _, err := o.incidents.Update(incidentID, incident.Update{State: &state}); err != nil {
			o.logger.Warn("persist state change failed", zap.Error(err))
		}
		o.publish(events.Event{
			Type:       events.PhaseChanged,
			IncidentID: incidentID,
			Summary:    fmt.Sprintf("phase changed to %s", to),
			Detail:     detail,
		})
		o.appendTimeline(incidentID, incident.TimelinePhaseChange,
			fmt.Sprintf("%s -> %s", detail["from"], to))
	}
}

func (o *Orchestrator) publish(evt events.Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}

func (o *Orchestrator) appendTimeline(incidentID string, typ incident.TimelineEventType, description string) {
	if _, err := o.incidents.AppendTimeline(incident.TimelineEvent{
		IncidentID:  incidentID,
		Type:        typ,
		Description: description,
	}); err != nil {
		o.logger.Warn("append timeline failed", zap.Error(err))
	}
}

// matchInputFromEvidence assembles the pattern-matching input from the
// incident and its evidence.
func matchInputFromEvidence(inc incident.Incident, evidence []incident.Evidence) patterns.MatchInput {
	input := patterns.MatchInput{Context: inc.Title}
	for _, ev := range evidence {
		switch ev.Source {
		case "logs", "events":
			input.Errors = append(input.Errors, ev.Content)
		default:
			input.Symptoms = append(input.Symptoms, ev.Content)
		}
	}
	if inc.Service != "" {
		input.Symptoms = append(input.Symptoms, inc.Service)
	}
	return input
}

func urgencyOrDefault(urgency string) rollback.Urgency {
	if urgency == "" {
		return rollback.UrgencyMedium
	}
	return rollback.Urgency(strings.ToLower(urgency))
}
