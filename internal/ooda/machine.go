// Package ooda implements the OODA (Observe-Orient-Decide-Act-Verify)
// investigation state machine.
//
// The machine owns three things and nothing else:
//  1. Transition validation against a fixed table
//  2. Per-phase retry budgets, persisted for crash resume
//  3. Phase deadline timers with a stale-timer guard
//
// The orchestrator drives it; the machine emits events through a callback
// registered at construction so the two never own each other.
package ooda

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chronos-ops/chronos/internal/events"
)

// State is one phase of the OODA loop.
type State string

const (
	StateIdle      State = "IDLE"
	StateObserving State = "OBSERVING"
	StateOrienting State = "ORIENTING"
	StateDeciding  State = "DECIDING"
	StateActing    State = "ACTING"
	StateVerifying State = "VERIFYING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Terminal reports whether a state ends the investigation.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// States lists every state, in loop order.
func States() []State {
	return []State{
		StateIdle, StateObserving, StateOrienting, StateDeciding,
		StateActing, StateVerifying, StateDone, StateFailed,
	}
}

// transitions is the exhaustive valid-transition table. Anything absent fails.
var transitions = map[State]map[State]string{
	StateIdle: {
		StateObserving: "incident_triggered",
	},
	StateObserving: {
		StateObserving: "retry_on_timeout",
		StateOrienting: "observations_collected",
		StateFailed:    "max_retries_exceeded",
	},
	StateOrienting: {
		StateOrienting: "retry_on_timeout",
		StateDeciding:  "correlations_found",
		StateObserving: "need_more_data",
		StateFailed:    "max_retries_exceeded",
	},
	StateDeciding: {
		StateDeciding:  "retry_on_timeout",
		StateActing:    "hypothesis_confirmed",
		StateOrienting: "hypothesis_rejected",
		StateFailed:    "no_viable_hypothesis",
	},
	StateActing: {
		StateVerifying: "action_executed",
		StateObserving: "retry_from_failure",
		StateFailed:    "action_failed",
	},
	StateVerifying: {
		StateDone:      "fix_verified",
		StateObserving: "fix_not_working",
		StateFailed:    "verification_failed",
	},
}

// ErrInvalidTransition is the sentinel for transition table violations.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError reports a rejected transition together with the
// set of targets that would have been valid.
type InvalidTransitionError struct {
	From  State
	To    State
	Valid []State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (valid targets: %v)", e.From, e.To, e.Valid)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// validTargets returns the sorted valid targets from a state.
func validTargets(from State) []State {
	targets := make([]State, 0, len(transitions[from]))
	for to := range transitions[from] {
		targets = append(targets, to)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

// Config holds state machine tuning.
type Config struct {
	// PhaseTimeouts overrides per-phase deadlines. Zero means unbounded.
	PhaseTimeouts map[State]time.Duration
	// MaxRetries is the default per-phase retry budget.
	MaxRetries int
	// PerPhaseRetries overrides the budget for specific phases.
	PerPhaseRetries map[State]int
}

// DefaultConfig returns the stock budgets and deadlines.
func DefaultConfig() Config {
	return Config{
		PhaseTimeouts: map[State]time.Duration{
			StateObserving: 60 * time.Second,
			StateOrienting: 60 * time.Second,
			StateDeciding:  60 * time.Second,
			StateActing:    300 * time.Second,
			StateVerifying: 60 * time.Second,
		},
		MaxRetries: 3,
	}
}

func (c Config) timeoutFor(s State) time.Duration {
	if d, ok := c.PhaseTimeouts[s]; ok {
		return d
	}
	switch s {
	case StateIdle, StateDone, StateFailed:
		return 0
	case StateActing:
		return 300 * time.Second
	default:
		return 60 * time.Second
	}
}

func (c Config) maxRetriesFor(s State) int {
	if n, ok := c.PerPhaseRetries[s]; ok {
		return n
	}
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

// Context is the mutable per-investigation state owned by the machine's
// driver for the lifetime of one investigation.
type Context struct {
	IncidentID    string
	StartedAt     time.Time
	PhaseEntered  time.Time
	FailureReason string
}

// Machine validates OODA transitions and enforces retry budgets and
// phase deadlines for a single investigation.
type Machine struct {
	cfg    Config
	notify func(events.Event)
	now    func() time.Time

	mu      sync.Mutex
	state   State
	retries map[State]int
	ctx     Context

	// epoch increments on every transition; phase timers capture it at arm
	// time and bail if it moved, so a stale timer never fires on a state it
	// was not armed for.
	epoch uint64
	timer *time.Timer
}

// NewMachine creates an idle machine. notify receives every state event;
// nil is allowed (events are dropped).
func NewMachine(cfg Config, notify func(events.Event)) *Machine {
	if notify == nil {
		notify = func(events.Event) {}
	}
	return &Machine{
		cfg:     cfg,
		notify:  notify,
		now:     time.Now,
		state:   StateIdle,
		retries: make(map[State]int),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns a copy of the per-phase retry counters.
func (m *Machine) Retries() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int, len(m.retries))
	for k, v := range m.retries {
		out[k] = v
	}
	return out
}

// FailureReason returns the recorded failure reason, if any.
func (m *Machine) FailureReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.FailureReason
}

// Start begins an investigation. Permitted only from IDLE.
func (m *Machine) Start(incidentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return &InvalidTransitionError{From: m.state, To: StateObserving, Valid: validTargets(m.state)}
	}

	m.ctx = Context{
		IncidentID: incidentID,
		StartedAt:  m.now().UTC(),
	}
	m.retries = make(map[State]int)
	m.transitionLocked(StateObserving, "incident_triggered")
	return nil
}

// Resume restores a mid-flight investigation after a crash. Permitted only
// from IDLE. Retry counters are restored, never reset.
func (m *Machine) Resume(incidentID string, state State, phaseRetries map[State]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return &InvalidTransitionError{From: m.state, To: state, Valid: []State{}}
	}
	if state == StateIdle || state.Terminal() {
		return fmt.Errorf("cannot resume into %s", state)
	}
	if _, ok := transitions[state]; !ok {
		return fmt.Errorf("unknown state %q", state)
	}

	m.ctx = Context{
		IncidentID: incidentID,
		StartedAt:  m.now().UTC(),
	}
	m.retries = make(map[State]int, len(phaseRetries))
	for k, v := range phaseRetries {
		m.retries[k] = v
	}

	from := m.state
	m.state = state
	m.ctx.PhaseEntered = m.now().UTC()
	m.epoch++
	m.armTimerLocked()

	m.emitLocked(events.StateChanged, fmt.Sprintf("%s -> %s", from, state), map[string]interface{}{
		"from": string(from), "to": string(state), "reason": "resumed",
	})
	m.emitLocked(events.StateEntered, string(state), nil)
	return nil
}

// Transition moves to a new state. The pair must be in the transition table;
// otherwise the state is unchanged and an InvalidTransitionError is returned.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionCheckedLocked(to, "")
}

// TransitionWithReason moves to a new state recording a custom reason
// (used for failure details and retry annotations).
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionCheckedLocked(to, reason)
}

func (m *Machine) transitionCheckedLocked(to State, reason string) error {
	cond, ok := transitions[m.state][to]
	if !ok {
		return &InvalidTransitionError{From: m.state, To: to, Valid: validTargets(m.state)}
	}
	if reason == "" {
		reason = cond
	}
	m.transitionLocked(to, reason)
	return nil
}

// transitionLocked performs the transition and all event emission.
// Caller holds m.mu and has already validated the move.
func (m *Machine) transitionLocked(to State, reason string) {
	from := m.state
	m.stopTimerLocked()

	m.emitLocked(events.StateExited, string(from), nil)

	m.state = to
	m.ctx.PhaseEntered = m.now().UTC()
	m.epoch++

	if to == StateFailed && m.ctx.FailureReason == "" {
		m.ctx.FailureReason = reason
	}

	m.emitLocked(events.StateChanged, fmt.Sprintf("%s -> %s", from, to), map[string]interface{}{
		"from": string(from), "to": string(to), "reason": reason,
	})
	m.emitLocked(events.StateEntered, string(to), nil)

	switch to {
	case StateDone:
		m.emitLocked(events.IncidentResolved, m.ctx.IncidentID, nil)
		m.releaseLocked()
	case StateFailed:
		m.emitLocked(events.IncidentFailed, m.ctx.FailureReason, map[string]interface{}{
			"reason": m.ctx.FailureReason, "details": reason,
		})
		m.releaseLocked()
	default:
		m.armTimerLocked()
	}
}

// releaseLocked discards the investigation context and returns to IDLE.
// Terminal states are final for the investigation; the machine itself is
// reusable for the next one.
func (m *Machine) releaseLocked() {
	from := m.state
	m.state = StateIdle
	m.epoch++
	m.emitLocked(events.StateChanged, fmt.Sprintf("%s -> %s", from, StateIdle), map[string]interface{}{
		"from": string(from), "to": string(StateIdle), "reason": "investigation_released",
	})
}

// SetFailureReason records the failure reason before a FAILED transition.
func (m *Machine) SetFailureReason(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.FailureReason = reason
}

// CanRetryPhase atomically checks the budget for a phase and, when allowed,
// consumes one retry. Returns true iff retries[state] < maxRetries(state).
func (m *Machine) CanRetryPhase(state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canRetryPhaseLocked(state)
}

func (m *Machine) canRetryPhaseLocked(state State) bool {
	if m.retries[state] >= m.cfg.maxRetriesFor(state) {
		return false
	}
	m.retries[state]++
	return true
}

// RetryTarget returns the state a failed phase retries into. Early phases
// self-retry (transient AI failure); later phases restart from OBSERVING
// with fresh evidence.
func RetryTarget(state State) State {
	switch state {
	case StateObserving, StateOrienting, StateDeciding:
		return state
	default:
		return StateObserving
	}
}

// --- Phase timers ---

func (m *Machine) armTimerLocked() {
	timeout := m.cfg.timeoutFor(m.state)
	if timeout <= 0 {
		return
	}
	armedState := m.state
	armedEpoch := m.epoch
	m.timer = time.AfterFunc(timeout, func() {
		m.handleTimeout(armedState, armedEpoch)
	})
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// handleTimeout fires when a phase deadline passes. The epoch check rejects
// timers armed for a state the machine has since left.
func (m *Machine) handleTimeout(armedState State, armedEpoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != armedEpoch || m.state != armedState {
		return // stale timer
	}

	m.emitLocked(events.PhaseTimeout, string(armedState), nil)

	if m.canRetryPhaseLocked(armedState) {
		m.transitionLocked(RetryTarget(armedState), fmt.Sprintf("Phase %s timed out, retrying", armedState))
		return
	}

	m.ctx.FailureReason = fmt.Sprintf("Phase %s timed out after %d retries", armedState, m.cfg.maxRetriesFor(armedState))
	m.transitionLocked(StateFailed, m.ctx.FailureReason)
}

// Stop cancels any armed phase timer. Used on orchestrator shutdown.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *Machine) emitLocked(t events.EventType, summary string, detail map[string]interface{}) {
	m.notify(events.Event{
		Type:       t,
		IncidentID: m.ctx.IncidentID,
		Summary:    summary,
		Detail:     detail,
		Timestamp:  m.now().UTC(),
	})
}
