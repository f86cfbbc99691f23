package investigation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chronos-ops/chronos/internal/devcycle"
	"github.com/chronos-ops/chronos/internal/events"
	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/ooda"
	"github.com/chronos-ops/chronos/internal/patterns"
	"github.com/chronos-ops/chronos/internal/rollback"
)

// --- fakes ---

type fakeCollector struct {
	mu       sync.Mutex
	evidence []incident.Evidence
	errs     []error
	calls    int
}

func (f *fakeCollector) Collect(_ context.Context, _ incident.Incident) ([]incident.Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.evidence, nil
}

type fakeAnalyst struct {
	corr       Correlation
	corrErr    error
	hypotheses []incident.Hypothesis
	hypErr     error
}

func (f *fakeAnalyst) Correlate(_ context.Context, _ incident.Incident, _ []incident.Evidence, _ []patterns.Match) (Correlation, error) {
	if f.corrErr != nil {
		return Correlation{}, f.corrErr
	}
	return f.corr, nil
}

func (f *fakeAnalyst) Hypothesize(_ context.Context, _ incident.Incident, _ Correlation) ([]incident.Hypothesis, error) {
	if f.hypErr != nil {
		return nil, f.hypErr
	}
	return f.hypotheses, nil
}

type fakeExecutor struct {
	mu     sync.Mutex
	result incident.ActionRecord
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(_ context.Context, _ incident.ProposedAction) (incident.ActionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return incident.ActionRecord{}, f.err
	}
	return f.result, nil
}

type fakeVerifier struct {
	mu      sync.Mutex
	results []incident.VerificationRecord
	calls   int
}

func (f *fakeVerifier) Verify(_ context.Context, _ incident.ActionRecord) (incident.VerificationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

type fakeRollbacks struct {
	mu       sync.Mutex
	decision rollback.Decision
	requests []string
}

func (f *fakeRollbacks) Decide(_ incident.ActionRecord, _ incident.VerificationRecord, _ string) (rollback.Decision, error) {
	return f.decision, nil
}

func (f *fakeRollbacks) RequestRollback(_ context.Context, incidentID, _, deployment string, _ rollback.Urgency, _ string) (rollback.Request, error) {
	f.mu.Lock()
	f.requests = append(f.requests, incidentID+"/"+deployment)
	f.mu.Unlock()
	return rollback.Request{IncidentID: incidentID, Deployment: deployment, Status: rollback.StatusApproved}, nil
}

type fakeCycles struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeCycles) EnqueueCodeFix(incidentID, serviceType, requirement string) (devcycle.Cycle, error) {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, incidentID)
	f.mu.Unlock()
	return devcycle.Cycle{ID: "cycle-1", IncidentID: incidentID, Phase: devcycle.PhasePlanning}, nil
}

// --- harness ---

type harness struct {
	store     *incident.Store
	bus       *events.Bus
	events    chan events.Event
	collector *fakeCollector
	analyst   *fakeAnalyst
	executor  *fakeExecutor
	verifier  *fakeVerifier
	rollbacks *fakeRollbacks
	cycles    *fakeCycles
	orch      *Orchestrator
	inc       incident.Incident
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := incident.NewStore(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	inc, err := store.Create(incident.Incident{
		Title:     "demo-app crash loop",
		Severity:  incident.SeverityHigh,
		Namespace: "demo",
		Service:   "demo-app",
	})
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		store: store,
		bus:   events.NewBus(256),
		collector: &fakeCollector{evidence: []incident.Evidence{
			{Source: "logs", Content: "OOMKilled in demo-app"},
		}},
		analyst: &fakeAnalyst{
			corr: Correlation{Summary: "memory climbing before crash", Symptoms: []string{"oom"}},
			hypotheses: []incident.Hypothesis{{
				RootCause:  "mem leak",
				Confidence: 0.82,
				Action:     incident.ProposedAction{Type: "restart", Target: "demo-app"},
			}},
		},
		executor: &fakeExecutor{result: incident.ActionRecord{Success: true, Mode: "live", DurationMs: 120}},
		verifier: &fakeVerifier{results: []incident.VerificationRecord{
			{Success: true, Confidence: 0.9, ChecksPerformed: 3, ChecksPassed: 3},
		}},
		rollbacks: &fakeRollbacks{},
		cycles:    &fakeCycles{},
		inc:       inc,
	}
	h.events = make(chan events.Event, 256)
	ch := h.bus.Subscribe("test")
	go func() {
		for e := range ch {
			h.events <- e
		}
	}()
	t.Cleanup(func() { h.bus.Unsubscribe("test") })

	h.orch = NewOrchestrator(cfg, store, h.collector, h.analyst, h.executor, h.verifier,
		nil, h.rollbacks, h.cycles, h.bus, nil)
	return h
}

func (h *harness) drain() []events.Event {
	out := make([]events.Event, 0)
	for {
		select {
		case e := <-h.events:
			out = append(out, e)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.VerificationWait = time.Millisecond
	cfg.ActionCooldown = time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	return cfg
}

func stateSequence(evts []events.Event) []string {
	seq := []string{"IDLE"}
	for _, e := range evts {
		if e.Type != events.StateChanged {
			continue
		}
		detail, ok := e.Detail.(map[string]interface{})
		if !ok {
			continue
		}
		seq = append(seq, detail["to"].(string))
	}
	return seq
}

func countType(evts []events.Event, t events.EventType) int {
	n := 0
	for _, e := range evts {
		if e.Type == t {
			n++
		}
	}
	return n
}

// --- tests ---

func TestHappyPathInvestigation(t *testing.T) {
	h := newHarness(t, fastConfig())

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	evts := h.drain()
	want := []string{"IDLE", "OBSERVING", "ORIENTING", "DECIDING", "ACTING", "VERIFYING", "DONE", "IDLE"}
	got := stateSequence(evts)
	if len(got) != len(want) {
		t.Fatalf("state sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := countType(evts, events.IncidentResolved); n != 1 {
		t.Fatalf("incident:resolved count = %d, want 1", n)
	}

	// Incident persisted as resolved, claim released.
	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Status != incident.StatusResolved || inc.ResolvedAt == nil {
		t.Fatalf("incident not resolved: %+v", inc)
	}
	if inc.IsInvestigating {
		t.Fatal("claim should be released")
	}

	// Confirmed hypothesis and recorded verification.
	hyps, err := h.store.ListHypotheses(h.inc.ID)
	if err != nil || len(hyps) != 1 {
		t.Fatalf("hypotheses: %v err=%v", hyps, err)
	}
	if hyps[0].Status != incident.HypothesisConfirmed {
		t.Fatalf("hypothesis status = %s", hyps[0].Status)
	}
	vers, err := h.store.ListVerifications(h.inc.ID)
	if err != nil || len(vers) != 1 || !vers[0].Success {
		t.Fatalf("verifications: %v err=%v", vers, err)
	}
}

func TestTransientObserveErrorRetries(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.collector.errs = []error{errors.New("log source unavailable")}

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if h.collector.calls != 2 {
		t.Fatalf("collector calls = %d, want 2 (one retry)", h.collector.calls)
	}

	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Status != incident.StatusResolved {
		t.Fatalf("status = %s, want resolved", inc.Status)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.analyst.corrErr = Permanent(errors.New("permission denied reading cluster events"))

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inc.FailureReason == "" || !strings.Contains(inc.FailureReason, "permission denied") {
		t.Fatalf("failure reason = %q", inc.FailureReason)
	}

	evts := h.drain()
	if n := countType(evts, events.IncidentFailed); n != 1 {
		t.Fatalf("incident:failed count = %d, want 1", n)
	}
}

func TestNoViableHypothesisFails(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.analyst.hypotheses = []incident.Hypothesis{{
		RootCause:  "weak guess",
		Confidence: 0.4,
		Action:     incident.ProposedAction{Type: "restart", Target: "demo-app"},
	}}

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(inc.FailureReason, "no viable hypothesis") {
		t.Fatalf("failure reason = %q", inc.FailureReason)
	}
	if h.executor.calls != 0 {
		t.Fatal("executor should not run without a viable hypothesis")
	}
}

func TestVerificationFailureTriggersRollback(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.verifier.results = []incident.VerificationRecord{{
		Success:         false,
		Confidence:      0.2,
		ChecksPerformed: 3,
		ChecksFailed:    3,
		HealthCheck: &incident.HealthCheck{
			Healthy: false, ReadyPods: 0, TotalPods: 3,
			UnhealthyPods: []string{"a", "b", "c"},
		},
	}}
	h.rollbacks.decision = rollback.Decision{
		ShouldRollback: true,
		Urgency:        rollback.UrgencyCritical,
		Reasoning:      "no pods ready after restart",
	}

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	h.rollbacks.mu.Lock()
	requests := append([]string(nil), h.rollbacks.requests...)
	h.rollbacks.mu.Unlock()
	if len(requests) != 1 || requests[0] != h.inc.ID+"/demo-app" {
		t.Fatalf("rollback requests = %v", requests)
	}

	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(inc.FailureReason, "rollback requested") {
		t.Fatalf("failure reason = %q", inc.FailureReason)
	}
}

func TestVerificationRetriesAreCumulative(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxVerificationAttempts = 2
	h := newHarness(t, cfg)
	// Verification never succeeds; no rollback demanded.
	h.verifier.results = []incident.VerificationRecord{{
		Success: false, Confidence: 0.3, ChecksPerformed: 3, ChecksFailed: 1,
		HealthCheck: &incident.HealthCheck{Healthy: false, ReadyPods: 3, TotalPods: 3},
	}}

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	// Attempts 1 and 2 loop back through OBSERVING; attempt 3 exceeds the
	// cumulative cap and fails.
	if h.verifier.calls != 3 {
		t.Fatalf("verifier calls = %d, want 3", h.verifier.calls)
	}
	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(inc.FailureReason, "verification attempts budget exceeded") {
		t.Fatalf("failure reason = %q", inc.FailureReason)
	}
}

func TestCodeFixEnqueuesDevelopmentCycle(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.analyst.hypotheses = []incident.Hypothesis{{
		RootCause:  "null deref in handler",
		Confidence: 0.9,
		Action:     incident.ProposedAction{Type: "code_fix", Target: "demo-app"},
	}}

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	h.cycles.mu.Lock()
	enqueued := len(h.cycles.enqueued)
	h.cycles.mu.Unlock()
	if enqueued != 1 {
		t.Fatalf("cycles enqueued = %d, want 1", enqueued)
	}
	if h.executor.calls != 0 {
		t.Fatal("code_fix should not use the executor")
	}

	actions, err := h.store.CountActions(h.inc.ID)
	if err != nil || actions != 1 {
		t.Fatalf("actions = %d err=%v", actions, err)
	}
}

func TestCancellationFailsInvestigation(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel while the first phase is in flight.
	h.collector.evidence = nil
	cancel()

	err := h.orch.Investigate(ctx, h.inc.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inc.FailureReason != "cancelled" {
		t.Fatalf("failure reason = %q, want cancelled", inc.FailureReason)
	}
	if inc.IsInvestigating {
		t.Fatal("claim should be released after cancellation")
	}
}

func TestSecondInvestigationRejectedWhileClaimed(t *testing.T) {
	h := newHarness(t, fastConfig())

	claimed, err := h.store.ClaimInvestigation(h.inc.ID, "other-instance", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("seed claim: %v", err)
	}

	err = h.orch.Investigate(context.Background(), h.inc.ID)
	if err == nil || !strings.Contains(err.Error(), "already under investigation") {
		t.Fatalf("expected claim rejection, got %v", err)
	}
}

func TestActionCapStopsActing(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxActionsPerIncident = 1
	h := newHarness(t, cfg)

	// Seed one prior action so the cap is already reached.
	if _, err := h.store.AddAction(incident.ActionRecord{
		IncidentID: h.inc.ID, Type: "restart", Target: "demo-app", Success: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Investigate(context.Background(), h.inc.ID); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(inc.FailureReason, "action cap budget exceeded") {
		t.Fatalf("failure reason = %q", inc.FailureReason)
	}
	if h.executor.calls != 0 {
		t.Fatal("executor should not run past the action cap")
	}
}

func TestResumePreservesRetryBudget(t *testing.T) {
	h := newHarness(t, fastConfig())
	// Resume into DECIDING with the deciding budget nearly exhausted, and a
	// failing analyst: a single retry remains before FAILED.
	h.analyst.hypErr = errors.New("model overloaded")

	err := h.orch.Resume(context.Background(), h.inc.ID, ooda.StateDeciding,
		map[ooda.State]int{ooda.StateDeciding: 2})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	inc, _, err := h.store.Get(h.inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(inc.FailureReason, "retry budget exceeded") {
		t.Fatalf("failure reason = %q", inc.FailureReason)
	}
	if inc.PhaseRetries[ooda.StateDeciding] != 3 {
		t.Fatalf("deciding retries = %d, want 3", inc.PhaseRetries[ooda.StateDeciding])
	}
}
