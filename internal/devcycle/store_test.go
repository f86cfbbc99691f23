package devcycle

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "cycles.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndPhaseTransitions(t *testing.T) {
	s := newTestStore(t)

	c, err := s.Create(Cycle{ServiceType: "backend", Requirement: "fix null deref in checkout"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Phase != PhaseIdle || c.MaxIterations != 5 {
		t.Fatalf("defaults: %+v", c)
	}

	if err := s.SetPhase(c.ID, PhaseImplementing, true); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.Get(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != PhaseImplementing || got.Iterations != 1 {
		t.Fatalf("after transition: %+v", got)
	}
	if got.CompletedAt != nil {
		t.Fatal("non-terminal phase should not stamp completion")
	}

	if err := s.SetPhase(c.ID, PhaseCompleted, false); err != nil {
		t.Fatal(err)
	}
	got, _, err = s.Get(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil {
		t.Fatal("terminal phase should stamp completion")
	}
}

func TestInterruptedQuery(t *testing.T) {
	s := newTestStore(t)

	idle, err := s.Create(Cycle{Requirement: "idle"})
	if err != nil {
		t.Fatal(err)
	}
	midFlight, err := s.Create(Cycle{Phase: PhaseBuilding, Requirement: "mid-flight"})
	if err != nil {
		t.Fatal(err)
	}
	done, err := s.Create(Cycle{Phase: PhaseTesting, Requirement: "done"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetPhase(done.ID, PhaseCompleted, false); err != nil {
		t.Fatal(err)
	}

	interrupted, err := s.Interrupted()
	if err != nil {
		t.Fatal(err)
	}
	if len(interrupted) != 1 || interrupted[0].ID != midFlight.ID {
		t.Fatalf("interrupted = %+v", interrupted)
	}
	_ = idle

	if !midFlight.Interrupted() {
		t.Fatal("mid-flight cycle should report interrupted")
	}
}

func TestEnqueueCodeFixDeduplicates(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s, nil, nil)

	first, err := q.EnqueueCodeFix("inc-1", "backend", "fix memory leak")
	if err != nil {
		t.Fatal(err)
	}
	if first.Phase != PhasePlanning || first.IncidentID != "inc-1" {
		t.Fatalf("enqueued cycle: %+v", first)
	}

	// Open cycle for the same incident is re-used.
	again, err := q.EnqueueCodeFix("inc-1", "backend", "fix memory leak")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatal("open cycle should be re-used")
	}

	// After completion a new cycle may be raised.
	if err := s.SetPhase(first.ID, PhaseCompleted, false); err != nil {
		t.Fatal(err)
	}
	third, err := q.EnqueueCodeFix("inc-1", "backend", "regression follow-up")
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Fatal("completed cycle should not be re-used")
	}
}

func TestResumeInterrupted(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s, nil, nil)

	if _, err := s.Create(Cycle{Phase: PhaseImplementing, Requirement: "wip"}); err != nil {
		t.Fatal(err)
	}
	resumed, err := q.ResumeInterrupted()
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 1 {
		t.Fatalf("resumed = %d, want 1", len(resumed))
	}
}

func TestPhaseRetriesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	c, err := s.Create(Cycle{Requirement: "retries"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetPhaseRetries(c.ID, map[Phase]int{PhaseBuilding: 2}); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.Get(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PhaseRetries[PhaseBuilding] != 2 {
		t.Fatalf("retries round-trip: %v", got.PhaseRetries)
	}
}
