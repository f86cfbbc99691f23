package devcycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chronos-ops/chronos/internal/build"
	"github.com/chronos-ops/chronos/internal/events"
)

type fakeBuilder struct {
	results []build.Result
	calls   int
	files   map[string]string
}

func (f *fakeBuilder) Build(_ context.Context, files map[string]string, _ string) build.Result {
	f.files = files
	f.calls++
	if f.calls <= len(f.results) {
		return f.results[f.calls-1]
	}
	return build.Result{Success: true, Stage: build.StageComplete, ImageName: "demo", ImageTag: "1"}
}

func newWorkerHarness(t *testing.T, builder *fakeBuilder) (*Worker, *Store, string, *[]events.Event) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "cycles.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	var published []events.Event
	w := NewWorker(store, builder, root, 0, func(e events.Event) {
		published = append(published, e)
	}, nil)
	return w, store, root, &published
}

func seedCycle(t *testing.T, store *Store, root string, withFiles bool) Cycle {
	t.Helper()
	c, err := store.Create(Cycle{
		Phase:       PhaseImplementing,
		ServiceType: "backend",
		Requirement: "fix the handler",
		IncidentID:  "inc-1",
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	if withFiles {
		ws := filepath.Join(root, c.ID)
		if err := os.MkdirAll(ws, 0o755); err != nil {
			t.Fatalf("mkdir workspace: %v", err)
		}
		if err := os.WriteFile(filepath.Join(ws, "server.js"), []byte("ok"), 0o644); err != nil {
			t.Fatalf("write workspace file: %v", err)
		}
	}
	return c
}

func TestWorkerCompletesCycleWhenBuildSucceeds(t *testing.T) {
	builder := &fakeBuilder{}
	w, store, root, published := newWorkerHarness(t, builder)
	c := seedCycle(t, store, root, true)

	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _, err := store.Get(c.ID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if got.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", got.Phase)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
	if got.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", got.Iterations)
	}
	if builder.files["server.js"] != "ok" {
		t.Fatalf("builder did not receive workspace files: %+v", builder.files)
	}
	if _, err := os.Stat(filepath.Join(root, c.ID)); !os.IsNotExist(err) {
		t.Fatal("workspace not cleaned up after completion")
	}
	if len(*published) != 1 || (*published)[0].Type != events.CycleCompleted {
		t.Fatalf("unexpected events: %+v", *published)
	}
}

func TestWorkerSkipsCycleWithoutWorkspace(t *testing.T) {
	builder := &fakeBuilder{}
	w, store, root, _ := newWorkerHarness(t, builder)
	c := seedCycle(t, store, root, false)

	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if builder.calls != 0 {
		t.Fatal("builder must not run without a workspace")
	}
	got, _, _ := store.Get(c.ID)
	if got.Phase != PhaseImplementing {
		t.Fatalf("phase = %s, want IMPLEMENTING", got.Phase)
	}
}

func TestWorkerRetriesFailedBuild(t *testing.T) {
	builder := &fakeBuilder{results: []build.Result{
		{Success: false, Stage: build.StageTesting, Error: "2 tests failed"},
	}}
	w, store, root, _ := newWorkerHarness(t, builder)
	c := seedCycle(t, store, root, true)

	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _, _ := store.Get(c.ID)
	if got.Phase != PhaseImplementing {
		t.Fatalf("phase = %s, want IMPLEMENTING after failed build", got.Phase)
	}
	if got.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", got.Iterations)
	}
	if got.PhaseRetries[PhaseBuilding] != 1 {
		t.Fatalf("building retries = %d, want 1", got.PhaseRetries[PhaseBuilding])
	}

	// Second pass with the fixed build completes the cycle.
	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _, _ = store.Get(c.ID)
	if got.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", got.Phase)
	}
}

func TestWorkerFailsCycleAtIterationBudget(t *testing.T) {
	builder := &fakeBuilder{results: []build.Result{
		{Success: false, Stage: build.StageBuilding, Error: "boom"},
		{Success: false, Stage: build.StageBuilding, Error: "boom"},
	}}
	w, store, root, published := newWorkerHarness(t, builder)

	c, err := store.Create(Cycle{
		Phase:         PhaseImplementing,
		ServiceType:   "backend",
		IncidentID:    "inc-2",
		MaxIterations: 2,
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	ws := filepath.Join(root, c.ID)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws, "a.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	got, _, _ := store.Get(c.ID)
	if got.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want FAILED", got.Phase)
	}
	var sawFailed bool
	for _, e := range *published {
		if e.Type == events.CycleFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("missing cycle:failed event: %+v", *published)
	}
}
