package patterns

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "patterns.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewKnowledgeBase(store, nil)
}

func validPattern(name string) LearnedPattern {
	return LearnedPattern{
		Type:               TypeDiagnostic,
		Name:               name,
		Description:        "memory exhaustion in a container",
		TriggerConditions:  []string{"memory usage above limit", "container restarting"},
		RecommendedActions: []string{"increase memory limit"},
		Confidence:         0.8,
	}
}

func TestStoreValidation(t *testing.T) {
	kb := newTestKB(t)

	cases := []struct {
		name   string
		mutate func(*LearnedPattern)
	}{
		{"missing name", func(p *LearnedPattern) { p.Name = "" }},
		{"missing description", func(p *LearnedPattern) { p.Description = "" }},
		{"no triggers", func(p *LearnedPattern) { p.TriggerConditions = nil }},
		{"no actions", func(p *LearnedPattern) { p.RecommendedActions = nil }},
		{"blank trigger", func(p *LearnedPattern) { p.TriggerConditions = []string{"  "} }},
		{"confidence too low", func(p *LearnedPattern) { p.Confidence = 0.29 }},
		{"confidence above one", func(p *LearnedPattern) { p.Confidence = 1.01 }},
	}
	for _, tc := range cases {
		p := validPattern("candidate")
		tc.mutate(&p)
		if _, err := kb.Store(p); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	// The confidence floor itself is valid.
	p := validPattern("floor")
	p.Confidence = 0.3
	if ok, err := kb.Store(p); err != nil || !ok {
		t.Fatalf("confidence 0.3 should be accepted: ok=%v err=%v", ok, err)
	}
}

func TestStoreDedupByName(t *testing.T) {
	kb := newTestKB(t)

	if ok, err := kb.Store(validPattern("Memory Leak")); err != nil || !ok {
		t.Fatalf("first store: ok=%v err=%v", ok, err)
	}
	p2 := validPattern("memory leak")
	p2.TriggerConditions = []string{"entirely different trigger set"}
	ok, err := kb.Store(p2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("case-insensitive duplicate name should be skipped")
	}
}

func TestStoreDedupBySimilarTriggers(t *testing.T) {
	kb := newTestKB(t)

	p1 := validPattern("First")
	p1.TriggerConditions = []string{"oom", "memory"}
	if ok, err := kb.Store(p1); err != nil || !ok {
		t.Fatalf("store p1: ok=%v err=%v", ok, err)
	}

	// Triggers overlap p1's set entirely: skipped.
	p2 := validPattern("Other")
	p2.TriggerConditions = []string{"oom", "memory", "exhaust"}
	ok, err := kb.Store(p2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("similar pattern should be skipped")
	}

	n, err := kb.store.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("store count = %d, want 1", n)
	}

	// Disjoint triggers store fine.
	p3 := validPattern("Third")
	p3.TriggerConditions = []string{"disk full", "io errors"}
	if ok, err := kb.Store(p3); err != nil || !ok {
		t.Fatalf("store p3: ok=%v err=%v", ok, err)
	}
}

func TestFindMatchingScoring(t *testing.T) {
	kb := newTestKB(t)

	p := validPattern("OOM Kill")
	p.TriggerConditions = []string{"memory usage exceeds limit", "container killed"}
	p.Confidence = 1.0
	if _, err := kb.Store(p); err != nil {
		t.Fatal(err)
	}

	// Condition 1: tokens {memory, usage, exceeds, limit}; all 4 present.
	// Condition 2: tokens {container, killed}; only "container" present.
	// score = (4/4)*0.5 + (1/2)*0.5 = 0.75, scaled by (0.5+0.5*1.0) = 0.75.
	matches, err := kb.FindMatching(MatchInput{
		Symptoms: []string{"memory usage exceeds configured limit"},
		Context:  "container restarting",
	}, DefaultMatchOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Score != 0.75 {
		t.Fatalf("score = %v, want 0.75", matches[0].Score)
	}
	if len(matches[0].MatchedConditions) != 2 {
		t.Fatalf("matched conditions = %v", matches[0].MatchedConditions)
	}

	// The match counter was recorded.
	got, _, err := kb.store.GetByName("OOM Kill")
	if err != nil {
		t.Fatal(err)
	}
	if got.TimesMatched != 1 {
		t.Fatalf("times_matched = %d, want 1", got.TimesMatched)
	}
}

func TestExceptionDemotesScore(t *testing.T) {
	kb := newTestKB(t)

	p := validPattern("Restart Loop")
	p.TriggerConditions = []string{"container restarting repeatedly"}
	p.Exceptions = []string{"deployment in progress"}
	p.Confidence = 1.0
	if _, err := kb.Store(p); err != nil {
		t.Fatal(err)
	}

	base, err := kb.FindMatching(MatchInput{
		Symptoms: []string{"container restarting repeatedly"},
	}, MatchOptions{MinScore: 0.1, MaxResults: 10})
	if err != nil {
		t.Fatal(err)
	}
	demoted, err := kb.FindMatching(MatchInput{
		Symptoms: []string{"container restarting repeatedly"},
		Context:  "deployment in progress",
	}, MatchOptions{MinScore: 0.1, MaxResults: 10})
	if err != nil {
		t.Fatal(err)
	}

	if len(base) != 1 || len(demoted) != 1 {
		t.Fatalf("expected one match each, got %d / %d", len(base), len(demoted))
	}
	if demoted[0].Score != base[0].Score/2 {
		t.Fatalf("exception should halve score: base=%v demoted=%v", base[0].Score, demoted[0].Score)
	}
}

func TestShortTokensIgnored(t *testing.T) {
	kb := newTestKB(t)

	p := validPattern("Short Tokens")
	p.TriggerConditions = []string{"oom in pod"}
	if _, err := kb.Store(p); err != nil {
		t.Fatal(err)
	}

	// "oom", "in", "pod" are all length <= 3: nothing can score.
	matches, err := kb.FindMatching(MatchInput{
		Symptoms: []string{"oom in pod"},
	}, MatchOptions{MinScore: 0.01, MaxResults: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("short-token-only condition should not match, got %d", len(matches))
	}
}

func TestMatchOrderingDeterministic(t *testing.T) {
	kb := newTestKB(t)

	// Two patterns with identical scores: ordered by name ascending.
	for _, name := range []string{"Zeta", "Alpha"} {
		p := validPattern(name)
		p.TriggerConditions = []string{"disk " + name + "-marker pressure detected"}
		p.Confidence = 0.8
		if ok, err := kb.Store(p); err != nil || !ok {
			t.Fatalf("store %s: ok=%v err=%v", name, ok, err)
		}
	}

	input := MatchInput{Symptoms: []string{"disk pressure detected on node"}}
	first, err := kb.FindMatching(input, DefaultMatchOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(first))
	}
	if first[0].Pattern.Name != "Alpha" || first[1].Pattern.Name != "Zeta" {
		t.Fatalf("tie not broken by name: %s, %s", first[0].Pattern.Name, first[1].Pattern.Name)
	}

	second, err := kb.FindMatching(input, DefaultMatchOptions())
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i].Pattern.Name != second[i].Pattern.Name || first[i].Score != second[i].Score {
			t.Fatalf("matching not deterministic at index %d", i)
		}
	}
}

func TestGetRecommendationsFiltersTypes(t *testing.T) {
	kb := newTestKB(t)

	for _, spec := range []struct {
		name string
		typ  PatternType
	}{
		{"Diag", TypeDiagnostic},
		{"Resol", TypeResolution},
		{"Detect", TypeDetection},
	} {
		p := validPattern(spec.name)
		p.Type = spec.typ
		p.TriggerConditions = []string{"latency spike upstream " + spec.name + "-probe"}
		p.Confidence = 1.0
		if ok, err := kb.Store(p); err != nil || !ok {
			t.Fatalf("store %s: ok=%v err=%v", spec.name, ok, err)
		}
	}

	recs, err := kb.GetRecommendations(MatchInput{
		Symptoms: []string{"latency spike from upstream dependency"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.Pattern.Type != TypeDiagnostic && r.Pattern.Type != TypeResolution {
			t.Fatalf("recommendation included type %s", r.Pattern.Type)
		}
		if r.Score < 0.4 {
			t.Fatalf("recommendation below min score: %v", r.Score)
		}
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs))
	}
}

func TestRecordApplicationRunningMean(t *testing.T) {
	kb := newTestKB(t)

	p := validPattern("Applied")
	stored, err := kb.store.Insert(p)
	if err != nil {
		t.Fatal(err)
	}

	for _, success := range []bool{true, true, false} {
		if err := kb.RecordApplication(stored.ID, success); err != nil {
			t.Fatal(err)
		}
	}

	got, _, err := kb.store.Get(stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TimesApplied != 3 {
		t.Fatalf("times_applied = %d, want 3", got.TimesApplied)
	}
	if got.SuccessRate == nil {
		t.Fatal("success rate should be set")
	}
	if diff := *got.SuccessRate - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("success rate = %v, want 2/3", *got.SuccessRate)
	}
}

func TestLearnerIngestsExtractedPatterns(t *testing.T) {
	kb := newTestKB(t)

	extractor := extractorFunc(func(_ context.Context, inc IncidentForLearning) ([]LearnedPattern, error) {
		good := validPattern("Learned " + inc.IncidentID)
		bad := validPattern("Bad")
		bad.Confidence = 0.1
		return []LearnedPattern{good, bad}, nil
	})

	learner := NewLearner(kb, extractor, nil)
	stored, err := learner.LearnFromIncident(context.Background(), IncidentForLearning{
		IncidentID: "inc-learn", Title: "t", Resolved: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if stored != 1 {
		t.Fatalf("stored = %d, want 1 (invalid candidate dropped)", stored)
	}

	got, found, err := kb.store.GetByName("Learned inc-learn")
	if err != nil || !found {
		t.Fatalf("learned pattern not stored: found=%v err=%v", found, err)
	}
	if got.SourceIncidentID != "inc-learn" {
		t.Fatalf("source incident = %q", got.SourceIncidentID)
	}
}

type extractorFunc func(context.Context, IncidentForLearning) ([]LearnedPattern, error)

func (f extractorFunc) ExtractPatterns(ctx context.Context, inc IncidentForLearning) ([]LearnedPattern, error) {
	return f(ctx, inc)
}

func TestLoadPack(t *testing.T) {
	kb := newTestKB(t)

	packYAML := `name: baseline
patterns:
  - type: diagnostic
    name: Memory Pressure
    description: node under memory pressure
    triggerConditions:
      - "memory pressure condition reported"
    recommendedActions:
      - "evict noisy workloads"
    confidence: 0.7
  - type: resolution
    name: Invalid
    description: rejected entry
    triggerConditions: []
    recommendedActions:
      - "noop"
    confidence: 0.9
`
	path := filepath.Join(t.TempDir(), "pack.yaml")
	if err := os.WriteFile(path, []byte(packYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	stored, err := LoadPack(kb, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stored != 1 {
		t.Fatalf("stored = %d, want 1", stored)
	}
	if _, found, _ := kb.store.GetByName("Memory Pressure"); !found {
		t.Fatal("pack pattern not stored")
	}
}
