package patterns

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// KnowledgeBase wraps the pattern store with deduplicating ingest and
// keyword-scored matching. Reads are concurrent; writes are serialized by
// the store's UNIQUE name constraint plus SQLite's single-writer model.
type KnowledgeBase struct {
	store  *Store
	logger *zap.Logger
}

// NewKnowledgeBase constructs a knowledge base over the given store.
func NewKnowledgeBase(store *Store, logger *zap.Logger) *KnowledgeBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeBase{store: store, logger: logger}
}

// similarityThreshold is the trigger-set overlap above which two patterns
// are considered duplicates.
const similarityThreshold = 0.7

// Store validates and persists a pattern, skipping it when a similar pattern
// already exists (same name ignoring case, or trigger-set similarity above
// the threshold). Returns true when the pattern was stored.
func (kb *KnowledgeBase) Store(p LearnedPattern) (bool, error) {
	if err := Validate(p); err != nil {
		return false, err
	}

	if _, found, err := kb.store.GetByName(p.Name); err != nil {
		return false, err
	} else if found {
		kb.logger.Debug("pattern skipped, duplicate name", zap.String("name", p.Name))
		return false, nil
	}

	existing, err := kb.store.All()
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if sim := triggerSimilarity(p.TriggerConditions, e.TriggerConditions); sim > similarityThreshold {
			kb.logger.Debug("pattern skipped, similar triggers",
				zap.String("name", p.Name),
				zap.String("existing", e.Name),
				zap.Float64("similarity", sim),
			)
			return false, nil
		}
	}

	p.IsActive = true
	if _, err := kb.store.Insert(p); err != nil {
		// A concurrent ingest may have won the name race; treat the
		// constraint violation as a dedup skip.
		if strings.Contains(err.Error(), "UNIQUE") {
			return false, nil
		}
		return false, err
	}
	kb.logger.Info("pattern stored",
		zap.String("name", p.Name),
		zap.String("type", string(p.Type)),
		zap.Float64("confidence", p.Confidence),
	)
	return true, nil
}

// Validate checks the ingest invariants for a pattern.
func Validate(p LearnedPattern) error {
	if p.Name == "" {
		return fmt.Errorf("pattern missing name")
	}
	if p.Description == "" {
		return fmt.Errorf("pattern %q missing description", p.Name)
	}
	if len(p.TriggerConditions) == 0 {
		return fmt.Errorf("pattern %q has no trigger conditions", p.Name)
	}
	if len(p.RecommendedActions) == 0 {
		return fmt.Errorf("pattern %q has no recommended actions", p.Name)
	}
	for _, c := range p.TriggerConditions {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("pattern %q has an empty trigger condition", p.Name)
		}
	}
	for _, a := range p.RecommendedActions {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("pattern %q has an empty recommended action", p.Name)
		}
	}
	if p.Confidence < MinConfidence || p.Confidence > 1 {
		return fmt.Errorf("pattern %q confidence %.2f outside [%.1f, 1]", p.Name, p.Confidence, MinConfidence)
	}
	return nil
}

// triggerSimilarity measures overlap between two trigger-condition sets as
// the intersection size over the smaller set, so a pattern whose triggers
// are wholly contained in an existing pattern's set scores 1.
func triggerSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[strings.ToLower(strings.TrimSpace(s))] = true
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		setB[strings.ToLower(strings.TrimSpace(s))] = true
	}

	intersection := 0
	for s := range setA {
		if setB[s] {
			intersection++
		}
	}
	smaller := len(setA)
	if len(setB) < smaller {
		smaller = len(setB)
	}
	if smaller == 0 {
		return 0
	}
	return float64(intersection) / float64(smaller)
}

// FindMatching scores active patterns against the input and returns matches
// at or above opts.MinScore, sorted by score descending then name ascending.
// Matching is deterministic: identical input and KB produce an identical
// ordered list with scores equal to four decimal places.
func (kb *KnowledgeBase) FindMatching(input MatchInput, opts MatchOptions) ([]Match, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}

	candidates, err := kb.store.ListActive(opts.Types)
	if err != nil {
		return nil, err
	}

	searchText := buildSearchText(input)
	matches := make([]Match, 0)
	for _, p := range candidates {
		score, matched := scorePattern(p, searchText)
		if score < opts.MinScore {
			continue
		}
		matches = append(matches, Match{
			Pattern:           p,
			Score:             score,
			MatchedConditions: matched,
			Explanation: fmt.Sprintf("matched %d/%d trigger conditions at confidence %.2f",
				len(matched), len(p.TriggerConditions), p.Confidence),
		})
		if err := kb.store.RecordMatch(p.ID); err != nil {
			kb.logger.Warn("record match failed", zap.String("pattern", p.Name), zap.Error(err))
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Pattern.Name < matches[j].Pattern.Name
	})

	if len(matches) > opts.MaxResults {
		matches = matches[:opts.MaxResults]
	}
	return matches, nil
}

// GetRecommendations restricts matching to actionable pattern types with a
// higher score floor.
func (kb *KnowledgeBase) GetRecommendations(input MatchInput) ([]Match, error) {
	return kb.FindMatching(input, MatchOptions{
		MinScore:   0.4,
		MaxResults: 5,
		Types:      []PatternType{TypeDiagnostic, TypeResolution},
	})
}

// RecordApplication records the outcome of applying a pattern's recommended
// actions, updating the running success-rate mean.
func (kb *KnowledgeBase) RecordApplication(id string, success bool) error {
	return kb.store.RecordApplication(id, success)
}

func buildSearchText(input MatchInput) string {
	parts := make([]string, 0, len(input.Symptoms)+len(input.Errors)+1)
	parts = append(parts, input.Symptoms...)
	parts = append(parts, input.Errors...)
	if input.Context != "" {
		parts = append(parts, input.Context)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// scorePattern computes the keyword score for one pattern:
// each condition contributes (hit tokens / total tokens) weighted equally
// across conditions, scaled by (0.5 + 0.5*confidence), halved per exception
// found in the search text, then clamped to [0,1] and rounded to 4 decimals.
func scorePattern(p LearnedPattern, searchText string) (float64, []string) {
	if len(p.TriggerConditions) == 0 {
		return 0, nil
	}

	score := 0.0
	weight := 1.0 / float64(len(p.TriggerConditions))
	matched := make([]string, 0)
	for _, condition := range p.TriggerConditions {
		tokens := significantTokens(condition)
		if len(tokens) == 0 {
			continue
		}
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(searchText, tok) {
				hits++
			}
		}
		if hits > 0 {
			matched = append(matched, condition)
		}
		score += float64(hits) / float64(len(tokens)) * weight
	}

	score *= 0.5 + 0.5*p.Confidence

	for _, exc := range p.Exceptions {
		if exc == "" {
			continue
		}
		if strings.Contains(searchText, strings.ToLower(exc)) {
			score *= 0.5
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*10000) / 10000, matched
}

// significantTokens splits a condition on whitespace and keeps lowercase
// tokens longer than 3 characters. Short terms such as "OOM" fall below the
// cutoff and never contribute to the score.
func significantTokens(condition string) []string {
	fields := strings.Fields(strings.ToLower(condition))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 3 {
			out = append(out, f)
		}
	}
	return out
}
