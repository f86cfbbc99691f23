// Package diagnose implements the daemon's built-in analyst. It correlates
// evidence through signal-keyword heuristics and derives hypotheses from
// learned-pattern recommendations; without a pattern hit it proposes only
// low-confidence fallbacks that stay below the default action threshold.
package diagnose

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/investigation"
	"github.com/chronos-ops/chronos/internal/patterns"
)

const maxSymptoms = 10

// signalKeywords mark an evidence line as symptomatic.
var signalKeywords = []string{
	"error", "panic", "fatal", "exception", "oom", "oomkilled", "killed",
	"timeout", "timed out", "refused", "unavailable", "crashloop",
	"restarting", "backoff", "5xx", "500", "502", "503",
}

// PatternSource feeds recommendations into hypothesis generation.
// Satisfied by *patterns.KnowledgeBase.
type PatternSource interface {
	GetRecommendations(input patterns.MatchInput) ([]patterns.Match, error)
}

// Analyst implements investigation.Analyst without an external AI backend.
type Analyst struct {
	patternSrc PatternSource
	logger     *zap.Logger
}

// NewAnalyst builds the analyst. patternSrc may be nil; hypotheses then come
// only from the symptom fallbacks.
func NewAnalyst(patternSrc PatternSource, logger *zap.Logger) *Analyst {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyst{patternSrc: patternSrc, logger: logger.Named("diagnose")}
}

// Correlate extracts symptomatic lines from the evidence. Matched pattern
// conditions count as symptoms too. NoSignal means nothing stood out and the
// loop should keep observing.
func (a *Analyst) Correlate(_ context.Context, inc incident.Incident, evidence []incident.Evidence, matches []patterns.Match) (investigation.Correlation, error) {
	seen := make(map[string]bool)
	var symptoms []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] || len(symptoms) >= maxSymptoms {
			return
		}
		seen[strings.ToLower(s)] = true
		symptoms = append(symptoms, s)
	}

	symptomatic := 0
	for _, ev := range evidence {
		for _, line := range strings.Split(ev.Content, "\n") {
			if hasSignal(line) {
				symptomatic++
				add(line)
			}
		}
	}
	for _, m := range matches {
		for _, cond := range m.MatchedConditions {
			add(cond)
		}
	}

	corr := investigation.Correlation{
		Symptoms: symptoms,
		NoSignal: len(symptoms) == 0,
	}
	if corr.NoSignal {
		corr.Summary = fmt.Sprintf("no signal in %d evidence items for %s", len(evidence), inc.Title)
	} else {
		corr.Summary = fmt.Sprintf("%d symptomatic lines across %d evidence items", symptomatic, len(evidence))
	}

	a.logger.Debug("correlation complete",
		zap.String("incident_id", inc.ID),
		zap.Int("evidence", len(evidence)),
		zap.Int("symptoms", len(symptoms)),
	)
	return corr, nil
}

// Hypothesize maps pattern recommendations onto hypotheses. Pattern-backed
// hypotheses carry confidence score*patternConfidence; symptom fallbacks stay
// low so they never clear the default action threshold on their own.
func (a *Analyst) Hypothesize(_ context.Context, inc incident.Incident, corr investigation.Correlation) ([]incident.Hypothesis, error) {
	if corr.NoSignal {
		return nil, nil
	}

	var out []incident.Hypothesis

	if a.patternSrc != nil {
		matches, err := a.patternSrc.GetRecommendations(patterns.MatchInput{
			Symptoms: corr.Symptoms,
			Context:  corr.Summary,
		})
		if err != nil {
			return nil, fmt.Errorf("pattern recommendations: %w", err)
		}
		for _, m := range matches {
			if len(m.Pattern.RecommendedActions) == 0 {
				continue
			}
			out = append(out, incident.Hypothesis{
				IncidentID: inc.ID,
				RootCause:  m.Pattern.Description,
				Confidence: m.Score * m.Pattern.Confidence,
				Action:     actionFor(m.Pattern.RecommendedActions[0], inc),
			})
		}
	}

	if fallback, ok := fallbackHypothesis(corr.Symptoms, inc); ok {
		out = append(out, fallback)
	}
	return out, nil
}

// actionFor classifies a recommended-action phrase into an executable action.
func actionFor(recommendation string, inc incident.Incident) incident.ProposedAction {
	lower := strings.ToLower(recommendation)
	actionType := "restart"
	switch {
	case strings.Contains(lower, "rollback") || strings.Contains(lower, "roll back") || strings.Contains(lower, "revert"):
		actionType = "rollback"
	case strings.Contains(lower, "scale") || strings.Contains(lower, "replica") || strings.Contains(lower, "increase"):
		actionType = "scale"
	case strings.Contains(lower, "fix") || strings.Contains(lower, "patch") || strings.Contains(lower, "code"):
		actionType = "code_fix"
	}
	return incident.ProposedAction{
		Type:   actionType,
		Target: targetFor(inc),
		Parameters: map[string]string{
			"namespace":      inc.Namespace,
			"recommendation": recommendation,
		},
	}
}

// fallbackHypothesis proposes a conservative action from symptom classes.
func fallbackHypothesis(symptoms []string, inc incident.Incident) (incident.Hypothesis, bool) {
	joined := strings.ToLower(strings.Join(symptoms, " "))
	var rootCause, actionType string
	switch {
	case strings.Contains(joined, "oom") || strings.Contains(joined, "memory"):
		rootCause = "memory exhaustion"
		actionType = "scale"
	case strings.Contains(joined, "panic") || strings.Contains(joined, "crashloop") || strings.Contains(joined, "fatal"):
		rootCause = "crashing process"
		actionType = "restart"
	case strings.Contains(joined, "timeout") || strings.Contains(joined, "refused") || strings.Contains(joined, "unavailable"):
		rootCause = "unresponsive dependency or overload"
		actionType = "restart"
	default:
		return incident.Hypothesis{}, false
	}
	return incident.Hypothesis{
		IncidentID: inc.ID,
		RootCause:  rootCause,
		Confidence: 0.5,
		Action: incident.ProposedAction{
			Type:       actionType,
			Target:     targetFor(inc),
			Parameters: map[string]string{"namespace": inc.Namespace},
		},
	}, true
}

func targetFor(inc incident.Incident) string {
	if inc.Service != "" {
		return inc.Service
	}
	return inc.Namespace
}

func hasSignal(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range signalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
