// Package patterns implements the learned-pattern knowledge base: a
// deduplicating store of (triggers -> actions) rules extracted from resolved
// incidents, with keyword-scored matching that feeds recommendations back
// into diagnosis.
package patterns

import (
	"time"
)

// PatternType classifies what a pattern is for.
type PatternType string

const (
	TypeDetection  PatternType = "detection"
	TypeDiagnostic PatternType = "diagnostic"
	TypeResolution PatternType = "resolution"
	TypePrevention PatternType = "prevention"
)

// MinConfidence is the ingest floor: patterns below it are rejected.
const MinConfidence = 0.3

// LearnedPattern is a reusable rule extracted from incident history.
type LearnedPattern struct {
	ID                 string      `json:"id"`
	Type               PatternType `json:"type"`
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	TriggerConditions  []string    `json:"trigger_conditions"`
	RecommendedActions []string    `json:"recommended_actions"`
	Exceptions         []string    `json:"exceptions,omitempty"`
	Confidence         float64     `json:"confidence"`
	TimesMatched       int         `json:"times_matched"`
	TimesApplied       int         `json:"times_applied"`
	// SuccessRate is the running mean of application outcomes; nil until the
	// pattern has been applied at least once.
	SuccessRate      *float64  `json:"success_rate,omitempty"`
	IsActive         bool      `json:"is_active"`
	SourceIncidentID string    `json:"source_incident_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Match is one scored hit from FindMatching.
type Match struct {
	Pattern           LearnedPattern `json:"pattern"`
	Score             float64        `json:"score"`
	MatchedConditions []string       `json:"matched_conditions"`
	Explanation       string         `json:"explanation"`
}

// MatchInput carries the observed signals to match patterns against.
type MatchInput struct {
	Symptoms []string `json:"symptoms,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// MatchOptions tunes FindMatching.
type MatchOptions struct {
	MinScore   float64
	MaxResults int
	Types      []PatternType
}

// DefaultMatchOptions returns the baseline matching parameters.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{MinScore: 0.3, MaxResults: 10}
}

// IncidentForLearning is the post-incident context handed to the extractor.
type IncidentForLearning struct {
	IncidentID    string   `json:"incident_id"`
	Title         string   `json:"title"`
	Severity      string   `json:"severity"`
	RootCause     string   `json:"root_cause,omitempty"`
	Symptoms      []string `json:"symptoms,omitempty"`
	ActionsTaken  []string `json:"actions_taken,omitempty"`
	Resolved      bool     `json:"resolved"`
	FailureReason string   `json:"failure_reason,omitempty"`
	// Narrative is an optional reconstruction of the investigation, assembled
	// from the timeline, that gives the extractor sequencing context.
	Narrative string `json:"narrative,omitempty"`
}
