// Package metrics defines Prometheus metrics for the chronos daemon.
//
// Metric naming follows Prometheus conventions:
//   - chronos_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// InvestigationsTotal counts investigations by terminal outcome.
	InvestigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_investigations_total",
			Help: "Total investigations by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// InvestigationDurationSeconds is a histogram of investigation duration.
	InvestigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronos_investigation_duration_seconds",
			Help:    "Duration of investigations in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	// PhaseTransitionsTotal counts state machine transitions by target phase.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_phase_transitions_total",
			Help: "Total OODA phase transitions by target phase.",
		},
		[]string{"to"},
	)

	// PhaseTimeoutsTotal counts phase deadline expiries by phase.
	PhaseTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_phase_timeouts_total",
			Help: "Total phase deadline expiries by phase.",
		},
		[]string{"phase"},
	)

	// ActionsTotal counts executed remediation actions by type and result.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_actions_total",
			Help: "Total remediation actions executed by type and result.",
		},
		[]string{"type", "result"},
	)

	// RollbackDecisionsTotal counts rollback decisions by verdict.
	RollbackDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_rollback_decisions_total",
			Help: "Total rollback decisions by verdict.",
		},
		[]string{"verdict"},
	)

	// RollbackRequestsTotal counts rollback requests by urgency.
	RollbackRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_rollback_requests_total",
			Help: "Total rollback requests raised by urgency.",
		},
		[]string{"urgency"},
	)

	// BuildStagesTotal counts build stage completions by stage and result.
	BuildStagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_build_stages_total",
			Help: "Total build stage completions by stage and result.",
		},
		[]string{"stage", "result"},
	)

	// BuildDurationSeconds is a histogram of full pipeline duration.
	BuildDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronos_build_duration_seconds",
			Help:    "Duration of build pipelines in seconds.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// LockEventsTotal counts edit lock events by kind
	// (acquired, denied, extended, released, expired).
	LockEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_lock_events_total",
			Help: "Total edit lock events by kind.",
		},
		[]string{"kind"},
	)

	// PatternMatchesTotal counts knowledge base pattern matches.
	PatternMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronos_pattern_matches_total",
			Help: "Total learned pattern matches returned.",
		},
	)

	// PatternApplicationsTotal counts pattern applications by result.
	PatternApplicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_pattern_applications_total",
			Help: "Total learned pattern applications by result.",
		},
		[]string{"result"},
	)

	// ActiveInvestigations is the number of currently running investigations.
	ActiveInvestigations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronos_active_investigations",
			Help: "Number of investigations currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InvestigationsTotal,
		InvestigationDurationSeconds,
		PhaseTransitionsTotal,
		PhaseTimeoutsTotal,
		ActionsTotal,
		RollbackDecisionsTotal,
		RollbackRequestsTotal,
		BuildStagesTotal,
		BuildDurationSeconds,
		LockEventsTotal,
		PatternMatchesTotal,
		PatternApplicationsTotal,
		ActiveInvestigations,
	)
}

// RecordInvestigationComplete records a finished investigation.
func RecordInvestigationComplete(outcome string, duration time.Duration) {
	InvestigationsTotal.WithLabelValues(outcome).Inc()
	InvestigationDurationSeconds.Observe(duration.Seconds())
}

// RecordAction records one executed remediation action.
func RecordAction(actionType string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	ActionsTotal.WithLabelValues(actionType, result).Inc()
}

// RecordRollbackDecision records one rollback verdict.
func RecordRollbackDecision(shouldRollback bool) {
	verdict := "hold"
	if shouldRollback {
		verdict = "rollback"
	}
	RollbackDecisionsTotal.WithLabelValues(verdict).Inc()
}

// RecordBuildStage records one completed build stage.
func RecordBuildStage(stage string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	BuildStagesTotal.WithLabelValues(stage, result).Inc()
}

// RecordPatternApplication records one pattern application outcome.
func RecordPatternApplication(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	PatternApplicationsTotal.WithLabelValues(result).Inc()
}
