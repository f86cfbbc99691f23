// Package observe collects evidence for incident investigations. Sources are
// pluggable; the collector fans out to every configured source, tolerates
// individual failures, and hands the combined evidence to the orchestrator.
package observe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/incident"
)

// Source produces evidence about an incident from one observability backend.
type Source interface {
	Name() string
	Collect(ctx context.Context, inc incident.Incident) ([]incident.Evidence, error)
}

// LogSource fetches recent log lines for a service.
type LogSource interface {
	FetchLogs(ctx context.Context, namespace, service string, since time.Duration) ([]string, error)
}

// MetricSource fetches metric readings for a service.
type MetricSource interface {
	FetchMetrics(ctx context.Context, namespace, service string) (map[string]float64, error)
}

// Collector aggregates evidence from multiple sources. A failing source is
// logged and skipped; collection fails only when every source fails.
type Collector struct {
	sources []Source
	timeout time.Duration
	logger  *zap.Logger
}

// NewCollector builds a collector over the given sources. timeout bounds each
// source individually; zero means 30s.
func NewCollector(sources []Source, timeout time.Duration, logger *zap.Logger) *Collector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{sources: sources, timeout: timeout, logger: logger.Named("observe")}
}

// Collect gathers evidence from every source.
func (c *Collector) Collect(ctx context.Context, inc incident.Incident) ([]incident.Evidence, error) {
	var out []incident.Evidence
	var lastErr error
	failed := 0

	for _, src := range c.sources {
		srcCtx, cancel := context.WithTimeout(ctx, c.timeout)
		evidence, err := src.Collect(srcCtx, inc)
		cancel()
		if err != nil {
			failed++
			lastErr = err
			c.logger.Warn("evidence source failed",
				zap.String("source", src.Name()),
				zap.String("incident_id", inc.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, evidence...)
	}

	if len(c.sources) > 0 && failed == len(c.sources) {
		return nil, lastErr
	}
	return out, nil
}

// logAdapter exposes a LogSource as a Source.
type logAdapter struct {
	name  string
	src   LogSource
	since time.Duration
}

// FromLogs wraps a LogSource. since bounds the log window; zero means 15m.
func FromLogs(name string, src LogSource, since time.Duration) Source {
	if since <= 0 {
		since = 15 * time.Minute
	}
	return &logAdapter{name: name, src: src, since: since}
}

func (a *logAdapter) Name() string { return a.name }

func (a *logAdapter) Collect(ctx context.Context, inc incident.Incident) ([]incident.Evidence, error) {
	lines, err := a.src.FetchLogs(ctx, inc.Namespace, inc.Service, a.since)
	if err != nil {
		return nil, err
	}
	out := make([]incident.Evidence, 0, len(lines))
	for _, line := range lines {
		out = append(out, incident.Evidence{
			Source:  "logs",
			Kind:    a.name,
			Content: line,
		})
	}
	return out, nil
}

// metricAdapter exposes a MetricSource as a Source.
type metricAdapter struct {
	name string
	src  MetricSource
}

// FromMetrics wraps a MetricSource.
func FromMetrics(name string, src MetricSource) Source {
	return &metricAdapter{name: name, src: src}
}

func (a *metricAdapter) Name() string { return a.name }

func (a *metricAdapter) Collect(ctx context.Context, inc incident.Incident) ([]incident.Evidence, error) {
	readings, err := a.src.FetchMetrics(ctx, inc.Namespace, inc.Service)
	if err != nil {
		return nil, err
	}
	out := make([]incident.Evidence, 0, len(readings))
	for name, value := range readings {
		out = append(out, incident.Evidence{
			Source:  "metrics",
			Kind:    a.name,
			Content: formatMetric(name, value),
		})
	}
	return out, nil
}

func formatMetric(name string, value float64) string {
	return fmt.Sprintf("%s=%g", name, value)
}
