package remedy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/incident"
)

// healthReport is the optional JSON body a health endpoint may return.
// Plain 200/ok bodies work too; the report just adds pod-level detail.
type healthReport struct {
	Healthy       *bool    `json:"healthy,omitempty"`
	ReadyPods     int      `json:"ready_pods"`
	TotalPods     int      `json:"total_pods"`
	UnhealthyPods []string `json:"unhealthy_pods,omitempty"`
}

// HTTPVerifier checks remediation outcomes by probing a health endpoint.
// URLTemplate supports {target} and {namespace} placeholders.
type HTTPVerifier struct {
	urlTemplate string
	client      *http.Client
	checks      int
	interval    time.Duration
	logger      *zap.Logger
}

// NewHTTPVerifier builds a verifier that samples the health endpoint `checks`
// times, `interval` apart. Zero values mean 3 checks, 2s apart, 10s per probe.
func NewHTTPVerifier(urlTemplate string, checks int, interval time.Duration, logger *zap.Logger) *HTTPVerifier {
	if checks <= 0 {
		checks = 3
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPVerifier{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: 10 * time.Second},
		checks:      checks,
		interval:    interval,
		logger:      logger.Named("verifier"),
	}
}

// Verify probes the target's health endpoint and summarises the samples.
// Success requires every check to pass; confidence is the pass ratio.
func (v *HTTPVerifier) Verify(ctx context.Context, action incident.ActionRecord) (incident.VerificationRecord, error) {
	url := strings.ReplaceAll(v.urlTemplate, "{target}", action.Target)
	url = strings.ReplaceAll(url, "{namespace}", action.Parameters["namespace"])

	rec := incident.VerificationRecord{
		ChecksPerformed: v.checks,
	}

	var lastHealth *incident.HealthCheck
	for i := 0; i < v.checks; i++ {
		if i > 0 {
			select {
			case <-time.After(v.interval):
			case <-ctx.Done():
				return rec, ctx.Err()
			}
		}

		passed, health := v.probe(ctx, url)
		if health != nil {
			lastHealth = health
		}
		if passed {
			rec.ChecksPassed++
		} else {
			rec.ChecksFailed++
		}
	}

	rec.Success = rec.ChecksFailed == 0 && rec.ChecksPassed > 0
	rec.Confidence = float64(rec.ChecksPassed) / float64(v.checks)
	rec.ShouldRetry = !rec.Success && rec.ChecksPassed > 0
	rec.HealthCheck = lastHealth

	v.logger.Info("verification complete",
		zap.String("target", action.Target),
		zap.Bool("success", rec.Success),
		zap.Int("passed", rec.ChecksPassed),
		zap.Int("failed", rec.ChecksFailed),
	)
	return rec, nil
}

func (v *HTTPVerifier) probe(ctx context.Context, url string) (bool, *incident.HealthCheck) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, nil
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		// Non-JSON bodies are fine; the status code already answered.
		return true, nil
	}

	health := &incident.HealthCheck{
		Healthy:       report.Healthy == nil || *report.Healthy,
		ReadyPods:     report.ReadyPods,
		TotalPods:     report.TotalPods,
		UnhealthyPods: report.UnhealthyPods,
	}
	if report.Healthy != nil && !*report.Healthy {
		return false, health
	}
	if report.TotalPods > 0 && report.ReadyPods < report.TotalPods {
		health.Healthy = false
		return false, health
	}
	return true, health
}
