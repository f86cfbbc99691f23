package remedy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/investigation"
)

func TestExecuteSimulatedWhenNoTemplate(t *testing.T) {
	e := NewCommandExecutor(Policy{}, nil, nil)

	rec, err := e.Execute(context.Background(), incident.ProposedAction{
		Type:   "restart",
		Target: "demo-app",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !rec.Success || rec.Mode != "simulated" {
		t.Fatalf("expected simulated success, got %+v", rec)
	}
}

func TestExecuteRunsCommand(t *testing.T) {
	e := NewCommandExecutor(Policy{}, map[string][]string{
		"restart": {"echo", "restarting", "{target}", "in", "{namespace}"},
	}, nil)

	rec, err := e.Execute(context.Background(), incident.ProposedAction{
		Type:       "restart",
		Target:     "demo-app",
		Parameters: map[string]string{"namespace": "prod"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !rec.Success || rec.Mode != "live" {
		t.Fatalf("expected live success, got %+v", rec)
	}
	if !strings.Contains(rec.Message, "restarting demo-app in prod") {
		t.Fatalf("placeholder substitution failed: %q", rec.Message)
	}
}

func TestExecuteRecordsCommandFailure(t *testing.T) {
	e := NewCommandExecutor(Policy{}, map[string][]string{
		"restart": {"sh", "-c", "echo boom >&2; exit 3"},
	}, nil)

	rec, err := e.Execute(context.Background(), incident.ProposedAction{
		Type:   "restart",
		Target: "demo-app",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Success {
		t.Fatal("expected unsuccessful action record")
	}
	if !strings.Contains(rec.Error, "boom") {
		t.Fatalf("expected stderr in record error, got %q", rec.Error)
	}
}

func TestExecutePolicyViolationsArePermanent(t *testing.T) {
	e := NewCommandExecutor(Policy{
		AllowedTypes:   []string{"restart"},
		BlockedTargets: []string{"kube-system/"},
	}, nil, nil)

	_, err := e.Execute(context.Background(), incident.ProposedAction{Type: "scale", Target: "demo-app"})
	if err == nil || !investigation.IsPermanent(err) {
		t.Fatalf("expected permanent error for disallowed type, got %v", err)
	}

	_, err = e.Execute(context.Background(), incident.ProposedAction{Type: "restart", Target: "kube-system/coredns"})
	if err == nil || !investigation.IsPermanent(err) {
		t.Fatalf("expected permanent error for blocked target, got %v", err)
	}
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	e := NewCommandExecutor(Policy{Timeout: 50 * time.Millisecond}, map[string][]string{
		"restart": {"sleep", "5"},
	}, nil)

	_, err := e.Execute(context.Background(), incident.ProposedAction{Type: "restart", Target: "demo-app"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if investigation.IsPermanent(err) {
		t.Fatalf("timeout must stay retryable, got permanent: %v", err)
	}
}

func TestVerifyAllChecksPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ready_pods": 3, "total_pods": 3})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL+"/healthz?app={target}", 3, time.Millisecond, nil)
	rec, err := v.Verify(context.Background(), incident.ActionRecord{Target: "demo-app"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rec.Success || rec.ChecksPassed != 3 || rec.ChecksFailed != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", rec.Confidence)
	}
	if rec.HealthCheck == nil || rec.HealthCheck.ReadyPods != 3 {
		t.Fatalf("missing health detail: %+v", rec.HealthCheck)
	}
}

func TestVerifyUnreadyPodsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready_pods": 1, "total_pods": 3, "unhealthy_pods": []string{"demo-app-1", "demo-app-2"},
		})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, 2, time.Millisecond, nil)
	rec, err := v.Verify(context.Background(), incident.ActionRecord{Target: "demo-app"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.Success {
		t.Fatal("expected failed verification")
	}
	if rec.HealthCheck == nil || rec.HealthCheck.Healthy {
		t.Fatalf("expected unhealthy detail, got %+v", rec.HealthCheck)
	}
	if len(rec.HealthCheck.UnhealthyPods) != 2 {
		t.Fatalf("expected 2 unhealthy pods, got %+v", rec.HealthCheck.UnhealthyPods)
	}
}

func TestVerifyMixedChecksSuggestRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL, 2, time.Millisecond, nil)
	rec, err := v.Verify(context.Background(), incident.ActionRecord{Target: "demo-app"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.Success {
		t.Fatal("expected failed verification")
	}
	if !rec.ShouldRetry {
		t.Fatal("partial passes should suggest retry")
	}
	if rec.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want 0.5", rec.Confidence)
	}
}

func TestVerifyRespectsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewHTTPVerifier(srv.URL, 3, time.Hour, nil)
	_, err := v.Verify(ctx, incident.ActionRecord{Target: "demo-app"})
	if err == nil {
		t.Fatal("expected context error")
	}
}
