// Package remedy provides the daemon's concrete remediation backends: a
// policy-gated command executor and an HTTP health verifier. Both implement
// the investigation collaborator interfaces.
package remedy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/investigation"
)

const (
	maxOutputSize  = 1 << 20 // per stream
	defaultTimeout = 30 * time.Second
)

// Policy defines what the executor is allowed to do.
type Policy struct {
	// AllowedTypes restricts action types (empty = all).
	AllowedTypes []string
	// BlockedTargets are target prefixes that are never acted on.
	BlockedTargets []string
	// Timeout bounds one command run. Zero means 30s.
	Timeout time.Duration
	// Simulate records actions without running anything.
	Simulate bool
}

// CommandExecutor runs remediation actions as configured host commands.
// Commands maps an action type to an argv template; {target}, {namespace}
// and {<param>} placeholders are substituted from the action.
type CommandExecutor struct {
	policy   Policy
	commands map[string][]string
	logger   *zap.Logger
}

// NewCommandExecutor builds an executor. Action types without a command
// template are executed in simulated mode.
func NewCommandExecutor(policy Policy, commands map[string][]string, logger *zap.Logger) *CommandExecutor {
	if policy.Timeout <= 0 {
		policy.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{policy: policy, commands: commands, logger: logger.Named("executor")}
}

// Execute runs one remediation action. Policy violations fail permanently;
// a non-zero exit is recorded as an unsuccessful action, not an error, so
// verification decides what happens next.
func (e *CommandExecutor) Execute(ctx context.Context, action incident.ProposedAction) (incident.ActionRecord, error) {
	rec := incident.ActionRecord{
		Type:       action.Type,
		Target:     action.Target,
		Parameters: action.Parameters,
	}

	if !e.typeAllowed(action.Type) {
		return rec, investigation.Permanent(fmt.Errorf("policy violation: action type %q not allowed", action.Type))
	}
	if e.targetBlocked(action.Target) {
		return rec, investigation.Permanent(fmt.Errorf("policy violation: target %q is protected", action.Target))
	}

	argv, templated := e.commands[action.Type]
	if e.policy.Simulate || !templated {
		rec.Success = true
		rec.Mode = "simulated"
		rec.Message = fmt.Sprintf("simulated %s on %s", action.Type, action.Target)
		e.logger.Info("action simulated",
			zap.String("type", action.Type),
			zap.String("target", action.Target),
		)
		return rec, nil
	}

	rendered := make([]string, len(argv))
	for i, arg := range argv {
		rendered[i] = renderArg(arg, action)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	start := time.Now()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, rendered[0], rendered[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	rec.Mode = "live"
	rec.DurationMs = time.Since(start).Milliseconds()
	rec.Message = truncate(stdout.String(), maxOutputSize)

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			// Transient by default: the retry budget covers timeouts.
			return rec, fmt.Errorf("action %s timed out after %s", action.Type, e.policy.Timeout)
		}
		rec.Success = false
		rec.Error = truncate(firstNonEmpty(stderr.String(), err.Error()), maxOutputSize)
	} else {
		rec.Success = true
	}

	e.logger.Info("action executed",
		zap.String("type", action.Type),
		zap.String("target", action.Target),
		zap.Bool("success", rec.Success),
		zap.Int64("duration_ms", rec.DurationMs),
	)
	return rec, nil
}

func (e *CommandExecutor) typeAllowed(actionType string) bool {
	if len(e.policy.AllowedTypes) == 0 {
		return true
	}
	for _, t := range e.policy.AllowedTypes {
		if strings.EqualFold(t, actionType) {
			return true
		}
	}
	return false
}

func (e *CommandExecutor) targetBlocked(target string) bool {
	lower := strings.ToLower(target)
	for _, b := range e.policy.BlockedTargets {
		if strings.HasPrefix(lower, strings.ToLower(b)) {
			return true
		}
	}
	return false
}

// renderArg substitutes {target}, {namespace} and {<param>} placeholders.
func renderArg(arg string, action incident.ProposedAction) string {
	out := strings.ReplaceAll(arg, "{target}", action.Target)
	out = strings.ReplaceAll(out, "{namespace}", action.Parameters["namespace"])
	for k, v := range action.Parameters {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
