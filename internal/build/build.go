// Package build runs the staged application build pipeline:
// installing -> [linting] -> [testing] -> building -> [pushing], with
// per-stage timeouts, a unique work directory per build, and incremental
// rebuilds scoped by changed-files detection.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/events"
)

// Stage identifies a pipeline stage.
type Stage string

const (
	StageInstalling Stage = "installing"
	StageLinting    Stage = "linting"
	StageTesting    Stage = "testing"
	StageBuilding   Stage = "building"
	StagePushing    Stage = "pushing"
	StageComplete   Stage = "complete"
)

// StageRequest describes one stage invocation.
type StageRequest struct {
	Stage   Stage
	WorkDir string
	AppName string
	// TestFilter narrows the testing stage during scoped rebuilds.
	TestFilter string
}

// StageRunner executes toolchain stages (install, lint, test) inside the
// work directory and returns captured output.
type StageRunner interface {
	Run(ctx context.Context, req StageRequest) (output string, err error)
}

// ImageResult is the image-builder collaborator's verdict, consumed verbatim.
type ImageResult struct {
	ImageName  string              `json:"image_name"`
	ImageTag   string              `json:"image_tag"`
	Descriptor *ocispec.Descriptor `json:"descriptor,omitempty"`
}

// ImageBuilder builds and pushes container images from a work directory.
type ImageBuilder interface {
	BuildImage(ctx context.Context, workDir, appName, tag string) (ImageResult, error)
	PushImage(ctx context.Context, image ImageResult) error
}

// TestResults summarises the testing stage output.
type TestResults struct {
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Total   int  `json:"total"`
	Success bool `json:"success"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	Success          bool                `json:"success"`
	Stage            Stage               `json:"stage"`
	ImageName        string              `json:"image_name,omitempty"`
	ImageTag         string              `json:"image_tag,omitempty"`
	Descriptor       *ocispec.Descriptor `json:"descriptor,omitempty"`
	Logs             []string            `json:"logs"`
	TestResults      *TestResults        `json:"test_results,omitempty"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
	Error            string              `json:"error,omitempty"`
}

// RebuildOptions tunes IncrementalRebuild.
type RebuildOptions struct {
	// Scope overrides changed-files detection when set.
	Scope Scope
	// SkipInstallOnCodeChange skips the installing stage on scoped rebuilds.
	SkipInstallOnCodeChange bool
}

// Config tunes the pipeline.
type Config struct {
	WorkDirRoot   string
	SkipLint      bool
	SkipTests     bool
	SkipPush      bool
	Registry      string
	BaseImage     string
	StageTimeouts map[Stage]time.Duration
}

// DefaultConfig returns the standard pipeline parameters.
func DefaultConfig() Config {
	return Config{
		WorkDirRoot: os.TempDir(),
		StageTimeouts: map[Stage]time.Duration{
			StageInstalling: 5 * time.Minute,
			StageLinting:    2 * time.Minute,
			StageTesting:    5 * time.Minute,
			StageBuilding:   10 * time.Minute,
			StagePushing:    3 * time.Minute,
		},
	}
}

func (c Config) timeoutFor(stage Stage) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	if d, ok := DefaultConfig().StageTimeouts[stage]; ok {
		return d
	}
	return 5 * time.Minute
}

// Orchestrator drives build pipelines.
type Orchestrator struct {
	cfg    Config
	runner StageRunner
	images ImageBuilder
	notify func(events.Event)
	logger *zap.Logger
}

// NewOrchestrator constructs a build orchestrator. notify may be nil.
func NewOrchestrator(cfg Config, runner StageRunner, images ImageBuilder, notify func(events.Event), logger *zap.Logger) *Orchestrator {
	if cfg.WorkDirRoot == "" {
		cfg.WorkDirRoot = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(events.Event) {}
	}
	return &Orchestrator{cfg: cfg, runner: runner, images: images, notify: notify, logger: logger}
}

// Build writes the files into a fresh per-build work directory and runs the
// full pipeline. The work directory is removed on every exit path.
func (o *Orchestrator) Build(ctx context.Context, files map[string]string, appName string) Result {
	return o.run(ctx, files, appName, pipelinePlan{
		install: true,
		lint:    !o.cfg.SkipLint,
		test:    !o.cfg.SkipTests,
		push:    !o.cfg.SkipPush,
	})
}

// IncrementalRebuild runs a reduced pipeline scoped to the changed files.
// Full and config scopes delegate to Build.
func (o *Orchestrator) IncrementalRebuild(ctx context.Context, files map[string]string, appName string, changedFiles []string, opts RebuildOptions) Result {
	scope := opts.Scope
	if scope == "" {
		scope = DetectRebuildScope(changedFiles)
	}
	if scope == ScopeFull || scope == ScopeConfig {
		return o.Build(ctx, files, appName)
	}

	o.logger.Info("incremental rebuild",
		zap.String("app", appName),
		zap.String("scope", string(scope)),
		zap.Int("changed_files", len(changedFiles)),
	)
	return o.run(ctx, files, appName, pipelinePlan{
		install:    !opts.SkipInstallOnCodeChange,
		lint:       !o.cfg.SkipLint,
		test:       !o.cfg.SkipTests,
		push:       !o.cfg.SkipPush,
		testFilter: string(scope),
	})
}

type pipelinePlan struct {
	install    bool
	lint       bool
	test       bool
	push       bool
	testFilter string
}

func (o *Orchestrator) run(ctx context.Context, files map[string]string, appName string, plan pipelinePlan) Result {
	start := time.Now()
	result := Result{Logs: make([]string, 0)}

	shortID := strings.Split(uuid.NewString(), "-")[0]
	workDir := filepath.Join(o.cfg.WorkDirRoot, fmt.Sprintf("%s-%s", appName, shortID))
	if err := o.writeWorkspace(workDir, files); err != nil {
		result.Stage = StageInstalling
		result.Error = err.Error()
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		o.emitError(appName, result)
		return result
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			o.logger.Warn("workdir cleanup failed", zap.String("dir", workDir), zap.Error(err))
		}
	}()

	stages := make([]Stage, 0, 4)
	if plan.install {
		stages = append(stages, StageInstalling)
	}
	if plan.lint {
		stages = append(stages, StageLinting)
	}
	if plan.test {
		stages = append(stages, StageTesting)
	}

	for _, stage := range stages {
		result.Stage = stage
		o.emitStageChange(appName, stage)

		output, err := o.runStage(ctx, StageRequest{
			Stage:      stage,
			WorkDir:    workDir,
			AppName:    appName,
			TestFilter: plan.testFilter,
		})
		if output != "" {
			result.Logs = append(result.Logs, output)
			o.emitLog(appName, stage, output)
		}
		if stage == StageTesting {
			if tr := parseTestResults(output); tr != nil {
				result.TestResults = tr
				if !tr.Success {
					err = fmt.Errorf("%d tests failed", tr.Failed)
				}
			}
		}
		if err != nil {
			result.Error = err.Error()
			result.ProcessingTimeMs = time.Since(start).Milliseconds()
			o.emitError(appName, result)
			return result
		}
	}

	// Building.
	result.Stage = StageBuilding
	o.emitStageChange(appName, StageBuilding)
	buildCtx, cancel := context.WithTimeout(ctx, o.cfg.timeoutFor(StageBuilding))
	image, err := o.images.BuildImage(buildCtx, workDir, o.imageName(appName), shortID)
	cancel()
	if err != nil {
		result.Error = stageError(buildCtx, err).Error()
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		o.emitError(appName, result)
		return result
	}
	result.ImageName = image.ImageName
	result.ImageTag = image.ImageTag
	result.Descriptor = image.Descriptor

	if plan.push {
		result.Stage = StagePushing
		o.emitStageChange(appName, StagePushing)
		pushCtx, cancel := context.WithTimeout(ctx, o.cfg.timeoutFor(StagePushing))
		err := o.images.PushImage(pushCtx, image)
		cancel()
		if err != nil {
			result.Error = stageError(pushCtx, err).Error()
			result.ProcessingTimeMs = time.Since(start).Milliseconds()
			o.emitError(appName, result)
			return result
		}
	}

	result.Stage = StageComplete
	result.Success = true
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	o.emitStageChange(appName, StageComplete)
	o.notify(events.Event{
		Type:    events.BuildComplete,
		Summary: fmt.Sprintf("build of %s complete: %s:%s", appName, result.ImageName, result.ImageTag),
		Detail: map[string]interface{}{
			"app":                appName,
			"image":              result.ImageName,
			"tag":                result.ImageTag,
			"processing_time_ms": result.ProcessingTimeMs,
		},
	})
	return result
}

func (o *Orchestrator) runStage(ctx context.Context, req StageRequest) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.timeoutFor(req.Stage))
	defer cancel()

	output, err := o.runner.Run(stageCtx, req)
	if err != nil {
		return output, stageError(stageCtx, err)
	}
	return output, nil
}

// stageError maps a deadline-exceeded context onto the stable "timeout"
// error so callers can distinguish slow stages from broken ones.
func stageError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.New("timeout")
	}
	return err
}

func (o *Orchestrator) writeWorkspace(workDir string, files map[string]string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	for path, content := range files {
		full := filepath.Join(workDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

func (o *Orchestrator) imageName(appName string) string {
	if o.cfg.Registry == "" {
		return appName
	}
	return o.cfg.Registry + "/" + appName
}

var (
	passRe = regexp.MustCompile(`(?i)(\d+)\s*pass`)
	failRe = regexp.MustCompile(`(?i)(\d+)\s*fail`)
)

// parseTestResults extracts pass/fail counts from test output. Nil when the
// output carries neither marker.
func parseTestResults(output string) *TestResults {
	passMatch := passRe.FindStringSubmatch(output)
	failMatch := failRe.FindStringSubmatch(output)
	if passMatch == nil && failMatch == nil {
		return nil
	}

	passed, failed := 0, 0
	if passMatch != nil {
		passed, _ = strconv.Atoi(passMatch[1])
	}
	if failMatch != nil {
		failed, _ = strconv.Atoi(failMatch[1])
	}
	return &TestResults{
		Passed:  passed,
		Failed:  failed,
		Total:   passed + failed,
		Success: failed == 0,
	}
}

func (o *Orchestrator) emitStageChange(appName string, stage Stage) {
	o.notify(events.Event{
		Type:    events.BuildStageChange,
		Summary: fmt.Sprintf("build of %s entered stage %s", appName, stage),
		Detail:  map[string]interface{}{"app": appName, "stage": string(stage)},
	})
}

func (o *Orchestrator) emitLog(appName string, stage Stage, output string) {
	o.notify(events.Event{
		Type:    events.BuildLog,
		Summary: fmt.Sprintf("%s stage output", stage),
		Detail:  map[string]interface{}{"app": appName, "stage": string(stage), "output": output},
	})
}

func (o *Orchestrator) emitError(appName string, result Result) {
	o.logger.Error("build failed",
		zap.String("app", appName),
		zap.String("stage", string(result.Stage)),
		zap.String("error", result.Error),
	)
	o.notify(events.Event{
		Type:    events.BuildError,
		Summary: fmt.Sprintf("build of %s failed at stage %s: %s", appName, result.Stage, result.Error),
		Detail:  map[string]interface{}{"app": appName, "stage": string(result.Stage), "error": result.Error},
	})
}
