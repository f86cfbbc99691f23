package devcycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/build"
	"github.com/chronos-ops/chronos/internal/events"
)

// Builder runs a build pipeline over a cycle's implemented files.
// Satisfied by *build.Orchestrator.
type Builder interface {
	Build(ctx context.Context, files map[string]string, appName string) build.Result
}

// Worker advances open cycles whose implementation has landed. An external
// agent drops the fix into workspaceRoot/<cycle-id>/; the worker then runs
// the build pipeline and completes or retries the cycle. Cycles without a
// workspace stay parked in their current phase.
type Worker struct {
	store         *Store
	builder       Builder
	workspaceRoot string
	interval      time.Duration
	notify        func(events.Event)
	logger        *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewWorker builds a cycle worker. notify may be nil; interval zero means 30s.
func NewWorker(store *Store, builder Builder, workspaceRoot string, interval time.Duration, notify func(events.Event), logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if notify == nil {
		notify = func(events.Event) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:         store,
		builder:       builder,
		workspaceRoot: workspaceRoot,
		interval:      interval,
		notify:        notify,
		logger:        logger.Named("cycleworker"),
	}
}

// Start begins the polling loop. Safe to call once.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.ticker != nil {
		w.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.ticker = time.NewTicker(w.interval)
	ticker := w.ticker
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := w.ProcessOnce(loopCtx); err != nil {
					w.logger.Warn("cycle pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.ticker == nil {
		w.mu.Unlock()
		return
	}
	w.ticker.Stop()
	w.ticker = nil
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// ProcessOnce runs one pass over the open cycles.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	cycles, err := w.store.Interrupted()
	if err != nil {
		return fmt.Errorf("list open cycles: %w", err)
	}
	for _, c := range cycles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.processCycle(ctx, c); err != nil {
			w.logger.Warn("cycle processing failed",
				zap.String("cycle_id", c.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (w *Worker) processCycle(ctx context.Context, c Cycle) error {
	workspace := filepath.Join(w.workspaceRoot, c.ID)
	files, err := loadWorkspace(workspace)
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	if len(files) == 0 {
		// Implementation not landed yet.
		return nil
	}

	if c.Iterations >= c.MaxIterations {
		return w.fail(c, fmt.Sprintf("iteration budget exhausted (limit %d)", c.MaxIterations))
	}

	if err := w.store.SetPhase(c.ID, PhaseBuilding, true); err != nil {
		return err
	}

	appName := appNameFor(c)
	result := w.builder.Build(ctx, files, appName)
	if !result.Success {
		retries := c.PhaseRetries
		if retries == nil {
			retries = map[Phase]int{}
		}
		retries[PhaseBuilding]++
		if err := w.store.SetPhaseRetries(c.ID, retries); err != nil {
			w.logger.Warn("persist cycle retries failed", zap.Error(err))
		}

		if c.Iterations+1 >= c.MaxIterations {
			return w.fail(c, fmt.Sprintf("build failed at stage %s: %s", result.Stage, result.Error))
		}
		// Back to implementing for another attempt.
		w.logger.Info("cycle build failed, returning to implementation",
			zap.String("cycle_id", c.ID),
			zap.String("stage", string(result.Stage)),
			zap.Int("iteration", c.Iterations+1),
		)
		return w.store.SetPhase(c.ID, PhaseImplementing, false)
	}

	if err := w.store.SetPhase(c.ID, PhaseCompleted, false); err != nil {
		return err
	}
	if err := os.RemoveAll(workspace); err != nil {
		w.logger.Warn("workspace cleanup failed", zap.String("dir", workspace), zap.Error(err))
	}
	w.logger.Info("cycle completed",
		zap.String("cycle_id", c.ID),
		zap.String("image", result.ImageName),
		zap.String("tag", result.ImageTag),
	)
	w.notify(events.Event{
		Type:       events.CycleCompleted,
		IncidentID: c.IncidentID,
		Summary:    fmt.Sprintf("development cycle %s completed: %s:%s", c.ID, result.ImageName, result.ImageTag),
		Detail:     map[string]interface{}{"cycle_id": c.ID, "image": result.ImageName, "tag": result.ImageTag},
	})
	return nil
}

func (w *Worker) fail(c Cycle, reason string) error {
	if err := w.store.SetPhase(c.ID, PhaseFailed, false); err != nil {
		return err
	}
	w.logger.Warn("cycle failed",
		zap.String("cycle_id", c.ID),
		zap.String("reason", reason),
	)
	w.notify(events.Event{
		Type:       events.CycleFailed,
		IncidentID: c.IncidentID,
		Summary:    fmt.Sprintf("development cycle %s failed: %s", c.ID, reason),
		Detail:     map[string]interface{}{"cycle_id": c.ID, "reason": reason},
	})
	return nil
}

func appNameFor(c Cycle) string {
	serviceType := strings.TrimSpace(c.ServiceType)
	if serviceType == "" {
		serviceType = "app"
	}
	short := c.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return serviceType + "-" + short
}

// loadWorkspace reads the cycle workspace into a file map. Hidden entries and
// dependency directories are skipped.
func loadWorkspace(dir string) (map[string]string, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", dir)
	}

	files := make(map[string]string)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			if strings.HasPrefix(name, ".") || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
