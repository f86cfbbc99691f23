// chronosd — the ChronosOps coordination daemon. It investigates incidents
// through the OODA loop, manages rollbacks and edit locks, builds code-fix
// cycles, and serves health, metrics and the MCP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chronos-ops/chronos/internal/build"
	"github.com/chronos-ops/chronos/internal/config"
	"github.com/chronos-ops/chronos/internal/devcycle"
	"github.com/chronos-ops/chronos/internal/diagnose"
	"github.com/chronos-ops/chronos/internal/editlock"
	"github.com/chronos-ops/chronos/internal/events"
	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/investigation"
	"github.com/chronos-ops/chronos/internal/mcpserver"
	"github.com/chronos-ops/chronos/internal/metrics"
	"github.com/chronos-ops/chronos/internal/observe"
	"github.com/chronos-ops/chronos/internal/ooda"
	"github.com/chronos-ops/chronos/internal/patterns"
	"github.com/chronos-ops/chronos/internal/recovery"
	"github.com/chronos-ops/chronos/internal/remedy"
	"github.com/chronos-ops/chronos/internal/rollback"
	"github.com/chronos-ops/chronos/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

const dispatchInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chronosd %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("trace provider shutdown failed", zap.Error(err))
		}
	}()

	// Stores.
	incidents, err := incident.NewStore(filepath.Join(cfg.DataDir, "incidents.db"))
	if err != nil {
		return fmt.Errorf("open incident store: %w", err)
	}
	defer incidents.Close()

	patternStore, err := patterns.NewStore(filepath.Join(cfg.DataDir, "patterns.db"))
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer patternStore.Close()

	rollbackStore, err := rollback.NewStore(filepath.Join(cfg.DataDir, "rollbacks.db"))
	if err != nil {
		return fmt.Errorf("open rollback store: %w", err)
	}
	defer rollbackStore.Close()

	lockStore, err := editlock.NewStore(filepath.Join(cfg.DataDir, "locks.db"))
	if err != nil {
		return fmt.Errorf("open lock store: %w", err)
	}
	defer lockStore.Close()

	cycleStore, err := devcycle.NewStore(filepath.Join(cfg.DataDir, "cycles.db"))
	if err != nil {
		return fmt.Errorf("open cycle store: %w", err)
	}
	defer cycleStore.Close()

	// Event bus and metrics.
	bus := events.NewBus(256)
	recorder := metrics.NewRecorder(bus, logger)
	defer recorder.Close()

	// Knowledge base.
	kb := patterns.NewKnowledgeBase(patternStore, logger)
	if cfg.Patterns.PackDir != "" {
		n, err := patterns.LoadPack(kb, cfg.Patterns.PackDir, logger)
		if err != nil {
			logger.Warn("pattern pack load failed", zap.String("dir", cfg.Patterns.PackDir), zap.Error(err))
		} else {
			logger.Info("pattern pack loaded", zap.Int("patterns", n))
		}
	}

	// Managers.
	locks := editlock.NewManager(cfg.LockSettings(), lockStore, bus.Publish, logger)
	rollbacks := rollback.NewManager(cfg.RollbackPolicy(), rollbackStore, nil, bus.Publish, logger)
	cycles := devcycle.NewQueue(cycleStore, bus.Publish, logger)

	// Build pipeline and cycle worker.
	stageRunner := build.NewExecRunner(nil, logger)
	imageBuilder := build.NewLocalImageBuilder(
		filepath.Join(cfg.DataDir, "images"),
		filepath.Join(cfg.DataDir, "registry"),
		logger,
	)
	builder := build.NewOrchestrator(cfg.BuildSettings(), stageRunner, imageBuilder, bus.Publish, logger)
	worker := devcycle.NewWorker(cycleStore, builder, filepath.Join(cfg.DataDir, "workspaces"), 0, bus.Publish, logger)
	worker.Start(ctx)
	defer worker.Stop()

	// Evidence collection.
	var sources []observe.Source
	for _, sc := range cfg.SQLSources {
		src, err := observe.NewSQLSource(sc, logger)
		if err != nil {
			logger.Warn("sql source rejected", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}
	collector := observe.NewCollector(sources, 0, logger)

	// Investigation loop.
	analyst := diagnose.NewAnalyst(kb, logger)
	executor := remedy.NewCommandExecutor(cfg.RemedyPolicy(), cfg.Remedy.Commands, logger)
	verifier := remedy.NewHTTPVerifier(cfg.Remedy.HealthURLTemplate, cfg.Remedy.VerifyChecks, cfg.VerifyInterval(), logger)
	orchestrator := investigation.NewOrchestrator(
		cfg.InvestigationSettings(),
		incidents, collector, analyst, executor, verifier,
		kb, rollbacks, cycles, bus, logger,
	)

	// Crash recovery and maintenance.
	sweeper := recovery.NewSweeper(cfg.RecoverySettings(), incidents, orchestrator, cycles, logger)
	if result, err := sweeper.Sweep(ctx); err != nil {
		logger.Warn("startup sweep failed", zap.Error(err))
	} else {
		logger.Info("startup sweep complete",
			zap.Int("resumed", result.Resumed),
			zap.Int("cleared", result.Cleared),
			zap.Int("cycles", result.Cycles),
		)
	}

	maintenance := recovery.NewMaintenance(logger)
	maintenanceTasks := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"expire-locks", cfg.Recovery.LockSweepSchedule, recovery.ExpireLocksTask(locks, logger)},
		{"orphan-scan", cfg.Recovery.OrphanScanSchedule, recovery.OrphanScanTask(sweeper)},
		{"prune-timeline", cfg.Recovery.PruneSchedule, recovery.PruneTimelineTask(incidents, cfg.TimelineRetention(), logger)},
	}
	for _, task := range maintenanceTasks {
		if err := maintenance.Add(task.name, task.schedule, task.run); err != nil {
			return fmt.Errorf("register maintenance task: %w", err)
		}
	}
	maintenance.Start(ctx)
	defer maintenance.Stop()

	// Dispatch investigations for new incidents.
	go dispatchLoop(ctx, incidents, orchestrator, logger)

	// HTTP surface: health, metrics, MCP.
	mcpserver.Version = version
	mcp := mcpserver.New(incidents, kb, rollbacks, filepath.Join(cfg.DataDir, "postmortems"), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/mcp", mcp.Handler())
	mux.Handle("/mcp/", mcp.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chronosd listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("version", version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	sweeper.Wait()
	return nil
}

// dispatchLoop launches investigations for active unclaimed incidents. Claim
// conflicts between instances resolve inside the store, so a racing dispatch
// just logs and moves on.
func dispatchLoop(ctx context.Context, incidents *incident.Store, orchestrator *investigation.Orchestrator, logger *zap.Logger) {
	var mu sync.Mutex
	inFlight := make(map[string]bool)

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := incidents.List(incident.Filter{Status: incident.StatusActive})
		if err != nil {
			logger.Warn("list active incidents failed", zap.Error(err))
			continue
		}

		for _, inc := range active {
			if inc.IsInvestigating || inc.State != ooda.StateIdle {
				continue
			}
			mu.Lock()
			if inFlight[inc.ID] {
				mu.Unlock()
				continue
			}
			inFlight[inc.ID] = true
			mu.Unlock()

			go func(id string) {
				defer func() {
					mu.Lock()
					delete(inFlight, id)
					mu.Unlock()
				}()
				if err := orchestrator.Investigate(ctx, id); err != nil {
					logger.Warn("investigation ended with error",
						zap.String("incident_id", id),
						zap.Error(err),
					)
				}
			}(inc.ID)
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
