package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/incident"
)

// LockExpirer expires lapsed edit locks. Satisfied by *editlock.Manager.
type LockExpirer interface {
	ExpireStale() (int, error)
}

// Task is one recurring maintenance job. Schedule is either a Go duration
// ("10m") or a standard cron expression ("0 3 * * *").
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	createdAt time.Time
	lastRunAt *time.Time
}

// Maintenance runs registered tasks on their schedules. The loop ticks every
// 30 seconds and dispatches whatever is due, anchored on each task's last run.
type Maintenance struct {
	logger *zap.Logger

	mu     sync.Mutex
	tasks  []*Task
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewMaintenance builds an empty maintenance runner.
func NewMaintenance(logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{logger: logger.Named("maintenance")}
}

// Add registers a task. Invalid schedules are rejected.
func (m *Maintenance) Add(name, schedule string, run func(ctx context.Context) error) error {
	if _, err := isScheduleDue(schedule, nil, time.Now().UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, &Task{
		Name:      name,
		Schedule:  schedule,
		Run:       run,
		createdAt: time.Now().UTC(),
	})
	m.mu.Unlock()
	return nil
}

// Start starts the maintenance loop. Safe to call once.
func (m *Maintenance) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ticker != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.ticker = time.NewTicker(30 * time.Second)
	ticker := m.ticker
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				m.runOnce(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop stops the loop and waits for in-flight tasks.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if m.ticker == nil {
		m.mu.Unlock()
		return
	}
	m.ticker.Stop()
	m.ticker = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Maintenance) runOnce(ctx context.Context, now time.Time) {
	m.mu.Lock()
	tasks := make([]*Task, len(m.tasks))
	copy(tasks, m.tasks)
	m.mu.Unlock()

	for _, task := range tasks {
		due, err := isScheduleDue(task.Schedule, task.lastRunAt, task.createdAt, now)
		if err != nil {
			m.logger.Warn("invalid task schedule",
				zap.String("task", task.Name),
				zap.String("schedule", task.Schedule),
				zap.Error(err),
			)
			continue
		}
		if !due {
			continue
		}

		ranAt := now
		task.lastRunAt = &ranAt
		if err := task.Run(ctx); err != nil {
			m.logger.Warn("maintenance task failed", zap.String("task", task.Name), zap.Error(err))
			continue
		}
		m.logger.Debug("maintenance task completed", zap.String("task", task.Name))
	}
}

// isScheduleDue reports whether a schedule has elapsed since its anchor.
// Duration specs take precedence; anything else parses as standard cron.
func isScheduleDue(schedule string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}

// ExpireLocksTask expires stale edit locks.
func ExpireLocksTask(locks LockExpirer, logger *zap.Logger) func(ctx context.Context) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context) error {
		n, err := locks.ExpireStale()
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("expired stale edit locks", zap.Int("count", n))
		}
		return nil
	}
}

// PruneTimelineTask removes timeline entries older than retention.
func PruneTimelineTask(incidents *incident.Store, retention time.Duration, logger *zap.Logger) func(ctx context.Context) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context) error {
		n, err := incidents.PruneTimeline(time.Now().UTC().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("pruned timeline entries", zap.Int("count", n))
		}
		return nil
	}
}

// OrphanScanTask re-runs the startup sweep to catch claims orphaned while
// the daemon was running.
func OrphanScanTask(sweeper *Sweeper) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	}
}
