// Package recovery restores in-flight work after a daemon restart and runs
// the periodic maintenance sweeps (stale locks, orphaned claims, timeline
// retention).
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/devcycle"
	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/ooda"
)

// Resumer re-enters an interrupted investigation at its persisted phase.
// Satisfied by *investigation.Orchestrator.
type Resumer interface {
	Resume(ctx context.Context, incidentID string, state ooda.State, phaseRetries map[ooda.State]int) error
	InstanceID() string
}

// CycleResumer re-queues interrupted development cycles.
// Satisfied by *devcycle.Queue.
type CycleResumer interface {
	ResumeInterrupted() ([]devcycle.Cycle, error)
}

// Config tunes the startup sweep.
type Config struct {
	// StaleThreshold is how old an investigation heartbeat may be before the
	// claim counts as orphaned.
	StaleThreshold time.Duration
}

// DefaultConfig returns the standard recovery parameters.
func DefaultConfig() Config {
	return Config{StaleThreshold: 60 * time.Second}
}

// SweepResult summarizes one startup sweep.
type SweepResult struct {
	// Resumed investigations re-entered at their persisted phase.
	Resumed int
	// Cleared incidents whose claim was orphaned in a terminal or idle phase.
	Cleared int
	// Cycles re-queued by the development cycle queue.
	Cycles int
}

// Sweeper performs the startup recovery sweep.
type Sweeper struct {
	cfg       Config
	incidents *incident.Store
	resumer   Resumer
	cycles    CycleResumer
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewSweeper builds a startup sweeper. cycles may be nil.
func NewSweeper(cfg Config, incidents *incident.Store, resumer Resumer, cycles CycleResumer, logger *zap.Logger) *Sweeper {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cfg:       cfg,
		incidents: incidents,
		resumer:   resumer,
		cycles:    cycles,
		logger:    logger.Named("recovery"),
	}
}

// Sweep finds investigations orphaned by a crash and resumes them with their
// retry counters intact. Terminal-phase orphans only have their claim
// cleared. Resumes run in background goroutines; Wait blocks on them.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	interrupted, err := s.incidents.Interrupted(s.cfg.StaleThreshold)
	if err != nil {
		return result, err
	}

	for _, inc := range interrupted {
		if inc.State == ooda.StateIdle || inc.State.Terminal() {
			if err := s.clearClaim(inc.ID); err != nil {
				s.logger.Warn("clear orphaned claim failed",
					zap.String("incident_id", inc.ID), zap.Error(err))
				continue
			}
			result.Cleared++
			continue
		}

		s.logger.Info("resuming interrupted investigation",
			zap.String("incident_id", inc.ID),
			zap.String("state", string(inc.State)),
		)
		result.Resumed++
		incID, state, retries := inc.ID, inc.State, inc.PhaseRetries
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.resumer.Resume(ctx, incID, state, retries); err != nil {
				s.logger.Warn("resume failed", zap.String("incident_id", incID), zap.Error(err))
			}
		}()
	}

	if s.cycles != nil {
		resumed, err := s.cycles.ResumeInterrupted()
		if err != nil {
			s.logger.Warn("resume development cycles failed", zap.Error(err))
		} else {
			result.Cycles = len(resumed)
		}
	}

	return result, nil
}

// Wait blocks until every resumed investigation reaches a terminal state.
func (s *Sweeper) Wait() { s.wg.Wait() }

// clearClaim takes over a stale claim and releases it. Claims held by a live
// instance are left alone.
func (s *Sweeper) clearClaim(incidentID string) error {
	claimed, err := s.incidents.ClaimInvestigation(incidentID, s.resumer.InstanceID(), s.cfg.StaleThreshold)
	if err != nil || !claimed {
		return err
	}
	return s.incidents.ReleaseInvestigation(incidentID, s.resumer.InstanceID())
}
