// Package maintenance provides scheduled maintenance tasks for clusterscope.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/internal/config"
)

// DefaultInitialDelay is the wait before the first run after start.
const DefaultInitialDelay = 5 * time.Minute

// Service handles scheduled maintenance tasks: failing stuck scenarios, purging
// abandoned workspaces and checking production integrity.
type Service struct {
	log               zerolog.Logger
	lastRunTime       time.Time
	clustering        *clustering.Service
	config            *config.Config
	stopCh            chan struct{}
	doneCh            chan struct{}
	lastOrphanCount   int
	lastRunDuration   time.Duration
	initialDelay      time.Duration
	totalRuns         int64
	totalFailedStuck  int64
	totalPurgedSpaces int64
	mu                sync.Mutex
	running           bool
	stopped           bool
}

// NewService creates a new maintenance service.
func NewService(svc *clustering.Service, cfg *config.Config, log zerolog.Logger) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{
		clustering:   svc,
		config:       cfg,
		initialDelay: DefaultInitialDelay,
		log:          log.With().Str("component", "maintenance").Logger(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetInitialDelay changes the wait before the first run. Call before Start.
func (s *Service) SetInitialDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialDelay = d
}

// Start runs the maintenance loop until ctx is cancelled or Stop is called. It
// blocks; call it from a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	delay := s.initialDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if !s.config.MaintenanceEnabled {
		s.log.Info().Msg("Maintenance disabled, not starting scheduler")
		return
	}

	interval := max(s.config.MaintenanceInterval, time.Minute)

	s.log.Info().
		Dur("interval", interval).
		Dur("stuck_scenario_age", s.config.StuckScenarioAge).
		Dur("stale_workspace_age", s.config.StaleWorkspaceAge).
		Msg("Starting maintenance scheduler")

	// Let the runner finish its startup purge and first poll.
	initial := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		initial.Stop()
		return
	case <-s.stopCh:
		initial.Stop()
		return
	case <-initial.C:
	}
	s.runMaintenance(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// Stop signals the maintenance service to stop. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// Wait waits for the maintenance loop to finish. It returns at once if Start was
// never called.
func (s *Service) Wait() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		<-s.doneCh
	}
}

// runMaintenance executes all maintenance tasks. A failing task is logged and the
// rest still run.
func (s *Service) runMaintenance(ctx context.Context) {
	start := time.Now()
	s.log.Debug().Msg("Starting maintenance run")

	// Task 1: fail scenarios whose run died with its process
	failed, err := s.clustering.FailStuckScenarios(ctx, s.config.StuckScenarioAge)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to release stuck scenarios")
	} else if failed > 0 {
		s.log.Info().Int("failed", failed).Msg("Released stuck scenarios")
	}

	// Task 2: drop workspaces no queued or running scenario owns any more
	purged, err := s.clustering.Store().PurgeStaleWorkspaces(ctx, s.config.StaleWorkspaceAge)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to purge stale workspaces")
	} else if purged > 0 {
		s.log.Info().Int64("purged", purged).Msg("Purged stale workspaces")
	}

	// Task 3: integrity check, report only
	orphans := -1
	report, err := s.clustering.FindOrphans(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to check production integrity")
	} else {
		orphans = len(report.Orphans)
	}

	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastRunDuration = time.Since(start)
	s.totalRuns++
	s.totalFailedStuck += int64(failed)
	s.totalPurgedSpaces += purged
	s.lastOrphanCount = orphans
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", time.Since(start)).
		Int("stuck_failed", failed).
		Int64("workspaces_purged", purged).
		Int("orphans", orphans).
		Msg("Maintenance run completed")
}

// Stats returns maintenance statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"enabled":             s.config.MaintenanceEnabled,
		"interval":            s.config.MaintenanceInterval.String(),
		"stuck_scenario_age":  s.config.StuckScenarioAge.String(),
		"stale_workspace_age": s.config.StaleWorkspaceAge.String(),
		"last_run":            s.lastRunTime,
		"last_duration_ms":    s.lastRunDuration.Milliseconds(),
		"last_orphan_count":   s.lastOrphanCount,
		"total_runs":          s.totalRuns,
		"total_stuck_failed":  s.totalFailedStuck,
		"total_purged":        s.totalPurgedSpaces,
		"running":             s.running,
	}
}

// RunNow runs the maintenance tasks once, synchronously.
func (s *Service) RunNow(ctx context.Context) {
	s.runMaintenance(ctx)
}
