package clustering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
	"github.com/thebtf/clusterscope/pkg/similarity"
)

// errScenarioGone means the scenario was deleted or left processing while it ran.
var errScenarioGone = errors.New("scenario deleted or no longer processing")

// RunnerConfig contains the background runner settings.
type RunnerConfig struct {
	// Concurrency is how many scenarios are clustered at once (default 2).
	Concurrency int
	// PollInterval is how often pending scenarios are re-discovered (default 30s).
	PollInterval time.Duration
	// QueueSize buffers ids handed over by CreateScenario (default 64).
	QueueSize int
	// StaleWorkspaceAge is the age past which leftover workspaces are purged at start (default 6h).
	StaleWorkspaceAge time.Duration
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Concurrency:       2,
		PollInterval:      30 * time.Second,
		QueueSize:         64,
		StaleWorkspaceAge: 6 * time.Hour,
	}
}

// Runner executes pending scenarios in the background, one worker per scenario.
type Runner struct {
	svc      *Service
	sem      *semaphore.Weighted
	queue    chan string
	inflight map[string]struct{}
	stopCh   chan struct{}
	logger   zerolog.Logger
	cfg      RunnerConfig
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewRunner creates a runner for the service's store.
func NewRunner(svc *Service, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StaleWorkspaceAge <= 0 {
		cfg.StaleWorkspaceAge = def.StaleWorkspaceAge
	}
	return &Runner{
		svc:      svc,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		queue:    make(chan string, cfg.QueueSize),
		inflight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		cfg:      cfg,
		logger:   logger.With().Str("component", "scenario-runner").Logger(),
	}
}

// Enqueue hands a scenario to the runner without blocking. When the queue is full
// the id is dropped and the next poll picks it up.
func (r *Runner) Enqueue(scenarioID string) {
	select {
	case r.queue <- scenarioID:
	default:
		r.logger.Debug().Str("scenario_id", scenarioID).Msg("Runner queue full, deferring to poll")
	}
}

// Start runs the dispatch loop until ctx is done or Stop is called. Call from a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info().
		Int("concurrency", r.cfg.Concurrency).
		Dur("poll_interval", r.cfg.PollInterval).
		Msg("Scenario runner started")

	if n, err := r.svc.store.PurgeStaleWorkspaces(ctx, r.cfg.StaleWorkspaceAge); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to purge stale workspaces")
	} else if n > 0 {
		r.logger.Info().Int64("sessions", n).Msg("Purged stale workspaces")
	}
	r.poll(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Scenario runner stopping (context done)")
			return
		case <-r.stopCh:
			r.logger.Info().Msg("Scenario runner stopping (stop signal)")
			return
		case id := <-r.queue:
			r.dispatch(ctx, id)
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// Stop signals the dispatch loop to exit. Runs already started continue; use Wait.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// poll enqueues pending scenarios, recovering work queued before a restart.
func (r *Runner) poll(ctx context.Context) {
	ids, err := r.svc.store.ListPendingScenarioIDs(ctx, cap(r.queue))
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Failed to list pending scenarios")
		}
		return
	}
	for _, id := range ids {
		r.Enqueue(id)
	}
}

func (r *Runner) dispatch(ctx context.Context, id string) {
	r.mu.Lock()
	if _, busy := r.inflight[id]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[id] = struct{}{}
	r.mu.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.forget(id)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer r.forget(id)
		if err := r.Run(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("scenario_id", id).Msg("Scenario run failed")
		}
	}()
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// Run claims one pending scenario and clusters it to a terminal state. Losing the
// claim to another worker, or a scenario deleted mid-run, is not an error. A failed
// run is recorded on the scenario and also returned. A run cut short by ctx goes
// back to pending with its workspace intact, so the next worker clusters the same
// items.
func (r *Runner) Run(ctx context.Context, scenarioID string) error {
	store := r.svc.store
	claimed, err := store.TransitionScenario(ctx, scenarioID, models.ScenarioPending, models.ScenarioProcessing, r.svc.now())
	if errors.Is(err, db.ErrScenarioNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim scenario %s: %w", scenarioID, err)
	}
	if !claimed {
		return nil
	}

	sc, err := store.GetScenario(ctx, scenarioID)
	if errors.Is(err, db.ErrScenarioNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}

	logger := r.logger.With().
		Str("scenario_id", sc.ID).
		Str("entity_type", string(sc.EntityType)).
		Str("session_id", sc.SessionID).
		Logger()
	logger.Info().
		Int("k", sc.KValue).
		Float64("threshold", sc.SimilarityThreshold).
		Int("total_items", sc.TotalItems).
		Msg("Scenario run started")

	start := time.Now()
	ws, err := r.workspace(ctx, sc)
	var metrics *models.ScenarioMetrics
	if err == nil {
		metrics, err = r.execute(ctx, sc, ws, logger)
	}
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil && !errors.Is(err, errScenarioGone) {
		if r.requeue(ctx, sc.ID, logger) {
			return nil
		}
	}
	if ws != nil {
		defer func() {
			if err := ws.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("Failed to release workspace")
			}
		}()
	}

	switch {
	case err == nil:
		r.svc.ins.runFinished(ctx, sc.EntityType, true, elapsed)
		logger.Info().
			Int("total_items", metrics.TotalItems).
			Int("clusters", metrics.ClusterCount).
			Float64("outlier_pct", metrics.OutlierPercentage).
			Float64("improvement_pct", metrics.OutlierImprovementPercentage).
			Dur("elapsed", elapsed).
			Msg("Scenario completed")
		return nil
	case errors.Is(err, errScenarioGone):
		logger.Info().Dur("elapsed", elapsed).Msg("Scenario cancelled during run, results discarded")
		return nil
	}

	r.svc.ins.runFinished(ctx, sc.EntityType, false, elapsed)
	if !r.fail(ctx, sc, err, logger) {
		return nil
	}
	return err
}

// workspace returns the workspace snapshotted when the scenario was created.
// Scenarios queued before scenarios carried a session get a fresh snapshot.
func (r *Runner) workspace(ctx context.Context, sc *models.Scenario) (db.Workspace, error) {
	if sc.SessionID == "" {
		ws, err := r.svc.store.OpenWorkspace(ctx, sc.EntityType)
		if err != nil {
			return nil, fmt.Errorf("open workspace: %w", err)
		}
		return ws, nil
	}
	ws, err := r.svc.store.ResumeWorkspace(ctx, sc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resume workspace: %w", err)
	}
	return ws, nil
}

func (r *Runner) execute(ctx context.Context, sc *models.Scenario, ws db.Workspace, logger zerolog.Logger) (*models.ScenarioMetrics, error) {
	store := r.svc.store
	cfg := r.svc.Config()

	items, err := ws.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("load workspace items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoEmbeddings
	}
	if sc.SessionID != "" && len(items) != sc.TotalItems {
		return nil, fmt.Errorf("workspace %s holds %d items, scenario was created with %d", sc.SessionID, len(items), sc.TotalItems)
	}

	input := make([]similarity.Item, len(items))
	for i, it := range items {
		input[i] = similarity.Item{ID: it.EntityID, Vector: it.Embedding}
	}
	res, err := similarity.Cluster(ctx, input, sc.KValue, sc.SimilarityThreshold, cfg.Options)
	if errors.Is(err, similarity.ErrNotConverged) {
		return nil, &ConvergenceError{Err: err, Iterations: cfg.Options.MaxIterations, Retries: cfg.Options.MaxRetries}
	}
	if err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	logger.Debug().
		Int("items", len(items)).
		Int("iterations", res.Iterations).
		Int("retries", res.Retries).
		Msg("Clustering converged")

	clusters, assignments := summarize(sc.ID, items, res, cfg.SampleSize)
	if err := ws.SaveProvisional(ctx, assignments, clusters); err != nil {
		return nil, fmt.Errorf("save provisional results: %w", err)
	}

	snap, err := store.ProductionSnapshot(ctx, sc.EntityType)
	if err != nil {
		return nil, fmt.Errorf("snapshot production: %w", err)
	}
	metrics := computeMetrics(len(items), res.OutlierCount, res.ClusterCount(), res.Iterations, snap)

	result := &models.ScenarioResult{
		Clusters:    clusters,
		Assignments: assignments,
		Metrics:     metrics,
		CompletedAt: r.svc.now(),
	}
	err = store.WithinTx(ctx, func(tx db.Tx) error {
		cur, err := tx.LockScenario(ctx, sc.ID)
		if errors.Is(err, db.ErrScenarioNotFound) {
			return errScenarioGone
		}
		if err != nil {
			return err
		}
		if cur.Status != models.ScenarioProcessing {
			return errScenarioGone
		}
		return tx.SaveScenarioResult(ctx, sc.ID, result)
	})
	if err != nil {
		if errors.Is(err, errScenarioGone) {
			return nil, err
		}
		return nil, fmt.Errorf("save results: %w", err)
	}
	return &metrics, nil
}

// requeue returns an interrupted run to pending and reports whether it did. The
// workspace is kept for the next claim.
func (r *Runner) requeue(ctx context.Context, scenarioID string, logger zerolog.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	now := r.svc.now()
	err := r.svc.store.WithinTx(ctx, func(tx db.Tx) error {
		moved, err := tx.TransitionScenario(ctx, scenarioID, models.ScenarioProcessing, models.ScenarioPending, now)
		if err != nil {
			return err
		}
		if !moved {
			return errScenarioGone
		}
		note := fmt.Sprintf("Interrupted at %s, requeued", now.UTC().Format(time.RFC3339))
		return tx.AppendScenarioNote(ctx, scenarioID, now, note)
	})
	if err != nil {
		if !errors.Is(err, errScenarioGone) && !errors.Is(err, db.ErrScenarioNotFound) {
			logger.Error().Err(err).Msg("Failed to requeue interrupted scenario")
		}
		return false
	}
	logger.Info().Msg("Scenario interrupted, requeued")
	return true
}

// fail marks the scenario failed with a note and drops its workspace. Writes outlive
// ctx so a cancelled run still records why it stopped. It reports false when the
// scenario was deleted or had already left processing.
func (r *Runner) fail(ctx context.Context, sc *models.Scenario, cause error, logger zerolog.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	now := r.svc.now()
	var moved bool
	err := r.svc.store.WithinTx(ctx, func(tx db.Tx) error {
		var err error
		moved, err = tx.TransitionScenario(ctx, sc.ID, models.ScenarioProcessing, models.ScenarioFailed, now)
		if err != nil || !moved {
			return err
		}
		note := fmt.Sprintf("Failed at %s: %v", now.UTC().Format(time.RFC3339), cause)
		if err := tx.AppendScenarioNote(ctx, sc.ID, now, note); err != nil {
			return err
		}
		return tx.DropWorkspace(ctx, sc.SessionID)
	})
	switch {
	case errors.Is(err, db.ErrScenarioNotFound):
		logger.Info().AnErr("cause", cause).Msg("Scenario deleted before failure was recorded")
		return false
	case err != nil:
		logger.Error().Err(err).AnErr("cause", cause).Msg("Failed to mark scenario failed")
		return true
	case !moved:
		logger.Info().AnErr("cause", cause).Msg("Scenario left processing before failure was recorded")
		return false
	default:
		logger.Error().Err(cause).Msg("Scenario failed")
		return true
	}
}
