// Package clustering runs scenario-based clustering and promotes scenarios to
// versioned production clustering.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
	"github.com/thebtf/clusterscope/pkg/similarity"
)

// Config contains the service's tunables. Every field can change at runtime.
type Config struct {
	Options    similarity.Options
	MaxK       int
	SampleSize int
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Options:    similarity.DefaultOptions(),
		MaxK:       500,
		SampleSize: 5,
	}
}

// Enqueuer accepts scenario ids for background clustering.
type Enqueuer interface {
	Enqueue(scenarioID string)
}

// CreateScenarioRequest holds the parameters of a new scenario.
type CreateScenarioRequest struct {
	EntityType          string  `json:"entity_type"`
	RequestedBy         string  `json:"requested_by,omitempty"`
	Notes               string  `json:"notes,omitempty"`
	KValue              int     `json:"k_value"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// SweepRequest is a parameter grid: one scenario is created per (k, threshold) pair.
type SweepRequest struct {
	EntityType  string    `json:"entity_type" yaml:"entity_type"`
	RequestedBy string    `json:"requested_by,omitempty" yaml:"requested_by"`
	KValues     []int     `json:"k_values" yaml:"k_values"`
	Thresholds  []float64 `json:"thresholds" yaml:"thresholds"`
}

// OrphanReport lists entities whose production cluster has no centroid at their version.
type OrphanReport struct {
	CheckedAt time.Time                 `json:"checked_at"`
	ByVersion map[int]int               `json:"by_version,omitempty"`
	Orphans   []*models.OrphanedCluster `json:"orphans"`
}

// Service is the entry point for scenario and production clustering operations.
type Service struct {
	store    db.Store
	enqueuer Enqueuer
	ins      *instruments
	tracer   trace.Tracer
	now      func() time.Time
	logger   zerolog.Logger
	cfg      Config
	mu       sync.RWMutex
}

// NewService creates a new clustering service.
func NewService(store db.Store, cfg Config, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "clustering").Logger()
	return &Service{
		store:  store,
		cfg:    cfg,
		ins:    newInstruments(logger),
		tracer: otel.Tracer(meterName),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetEnqueuer connects the background runner. Without one, created scenarios wait for
// the runner's poll.
func (s *Service) SetEnqueuer(e Enqueuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueuer = e
}

// Config returns the current tunables.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig replaces the tunables. Runs already in flight keep the values they started with.
func (s *Service) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.logger.Info().
		Int("max_k", cfg.MaxK).
		Int("max_iterations", cfg.Options.MaxIterations).
		Int("max_retries", cfg.Options.MaxRetries).
		Float64("seed_separation", cfg.Options.SeedSeparation).
		Msg("Clustering config updated")
}

// Store returns the underlying store.
func (s *Service) Store() db.Store { return s.store }

// validate checks scenario parameters and returns the parsed entity type.
func (s *Service) validate(entityType string, k int, threshold float64) (models.EntityType, error) {
	t, err := models.ParseEntityType(strings.TrimSpace(entityType))
	if err != nil {
		return "", &ValidationError{Field: "entity_type", Reason: err.Error()}
	}
	if k < 1 {
		return "", &ValidationError{Field: "k_value", Reason: fmt.Sprintf("must be at least 1, got %d", k)}
	}
	if maxK := s.Config().MaxK; maxK > 0 && k > maxK {
		return "", &ValidationError{Field: "k_value", Reason: fmt.Sprintf("must be at most %d, got %d", maxK, k)}
	}
	if math.IsNaN(threshold) || threshold <= 0 || threshold > 1 {
		return "", &ValidationError{Field: "similarity_threshold", Reason: fmt.Sprintf("must be in (0, 1], got %v", threshold)}
	}
	return t, nil
}

// CreateScenario validates the request, stores a pending scenario and hands it to the
// runner. It returns as soon as the scenario is queued.
func (s *Service) CreateScenario(ctx context.Context, req CreateScenarioRequest) (*models.Scenario, error) {
	entityType, err := s.validate(req.EntityType, req.KValue, req.SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, entityType, req.KValue, req.SimilarityThreshold, req.RequestedBy, req.Notes)
}

func (s *Service) create(ctx context.Context, entityType models.EntityType, k int, threshold float64, requestedBy, notes string) (*models.Scenario, error) {
	now := s.now()
	sc := &models.Scenario{
		ID:                  uuid.NewString(),
		EntityType:          entityType,
		Status:              models.ScenarioPending,
		KValue:              k,
		SimilarityThreshold: threshold,
		RequestedAt:         now,
		RequestedBy:         strings.TrimSpace(requestedBy),
	}
	if strings.TrimSpace(notes) != "" {
		sc.Notes = models.AppendNote("", now, notes)
	}

	// The workspace is filled in the creating transaction, so the run clusters the
	// entities that existed when the scenario was requested, not when it was claimed.
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		sc.SessionID = uuid.NewString()
		n, err := tx.SnapshotWorkspace(ctx, sc.SessionID, entityType)
		if err != nil {
			return err
		}
		sc.TotalItems = n
		return tx.CreateScenario(ctx, sc)
	})
	if err != nil {
		return nil, fmt.Errorf("create scenario: %w", err)
	}

	s.ins.scenarioCreated(ctx, entityType)
	s.logger.Info().
		Str("scenario_id", sc.ID).
		Str("entity_type", string(entityType)).
		Int("k", k).
		Float64("threshold", threshold).
		Int("total_items", sc.TotalItems).
		Msg("Scenario queued")

	s.mu.RLock()
	e := s.enqueuer
	s.mu.RUnlock()
	if e != nil {
		e.Enqueue(sc.ID)
	}
	return sc, nil
}

// Sweep creates one scenario per (k, threshold) pair. The whole grid is validated
// before anything is created.
func (s *Service) Sweep(ctx context.Context, req SweepRequest) ([]*models.Scenario, error) {
	if len(req.KValues) == 0 {
		return nil, &ValidationError{Field: "k_values", Reason: "at least one value is required"}
	}
	if len(req.Thresholds) == 0 {
		return nil, &ValidationError{Field: "thresholds", Reason: "at least one value is required"}
	}
	var entityType models.EntityType
	for _, k := range req.KValues {
		for _, t := range req.Thresholds {
			et, err := s.validate(req.EntityType, k, t)
			if err != nil {
				return nil, err
			}
			entityType = et
		}
	}

	created := make([]*models.Scenario, 0, len(req.KValues)*len(req.Thresholds))
	for _, k := range req.KValues {
		for _, t := range req.Thresholds {
			sc, err := s.create(ctx, entityType, k, t, req.RequestedBy, "")
			if err != nil {
				return created, err
			}
			created = append(created, sc)
		}
	}
	return created, nil
}

// GetScenario returns a scenario. Clusters with their samples are included once it is completed.
func (s *Service) GetScenario(ctx context.Context, id string) (*models.ScenarioDetails, error) {
	sc, err := s.store.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}
	details := &models.ScenarioDetails{Scenario: sc}
	if sc.Status == models.ScenarioCompleted {
		if details.Clusters, err = s.store.GetScenarioClusters(ctx, id); err != nil {
			return nil, fmt.Errorf("load clusters of scenario %s: %w", id, err)
		}
	}
	return details, nil
}

// ListScenarios lists scenarios, newest first.
func (s *Service) ListScenarios(ctx context.Context, filter models.ScenarioFilter) ([]*models.Scenario, error) {
	if filter.EntityType != "" && !filter.EntityType.Valid() {
		return nil, &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", filter.EntityType)}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return s.store.ListScenarios(ctx, filter)
}

// DeleteScenario removes a scenario with its clusters and assignments. Deleting a
// pending or processing scenario cancels it; the runner drops its results. The
// scenario behind the active production version is only deleted with force.
func (s *Service) DeleteScenario(ctx context.Context, id string, force bool) error {
	var status models.ScenarioStatus
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		sc, err := tx.LockScenario(ctx, id)
		if err != nil {
			return err
		}
		status = sc.Status

		if sc.Status == models.ScenarioCompleted && !force {
			active, err := tx.GetActiveVersion(ctx)
			switch {
			case errors.Is(err, db.ErrVersionNotFound):
			case err != nil:
				return err
			case active.SourceScenarioID == id:
				return fmt.Errorf("%w: version %d", ErrScenarioInUse, active.Version)
			}
		}
		if err := tx.DropWorkspace(ctx, sc.SessionID); err != nil {
			return err
		}
		return tx.DeleteScenario(ctx, id)
	})
	if err != nil {
		return err
	}

	event := s.logger.Info().Str("scenario_id", id).Str("status", string(status))
	if status.IsTerminal() {
		event.Msg("Scenario deleted")
	} else {
		event.Msg("Scenario cancelled")
	}
	return nil
}

// LabelScenarioCluster writes an externally produced label onto a scenario cluster.
func (s *Service) LabelScenarioCluster(ctx context.Context, scenarioID string, clusterID int, label string) error {
	label, err := validLabel(clusterID, label)
	if err != nil {
		return err
	}
	return s.store.UpdateScenarioClusterLabel(ctx, scenarioID, clusterID, label)
}

// LabelProductionCluster writes an externally produced label onto a production cluster
// and the entities stamped with it.
func (s *Service) LabelProductionCluster(ctx context.Context, version int, entityType models.EntityType, clusterID int, label string) error {
	if !entityType.Valid() {
		return &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	label, err := validLabel(clusterID, label)
	if err != nil {
		return err
	}
	return s.store.WithinTx(ctx, func(tx db.Tx) error {
		return tx.UpdateCentroidLabel(ctx, version, entityType, clusterID, label)
	})
}

func validLabel(clusterID int, label string) (string, error) {
	if clusterID == models.OutlierClusterID {
		return "", &ValidationError{Field: "cluster_id", Reason: "the outlier bucket cannot be relabelled"}
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return "", &ValidationError{Field: "label", Reason: "must not be empty"}
	}
	return label, nil
}

// Promote applies a completed scenario to production as a new active version.
// Either every step lands or none does.
func (s *Service) Promote(ctx context.Context, scenarioID string) (*models.PromotionResult, error) {
	sc, err := s.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if sc.Status != models.ScenarioCompleted {
		return nil, &PromotionPreconditionError{ScenarioID: scenarioID, Status: sc.Status}
	}

	ctx, span := s.tracer.Start(ctx, "clustering.Promote", trace.WithAttributes(promotionAttrs(sc)...))
	defer span.End()

	start := time.Now()
	var result *models.PromotionResult
	err = s.store.WithinTx(ctx, func(tx db.Tx) error {
		var err error
		result, err = applyScenario(ctx, tx, scenarioID, s.now())
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		s.logger.Error().Err(err).Str("scenario_id", scenarioID).Msg("Promotion rolled back")
		return nil, fmt.Errorf("promote scenario %s: %w", scenarioID, err)
	}

	s.ins.promoted(ctx, result.EntityType)
	s.logger.Info().
		Str("scenario_id", scenarioID).
		Int("version", result.NewVersion).
		Int("previous_version", result.PreviousVersion).
		Int("entities_updated", result.EntitiesUpdated).
		Int("entities_cleared", result.EntitiesCleared).
		Int("centroids_copied", result.CentroidsCopied).
		Dur("elapsed", time.Since(start)).
		Msg("Scenario applied to production")
	return result, nil
}

// Rollback re-promotes the scenario that produced an older version. History is never
// rewritten: the rollback becomes a new version.
func (s *Service) Rollback(ctx context.Context, version int) (*models.PromotionResult, error) {
	v, err := s.store.GetVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if v.IsActive {
		return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("version %d is already active", version)}
	}
	if v.SourceScenarioID == "" {
		return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("version %d has no source scenario", version)}
	}
	return s.Promote(ctx, v.SourceScenarioID)
}

// GetActiveVersion returns the active production version.
func (s *Service) GetActiveVersion(ctx context.Context) (*models.ClusterVersion, error) {
	return s.store.GetActiveVersion(ctx)
}

// GetVersion returns one production version.
func (s *Service) GetVersion(ctx context.Context, version int) (*models.ClusterVersion, error) {
	return s.store.GetVersion(ctx, version)
}

// ListVersions returns the version history, newest first.
func (s *Service) ListVersions(ctx context.Context) ([]*models.ClusterVersion, error) {
	return s.store.ListVersions(ctx)
}

// GetCentroids returns the centroids of a version. An empty entityType returns all types.
func (s *Service) GetCentroids(ctx context.Context, version int, entityType models.EntityType) ([]*models.ClusterCentroid, error) {
	if entityType != "" && !entityType.Valid() {
		return nil, &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	if _, err := s.store.GetVersion(ctx, version); err != nil {
		return nil, err
	}
	return s.store.GetCentroids(ctx, version, entityType)
}

// FindOrphans reports entities whose production cluster has no centroid at their
// stamped version. It is a diagnostic and never blocks other operations.
func (s *Service) FindOrphans(ctx context.Context) (*OrphanReport, error) {
	orphans, err := s.store.FindOrphanedClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("find orphaned clusters: %w", err)
	}
	report := &OrphanReport{CheckedAt: s.now(), Orphans: orphans}
	if len(orphans) > 0 {
		report.ByVersion = make(map[int]int)
		for _, o := range orphans {
			report.ByVersion[o.ClusterVersion]++
		}
		s.ins.orphansFound(ctx, len(orphans))
		s.logger.Warn().Int("orphans", len(orphans)).Msg("Orphaned production clusters detected")
	}
	return report, nil
}

// CheckIntegrity returns an *OrphanedClusterInvariantViolation when orphans exist.
func (s *Service) CheckIntegrity(ctx context.Context) error {
	report, err := s.FindOrphans(ctx)
	if err != nil {
		return err
	}
	if len(report.Orphans) > 0 {
		return &OrphanedClusterInvariantViolation{Report: report}
	}
	return nil
}

// FailStuckScenarios marks processing scenarios started before now-olderThan as
// failed. A run that outlives its process leaves the scenario processing forever;
// this releases it so it can be deleted or re-created. Returns the number failed.
func (s *Service) FailStuckScenarios(ctx context.Context, olderThan time.Duration) (int, error) {
	processing, err := s.store.ListScenarios(ctx, models.ScenarioFilter{Status: models.ScenarioProcessing})
	if err != nil {
		return 0, fmt.Errorf("list processing scenarios: %w", err)
	}

	now := s.now()
	cutoff := now.Add(-olderThan)
	failed := 0
	for _, sc := range processing {
		if sc.StartedAt == nil || !sc.StartedAt.Before(cutoff) {
			continue
		}
		var moved bool
		err := s.store.WithinTx(ctx, func(tx db.Tx) error {
			var err error
			moved, err = tx.TransitionScenario(ctx, sc.ID, models.ScenarioProcessing, models.ScenarioFailed, now)
			if err != nil || !moved {
				return err
			}
			note := fmt.Sprintf("Failed at %s: still processing after %s", now.Format(time.RFC3339), olderThan)
			if err := tx.AppendScenarioNote(ctx, sc.ID, now, note); err != nil {
				return err
			}
			return tx.DropWorkspace(ctx, sc.SessionID)
		})
		switch {
		case errors.Is(err, db.ErrScenarioNotFound):
			continue
		case err != nil:
			return failed, fmt.Errorf("fail scenario %s: %w", sc.ID, err)
		}
		if moved {
			failed++
			s.logger.Warn().
				Str("scenario_id", sc.ID).
				Time("started_at", *sc.StartedAt).
				Msg("Stuck scenario marked failed")
		}
	}
	return failed, nil
}
