// Package memdb provides an in-memory implementation of the clusterscope stores.
//
// Every call made directly on a Store is atomic. WithinTx runs its callback against a
// private copy of the data and swaps it in only when the callback succeeds, so a
// failed transaction leaves no trace. Transactions are serialised: the callback must
// only use the Tx it is given, never the Store itself.
package memdb

import (
	"context"
	"sync"
	"time"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// Store is an in-memory db.Store.
type Store struct {
	data *data
	now  func() time.Time
	mu   sync.RWMutex
}

var _ db.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for workspace ages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{data: newData(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) view() *view {
	return &view{d: s.data, now: s.now}
}

// WithinTx runs fn against a copy of the data and commits it only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx db.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&view{d: work, now: s.now}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Scenario reads.

func (s *Store) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetScenario(ctx, id)
}

func (s *Store) LockScenario(ctx context.Context, id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().LockScenario(ctx, id)
}

func (s *Store) ListScenarios(ctx context.Context, filter models.ScenarioFilter) ([]*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListScenarios(ctx, filter)
}

func (s *Store) ListPendingScenarioIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListPendingScenarioIDs(ctx, limit)
}

func (s *Store) GetScenarioClusters(ctx context.Context, scenarioID string) ([]models.ScenarioCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetScenarioClusters(ctx, scenarioID)
}

func (s *Store) GetScenarioAssignments(ctx context.Context, scenarioID string) ([]models.ScenarioAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetScenarioAssignments(ctx, scenarioID)
}

// Scenario writes.

func (s *Store) CreateScenario(ctx context.Context, sc *models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateScenario(ctx, sc)
}

func (s *Store) TransitionScenario(ctx context.Context, id string, from, to models.ScenarioStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().TransitionScenario(ctx, id, from, to, at)
}

func (s *Store) SaveScenarioResult(ctx context.Context, id string, result *models.ScenarioResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SaveScenarioResult(ctx, id, result)
}

func (s *Store) AppendScenarioNote(ctx context.Context, id string, at time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().AppendScenarioNote(ctx, id, at, note)
}

func (s *Store) UpdateScenarioClusterLabel(ctx context.Context, scenarioID string, clusterID int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateScenarioClusterLabel(ctx, scenarioID, clusterID, label)
}

func (s *Store) DeleteScenario(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteScenario(ctx, id)
}

// Production reads.

func (s *Store) GetActiveVersion(ctx context.Context) (*models.ClusterVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetActiveVersion(ctx)
}

func (s *Store) GetVersion(ctx context.Context, version int) (*models.ClusterVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetVersion(ctx, version)
}

func (s *Store) ListVersions(ctx context.Context) ([]*models.ClusterVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListVersions(ctx)
}

func (s *Store) GetCentroids(ctx context.Context, version int, entityType models.EntityType) ([]*models.ClusterCentroid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetCentroids(ctx, version, entityType)
}

func (s *Store) ProductionSnapshot(ctx context.Context, entityType models.EntityType) (*models.ProductionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ProductionSnapshot(ctx, entityType)
}

func (s *Store) FindOrphanedClusters(ctx context.Context) ([]*models.OrphanedCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().FindOrphanedClusters(ctx)
}

// Production writes. Outside WithinTx each step commits on its own.

func (s *Store) LockPromotion(ctx context.Context) error { return ctx.Err() }

func (s *Store) NextVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().NextVersion(ctx)
}

func (s *Store) CreateVersion(ctx context.Context, v *models.ClusterVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateVersion(ctx, v)
}

func (s *Store) InsertCentroids(ctx context.Context, centroids []*models.ClusterCentroid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertCentroids(ctx, centroids)
}

func (s *Store) CopyCentroids(ctx context.Context, fromVersion, toVersion int, entityType models.EntityType, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CopyCentroids(ctx, fromVersion, toVersion, entityType, at)
}

func (s *Store) StampEntities(ctx context.Context, version int, updates []models.EntityClusterUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().StampEntities(ctx, version, updates)
}

func (s *Store) ClearUnstamped(ctx context.Context, entityType models.EntityType, version int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ClearUnstamped(ctx, entityType, version)
}

func (s *Store) RestampVersion(ctx context.Context, entityType models.EntityType, version int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().RestampVersion(ctx, entityType, version)
}

func (s *Store) ActivateVersion(ctx context.Context, version int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ActivateVersion(ctx, version, at)
}

func (s *Store) UpdateCentroidLabel(ctx context.Context, version int, entityType models.EntityType, clusterID int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateCentroidLabel(ctx, version, entityType, clusterID, label)
}

// Entities and candidates.

func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetEntity(ctx, id)
}

func (s *Store) ListEntities(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListEntities(ctx, entityType)
}

func (s *Store) UpsertEntities(ctx context.Context, entities []*models.Entity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertEntities(ctx, entities)
}

func (s *Store) ListSolutionCandidates(ctx context.Context) ([]*models.SolutionCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListSolutionCandidates(ctx)
}
