package memdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

func seedEntities(t *testing.T, s *Store, entities ...*models.Entity) {
	t.Helper()
	_, err := s.UpsertEntities(context.Background(), entities)
	require.NoError(t, err)
}

func newScenario(id string) *models.Scenario {
	return &models.Scenario{
		ID:                  id,
		EntityType:          models.EntityTypeProblem,
		Status:              models.ScenarioPending,
		KValue:              3,
		SimilarityThreshold: 0.5,
		RequestedAt:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStore_ScenarioLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateScenario(ctx, newScenario("s1")))

	now := time.Now().UTC()
	ok, err := s.TransitionScenario(ctx, "s1", models.ScenarioPending, models.ScenarioProcessing, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim loses the race without error.
	ok, err = s.TransitionScenario(ctx, "s1", models.ScenarioPending, models.ScenarioProcessing, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TransitionScenario(ctx, "s1", models.ScenarioCompleted, models.ScenarioProcessing, now)
	assert.ErrorIs(t, err, db.ErrInvalidTransition)

	err = s.SaveScenarioResult(ctx, "s1", &models.ScenarioResult{
		Clusters:    []models.ScenarioCluster{{ClusterID: 1, ItemCount: 2}},
		Assignments: []models.ScenarioAssignment{{EntityID: "b", ClusterID: 1}, {EntityID: "a", ClusterID: 1}},
		Metrics:     models.ScenarioMetrics{TotalItems: 2, ClusterCount: 1},
		CompletedAt: now,
	})
	require.NoError(t, err)

	got, err := s.GetScenario(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioCompleted, got.Status)
	assert.Equal(t, 2, got.TotalItems)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	assignments, err := s.GetScenarioAssignments(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "a", assignments[0].EntityID)
	assert.Equal(t, "s1", assignments[0].ScenarioID)

	// Completed scenarios cannot complete again.
	err = s.SaveScenarioResult(ctx, "s1", &models.ScenarioResult{})
	assert.ErrorIs(t, err, db.ErrInvalidTransition)

	require.NoError(t, s.DeleteScenario(ctx, "s1"))
	_, err = s.GetScenarioClusters(ctx, "s1")
	assert.ErrorIs(t, err, db.ErrScenarioNotFound)
}

func TestStore_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateScenario(ctx, newScenario("s1")))

	got, err := s.GetScenario(ctx, "s1")
	require.NoError(t, err)
	got.Status = models.ScenarioFailed

	again, err := s.GetScenario(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioPending, again.Status)
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedEntities(t, s, &models.Entity{ID: "p1", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}})

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx db.Tx) error {
		require.NoError(t, tx.CreateVersion(ctx, &models.ClusterVersion{Version: 1, EntityType: models.EntityTypeProblem}))
		_, err := tx.StampEntities(ctx, 1, []models.EntityClusterUpdate{{EntityID: "p1", ClusterID: 1, Label: "A"}})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	versions, err := s.ListVersions(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)

	e, err := s.GetEntity(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, e.ClusterID, "stamp must not survive the rollback")
}

func TestStore_PromotionPrimitives(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedEntities(t, s,
		&models.Entity{ID: "p1", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}},
		&models.Entity{ID: "p2", Type: models.EntityTypeProblem, Embedding: []float32{0, 1}},
	)
	at := time.Now().UTC()

	err := s.WithinTx(ctx, func(tx db.Tx) error {
		v, err := tx.NextVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		require.NoError(t, tx.CreateVersion(ctx, &models.ClusterVersion{Version: v, EntityType: models.EntityTypeProblem, CreatedAt: at}))
		require.NoError(t, tx.InsertCentroids(ctx, []*models.ClusterCentroid{
			{Version: v, EntityType: models.EntityTypeProblem, ClusterID: 1, Label: "A"},
			{Version: v, EntityType: models.EntityTypeProblem, ClusterID: 0, IsOutlierBucket: true, Label: models.OutlierLabel},
		}))
		_, err = tx.StampEntities(ctx, v, []models.EntityClusterUpdate{
			{EntityID: "p1", ClusterID: 1, Label: "A", Similarity: 0.9},
			{EntityID: "p2", ClusterID: 0, Label: models.OutlierLabel, Similarity: 0.1},
		})
		require.NoError(t, err)
		return tx.ActivateVersion(ctx, v, at)
	})
	require.NoError(t, err)

	active, err := s.GetActiveVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	snap, err := s.ProductionSnapshot(ctx, models.EntityTypeProblem)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalItems)
	assert.Equal(t, 1, snap.OutlierCount)

	orphans, err := s.FindOrphanedClusters(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	require.NoError(t, s.UpdateCentroidLabel(ctx, 1, models.EntityTypeProblem, 1, "Billing"))
	e, err := s.GetEntity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Billing", *e.ClusterLabel)

	assert.ErrorIs(t, s.UpdateCentroidLabel(ctx, 1, models.EntityTypeProblem, 9, "x"), db.ErrClusterNotFound)
}

func TestStore_FindOrphanedClusters(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedEntities(t, s, &models.Entity{ID: "p1", Type: models.EntityTypeProblem})

	require.NoError(t, s.CreateVersion(ctx, &models.ClusterVersion{Version: 1}))
	_, err := s.StampEntities(ctx, 1, []models.EntityClusterUpdate{{EntityID: "p1", ClusterID: 4, Label: "ghost"}})
	require.NoError(t, err)

	orphans, err := s.FindOrphanedClusters(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "p1", orphans[0].EntityID)
	assert.Equal(t, 4, orphans[0].ClusterID)
	assert.Equal(t, 1, orphans[0].ClusterVersion)
}

func TestStore_UpsertPreservesProductionColumns(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedEntities(t, s, &models.Entity{ID: "p1", Type: models.EntityTypeProblem, Title: "old"})
	_, err := s.StampEntities(ctx, 1, []models.EntityClusterUpdate{{EntityID: "p1", ClusterID: 2, Label: "B"}})
	require.NoError(t, err)

	seedEntities(t, s, &models.Entity{ID: "p1", Type: models.EntityTypeProblem, Title: "new"})
	e, err := s.GetEntity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new", e.Title)
	require.NotNil(t, e.ClusterID)
	assert.Equal(t, 2, *e.ClusterID)

	_, err = s.UpsertEntities(ctx, []*models.Entity{{ID: "x", Type: "idea"}})
	assert.Error(t, err)
}

func TestStore_Workspace(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return clock }))
	seedEntities(t, s,
		&models.Entity{ID: "b", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}},
		&models.Entity{ID: "a", Type: models.EntityTypeProblem, Embedding: []float32{0, 1}},
		&models.Entity{ID: "no-vector", Type: models.EntityTypeProblem},
		&models.Entity{ID: "sol", Type: models.EntityTypeSolution, Embedding: []float32{1, 1}},
	)

	ws, err := s.OpenWorkspace(ctx, models.EntityTypeProblem)
	require.NoError(t, err)
	assert.NotEmpty(t, ws.SessionID())

	items, err := ws.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].EntityID, "items are ordered by id")

	require.NoError(t, ws.SaveProvisional(ctx, []models.ScenarioAssignment{{EntityID: "a", ClusterID: 1}}, nil))
	assert.Equal(t, 1, s.WorkspaceCount())

	require.NoError(t, ws.Release(ctx))
	require.NoError(t, ws.Release(ctx))
	assert.Equal(t, 0, s.WorkspaceCount())

	_, err = ws.Items(ctx)
	assert.ErrorIs(t, err, db.ErrWorkspaceReleased)

	// Stale sweep only removes old workspaces.
	_, err = s.OpenWorkspace(ctx, models.EntityTypeProblem)
	require.NoError(t, err)
	clock = clock.Add(2 * time.Hour)
	_, err = s.OpenWorkspace(ctx, models.EntityTypeSolution)
	require.NoError(t, err)

	purged, err := s.PurgeStaleWorkspaces(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 1, s.WorkspaceCount())
}

func TestStore_SnapshotWorkspaceInTx(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return clock }))
	seedEntities(t, s,
		&models.Entity{ID: "a", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}},
		&models.Entity{ID: "b", Type: models.EntityTypeProblem, Embedding: []float32{0, 1}},
	)

	// A failed creating transaction leaves no workspace behind.
	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx db.Tx) error {
		n, err := tx.SnapshotWorkspace(ctx, "rolled-back", models.EntityTypeProblem)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, s.WorkspaceCount())

	sc := newScenario("s1")
	sc.SessionID = "owned"
	require.NoError(t, s.WithinTx(ctx, func(tx db.Tx) error {
		n, err := tx.SnapshotWorkspace(ctx, sc.SessionID, models.EntityTypeProblem)
		if err != nil {
			return err
		}
		sc.TotalItems = n
		return tx.CreateScenario(ctx, sc)
	}))
	_, err = s.SnapshotWorkspace(ctx, "owned", models.EntityTypeProblem)
	assert.Error(t, err, "session ids are not reused")

	// Later imports do not reach the snapshot.
	seedEntities(t, s, &models.Entity{ID: "c", Type: models.EntityTypeProblem, Embedding: []float32{1, 1}})
	ws, err := s.ResumeWorkspace(ctx, "owned")
	require.NoError(t, err)
	items, err := ws.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = s.ResumeWorkspace(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrWorkspaceReleased)

	// A queued scenario's workspace survives the stale sweep; an orphaned one does not.
	_, err = s.SnapshotWorkspace(ctx, "orphan", models.EntityTypeProblem)
	require.NoError(t, err)
	clock = clock.Add(24 * time.Hour)
	purged, err := s.PurgeStaleWorkspaces(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 1, s.WorkspaceCount())

	ok, err := s.TransitionScenario(ctx, "s1", models.ScenarioPending, models.ScenarioFailed, clock)
	require.NoError(t, err)
	require.True(t, ok)
	purged, err = s.PurgeStaleWorkspaces(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged, "a failed scenario no longer owns its workspace")

	require.NoError(t, s.DropWorkspace(ctx, "never-existed"))
}

func TestStore_RequeueClearsStartedAt(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateScenario(ctx, newScenario("s1")))
	now := time.Now().UTC()

	ok, err := s.TransitionScenario(ctx, "s1", models.ScenarioPending, models.ScenarioProcessing, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionScenario(ctx, "s1", models.ScenarioProcessing, models.ScenarioPending, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetScenario(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioPending, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestStore_ListSolutionCandidates(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedEntities(t, s,
		&models.Entity{ID: "s1", Type: models.EntityTypeSolution, Viability: 0.8, LTV: 900, CAC: 300},
		&models.Entity{ID: "s2", Type: models.EntityTypeSolution, HasProduct: true},
		&models.Entity{ID: "p1", Type: models.EntityTypeProblem},
		&models.Entity{ID: "p2", Type: models.EntityTypeProblem},
		&models.Entity{ID: "p3", Type: models.EntityTypeProblem},
	)
	_, err := s.StampEntities(ctx, 1, []models.EntityClusterUpdate{
		{EntityID: "s1", ClusterID: 1, Label: "Billing"},
		{EntityID: "p1", ClusterID: 2, Label: "Billing"},
		{EntityID: "p2", ClusterID: 2, Label: "Billing"},
		{EntityID: "p3", ClusterID: 0, Label: models.OutlierLabel},
		{EntityID: "s2", ClusterID: 0, Label: models.OutlierLabel},
	})
	require.NoError(t, err)

	candidates, err := s.ListSolutionCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "s1", candidates[0].EntityID)
	assert.Equal(t, "Billing", candidates[0].ClusterLabel)
	assert.Equal(t, 2, candidates[0].ProblemCount)

	assert.Equal(t, "s2", candidates[1].EntityID)
	assert.Empty(t, candidates[1].ClusterLabel, "outliers carry no label")
	assert.Equal(t, 0, candidates[1].ProblemCount)
	assert.True(t, candidates[1].HasProduct)
}
