package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/internal/config"
	"github.com/thebtf/clusterscope/internal/db/memdb"
	"github.com/thebtf/clusterscope/pkg/models"
)

func newTestService(t *testing.T, cfg *config.Config, store *memdb.Store) (*Service, *clustering.Service) {
	t.Helper()
	svc := clustering.NewService(store, clustering.DefaultConfig(), zerolog.Nop())
	return NewService(svc, cfg, zerolog.Nop()), svc
}

func TestRunNow_FailsStuckScenariosAndPurgesWorkspaces(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := memdb.New(memdb.WithClock(func() time.Time { return clock }))
	_, err := store.UpsertEntities(ctx, []*models.Entity{
		{ID: "p1", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)

	cfg := config.Default()
	m, svc := newTestService(t, cfg, store)

	sc, err := svc.CreateScenario(ctx, clustering.CreateScenarioRequest{EntityType: "problem", KValue: 1, SimilarityThreshold: 0.5})
	require.NoError(t, err)
	moved, err := store.TransitionScenario(ctx, sc.ID, models.ScenarioPending, models.ScenarioProcessing, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, moved)

	// Opened 24h ago by the store clock.
	clock = time.Now().Add(-24 * time.Hour)
	_, err = store.OpenWorkspace(ctx, models.EntityTypeProblem)
	require.NoError(t, err)
	clock = time.Now()
	_, err = store.OpenWorkspace(ctx, models.EntityTypeProblem)
	require.NoError(t, err)

	m.RunNow(ctx)

	got, err := store.GetScenario(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioFailed, got.Status)
	assert.Equal(t, 1, store.WorkspaceCount(), "the failed scenario's and the stale workspace are gone")

	stats := m.Stats()
	assert.Equal(t, int64(1), stats["total_runs"])
	assert.Equal(t, int64(1), stats["total_stuck_failed"])
	assert.Equal(t, int64(1), stats["total_purged"])
	assert.Equal(t, 0, stats["last_orphan_count"])
}

func TestRunNow_ReportsOrphans(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	_, err := store.UpsertEntities(ctx, []*models.Entity{
		{ID: "p1", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	_, err = store.StampEntities(ctx, 3, []models.EntityClusterUpdate{{EntityID: "p1", ClusterID: 9}})
	require.NoError(t, err)

	m, _ := newTestService(t, config.Default(), store)
	m.RunNow(ctx)
	assert.Equal(t, 1, m.Stats()["last_orphan_count"])
}

func TestStart_DisabledReturns(t *testing.T) {
	cfg := config.Default()
	cfg.MaintenanceEnabled = false
	m, _ := newTestService(t, cfg, memdb.New())

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return with maintenance disabled")
	}
	assert.Equal(t, int64(0), m.Stats()["total_runs"])
}

func TestStart_RunsAfterInitialDelayAndStops(t *testing.T) {
	m, _ := newTestService(t, config.Default(), memdb.New())
	m.SetInitialDelay(10 * time.Millisecond)

	go m.Start(context.Background())

	require.Eventually(t, func() bool {
		return m.Stats()["total_runs"] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()
	m.Wait()
	assert.Equal(t, false, m.Stats()["running"])
}

func TestStart_ContextCancelBeforeFirstRun(t *testing.T) {
	m, _ := newTestService(t, config.Default(), memdb.New())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	assert.Equal(t, int64(0), m.Stats()["total_runs"])
}

func TestStopBeforeStart(t *testing.T) {
	m, _ := newTestService(t, config.Default(), memdb.New())
	m.Stop()
	m.Start(context.Background())
	m.Wait()
	assert.Equal(t, false, m.Stats()["running"])
}
