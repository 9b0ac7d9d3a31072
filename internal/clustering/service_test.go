package clustering

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/internal/db/memdb"
	"github.com/thebtf/clusterscope/pkg/models"
	"github.com/thebtf/clusterscope/pkg/similarity"
)

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	store    *faultyStore
	svc      *Service
	runner   *Runner
	enqueuer *recordingEnqueuer
	clock    time.Time
	clockMu  sync.Mutex
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = &faultyStore{Store: memdb.New()}

	cfg := DefaultConfig()
	cfg.MaxK = 50
	s.svc = NewService(s.store, cfg, quietLogger())
	s.svc.now = func() time.Time {
		s.clockMu.Lock()
		defer s.clockMu.Unlock()
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}
	s.enqueuer = &recordingEnqueuer{}
	s.svc.SetEnqueuer(s.enqueuer)
	s.runner = NewRunner(s.svc, DefaultRunnerConfig(), quietLogger())
}

func (s *ServiceSuite) loadProblems() []*models.Entity {
	entities := groupedEntities(models.EntityTypeProblem, "p", 42, 16, 0, 34, 33, 33)
	_, err := s.store.UpsertEntities(s.ctx, entities)
	s.Require().NoError(err)
	return entities
}

func (s *ServiceSuite) loadSolutions() []*models.Entity {
	entities := groupedEntities(models.EntityTypeSolution, "s", 7, 16, 5, 10, 10)
	_, err := s.store.UpsertEntities(s.ctx, entities)
	s.Require().NoError(err)
	return entities
}

// completed creates and runs a scenario to completion.
func (s *ServiceSuite) completed(entityType models.EntityType, k int, threshold float64) *models.Scenario {
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{
		EntityType:          string(entityType),
		KValue:              k,
		SimilarityThreshold: threshold,
		RequestedBy:         "analyst",
	})
	s.Require().NoError(err)
	s.Require().NoError(s.runner.Run(s.ctx, sc.ID))

	got, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ScenarioCompleted, got.Status)
	return got
}

func (s *ServiceSuite) TestCreateScenario_RejectsInvalidParameters() {
	cases := []struct {
		req   CreateScenarioRequest
		field string
	}{
		{CreateScenarioRequest{EntityType: "problem", KValue: 5, SimilarityThreshold: 1.5}, "similarity_threshold"},
		{CreateScenarioRequest{EntityType: "problem", KValue: 5, SimilarityThreshold: 0}, "similarity_threshold"},
		{CreateScenarioRequest{EntityType: "problem", KValue: 5, SimilarityThreshold: math.NaN()}, "similarity_threshold"},
		{CreateScenarioRequest{EntityType: "problem", KValue: 0, SimilarityThreshold: 0.5}, "k_value"},
		{CreateScenarioRequest{EntityType: "problem", KValue: 51, SimilarityThreshold: 0.5}, "k_value"},
		{CreateScenarioRequest{EntityType: "idea", KValue: 3, SimilarityThreshold: 0.5}, "entity_type"},
	}
	for _, tc := range cases {
		_, err := s.svc.CreateScenario(s.ctx, tc.req)
		var verr *ValidationError
		s.Require().True(errors.As(err, &verr), "request %+v", tc.req)
		s.Equal(tc.field, verr.Field)
	}

	all, err := s.svc.ListScenarios(s.ctx, models.ScenarioFilter{})
	s.Require().NoError(err)
	s.Empty(all, "rejected requests store nothing")
	s.Empty(s.enqueuer.IDs(), "rejected requests enqueue nothing")
}

func (s *ServiceSuite) TestCreateScenario_QueuesPending() {
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{
		EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5, Notes: "baseline",
	})
	s.Require().NoError(err)
	s.Equal(models.ScenarioPending, sc.Status)
	s.Equal([]string{sc.ID}, s.enqueuer.IDs())
	s.Contains(sc.Notes, "baseline")

	details, err := s.svc.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioPending, details.Scenario.Status)
	s.Empty(details.Clusters)
}

func (s *ServiceSuite) TestRun_ThreeTightGroups() {
	s.loadProblems()
	sc := s.completed(models.EntityTypeProblem, 3, 0.5)

	s.Equal(100, sc.TotalItems)
	s.Equal(0, sc.OutlierCount)
	s.Equal(3, sc.ClusterCount)
	s.Equal(0.0, sc.OutlierPercentage)
	s.Equal(100.0, sc.ProductionOutlierPercentage, "nothing is in production yet")
	s.Equal(100.0, sc.OutlierImprovementPercentage)
	s.NotNil(sc.StartedAt)
	s.NotNil(sc.CompletedAt)

	details, err := s.svc.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Require().Len(details.Clusters, 3)
	for _, c := range details.Clusters {
		s.False(c.IsOutlierBucket)
		s.InDelta(33, c.ItemCount, 1)
		s.LessOrEqual(len(c.SampleTitles), 5)
		s.NotEmpty(c.PrimaryIndustry)
		s.GreaterOrEqual(c.MaxSimilarity, c.AvgSimilarity)
		s.GreaterOrEqual(c.AvgSimilarity, c.MinSimilarity)
		s.GreaterOrEqual(c.MinSimilarity, 0.5)
	}

	assignments, err := s.store.GetScenarioAssignments(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Len(assignments, 100)
	s.Zero(s.store.WorkspaceCount(), "workspace released after completion")
}

func (s *ServiceSuite) TestRun_SurplusKStaysWithGroups() {
	s.loadProblems()
	sc := s.completed(models.EntityTypeProblem, 10, 0.5)

	s.LessOrEqual(sc.ClusterCount, 3)
	details, err := s.svc.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	total := sc.OutlierCount
	for _, c := range details.Clusters {
		if !c.IsOutlierBucket {
			total += c.ItemCount
		}
	}
	s.Equal(sc.TotalItems, total)
}

func (s *ServiceSuite) TestRun_NoEmbeddingsFails() {
	_, err := s.store.UpsertEntities(s.ctx, []*models.Entity{{ID: "p1", Type: models.EntityTypeProblem, Title: "bare"}})
	s.Require().NoError(err)

	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 2, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	err = s.runner.Run(s.ctx, sc.ID)
	s.ErrorIs(err, ErrNoEmbeddings)

	got, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioFailed, got.Status)
	s.Contains(got.Notes, "Failed at ")
	s.Contains(got.Notes, ErrNoEmbeddings.Error())
	s.Zero(s.store.WorkspaceCount())
}

func (s *ServiceSuite) TestRun_NonConvergenceFails() {
	s.loadProblems()
	cfg := s.svc.Config()
	cfg.Options = similarity.Options{MaxIterations: 1, MaxRetries: 0}
	s.svc.UpdateConfig(cfg)

	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	err = s.runner.Run(s.ctx, sc.ID)
	var cerr *ConvergenceError
	s.Require().True(errors.As(err, &cerr))
	s.ErrorIs(err, similarity.ErrNotConverged)

	got, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioFailed, got.Status)
	s.Equal(100, got.TotalItems, "fixed at creation")
	s.Zero(got.ClusterCount, "no partial result is written")
	clusters, err := s.store.GetScenarioClusters(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Empty(clusters)
}

func (s *ServiceSuite) TestRun_ClaimIsExclusive() {
	s.loadProblems()
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.runner.Run(s.ctx, sc.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		s.NoError(err)
	}

	got, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioCompleted, got.Status)
	assignments, err := s.store.GetScenarioAssignments(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Len(assignments, 100)
}

func (s *ServiceSuite) TestRun_DeletedScenarioDiscardsResults() {
	s.loadProblems()
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	s.store.onResume = func() {
		s.Require().NoError(s.svc.DeleteScenario(s.ctx, sc.ID, false))
	}
	s.NoError(s.runner.Run(s.ctx, sc.ID))

	_, err = s.store.GetScenario(s.ctx, sc.ID)
	s.ErrorIs(err, db.ErrScenarioNotFound)
	_, err = s.store.GetScenarioClusters(s.ctx, sc.ID)
	s.ErrorIs(err, db.ErrScenarioNotFound)
	s.Zero(s.store.WorkspaceCount())
}

func (s *ServiceSuite) TestRun_ClustersEntitiesPresentAtCreation() {
	s.loadProblems()
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)
	s.Equal(100, sc.TotalItems)
	s.NotEmpty(sc.SessionID)

	// Imported after the scenario was requested.
	late := groupedEntities(models.EntityTypeProblem, "late", 99, 16, 0, 20)
	_, err = s.store.UpsertEntities(s.ctx, late)
	s.Require().NoError(err)

	s.Require().NoError(s.runner.Run(s.ctx, sc.ID))

	got, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioCompleted, got.Status)
	s.Equal(100, got.TotalItems)

	assignments, err := s.store.GetScenarioAssignments(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Len(assignments, 100)
	for _, a := range assignments {
		s.False(strings.HasPrefix(a.EntityID, "late-"), "entity %s was imported after creation", a.EntityID)
	}
	s.Zero(s.store.WorkspaceCount())
}

func (s *ServiceSuite) TestRun_InterruptedRunIsRequeued() {
	s.loadProblems()
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.store.onResume = cancel
	s.NoError(s.runner.Run(ctx, sc.ID))
	s.store.onResume = nil

	got, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioPending, got.Status)
	s.Nil(got.StartedAt)
	s.Contains(got.Notes, "Interrupted at ")
	s.Contains(got.Notes, "requeued")
	s.Equal(1, s.store.WorkspaceCount(), "workspace kept for the next claim")

	ids, err := s.store.ListPendingScenarioIDs(s.ctx, 10)
	s.Require().NoError(err)
	s.Contains(ids, sc.ID)

	s.Require().NoError(s.runner.Run(s.ctx, sc.ID))
	got, err = s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioCompleted, got.Status)
	s.Equal(100, got.TotalItems)
	s.Zero(s.store.WorkspaceCount())
}

func (s *ServiceSuite) TestPromote_RejectsNonCompleted() {
	s.loadProblems()
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	_, err = s.svc.Promote(s.ctx, sc.ID)
	var perr *PromotionPreconditionError
	s.Require().True(errors.As(err, &perr))
	s.Equal(models.ScenarioPending, perr.Status)

	versions, err := s.svc.ListVersions(s.ctx)
	s.Require().NoError(err)
	s.Empty(versions)
	_, err = s.svc.GetActiveVersion(s.ctx)
	s.ErrorIs(err, db.ErrVersionNotFound)
}

func (s *ServiceSuite) TestPromote_StampsEntitiesAndActivates() {
	entities := s.loadProblems()
	sc := s.completed(models.EntityTypeProblem, 3, 0.5)

	result, err := s.svc.Promote(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(1, result.NewVersion)
	s.Equal(0, result.PreviousVersion)
	s.Equal(100, result.EntitiesUpdated)

	active, err := s.svc.GetActiveVersion(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, active.Version)
	s.Equal(sc.ID, active.SourceScenarioID)
	s.NotNil(active.ActivatedAt)

	centroids, err := s.svc.GetCentroids(s.ctx, 1, models.EntityTypeProblem)
	s.Require().NoError(err)
	s.Len(centroids, 3)

	assignments, err := s.store.GetScenarioAssignments(s.ctx, sc.ID)
	s.Require().NoError(err)
	want := make(map[string]int, len(assignments))
	for _, a := range assignments {
		want[a.EntityID] = a.ClusterID
	}
	for _, e := range entities {
		got, err := s.store.GetEntity(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Require().NotNil(got.ClusterID)
		s.Equal(want[e.ID], *got.ClusterID)
		s.Equal(1, *got.ClusterVersion)
		s.Equal(models.DefaultClusterLabel(*got.ClusterID), *got.ClusterLabel)
	}

	after, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Contains(after.Notes, "Applied to production at ")
	s.Contains(after.Notes, "as version 1")
	s.Equal(sc.OutlierPercentage, after.OutlierPercentage, "metrics are frozen")

	s.NoError(s.svc.CheckIntegrity(s.ctx))
}

func (s *ServiceSuite) TestPromote_TwiceYieldsSameAssignments() {
	entities := s.loadProblems()
	sc := s.completed(models.EntityTypeProblem, 3, 0.5)

	mapping := func() map[string]int {
		out := make(map[string]int, len(entities))
		for _, e := range entities {
			got, err := s.store.GetEntity(s.ctx, e.ID)
			s.Require().NoError(err)
			s.Require().NotNil(got.ClusterID)
			out[e.ID] = *got.ClusterID
		}
		return out
	}

	_, err := s.svc.Promote(s.ctx, sc.ID)
	s.Require().NoError(err)
	first := mapping()

	result, err := s.svc.Promote(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(2, result.NewVersion)
	s.Equal(first, mapping())

	old, err := s.svc.GetCentroids(s.ctx, 1, models.EntityTypeProblem)
	s.Require().NoError(err)
	s.Len(old, 3, "superseded centroids stay readable by version")
	s.NoError(s.svc.CheckIntegrity(s.ctx))
}

func (s *ServiceSuite) TestPromote_CarriesOtherTypeForward() {
	s.loadProblems()
	s.loadSolutions()
	problems := s.completed(models.EntityTypeProblem, 3, 0.5)
	solutions := s.completed(models.EntityTypeSolution, 2, 0.5)

	_, err := s.svc.Promote(s.ctx, problems.ID)
	s.Require().NoError(err)
	result, err := s.svc.Promote(s.ctx, solutions.ID)
	s.Require().NoError(err)
	s.Equal(2, result.NewVersion)
	s.Equal(1, result.PreviousVersion)
	s.Equal(3, result.CentroidsCopied)

	all, err := s.svc.GetCentroids(s.ctx, 2, "")
	s.Require().NoError(err)
	s.Len(all, 5)

	p, err := s.store.GetEntity(s.ctx, "p-g0-00")
	s.Require().NoError(err)
	s.Equal(2, *p.ClusterVersion, "problems move to the new version")

	versions, err := s.svc.ListVersions(s.ctx)
	s.Require().NoError(err)
	activeCount := 0
	for _, v := range versions {
		if v.IsActive {
			activeCount++
		}
	}
	s.Equal(1, activeCount)
	s.NoError(s.svc.CheckIntegrity(s.ctx))
}

func (s *ServiceSuite) TestPromote_FailureRollsBackEverything() {
	s.loadProblems()
	sc := s.completed(models.EntityTypeProblem, 3, 0.5)

	s.store.activateErr = errors.New("disk full")
	_, err := s.svc.Promote(s.ctx, sc.ID)
	s.Require().Error(err)
	s.Contains(err.Error(), "disk full")

	versions, err := s.svc.ListVersions(s.ctx)
	s.Require().NoError(err)
	s.Empty(versions)
	e, err := s.store.GetEntity(s.ctx, "p-g0-00")
	s.Require().NoError(err)
	s.Nil(e.ClusterID)
	s.Nil(e.ClusterVersion)

	after, err := s.store.GetScenario(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.NotContains(after.Notes, "Applied to production")

	s.store.activateErr = nil
	result, err := s.svc.Promote(s.ctx, sc.ID)
	s.Require().NoError(err)
	s.Equal(1, result.NewVersion, "the failed attempt consumed no version")
}

func (s *ServiceSuite) TestMetrics_SnapshotProductionAndStayFrozen() {
	s.loadProblems()
	first := s.completed(models.EntityTypeProblem, 1, 0.5)
	s.Greater(first.OutlierCount, 0)

	_, err := s.svc.Promote(s.ctx, first.ID)
	s.Require().NoError(err)

	second := s.completed(models.EntityTypeProblem, 3, 0.5)
	s.Equal(first.OutlierPercentage, second.ProductionOutlierPercentage)
	s.Equal(second.ProductionOutlierPercentage-second.OutlierPercentage, second.OutlierImprovementPercentage)
	s.Greater(second.OutlierImprovementPercentage, 0.0)

	_, err = s.svc.Promote(s.ctx, second.ID)
	s.Require().NoError(err)

	again, err := s.store.GetScenario(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(100.0, again.ProductionOutlierPercentage, "frozen at completion, not recomputed")
}

func (s *ServiceSuite) TestDelete_ActiveScenarioNeedsForce() {
	s.loadProblems()
	sc := s.completed(models.EntityTypeProblem, 3, 0.5)
	_, err := s.svc.Promote(s.ctx, sc.ID)
	s.Require().NoError(err)

	err = s.svc.DeleteScenario(s.ctx, sc.ID, false)
	s.ErrorIs(err, ErrScenarioInUse)

	s.Require().NoError(s.svc.DeleteScenario(s.ctx, sc.ID, true))
	_, err = s.svc.GetScenario(s.ctx, sc.ID)
	s.ErrorIs(err, db.ErrScenarioNotFound)

	active, err := s.svc.GetActiveVersion(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, active.Version, "production is unaffected")
	s.NoError(s.svc.CheckIntegrity(s.ctx))
}

func (s *ServiceSuite) TestDelete_PendingIsCancellation() {
	sc, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)
	s.Equal(1, s.store.WorkspaceCount())
	s.Require().NoError(s.svc.DeleteScenario(s.ctx, sc.ID, false))
	s.Zero(s.store.WorkspaceCount(), "cancelling drops the workspace")
	s.NoError(s.runner.Run(s.ctx, sc.ID), "running a deleted scenario is a no-op")
	s.ErrorIs(s.svc.DeleteScenario(s.ctx, sc.ID, false), db.ErrScenarioNotFound)
}

func (s *ServiceSuite) TestRollback_RepromotesOlderScenario() {
	s.loadProblems()
	first := s.completed(models.EntityTypeProblem, 1, 0.5)
	second := s.completed(models.EntityTypeProblem, 3, 0.5)
	_, err := s.svc.Promote(s.ctx, first.ID)
	s.Require().NoError(err)
	_, err = s.svc.Promote(s.ctx, second.ID)
	s.Require().NoError(err)

	_, err = s.svc.Rollback(s.ctx, 2)
	var verr *ValidationError
	s.True(errors.As(err, &verr), "active version cannot be rolled back to")

	result, err := s.svc.Rollback(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(3, result.NewVersion)

	active, err := s.svc.GetActiveVersion(s.ctx)
	s.Require().NoError(err)
	s.Equal(first.ID, active.SourceScenarioID)

	snap, err := s.store.ProductionSnapshot(s.ctx, models.EntityTypeProblem)
	s.Require().NoError(err)
	s.Equal(first.OutlierCount, snap.OutlierCount)

	_, err = s.svc.Rollback(s.ctx, 42)
	s.ErrorIs(err, db.ErrVersionNotFound)
}

func (s *ServiceSuite) TestLabels() {
	s.loadProblems()
	sc := s.completed(models.EntityTypeProblem, 3, 0.5)

	s.Require().NoError(s.svc.LabelScenarioCluster(s.ctx, sc.ID, 1, "  Billing pain  "))
	var verr *ValidationError
	s.True(errors.As(s.svc.LabelScenarioCluster(s.ctx, sc.ID, 0, "x"), &verr))
	s.True(errors.As(s.svc.LabelScenarioCluster(s.ctx, sc.ID, 2, " "), &verr))
	s.ErrorIs(s.svc.LabelScenarioCluster(s.ctx, sc.ID, 9, "x"), db.ErrClusterNotFound)

	_, err := s.svc.Promote(s.ctx, sc.ID)
	s.Require().NoError(err)
	centroids, err := s.svc.GetCentroids(s.ctx, 1, models.EntityTypeProblem)
	s.Require().NoError(err)
	s.Equal("Billing pain", centroids[0].Label, "scenario labels carry into production")

	s.Require().NoError(s.svc.LabelProductionCluster(s.ctx, 1, models.EntityTypeProblem, 2, "Shipping delays"))
	assignments, err := s.store.GetScenarioAssignments(s.ctx, sc.ID)
	s.Require().NoError(err)
	for _, a := range assignments {
		if a.ClusterID != 2 {
			continue
		}
		e, err := s.store.GetEntity(s.ctx, a.EntityID)
		s.Require().NoError(err)
		s.Equal("Shipping delays", *e.ClusterLabel)
	}
}

func (s *ServiceSuite) TestSweep() {
	created, err := s.svc.Sweep(s.ctx, SweepRequest{
		EntityType: "solution",
		KValues:    []int{2, 4, 8},
		Thresholds: []float64{0.6, 0.8},
	})
	s.Require().NoError(err)
	s.Len(created, 6)
	s.Len(s.enqueuer.IDs(), 6)

	_, err = s.svc.Sweep(s.ctx, SweepRequest{EntityType: "solution", KValues: []int{2}, Thresholds: []float64{0.6, 2}})
	var verr *ValidationError
	s.Require().True(errors.As(err, &verr))

	all, err := s.svc.ListScenarios(s.ctx, models.ScenarioFilter{EntityType: models.EntityTypeSolution})
	s.Require().NoError(err)
	s.Len(all, 6, "an invalid grid creates nothing")
}

func (s *ServiceSuite) TestCheckIntegrity_ReportsOrphans() {
	s.loadProblems()
	_, err := s.store.StampEntities(s.ctx, 99, []models.EntityClusterUpdate{{EntityID: "p-g1-03", ClusterID: 4, Label: "ghost"}})
	s.Require().NoError(err)

	report, err := s.svc.FindOrphans(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Orphans, 1)
	s.Equal(1, report.ByVersion[99])

	err = s.svc.CheckIntegrity(s.ctx)
	var violation *OrphanedClusterInvariantViolation
	s.Require().True(errors.As(err, &violation))
	s.Contains(violation.Error(), "p-g1-03")

	// Other reads are not gated by the diagnostic.
	_, err = s.svc.ListScenarios(s.ctx, models.ScenarioFilter{})
	s.NoError(err)
}

func (s *ServiceSuite) TestFailStuckScenarios() {
	s.loadProblems()
	stuck, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)
	recent, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 4, SimilarityThreshold: 0.5})
	s.Require().NoError(err)
	pending, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 5, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	s.clockMu.Lock()
	now := s.clock
	s.clockMu.Unlock()
	moved, err := s.store.TransitionScenario(s.ctx, stuck.ID, models.ScenarioPending, models.ScenarioProcessing, now.Add(-13*time.Hour))
	s.Require().NoError(err)
	s.Require().True(moved)
	moved, err = s.store.TransitionScenario(s.ctx, recent.ID, models.ScenarioPending, models.ScenarioProcessing, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().True(moved)

	s.Equal(3, s.store.WorkspaceCount())
	n, err := s.svc.FailStuckScenarios(s.ctx, 12*time.Hour)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(2, s.store.WorkspaceCount(), "the failed scenario's workspace is dropped")

	got, err := s.store.GetScenario(s.ctx, stuck.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioFailed, got.Status)
	s.Contains(got.Notes, "still processing after 12h0m0s")

	got, err = s.store.GetScenario(s.ctx, recent.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioProcessing, got.Status)
	got, err = s.store.GetScenario(s.ctx, pending.ID)
	s.Require().NoError(err)
	s.Equal(models.ScenarioPending, got.Status)

	n, err = s.svc.FailStuckScenarios(s.ctx, 12*time.Hour)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *ServiceSuite) TestRunner_BackgroundLoop() {
	s.loadProblems()
	runner := NewRunner(s.svc, RunnerConfig{Concurrency: 2, PollInterval: 20 * time.Millisecond}, quietLogger())
	s.svc.SetEnqueuer(runner)

	// Queued before the runner starts; found by the first poll.
	early, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 2, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	go runner.Start(ctx)
	defer func() {
		cancel()
		runner.Wait()
	}()

	late, err := s.svc.CreateScenario(s.ctx, CreateScenarioRequest{EntityType: "problem", KValue: 3, SimilarityThreshold: 0.5})
	s.Require().NoError(err)

	for _, id := range []string{early.ID, late.ID} {
		s.Eventually(func() bool {
			sc, err := s.store.GetScenario(s.ctx, id)
			return err == nil && sc.Status == models.ScenarioCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestOrphanViolationMessage(t *testing.T) {
	report := &OrphanReport{Orphans: []*models.OrphanedCluster{
		{EntityID: "a", ClusterID: 1, ClusterVersion: 2},
		{EntityID: "b", ClusterID: 1, ClusterVersion: 2},
		{EntityID: "c", ClusterID: 1, ClusterVersion: 2},
		{EntityID: "d", ClusterID: 1, ClusterVersion: 2},
	}}
	msg := (&OrphanedClusterInvariantViolation{Report: report}).Error()
	assert.True(t, strings.HasPrefix(msg, "4 entities"))
	assert.Contains(t, msg, "a -> cluster 1@v2")
	assert.NotContains(t, msg, "d ->")
	require.Contains(t, msg, "...")
}
