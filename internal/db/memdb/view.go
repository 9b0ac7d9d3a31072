package memdb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// view implements db.Tx over one data snapshot. Writes validate before they change
// anything, so a failing call leaves the snapshot untouched.
type view struct {
	d   *data
	now func() time.Time
}

var _ db.Tx = (*view)(nil)

func (v *view) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	s, ok := v.d.scenarios[id]
	if !ok {
		return nil, db.ErrScenarioNotFound
	}
	return copyScenario(s), nil
}

func (v *view) LockScenario(ctx context.Context, id string) (*models.Scenario, error) {
	return v.GetScenario(ctx, id)
}

func (v *view) ListScenarios(ctx context.Context, filter models.ScenarioFilter) ([]*models.Scenario, error) {
	out := make([]*models.Scenario, 0, len(v.d.scenarios))
	for _, s := range v.d.scenarios {
		if filter.EntityType != "" && s.EntityType != filter.EntityType {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, copyScenario(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*models.Scenario{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) ListPendingScenarioIDs(ctx context.Context, limit int) ([]string, error) {
	pending := make([]*models.Scenario, 0)
	for _, s := range v.d.scenarios {
		if s.Status == models.ScenarioPending {
			pending = append(pending, s)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].RequestedAt.Equal(pending[j].RequestedAt) {
			return pending[i].RequestedAt.Before(pending[j].RequestedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	ids := make([]string, len(pending))
	for i, s := range pending {
		ids[i] = s.ID
	}
	return ids, nil
}

func (v *view) GetScenarioClusters(ctx context.Context, scenarioID string) ([]models.ScenarioCluster, error) {
	if _, ok := v.d.scenarios[scenarioID]; !ok {
		return nil, db.ErrScenarioNotFound
	}
	out := slices.Clone(v.d.clusters[scenarioID])
	sortScenarioClusters(out)
	return out, nil
}

func (v *view) GetScenarioAssignments(ctx context.Context, scenarioID string) ([]models.ScenarioAssignment, error) {
	if _, ok := v.d.scenarios[scenarioID]; !ok {
		return nil, db.ErrScenarioNotFound
	}
	out := slices.Clone(v.d.assignments[scenarioID])
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (v *view) CreateScenario(ctx context.Context, s *models.Scenario) error {
	if s.ID == "" {
		return fmt.Errorf("create scenario: empty id")
	}
	if _, ok := v.d.scenarios[s.ID]; ok {
		return fmt.Errorf("create scenario: id %s already exists", s.ID)
	}
	v.d.scenarios[s.ID] = copyScenario(s)
	return nil
}

func (v *view) TransitionScenario(ctx context.Context, id string, from, to models.ScenarioStatus, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%w: %s -> %s", db.ErrInvalidTransition, from, to)
	}
	cur, ok := v.d.scenarios[id]
	if !ok {
		return false, db.ErrScenarioNotFound
	}
	if cur.Status != from {
		return false, nil
	}

	next := copyScenario(cur)
	next.Status = to
	switch to {
	case models.ScenarioProcessing:
		next.StartedAt = ptr(at)
	case models.ScenarioPending:
		next.StartedAt = nil
	case models.ScenarioCompleted, models.ScenarioFailed:
		next.CompletedAt = ptr(at)
	}
	v.d.scenarios[id] = next
	return true, nil
}

func (v *view) SaveScenarioResult(ctx context.Context, id string, result *models.ScenarioResult) error {
	cur, ok := v.d.scenarios[id]
	if !ok {
		return db.ErrScenarioNotFound
	}
	if !cur.Status.CanTransition(models.ScenarioCompleted) {
		return fmt.Errorf("%w: %s -> %s", db.ErrInvalidTransition, cur.Status, models.ScenarioCompleted)
	}

	clusters := make([]models.ScenarioCluster, len(result.Clusters))
	for i, c := range result.Clusters {
		c.ScenarioID = id
		clusters[i] = c
	}
	assignments := make([]models.ScenarioAssignment, len(result.Assignments))
	for i, a := range result.Assignments {
		a.ScenarioID = id
		assignments[i] = a
	}

	next := copyScenario(cur)
	m := result.Metrics
	next.Status = models.ScenarioCompleted
	next.CompletedAt = ptr(result.CompletedAt)
	next.TotalItems = m.TotalItems
	next.OutlierCount = m.OutlierCount
	next.ClusterCount = m.ClusterCount
	next.Iterations = m.Iterations
	next.OutlierPercentage = m.OutlierPercentage
	next.ProductionOutlierPercentage = m.ProductionOutlierPercentage
	next.OutlierImprovementPercentage = m.OutlierImprovementPercentage

	v.d.scenarios[id] = next
	v.d.clusters[id] = clusters
	v.d.assignments[id] = assignments
	return nil
}

func (v *view) AppendScenarioNote(ctx context.Context, id string, at time.Time, note string) error {
	cur, ok := v.d.scenarios[id]
	if !ok {
		return db.ErrScenarioNotFound
	}
	next := copyScenario(cur)
	next.Notes = models.AppendNote(cur.Notes, at, note)
	v.d.scenarios[id] = next
	return nil
}

func (v *view) UpdateScenarioClusterLabel(ctx context.Context, scenarioID string, clusterID int, label string) error {
	if _, ok := v.d.scenarios[scenarioID]; !ok {
		return db.ErrScenarioNotFound
	}
	clusters := slices.Clone(v.d.clusters[scenarioID])
	for i := range clusters {
		if clusters[i].ClusterID == clusterID {
			clusters[i].Label = label
			v.d.clusters[scenarioID] = clusters
			return nil
		}
	}
	return db.ErrClusterNotFound
}

func (v *view) DeleteScenario(ctx context.Context, id string) error {
	if _, ok := v.d.scenarios[id]; !ok {
		return db.ErrScenarioNotFound
	}
	delete(v.d.scenarios, id)
	delete(v.d.clusters, id)
	delete(v.d.assignments, id)
	return nil
}

func (v *view) GetActiveVersion(ctx context.Context) (*models.ClusterVersion, error) {
	for _, cv := range v.d.versions {
		if cv.IsActive {
			return copyVersion(cv), nil
		}
	}
	return nil, db.ErrVersionNotFound
}

func (v *view) GetVersion(ctx context.Context, version int) (*models.ClusterVersion, error) {
	cv, ok := v.d.versions[version]
	if !ok {
		return nil, db.ErrVersionNotFound
	}
	return copyVersion(cv), nil
}

func (v *view) ListVersions(ctx context.Context) ([]*models.ClusterVersion, error) {
	out := make([]*models.ClusterVersion, 0, len(v.d.versions))
	for _, cv := range v.d.versions {
		out = append(out, copyVersion(cv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (v *view) GetCentroids(ctx context.Context, version int, entityType models.EntityType) ([]*models.ClusterCentroid, error) {
	if _, ok := v.d.versions[version]; !ok {
		return nil, db.ErrVersionNotFound
	}
	out := make([]*models.ClusterCentroid, 0)
	for k, c := range v.d.centroids {
		if k.version != version || (entityType != "" && k.entityType != entityType) {
			continue
		}
		out = append(out, copyCentroid(c))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.IsOutlierBucket != b.IsOutlierBucket {
			return !a.IsOutlierBucket
		}
		return a.ClusterID < b.ClusterID
	})
	return out, nil
}

func (v *view) ProductionSnapshot(ctx context.Context, entityType models.EntityType) (*models.ProductionSnapshot, error) {
	snap := &models.ProductionSnapshot{EntityType: entityType}
	active, err := v.GetActiveVersion(ctx)
	if err != nil {
		if errors.Is(err, db.ErrVersionNotFound) {
			return snap, nil
		}
		return nil, err
	}
	snap.Version = active.Version

	for _, e := range v.d.entities {
		if e.Type != entityType || e.ClusterID == nil || e.ClusterVersion == nil || *e.ClusterVersion != active.Version {
			continue
		}
		snap.TotalItems++
		if *e.ClusterID == models.OutlierClusterID {
			snap.OutlierCount++
		}
	}
	return snap, nil
}

func (v *view) FindOrphanedClusters(ctx context.Context) ([]*models.OrphanedCluster, error) {
	out := make([]*models.OrphanedCluster, 0)
	for _, e := range v.d.entities {
		if e.ClusterID == nil {
			continue
		}
		version := 0
		if e.ClusterVersion != nil {
			version = *e.ClusterVersion
		}
		if _, ok := v.d.centroids[centroidKey{entityType: e.Type, version: version, clusterID: *e.ClusterID}]; ok {
			continue
		}
		out = append(out, &models.OrphanedCluster{
			EntityID:       e.ID,
			EntityType:     e.Type,
			ClusterID:      *e.ClusterID,
			ClusterVersion: version,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (v *view) LockPromotion(ctx context.Context) error { return ctx.Err() }

func (v *view) NextVersion(ctx context.Context) (int, error) {
	highest := 0
	for n := range v.d.versions {
		highest = max(highest, n)
	}
	return highest + 1, nil
}

func (v *view) CreateVersion(ctx context.Context, cv *models.ClusterVersion) error {
	if _, ok := v.d.versions[cv.Version]; ok {
		return fmt.Errorf("create version: version %d already exists", cv.Version)
	}
	v.d.versions[cv.Version] = copyVersion(cv)
	return nil
}

func (v *view) InsertCentroids(ctx context.Context, centroids []*models.ClusterCentroid) error {
	seen := make(map[centroidKey]bool, len(centroids))
	for _, c := range centroids {
		k := centroidKey{entityType: c.EntityType, version: c.Version, clusterID: c.ClusterID}
		if _, ok := v.d.centroids[k]; ok || seen[k] {
			return fmt.Errorf("insert centroids: duplicate centroid %s v%d cluster %d", c.EntityType, c.Version, c.ClusterID)
		}
		seen[k] = true
	}
	for _, c := range centroids {
		v.d.centroids[centroidKey{entityType: c.EntityType, version: c.Version, clusterID: c.ClusterID}] = copyCentroid(c)
	}
	return nil
}

func (v *view) CopyCentroids(ctx context.Context, fromVersion, toVersion int, entityType models.EntityType, at time.Time) (int, error) {
	var carried []*models.ClusterCentroid
	for k, c := range v.d.centroids {
		if k.version != fromVersion || k.entityType != entityType {
			continue
		}
		nc := copyCentroid(c)
		nc.Version = toVersion
		nc.CreatedAt = at
		carried = append(carried, nc)
	}
	if err := v.InsertCentroids(ctx, carried); err != nil {
		return 0, err
	}
	return len(carried), nil
}

func (v *view) StampEntities(ctx context.Context, version int, updates []models.EntityClusterUpdate) (int, error) {
	for _, u := range updates {
		if _, ok := v.d.entities[u.EntityID]; !ok {
			return 0, fmt.Errorf("stamp entity %s: %w", u.EntityID, db.ErrEntityNotFound)
		}
	}
	for _, u := range updates {
		e := copyEntity(v.d.entities[u.EntityID])
		e.ClusterID = ptr(u.ClusterID)
		e.ClusterLabel = ptr(u.Label)
		e.ClusterSimilarity = ptr(u.Similarity)
		e.ClusterVersion = ptr(version)
		v.d.entities[u.EntityID] = e
	}
	return len(updates), nil
}

func (v *view) ClearUnstamped(ctx context.Context, entityType models.EntityType, version int) (int, error) {
	cleared := 0
	for id, e := range v.d.entities {
		if e.Type != entityType || e.ClusterID == nil {
			continue
		}
		if e.ClusterVersion != nil && *e.ClusterVersion == version {
			continue
		}
		ne := copyEntity(e)
		ne.ClusterID, ne.ClusterLabel, ne.ClusterSimilarity, ne.ClusterVersion = nil, nil, nil, nil
		v.d.entities[id] = ne
		cleared++
	}
	return cleared, nil
}

func (v *view) RestampVersion(ctx context.Context, entityType models.EntityType, version int) (int, error) {
	moved := 0
	for id, e := range v.d.entities {
		if e.Type != entityType || e.ClusterID == nil {
			continue
		}
		ne := copyEntity(e)
		ne.ClusterVersion = ptr(version)
		v.d.entities[id] = ne
		moved++
	}
	return moved, nil
}

func (v *view) ActivateVersion(ctx context.Context, version int, at time.Time) error {
	if _, ok := v.d.versions[version]; !ok {
		return db.ErrVersionNotFound
	}
	for n, cv := range v.d.versions {
		switch {
		case n == version:
			next := copyVersion(cv)
			next.IsActive = true
			next.ActivatedAt = ptr(at)
			v.d.versions[n] = next
		case cv.IsActive:
			next := copyVersion(cv)
			next.IsActive = false
			v.d.versions[n] = next
		}
	}
	return nil
}

func (v *view) UpdateCentroidLabel(ctx context.Context, version int, entityType models.EntityType, clusterID int, label string) error {
	k := centroidKey{entityType: entityType, version: version, clusterID: clusterID}
	c, ok := v.d.centroids[k]
	if !ok {
		return db.ErrClusterNotFound
	}
	nc := copyCentroid(c)
	nc.Label = label
	v.d.centroids[k] = nc

	for id, e := range v.d.entities {
		if e.Type != entityType || e.ClusterID == nil || *e.ClusterID != clusterID ||
			e.ClusterVersion == nil || *e.ClusterVersion != version {
			continue
		}
		ne := copyEntity(e)
		ne.ClusterLabel = ptr(label)
		v.d.entities[id] = ne
	}
	return nil
}

func (v *view) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, ok := v.d.entities[id]
	if !ok {
		return nil, db.ErrEntityNotFound
	}
	return copyEntity(e), nil
}

func (v *view) ListEntities(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error) {
	out := make([]*models.Entity, 0)
	for _, e := range v.d.entities {
		if entityType == "" || e.Type == entityType {
			out = append(out, copyEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertEntities inserts or updates entity content. Production cluster columns of
// existing entities are preserved; only promotion changes them.
func (v *view) UpsertEntities(ctx context.Context, entities []*models.Entity) (int, error) {
	for _, e := range entities {
		if strings.TrimSpace(e.ID) == "" {
			return 0, fmt.Errorf("upsert entity: empty id")
		}
		if !e.Type.Valid() {
			return 0, fmt.Errorf("upsert entity %s: invalid type %q", e.ID, e.Type)
		}
	}
	for _, e := range entities {
		ne := copyEntity(e)
		ne.Embedding = slices.Clone(e.Embedding)
		if cur, ok := v.d.entities[e.ID]; ok {
			ne.ClusterID, ne.ClusterLabel = cur.ClusterID, cur.ClusterLabel
			ne.ClusterSimilarity, ne.ClusterVersion = cur.ClusterSimilarity, cur.ClusterVersion
		} else {
			ne.ClusterID, ne.ClusterLabel, ne.ClusterSimilarity, ne.ClusterVersion = nil, nil, nil, nil
		}
		v.d.entities[e.ID] = ne
	}
	return len(entities), nil
}

// ListSolutionCandidates joins each solution with the number of problems that share
// its production cluster label. Outliers and unclustered solutions have no label.
func (v *view) ListSolutionCandidates(ctx context.Context) ([]*models.SolutionCandidate, error) {
	problemsByLabel := make(map[string]int)
	for _, e := range v.d.entities {
		if label, ok := productionLabel(e); ok && e.Type == models.EntityTypeProblem {
			problemsByLabel[label]++
		}
	}

	out := make([]*models.SolutionCandidate, 0)
	for _, e := range v.d.entities {
		if e.Type != models.EntityTypeSolution {
			continue
		}
		c := &models.SolutionCandidate{
			EntityID:   e.ID,
			Title:      e.Title,
			Viability:  e.Viability,
			LTV:        e.LTV,
			CAC:        e.CAC,
			HasProduct: e.HasProduct,
		}
		if label, ok := productionLabel(e); ok {
			c.ClusterLabel = label
			c.ProblemCount = problemsByLabel[label]
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func productionLabel(e *models.Entity) (string, bool) {
	if e.ClusterID == nil || *e.ClusterID == models.OutlierClusterID || e.ClusterLabel == nil || *e.ClusterLabel == "" {
		return "", false
	}
	return *e.ClusterLabel, true
}

func sortScenarioClusters(clusters []models.ScenarioCluster) {
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].IsOutlierBucket != clusters[j].IsOutlierBucket {
			return !clusters[i].IsOutlierBucket
		}
		return clusters[i].ClusterID < clusters[j].ClusterID
	})
}
