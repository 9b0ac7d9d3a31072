package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// insertBatchSize bounds rows per INSERT statement on bulk writes.
const insertBatchSize = 1000

// txStore implements db.Tx over a *gorm.DB that is either the root connection or
// an open transaction.
type txStore struct {
	db *gorm.DB
}

var _ db.Tx = (*txStore)(nil)

// GetScenario retrieves a scenario by id.
func (t *txStore) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "get_scenario")
	defer cancel()

	var row Scenario
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, db.ErrScenarioNotFound)
	}
	return row.toModel(), nil
}

// LockScenario reads a scenario with SELECT ... FOR UPDATE.
func (t *txStore) LockScenario(ctx context.Context, id string) (*models.Scenario, error) {
	var row Scenario
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		return nil, notFound(err, db.ErrScenarioNotFound)
	}
	return row.toModel(), nil
}

// ListScenarios lists scenarios newest first.
func (t *txStore) ListScenarios(ctx context.Context, filter models.ScenarioFilter) ([]*models.Scenario, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "list_scenarios")
	defer cancel()

	q := t.db.WithContext(ctx).Model(&Scenario{})
	if filter.EntityType != "" {
		q = q.Where("entity_type = ?", string(filter.EntityType))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []Scenario
	if err := q.Order("requested_at DESC, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Scenario, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// ListPendingScenarioIDs returns pending scenarios oldest first.
func (t *txStore) ListPendingScenarioIDs(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "list_pending_scenarios")
	defer cancel()

	q := t.db.WithContext(ctx).Model(&Scenario{}).
		Where("status = ?", string(models.ScenarioPending)).
		Order("requested_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *txStore) scenarioExists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := t.db.WithContext(ctx).Model(&Scenario{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetScenarioClusters returns a scenario's clusters with the outlier bucket last.
func (t *txStore) GetScenarioClusters(ctx context.Context, scenarioID string) ([]models.ScenarioCluster, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "get_scenario_clusters")
	defer cancel()

	if ok, err := t.scenarioExists(ctx, scenarioID); err != nil {
		return nil, err
	} else if !ok {
		return nil, db.ErrScenarioNotFound
	}

	var rows []ScenarioCluster
	err := t.db.WithContext(ctx).
		Where("scenario_id = ?", scenarioID).
		Order("is_outlier_bucket, cluster_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.ScenarioCluster, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// GetScenarioAssignments returns a scenario's assignments ordered by entity id.
func (t *txStore) GetScenarioAssignments(ctx context.Context, scenarioID string) ([]models.ScenarioAssignment, error) {
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "get_scenario_assignments")
	defer cancel()

	if ok, err := t.scenarioExists(ctx, scenarioID); err != nil {
		return nil, err
	} else if !ok {
		return nil, db.ErrScenarioNotFound
	}

	var rows []ScenarioAssignment
	if err := t.db.WithContext(ctx).Where("scenario_id = ?", scenarioID).Order("entity_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ScenarioAssignment, len(rows))
	for i, r := range rows {
		out[i] = models.ScenarioAssignment{
			ScenarioID: r.ScenarioID,
			EntityID:   r.EntityID,
			ClusterID:  r.ClusterID,
			Similarity: r.Similarity,
		}
	}
	return out, nil
}

// CreateScenario inserts a new scenario row.
func (t *txStore) CreateScenario(ctx context.Context, s *models.Scenario) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "create_scenario")
	defer cancel()
	return t.db.WithContext(ctx).Create(scenarioFromModel(s)).Error
}

// TransitionScenario is a conditional UPDATE on the current status.
func (t *txStore) TransitionScenario(ctx context.Context, id string, from, to models.ScenarioStatus, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%w: %s -> %s", db.ErrInvalidTransition, from, to)
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "transition_scenario")
	defer cancel()

	updates := map[string]any{"status": string(to)}
	switch to {
	case models.ScenarioProcessing:
		updates["started_at"] = at
	case models.ScenarioPending:
		updates["started_at"] = nil
	case models.ScenarioCompleted, models.ScenarioFailed:
		updates["completed_at"] = at
	}

	result := t.db.WithContext(ctx).Model(&Scenario{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	ok, err := t.scenarioExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, db.ErrScenarioNotFound
	}
	return false, nil
}

// SaveScenarioResult writes clusters, assignments and metrics. Callers on the root
// connection go through Store.SaveScenarioResult, which adds the transaction.
func (t *txStore) SaveScenarioResult(ctx context.Context, id string, result *models.ScenarioResult) error {
	m := result.Metrics
	res := t.db.WithContext(ctx).Model(&Scenario{}).
		Where("id = ? AND status = ?", id, string(models.ScenarioProcessing)).
		Updates(map[string]any{
			"status":                         string(models.ScenarioCompleted),
			"completed_at":                   result.CompletedAt,
			"total_items":                    m.TotalItems,
			"outlier_count":                  m.OutlierCount,
			"cluster_count":                  m.ClusterCount,
			"iterations":                     m.Iterations,
			"outlier_percentage":             m.OutlierPercentage,
			"production_outlier_percentage":  m.ProductionOutlierPercentage,
			"outlier_improvement_percentage": m.OutlierImprovementPercentage,
		})
	if res.Error != nil {
		return fmt.Errorf("complete scenario: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		cur, err := t.GetScenario(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", db.ErrInvalidTransition, cur.Status, models.ScenarioCompleted)
	}

	if len(result.Clusters) > 0 {
		rows := make([]ScenarioCluster, len(result.Clusters))
		for i, c := range result.Clusters {
			rows[i] = scenarioClusterFromModel(id, c)
		}
		if err := t.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert scenario clusters: %w", err)
		}
	}

	if len(result.Assignments) > 0 {
		rows := make([]ScenarioAssignment, len(result.Assignments))
		for i, a := range result.Assignments {
			rows[i] = ScenarioAssignment{
				ScenarioID: id,
				EntityID:   a.EntityID,
				ClusterID:  a.ClusterID,
				Similarity: a.Similarity,
			}
		}
		if err := t.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert scenario assignments: %w", err)
		}
	}
	return nil
}

// AppendScenarioNote appends one timestamped line in a single UPDATE.
func (t *txStore) AppendScenarioNote(ctx context.Context, id string, at time.Time, note string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "append_scenario_note")
	defer cancel()

	entry := models.AppendNote("", at, note)
	res := t.db.WithContext(ctx).Exec(`UPDATE clustering_scenarios
		SET notes = CASE WHEN notes = '' THEN ? ELSE notes || E'\n' || ? END
		WHERE id = ?`, entry, entry, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return db.ErrScenarioNotFound
	}
	return nil
}

// UpdateScenarioClusterLabel writes a label onto one scenario cluster.
func (t *txStore) UpdateScenarioClusterLabel(ctx context.Context, scenarioID string, clusterID int, label string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "label_scenario_cluster")
	defer cancel()

	res := t.db.WithContext(ctx).Model(&ScenarioCluster{}).
		Where("scenario_id = ? AND cluster_id = ?", scenarioID, clusterID).
		Update("label", label)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if ok, err := t.scenarioExists(ctx, scenarioID); err != nil {
		return err
	} else if !ok {
		return db.ErrScenarioNotFound
	}
	return db.ErrClusterNotFound
}

// DeleteScenario deletes a scenario; clusters and assignments cascade.
func (t *txStore) DeleteScenario(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "delete_scenario")
	defer cancel()

	res := t.db.WithContext(ctx).Where("id = ?", id).Delete(&Scenario{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return db.ErrScenarioNotFound
	}
	return nil
}
