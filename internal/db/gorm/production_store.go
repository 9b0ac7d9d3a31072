package gorm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// promotionLockKey is the pg_advisory_xact_lock key shared by every promotion.
const promotionLockKey int64 = 0x636c7573746572 // "cluster"

// stampBatchSize bounds the VALUES list of one bulk UPDATE.
const stampBatchSize = 500

// GetActiveVersion returns the single active version.
func (t *txStore) GetActiveVersion(ctx context.Context) (*models.ClusterVersion, error) {
	var row ClusterVersion
	if err := t.db.WithContext(ctx).Where("is_active").First(&row).Error; err != nil {
		return nil, notFound(err, db.ErrVersionNotFound)
	}
	return row.toModel(), nil
}

// GetVersion returns one version.
func (t *txStore) GetVersion(ctx context.Context, version int) (*models.ClusterVersion, error) {
	var row ClusterVersion
	if err := t.db.WithContext(ctx).Where("version = ?", version).First(&row).Error; err != nil {
		return nil, notFound(err, db.ErrVersionNotFound)
	}
	return row.toModel(), nil
}

// ListVersions lists all versions, newest first.
func (t *txStore) ListVersions(ctx context.Context) ([]*models.ClusterVersion, error) {
	var rows []ClusterVersion
	if err := t.db.WithContext(ctx).Order("version DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.ClusterVersion, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// GetCentroids returns the centroids of a version.
func (t *txStore) GetCentroids(ctx context.Context, version int, entityType models.EntityType) ([]*models.ClusterCentroid, error) {
	if _, err := t.GetVersion(ctx, version); err != nil {
		return nil, err
	}

	q := t.db.WithContext(ctx).Where("version = ?", version)
	if entityType != "" {
		q = q.Where("entity_type = ?", string(entityType))
	}
	var rows []ClusterCentroid
	if err := q.Order("entity_type, is_outlier_bucket, cluster_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.ClusterCentroid, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// ProductionSnapshot counts entities of a type stamped at the active version.
func (t *txStore) ProductionSnapshot(ctx context.Context, entityType models.EntityType) (*models.ProductionSnapshot, error) {
	snap := &models.ProductionSnapshot{EntityType: entityType}

	var row struct {
		Version  int
		Total    int
		Outliers int
	}
	err := t.db.WithContext(ctx).Raw(`
		SELECT v.version AS version,
		       COUNT(e.id) AS total,
		       COUNT(e.id) FILTER (WHERE e.cluster_id = ?) AS outliers
		FROM cluster_versions v
		LEFT JOIN entities e
		       ON e.cluster_version = v.version
		      AND e.entity_type = ?
		      AND e.cluster_id IS NOT NULL
		WHERE v.is_active
		GROUP BY v.version`, models.OutlierClusterID, string(entityType)).Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("production snapshot: %w", err)
	}
	snap.Version = row.Version
	snap.TotalItems = row.Total
	snap.OutlierCount = row.Outliers
	return snap, nil
}

// FindOrphanedClusters lists entities whose stamped cluster has no centroid row.
func (t *txStore) FindOrphanedClusters(ctx context.Context) ([]*models.OrphanedCluster, error) {
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "find_orphaned_clusters")
	defer cancel()

	var rows []struct {
		EntityID       string
		EntityType     string
		ClusterID      int
		ClusterVersion int
	}
	err := t.db.WithContext(ctx).Raw(`
		SELECT e.id AS entity_id, e.entity_type, e.cluster_id,
		       COALESCE(e.cluster_version, 0) AS cluster_version
		FROM entities e
		LEFT JOIN cluster_centroids c
		       ON c.version = e.cluster_version
		      AND c.entity_type = e.entity_type
		      AND c.cluster_id = e.cluster_id
		WHERE e.cluster_id IS NOT NULL
		  AND c.cluster_id IS NULL
		ORDER BY e.id`).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find orphaned clusters: %w", err)
	}

	out := make([]*models.OrphanedCluster, len(rows))
	for i, r := range rows {
		out[i] = &models.OrphanedCluster{
			EntityID:       r.EntityID,
			EntityType:     models.EntityType(r.EntityType),
			ClusterID:      r.ClusterID,
			ClusterVersion: r.ClusterVersion,
		}
	}
	return out, nil
}

// LockPromotion takes the transaction-scoped promotion advisory lock.
func (t *txStore) LockPromotion(ctx context.Context) error {
	return t.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", promotionLockKey).Error
}

// NextVersion returns one more than the highest version ever created.
func (t *txStore) NextVersion(ctx context.Context) (int, error) {
	var next int
	if err := t.db.WithContext(ctx).Raw("SELECT COALESCE(MAX(version), 0) + 1 FROM cluster_versions").Scan(&next).Error; err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return next, nil
}

// CreateVersion inserts an inactive version row.
func (t *txStore) CreateVersion(ctx context.Context, v *models.ClusterVersion) error {
	row := ClusterVersion{
		CreatedAt:        v.CreatedAt,
		ActivatedAt:      nullTime(v.ActivatedAt),
		SourceScenarioID: nullString(v.SourceScenarioID),
		EntityType:       string(v.EntityType),
		Version:          v.Version,
		IsActive:         false,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return t.db.WithContext(ctx).Create(&row).Error
}

// InsertCentroids bulk-inserts centroid rows.
func (t *txStore) InsertCentroids(ctx context.Context, centroids []*models.ClusterCentroid) error {
	if len(centroids) == 0 {
		return nil
	}
	rows := make([]ClusterCentroid, len(centroids))
	for i, c := range centroids {
		rows[i] = centroidFromModel(c)
	}
	return t.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error
}

// CopyCentroids carries one entity type's centroids forward to a new version.
func (t *txStore) CopyCentroids(ctx context.Context, fromVersion, toVersion int, entityType models.EntityType, at time.Time) (int, error) {
	res := t.db.WithContext(ctx).Exec(`
		INSERT INTO cluster_centroids
		       (version, entity_type, cluster_id, centroid, label, primary_industry,
		        avg_similarity, item_count, is_outlier_bucket, created_at)
		SELECT ?, entity_type, cluster_id, centroid, label, primary_industry,
		       avg_similarity, item_count, is_outlier_bucket, ?
		FROM cluster_centroids
		WHERE version = ? AND entity_type = ?`, toVersion, at, fromVersion, string(entityType))
	if res.Error != nil {
		return 0, fmt.Errorf("copy centroids v%d -> v%d: %w", fromVersion, toVersion, res.Error)
	}
	return int(res.RowsAffected), nil
}

// StampEntities writes production cluster columns with batched UPDATE ... FROM (VALUES ...).
// Every update must hit an existing entity.
func (t *txStore) StampEntities(ctx context.Context, version int, updates []models.EntityClusterUpdate) (int, error) {
	total := 0
	for start := 0; start < len(updates); start += stampBatchSize {
		batch := updates[start:min(start+stampBatchSize, len(updates))]

		var sb strings.Builder
		args := make([]any, 0, len(batch)*4+1)
		args = append(args, version)
		sb.WriteString(`UPDATE entities AS e
			SET cluster_id = v.cluster_id,
			    cluster_label = v.label,
			    cluster_similarity = v.similarity,
			    cluster_version = ?,
			    updated_at = now()
			FROM (VALUES `)
		for i, u := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?::text, ?::bigint, ?::text, ?::double precision)")
			args = append(args, u.EntityID, u.ClusterID, u.Label, u.Similarity)
		}
		sb.WriteString(") AS v(id, cluster_id, label, similarity) WHERE e.id = v.id")

		res := t.db.WithContext(ctx).Exec(sb.String(), args...)
		if res.Error != nil {
			return total, fmt.Errorf("stamp entities: %w", res.Error)
		}
		if int(res.RowsAffected) != len(batch) {
			return total, fmt.Errorf("stamp entities: %d of %d rows matched: %w", res.RowsAffected, len(batch), db.ErrEntityNotFound)
		}
		total += len(batch)
	}
	return total, nil
}

// ClearUnstamped clears production columns of entities not stamped at version.
func (t *txStore) ClearUnstamped(ctx context.Context, entityType models.EntityType, version int) (int, error) {
	res := t.db.WithContext(ctx).Exec(`
		UPDATE entities
		SET cluster_id = NULL, cluster_label = NULL, cluster_similarity = NULL,
		    cluster_version = NULL, updated_at = now()
		WHERE entity_type = ?
		  AND cluster_id IS NOT NULL
		  AND (cluster_version IS NULL OR cluster_version <> ?)`, string(entityType), version)
	if res.Error != nil {
		return 0, fmt.Errorf("clear unstamped entities: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// RestampVersion moves clustered entities of a type to a new version.
func (t *txStore) RestampVersion(ctx context.Context, entityType models.EntityType, version int) (int, error) {
	res := t.db.WithContext(ctx).Exec(`
		UPDATE entities SET cluster_version = ?, updated_at = now()
		WHERE entity_type = ? AND cluster_id IS NOT NULL`, version, string(entityType))
	if res.Error != nil {
		return 0, fmt.Errorf("restamp entities: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ActivateVersion deactivates the current version before activating the new one,
// keeping the single-active unique index satisfied at every statement.
func (t *txStore) ActivateVersion(ctx context.Context, version int, at time.Time) error {
	if err := t.db.WithContext(ctx).Exec(
		"UPDATE cluster_versions SET is_active = false WHERE is_active AND version <> ?", version,
	).Error; err != nil {
		return fmt.Errorf("deactivate versions: %w", err)
	}
	res := t.db.WithContext(ctx).Exec(
		"UPDATE cluster_versions SET is_active = true, activated_at = ? WHERE version = ?", at, version,
	)
	if res.Error != nil {
		return fmt.Errorf("activate version %d: %w", version, res.Error)
	}
	if res.RowsAffected == 0 {
		return db.ErrVersionNotFound
	}
	return nil
}

// UpdateCentroidLabel relabels one production cluster and its stamped entities.
func (t *txStore) UpdateCentroidLabel(ctx context.Context, version int, entityType models.EntityType, clusterID int, label string) error {
	res := t.db.WithContext(ctx).Model(&ClusterCentroid{}).
		Where("version = ? AND entity_type = ? AND cluster_id = ?", version, string(entityType), clusterID).
		Update("label", label)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return db.ErrClusterNotFound
	}
	return t.db.WithContext(ctx).Exec(`
		UPDATE entities SET cluster_label = ?, updated_at = now()
		WHERE cluster_version = ? AND entity_type = ? AND cluster_id = ?`,
		label, version, string(entityType), clusterID).Error
}
