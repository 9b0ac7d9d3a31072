package clustering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// applyScenario writes a completed scenario into production as a new version.
// It must run inside one transaction; the caller rolls back on any error.
//
// Versions are global: the other entity type's centroids are carried forward from the
// previous active version and its entities re-stamped, so every stamped entity points
// at a version that holds its centroid.
func applyScenario(ctx context.Context, tx db.Tx, scenarioID string, now time.Time) (*models.PromotionResult, error) {
	sc, err := tx.LockScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if sc.Status != models.ScenarioCompleted {
		return nil, &PromotionPreconditionError{ScenarioID: scenarioID, Status: sc.Status}
	}

	if err := tx.LockPromotion(ctx); err != nil {
		return nil, fmt.Errorf("acquire promotion lock: %w", err)
	}

	previous := 0
	active, err := tx.GetActiveVersion(ctx)
	switch {
	case errors.Is(err, db.ErrVersionNotFound):
	case err != nil:
		return nil, fmt.Errorf("read active version: %w", err)
	default:
		previous = active.Version
	}

	version, err := tx.NextVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate version: %w", err)
	}
	if err := tx.CreateVersion(ctx, &models.ClusterVersion{
		Version:          version,
		EntityType:       sc.EntityType,
		SourceScenarioID: sc.ID,
		CreatedAt:        now,
	}); err != nil {
		return nil, fmt.Errorf("create version %d: %w", version, err)
	}

	clusters, err := tx.GetScenarioClusters(ctx, sc.ID)
	if err != nil {
		return nil, fmt.Errorf("load scenario clusters: %w", err)
	}
	labels := make(map[int]string, len(clusters))
	centroids := make([]*models.ClusterCentroid, len(clusters))
	for i, c := range clusters {
		label := c.Label
		if label == "" {
			label = models.DefaultClusterLabel(c.ClusterID)
		}
		labels[c.ClusterID] = label
		centroids[i] = &models.ClusterCentroid{
			CreatedAt:       now,
			EntityType:      sc.EntityType,
			Label:           label,
			PrimaryIndustry: c.PrimaryIndustry,
			Centroid:        c.Centroid,
			Version:         version,
			ClusterID:       c.ClusterID,
			ItemCount:       c.ItemCount,
			AvgSimilarity:   c.AvgSimilarity,
			IsOutlierBucket: c.IsOutlierBucket,
		}
	}
	if err := tx.InsertCentroids(ctx, centroids); err != nil {
		return nil, fmt.Errorf("insert centroids: %w", err)
	}

	result := &models.PromotionResult{
		PromotedAt:      now,
		ScenarioID:      sc.ID,
		EntityType:      sc.EntityType,
		NewVersion:      version,
		PreviousVersion: previous,
	}

	if previous > 0 {
		for _, other := range otherTypes(sc.EntityType) {
			n, err := tx.CopyCentroids(ctx, previous, version, other, now)
			if err != nil {
				return nil, fmt.Errorf("carry forward %s centroids: %w", other, err)
			}
			result.CentroidsCopied += n
		}
	}

	assignments, err := tx.GetScenarioAssignments(ctx, sc.ID)
	if err != nil {
		return nil, fmt.Errorf("load scenario assignments: %w", err)
	}
	updates := make([]models.EntityClusterUpdate, len(assignments))
	for i, a := range assignments {
		label, ok := labels[a.ClusterID]
		if !ok {
			return nil, fmt.Errorf("assignment of %s references unknown cluster %d", a.EntityID, a.ClusterID)
		}
		updates[i] = models.EntityClusterUpdate{
			EntityID:   a.EntityID,
			ClusterID:  a.ClusterID,
			Label:      label,
			Similarity: a.Similarity,
		}
	}
	if result.EntitiesUpdated, err = tx.StampEntities(ctx, version, updates); err != nil {
		return nil, fmt.Errorf("stamp entities: %w", err)
	}
	if result.EntitiesCleared, err = tx.ClearUnstamped(ctx, sc.EntityType, version); err != nil {
		return nil, fmt.Errorf("clear unassigned entities: %w", err)
	}
	for _, other := range otherTypes(sc.EntityType) {
		if _, err := tx.RestampVersion(ctx, other, version); err != nil {
			return nil, fmt.Errorf("restamp %s entities: %w", other, err)
		}
	}

	if err := tx.ActivateVersion(ctx, version, now); err != nil {
		return nil, fmt.Errorf("activate version %d: %w", version, err)
	}

	note := fmt.Sprintf("Applied to production at %s as version %d", now.UTC().Format(time.RFC3339), version)
	if err := tx.AppendScenarioNote(ctx, sc.ID, now, note); err != nil {
		return nil, fmt.Errorf("record promotion note: %w", err)
	}
	return result, nil
}

func otherTypes(t models.EntityType) []models.EntityType {
	out := make([]models.EntityType, 0, len(models.AllEntityTypes)-1)
	for _, other := range models.AllEntityTypes {
		if other != t {
			out = append(out, other)
		}
	}
	return out
}

func promotionAttrs(sc *models.Scenario) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("scenario.id", sc.ID),
		attribute.String("scenario.entity_type", string(sc.EntityType)),
		attribute.Int("scenario.k", sc.KValue),
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
