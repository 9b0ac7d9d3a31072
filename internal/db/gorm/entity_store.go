package gorm

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

var entityStagingColumns = []string{
	"id", "entity_type", "title", "industry", "embedding",
	"viability", "ltv", "cac", "has_product",
}

// upsertFromStagingSQL merges staged rows into entities. Production cluster columns
// are never touched here; only promotion writes them.
const upsertFromStagingSQL = `
	INSERT INTO entities (id, entity_type, title, industry, embedding,
	                      viability, ltv, cac, has_product, created_at, updated_at)
	SELECT id, entity_type, title, industry, embedding::vector,
	       viability, ltv, cac, has_product, now(), now()
	FROM entity_staging
	ON CONFLICT (id) DO UPDATE SET
	    entity_type = EXCLUDED.entity_type,
	    title       = EXCLUDED.title,
	    industry    = EXCLUDED.industry,
	    embedding   = EXCLUDED.embedding,
	    viability   = EXCLUDED.viability,
	    ltv         = EXCLUDED.ltv,
	    cac         = EXCLUDED.cac,
	    has_product = EXCLUDED.has_product,
	    updated_at  = now()`

// GetEntity retrieves one entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout, "get_entity")
	defer cancel()

	var row Entity
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, db.ErrEntityNotFound)
	}
	return row.toModel(), nil
}

// ListEntities lists entities of a type (all types when empty) ordered by id.
func (s *Store) ListEntities(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error) {
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "list_entities")
	defer cancel()

	q := s.DB.WithContext(ctx).Order("id")
	if entityType != "" {
		q = q.Where("entity_type = ?", string(entityType))
	}
	var rows []Entity
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Entity, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// UpsertEntities bulk-loads entities with COPY into a temporary staging table and
// merges them in one statement, all on a single pgx connection.
func (s *Store) UpsertEntities(ctx context.Context, entities []*models.Entity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(entities))
	for i, e := range entities {
		if e.ID == "" {
			return 0, fmt.Errorf("upsert entity: empty id")
		}
		if !e.Type.Valid() {
			return 0, fmt.Errorf("upsert entity %s: invalid type %q", e.ID, e.Type)
		}
		embedding, err := vectorLiteral(e.Embedding)
		if err != nil {
			return 0, fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
		rows[i] = []any{
			e.ID, string(e.Type), e.Title, e.Industry, embedding,
			e.Viability, e.LTV, e.CAC, e.HasProduct,
		}
	}

	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "upsert_entities")
	defer cancel()

	conn, err := s.sqlDB.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var affected int64
	err = conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		pgConn := sc.Conn()

		tx, err := pgConn.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, `CREATE TEMP TABLE entity_staging (
			id text, entity_type text, title text, industry text, embedding text,
			viability double precision, ltv double precision, cac double precision,
			has_product boolean) ON COMMIT DROP`); err != nil {
			return fmt.Errorf("create staging table: %w", err)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"entity_staging"}, entityStagingColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy entities: %w", err)
		}
		tag, err := tx.Exec(ctx, upsertFromStagingSQL)
		if err != nil {
			return fmt.Errorf("merge entities: %w", err)
		}
		affected = tag.RowsAffected()
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// vectorLiteral renders an embedding in pgvector text form, or nil for no embedding.
func vectorLiteral(v []float32) (any, error) {
	vec := toVector(v)
	if vec == nil {
		return nil, nil
	}
	value, err := vec.Value()
	if err != nil {
		return nil, err
	}
	switch lit := value.(type) {
	case string:
		return lit, nil
	case []byte:
		return string(lit), nil
	}
	return nil, fmt.Errorf("unexpected vector value %T", value)
}

// ListSolutionCandidates reads each solution's scoring attributes and counts the
// problems sharing its production cluster label. Outliers carry no label.
func (s *Store) ListSolutionCandidates(ctx context.Context) ([]*models.SolutionCandidate, error) {
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "list_solution_candidates")
	defer cancel()

	var rows []struct {
		EntityID     string
		Title        string
		ClusterLabel string
		Viability    float64
		LTV          float64 `gorm:"column:ltv"`
		CAC          float64 `gorm:"column:cac"`
		ProblemCount int
		HasProduct   bool
	}
	err := s.DB.WithContext(ctx).Raw(`
		WITH labelled AS (
			SELECT id, title, viability, ltv, cac, has_product,
			       CASE WHEN cluster_id IS NULL OR cluster_id = ? THEN ''
			            ELSE COALESCE(cluster_label, '') END AS cluster_label
			FROM entities
			WHERE entity_type = ?
		), problems AS (
			SELECT cluster_label, COUNT(*) AS n
			FROM entities
			WHERE entity_type = ? AND cluster_id IS NOT NULL AND cluster_id <> ?
			  AND COALESCE(cluster_label, '') <> ''
			GROUP BY cluster_label
		)
		SELECT l.id AS entity_id, l.title, l.cluster_label, l.viability, l.ltv, l.cac,
		       l.has_product,
		       CASE WHEN l.cluster_label = '' THEN 0 ELSE COALESCE(p.n, 0) END AS problem_count
		FROM labelled l
		LEFT JOIN problems p ON p.cluster_label = l.cluster_label
		ORDER BY l.id`,
		models.OutlierClusterID, string(models.EntityTypeSolution),
		string(models.EntityTypeProblem), models.OutlierClusterID,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list solution candidates: %w", err)
	}

	out := make([]*models.SolutionCandidate, len(rows))
	for i, r := range rows {
		out[i] = &models.SolutionCandidate{
			EntityID:     r.EntityID,
			Title:        r.Title,
			ClusterLabel: r.ClusterLabel,
			Viability:    r.Viability,
			LTV:          r.LTV,
			CAC:          r.CAC,
			ProblemCount: r.ProblemCount,
			HasProduct:   r.HasProduct,
		}
	}
	return out, nil
}
