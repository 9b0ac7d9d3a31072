// Package gorm provides GORM-based PostgreSQL storage for clusterscope.
package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// vectorColumns lists every pgvector column whose dimension follows the embedding model.
var vectorColumns = []struct{ table, column string }{
	{"entities", "embedding"},
	{"cluster_centroids", "centroid"},
	{"scenario_clusters", "centroid"},
	{"clustering_work_items", "embedding"},
	{"clustering_work_centroids", "centroid"},
}

// runMigrations runs all database migrations using gormigrate.
// embeddingDims pins vector columns to a fixed dimension; 0 leaves them unconstrained.
func runMigrations(db *gorm.DB, embeddingDims int) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension
		{
			ID: "001_pgvector_extension",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return nil
			},
		},

		// Migration 002: Entities and versioned production clustering
		{
			ID: "002_production_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Entity{}, &ClusterVersion{}, &ClusterCentroid{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("cluster_centroids", "cluster_versions", "entities")
			},
		},

		// Migration 003: Scenarios and their results
		{
			ID: "003_scenario_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Scenario{}, &ScenarioCluster{}, &ScenarioAssignment{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("scenario_assignments", "scenario_clusters", "clustering_scenarios")
			},
		},

		// Migration 004: Per-run scratch tables
		{
			ID: "004_workspace_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&WorkItem{}, &WorkCentroid{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("clustering_work_centroids", "clustering_work_items")
			},
		},

		// Migration 005: Invariant-enforcing indexes and cascades
		{
			ID: "005_constraints",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					// At most one active version.
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_cluster_versions_single_active
					 ON cluster_versions ((is_active)) WHERE is_active`,
					// At most one outlier bucket per version and entity type.
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_cluster_centroids_single_outlier
					 ON cluster_centroids (version, entity_type) WHERE is_outlier_bucket`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_scenario_clusters_single_outlier
					 ON scenario_clusters (scenario_id) WHERE is_outlier_bucket`,
					`ALTER TABLE scenario_clusters
					 ADD CONSTRAINT fk_scenario_clusters_scenario
					 FOREIGN KEY (scenario_id) REFERENCES clustering_scenarios(id) ON DELETE CASCADE`,
					`ALTER TABLE scenario_assignments
					 ADD CONSTRAINT fk_scenario_assignments_scenario
					 FOREIGN KEY (scenario_id) REFERENCES clustering_scenarios(id) ON DELETE CASCADE`,
					`ALTER TABLE cluster_centroids
					 ADD CONSTRAINT fk_cluster_centroids_version
					 FOREIGN KEY (version) REFERENCES cluster_versions(version)`,
					`CREATE INDEX IF NOT EXISTS idx_scenarios_pending
					 ON clustering_scenarios (requested_at) WHERE status = 'pending'`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP INDEX IF EXISTS idx_scenarios_pending",
					"ALTER TABLE cluster_centroids DROP CONSTRAINT IF EXISTS fk_cluster_centroids_version",
					"ALTER TABLE scenario_assignments DROP CONSTRAINT IF EXISTS fk_scenario_assignments_scenario",
					"ALTER TABLE scenario_clusters DROP CONSTRAINT IF EXISTS fk_scenario_clusters_scenario",
					"DROP INDEX IF EXISTS idx_scenario_clusters_single_outlier",
					"DROP INDEX IF EXISTS idx_cluster_centroids_single_outlier",
					"DROP INDEX IF EXISTS idx_cluster_versions_single_active",
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},

		// Migration 006: Scenarios own the workspace snapshotted at creation
		{
			ID: "006_scenario_session",
			Migrate: func(tx *gorm.DB) error {
				if tx.Migrator().HasColumn(&Scenario{}, "SessionID") {
					return nil
				}
				if err := tx.Migrator().AddColumn(&Scenario{}, "SessionID"); err != nil {
					return err
				}
				return tx.Migrator().CreateIndex(&Scenario{}, "idx_scenarios_session")
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropColumn(&Scenario{}, "SessionID")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return err
	}
	return pinVectorDimensions(db, embeddingDims)
}

// pinVectorDimensions fixes vector columns at the configured dimension on every start.
// Existing rows of another dimension make the ALTER fail.
func pinVectorDimensions(db *gorm.DB, dims int) error {
	if dims <= 0 {
		return nil
	}
	for _, vc := range vectorColumns {
		var current int
		err := db.Raw(`SELECT atttypmod FROM pg_attribute
			WHERE attrelid = ?::regclass AND attname = ?`, vc.table, vc.column).Row().Scan(&current)
		if err != nil {
			return fmt.Errorf("read dimension of %s.%s: %w", vc.table, vc.column, err)
		}
		if current == dims {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE vector(%d)", vc.table, vc.column, dims)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("pin %s.%s to vector(%d): %w", vc.table, vc.column, dims, err)
		}
	}
	return nil
}
