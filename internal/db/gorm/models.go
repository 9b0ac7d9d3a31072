// Package gorm provides GORM-based PostgreSQL storage for clusterscope.
package gorm

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/thebtf/clusterscope/pkg/models"
)

// GORM Models
// Field order optimized for memory alignment (fieldalignment).

// Entity is a clusterable problem or solution with its production cluster columns.
type Entity struct {
	CreatedAt         time.Time       `gorm:"not null"`
	UpdatedAt         time.Time       `gorm:"not null"`
	Embedding         *pgvec.Vector   `gorm:"type:vector"`
	ID                string          `gorm:"primaryKey;type:text"`
	EntityType        string          `gorm:"type:text;not null;check:entity_type IN ('problem', 'solution');index:idx_entities_production,priority:1"`
	Title             string          `gorm:"type:text;not null;default:''"`
	Industry          string          `gorm:"type:text;not null;default:''"`
	ClusterLabel      sql.NullString  `gorm:"type:text;index:idx_entities_label"`
	ClusterID         sql.NullInt64   `gorm:"index:idx_entities_production,priority:3"`
	ClusterVersion    sql.NullInt64   `gorm:"index:idx_entities_production,priority:2"`
	ClusterSimilarity sql.NullFloat64 `gorm:"type:double precision"`
	Viability         float64         `gorm:"type:double precision;not null;default:0"`
	LTV               float64         `gorm:"column:ltv;type:double precision;not null;default:0"`
	CAC               float64         `gorm:"column:cac;type:double precision;not null;default:0"`
	HasProduct        bool            `gorm:"not null;default:false"`
}

func (Entity) TableName() string { return "entities" }

// ClusterVersion is one generation of production clustering.
type ClusterVersion struct {
	CreatedAt        time.Time `gorm:"not null"`
	ActivatedAt      sql.NullTime
	SourceScenarioID sql.NullString `gorm:"type:uuid;index"`
	EntityType       string         `gorm:"type:text;not null"`
	Version          int            `gorm:"primaryKey;autoIncrement:false"`
	IsActive         bool           `gorm:"not null;default:false"`
}

func (ClusterVersion) TableName() string { return "cluster_versions" }

// ClusterCentroid is the representative of one production cluster at one version.
type ClusterCentroid struct {
	CreatedAt       time.Time     `gorm:"not null"`
	Centroid        *pgvec.Vector `gorm:"type:vector"`
	EntityType      string        `gorm:"primaryKey;type:text"`
	Label           string        `gorm:"type:text;not null;default:''"`
	PrimaryIndustry string        `gorm:"type:text;not null;default:''"`
	Version         int           `gorm:"primaryKey;autoIncrement:false"`
	ClusterID       int           `gorm:"primaryKey;autoIncrement:false"`
	ItemCount       int           `gorm:"not null;default:0"`
	AvgSimilarity   float64       `gorm:"type:double precision;not null;default:0"`
	IsOutlierBucket bool          `gorm:"not null;default:false"`
}

func (ClusterCentroid) TableName() string { return "cluster_centroids" }

// Scenario is a trial clustering run.
type Scenario struct {
	RequestedAt                  time.Time `gorm:"not null;index:idx_scenarios_requested,sort:desc"`
	StartedAt                    sql.NullTime
	CompletedAt                  sql.NullTime
	ID                           string  `gorm:"primaryKey;type:uuid"`
	EntityType                   string  `gorm:"type:text;not null;check:entity_type IN ('problem', 'solution');index:idx_scenarios_type_status,priority:1"`
	Status                       string  `gorm:"type:text;not null;default:'pending';check:status IN ('pending', 'processing', 'completed', 'failed');index:idx_scenarios_type_status,priority:2"`
	RequestedBy                  string  `gorm:"type:text;not null;default:''"`
	SessionID                    string  `gorm:"type:text;not null;default:'';index:idx_scenarios_session"`
	Notes                        string  `gorm:"type:text;not null;default:''"`
	KValue                       int     `gorm:"not null;check:k_value >= 1"`
	SimilarityThreshold          float64 `gorm:"type:double precision;not null;check:similarity_threshold > 0 AND similarity_threshold <= 1"`
	TotalItems                   int     `gorm:"not null;default:0"`
	OutlierCount                 int     `gorm:"not null;default:0"`
	ClusterCount                 int     `gorm:"not null;default:0"`
	Iterations                   int     `gorm:"not null;default:0"`
	OutlierPercentage            float64 `gorm:"type:double precision;not null;default:0"`
	ProductionOutlierPercentage  float64 `gorm:"type:double precision;not null;default:0"`
	OutlierImprovementPercentage float64 `gorm:"type:double precision;not null;default:0"`
}

func (Scenario) TableName() string { return "clustering_scenarios" }

// BeforeCreate hook to ensure timestamps are set.
func (s *Scenario) BeforeCreate(tx *gorm.DB) error {
	if s.RequestedAt.IsZero() {
		s.RequestedAt = time.Now().UTC()
	}
	return nil
}

// ScenarioCluster summarises one cluster of a scenario.
type ScenarioCluster struct {
	Centroid        *pgvec.Vector  `gorm:"type:vector"`
	ScenarioID      string         `gorm:"primaryKey;type:uuid"`
	Label           string         `gorm:"type:text;not null;default:''"`
	PrimaryIndustry string         `gorm:"type:text;not null;default:''"`
	SampleTitles    pq.StringArray `gorm:"type:text[]"`
	ClusterID       int            `gorm:"primaryKey;autoIncrement:false"`
	ItemCount       int            `gorm:"not null;default:0"`
	AvgSimilarity   float64        `gorm:"type:double precision;not null;default:0"`
	MinSimilarity   float64        `gorm:"type:double precision;not null;default:0"`
	MaxSimilarity   float64        `gorm:"type:double precision;not null;default:0"`
	IsOutlierBucket bool           `gorm:"not null;default:false"`
}

func (ScenarioCluster) TableName() string { return "scenario_clusters" }

// ScenarioAssignment places one entity into one cluster of a scenario.
type ScenarioAssignment struct {
	ScenarioID string  `gorm:"primaryKey;type:uuid;index:idx_assignments_cluster,priority:1"`
	EntityID   string  `gorm:"primaryKey;type:text"`
	ClusterID  int     `gorm:"not null;index:idx_assignments_cluster,priority:2"`
	Similarity float64 `gorm:"type:double precision;not null;default:0"`
}

func (ScenarioAssignment) TableName() string { return "scenario_assignments" }

// WorkItem is one snapshot row of a scenario workspace.
type WorkItem struct {
	CreatedAt  time.Time     `gorm:"not null;index:idx_work_items_created"`
	Embedding  *pgvec.Vector `gorm:"type:vector"`
	SessionID  string        `gorm:"primaryKey;type:uuid"`
	EntityID   string        `gorm:"primaryKey;type:text"`
	Title      string        `gorm:"type:text;not null;default:''"`
	Industry   string        `gorm:"type:text;not null;default:''"`
	ClusterID  sql.NullInt64
	Similarity sql.NullFloat64 `gorm:"type:double precision"`
}

func (WorkItem) TableName() string { return "clustering_work_items" }

// WorkCentroid is a provisional centroid of a scenario workspace.
type WorkCentroid struct {
	CreatedAt       time.Time     `gorm:"not null;index:idx_work_centroids_created"`
	Centroid        *pgvec.Vector `gorm:"type:vector"`
	SessionID       string        `gorm:"primaryKey;type:uuid"`
	ClusterID       int           `gorm:"primaryKey;autoIncrement:false"`
	ItemCount       int           `gorm:"not null;default:0"`
	IsOutlierBucket bool          `gorm:"not null;default:false"`
}

func (WorkCentroid) TableName() string { return "clustering_work_centroids" }

// Conversions between GORM rows and domain models.

func toVector(v []float32) *pgvec.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvec.NewVector(v)
	return &vec
}

func fromVector(v *pgvec.Vector) []float32 {
	if v == nil {
		return nil
	}
	return v.Slice()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (e *Entity) toModel() *models.Entity {
	out := &models.Entity{
		ID:         e.ID,
		Type:       models.EntityType(e.EntityType),
		Title:      e.Title,
		Industry:   e.Industry,
		Embedding:  fromVector(e.Embedding),
		Viability:  e.Viability,
		LTV:        e.LTV,
		CAC:        e.CAC,
		HasProduct: e.HasProduct,
	}
	if e.ClusterID.Valid {
		id := int(e.ClusterID.Int64)
		out.ClusterID = &id
	}
	if e.ClusterLabel.Valid {
		label := e.ClusterLabel.String
		out.ClusterLabel = &label
	}
	if e.ClusterSimilarity.Valid {
		sim := e.ClusterSimilarity.Float64
		out.ClusterSimilarity = &sim
	}
	if e.ClusterVersion.Valid {
		v := int(e.ClusterVersion.Int64)
		out.ClusterVersion = &v
	}
	return out
}

func (v *ClusterVersion) toModel() *models.ClusterVersion {
	return &models.ClusterVersion{
		CreatedAt:        v.CreatedAt,
		ActivatedAt:      timePtr(v.ActivatedAt),
		SourceScenarioID: v.SourceScenarioID.String,
		EntityType:       models.EntityType(v.EntityType),
		Version:          v.Version,
		IsActive:         v.IsActive,
	}
}

func (c *ClusterCentroid) toModel() *models.ClusterCentroid {
	return &models.ClusterCentroid{
		CreatedAt:       c.CreatedAt,
		EntityType:      models.EntityType(c.EntityType),
		Label:           c.Label,
		PrimaryIndustry: c.PrimaryIndustry,
		Centroid:        fromVector(c.Centroid),
		Version:         c.Version,
		ClusterID:       c.ClusterID,
		ItemCount:       c.ItemCount,
		AvgSimilarity:   c.AvgSimilarity,
		IsOutlierBucket: c.IsOutlierBucket,
	}
}

func centroidFromModel(c *models.ClusterCentroid) ClusterCentroid {
	return ClusterCentroid{
		CreatedAt:       c.CreatedAt,
		Centroid:        toVector(c.Centroid),
		EntityType:      string(c.EntityType),
		Label:           c.Label,
		PrimaryIndustry: c.PrimaryIndustry,
		Version:         c.Version,
		ClusterID:       c.ClusterID,
		ItemCount:       c.ItemCount,
		AvgSimilarity:   c.AvgSimilarity,
		IsOutlierBucket: c.IsOutlierBucket,
	}
}

func (s *Scenario) toModel() *models.Scenario {
	return &models.Scenario{
		RequestedAt:                  s.RequestedAt,
		StartedAt:                    timePtr(s.StartedAt),
		CompletedAt:                  timePtr(s.CompletedAt),
		ID:                           s.ID,
		EntityType:                   models.EntityType(s.EntityType),
		Status:                       models.ScenarioStatus(s.Status),
		RequestedBy:                  s.RequestedBy,
		SessionID:                    s.SessionID,
		Notes:                        s.Notes,
		KValue:                       s.KValue,
		SimilarityThreshold:          s.SimilarityThreshold,
		TotalItems:                   s.TotalItems,
		OutlierCount:                 s.OutlierCount,
		ClusterCount:                 s.ClusterCount,
		Iterations:                   s.Iterations,
		OutlierPercentage:            s.OutlierPercentage,
		ProductionOutlierPercentage:  s.ProductionOutlierPercentage,
		OutlierImprovementPercentage: s.OutlierImprovementPercentage,
	}
}

func scenarioFromModel(s *models.Scenario) *Scenario {
	return &Scenario{
		RequestedAt:         s.RequestedAt,
		StartedAt:           nullTime(s.StartedAt),
		CompletedAt:         nullTime(s.CompletedAt),
		ID:                  s.ID,
		EntityType:          string(s.EntityType),
		Status:              string(s.Status),
		RequestedBy:         s.RequestedBy,
		SessionID:           s.SessionID,
		Notes:               s.Notes,
		KValue:              s.KValue,
		SimilarityThreshold: s.SimilarityThreshold,
		TotalItems:          s.TotalItems,
	}
}

func (c *ScenarioCluster) toModel() models.ScenarioCluster {
	return models.ScenarioCluster{
		ScenarioID:      c.ScenarioID,
		Label:           c.Label,
		PrimaryIndustry: c.PrimaryIndustry,
		Centroid:        fromVector(c.Centroid),
		SampleTitles:    []string(c.SampleTitles),
		ClusterID:       c.ClusterID,
		ItemCount:       c.ItemCount,
		AvgSimilarity:   c.AvgSimilarity,
		MinSimilarity:   c.MinSimilarity,
		MaxSimilarity:   c.MaxSimilarity,
		IsOutlierBucket: c.IsOutlierBucket,
	}
}

func scenarioClusterFromModel(scenarioID string, c models.ScenarioCluster) ScenarioCluster {
	return ScenarioCluster{
		Centroid:        toVector(c.Centroid),
		ScenarioID:      scenarioID,
		Label:           c.Label,
		PrimaryIndustry: c.PrimaryIndustry,
		SampleTitles:    pq.StringArray(c.SampleTitles),
		ClusterID:       c.ClusterID,
		ItemCount:       c.ItemCount,
		AvgSimilarity:   c.AvgSimilarity,
		MinSimilarity:   c.MinSimilarity,
		MaxSimilarity:   c.MaxSimilarity,
		IsOutlierBucket: c.IsOutlierBucket,
	}
}
