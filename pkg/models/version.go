// Package models contains domain models for clusterscope.
package models

import "time"

// ClusterVersion is one generation of production clustering.
// Exactly one version is active once any version exists.
type ClusterVersion struct {
	CreatedAt        time.Time  `json:"created_at"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	SourceScenarioID string     `json:"source_scenario_id,omitempty"`
	EntityType       EntityType `json:"entity_type"`
	Version          int        `json:"version"`
	IsActive         bool       `json:"is_active"`
}

// ClusterCentroid is the representative of one production cluster at one version.
// The outlier bucket carries no centroid vector.
type ClusterCentroid struct {
	CreatedAt       time.Time  `json:"created_at"`
	EntityType      EntityType `json:"entity_type"`
	Label           string     `json:"label"`
	PrimaryIndustry string     `json:"primary_industry,omitempty"`
	Centroid        []float32  `json:"-"`
	Version         int        `json:"version"`
	ClusterID       int        `json:"cluster_id"`
	ItemCount       int        `json:"item_count"`
	AvgSimilarity   float64    `json:"avg_similarity"`
	IsOutlierBucket bool       `json:"is_outlier_bucket"`
}

// ProductionSnapshot counts production assignments of one entity type at the active version.
type ProductionSnapshot struct {
	EntityType   EntityType `json:"entity_type"`
	Version      int        `json:"version"`
	TotalItems   int        `json:"total_items"`
	OutlierCount int        `json:"outlier_count"`
}

// PromotionResult reports the outcome of applying a scenario to production.
type PromotionResult struct {
	PromotedAt      time.Time  `json:"promoted_at"`
	ScenarioID      string     `json:"scenario_id"`
	EntityType      EntityType `json:"entity_type"`
	NewVersion      int        `json:"new_version"`
	PreviousVersion int        `json:"previous_version,omitempty"`
	EntitiesUpdated int        `json:"entities_updated"`
	EntitiesCleared int        `json:"entities_cleared"`
	CentroidsCopied int        `json:"centroids_copied"`
}
