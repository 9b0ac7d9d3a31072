// Package models contains domain models for clusterscope.
package models

import "fmt"

// EntityType identifies which kind of content item is being clustered.
type EntityType string

const (
	// EntityTypeProblem is a problem statement harvested upstream.
	EntityTypeProblem EntityType = "problem"
	// EntityTypeSolution is a proposed solution to one or more problems.
	EntityTypeSolution EntityType = "solution"
)

// AllEntityTypes lists every clusterable entity type.
var AllEntityTypes = []EntityType{EntityTypeProblem, EntityTypeSolution}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityTypeProblem || t == EntityTypeSolution
}

// ParseEntityType converts a string into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q (want problem or solution)", s)
	}
	return t, nil
}

// OutlierClusterID is the cluster id reserved for the outlier bucket.
const OutlierClusterID = 0

// OutlierLabel is the label given to the outlier bucket.
const OutlierLabel = "Outliers"

// DefaultClusterLabel is used until the external labeling step names a cluster.
func DefaultClusterLabel(clusterID int) string {
	if clusterID == OutlierClusterID {
		return OutlierLabel
	}
	return fmt.Sprintf("Cluster %d", clusterID)
}

// Entity is a clusterable item together with its production cluster assignment.
// The cluster fields are nil until a promotion stamps them.
type Entity struct {
	ID                string     `json:"id"`
	Type              EntityType `json:"type"`
	Title             string     `json:"title"`
	Industry          string     `json:"industry,omitempty"`
	Embedding         []float32  `json:"-"`
	ClusterID         *int       `json:"cluster_id,omitempty"`
	ClusterLabel      *string    `json:"cluster_label,omitempty"`
	ClusterSimilarity *float64   `json:"cluster_similarity,omitempty"`
	ClusterVersion    *int       `json:"cluster_version,omitempty"`

	// Solution attributes read by the candidate scorer; zero for problems.
	Viability  float64 `json:"viability,omitempty"`
	LTV        float64 `json:"ltv,omitempty"`
	CAC        float64 `json:"cac,omitempty"`
	HasProduct bool    `json:"has_product,omitempty"`
}

// HasEmbedding reports whether the entity can take part in clustering.
func (e *Entity) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// WorkItem is one row of a clustering workspace: an entity snapshot with its vector.
type WorkItem struct {
	EntityID  string    `json:"entity_id"`
	Title     string    `json:"title"`
	Industry  string    `json:"industry,omitempty"`
	Embedding []float32 `json:"-"`
}

// EntityClusterUpdate is the production stamp written onto one entity by promotion.
type EntityClusterUpdate struct {
	EntityID   string  `json:"entity_id"`
	ClusterID  int     `json:"cluster_id"`
	Label      string  `json:"cluster_label"`
	Similarity float64 `json:"cluster_similarity"`
}

// OrphanedCluster describes an entity whose production cluster has no centroid
// at the version it is stamped with.
type OrphanedCluster struct {
	EntityID       string     `json:"entity_id"`
	EntityType     EntityType `json:"entity_type"`
	ClusterID      int        `json:"cluster_id"`
	ClusterVersion int        `json:"cluster_version"`
}
