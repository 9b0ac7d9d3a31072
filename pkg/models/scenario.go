// Package models contains domain models for clusterscope.
package models

import (
	"strings"
	"time"
)

// ScenarioStatus represents the lifecycle state of a clustering scenario.
type ScenarioStatus string

const (
	// ScenarioPending means the scenario is queued and validated but not yet claimed.
	ScenarioPending ScenarioStatus = "pending"
	// ScenarioProcessing means a worker owns the scenario and is clustering.
	ScenarioProcessing ScenarioStatus = "processing"
	// ScenarioCompleted means results and metrics are written and frozen.
	ScenarioCompleted ScenarioStatus = "completed"
	// ScenarioFailed means the run stopped on an unrecoverable error; see notes.
	ScenarioFailed ScenarioStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ScenarioStatus) Valid() bool {
	switch s {
	case ScenarioPending, ScenarioProcessing, ScenarioCompleted, ScenarioFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further status transition is possible.
func (s ScenarioStatus) IsTerminal() bool {
	return s == ScenarioCompleted || s == ScenarioFailed
}

// CanTransition reports whether moving from s to next is a legal state change.
//
//	pending    -> processing | failed
//	processing -> completed  | failed | pending
//
// processing -> pending requeues a run interrupted by shutdown.
func (s ScenarioStatus) CanTransition(next ScenarioStatus) bool {
	switch s {
	case ScenarioPending:
		return next == ScenarioProcessing || next == ScenarioFailed
	case ScenarioProcessing:
		return next == ScenarioCompleted || next == ScenarioFailed || next == ScenarioPending
	}
	return false
}

// Scenario is an isolated trial clustering run with its own parameters and results.
// TotalItems and SessionID are fixed at creation: the run clusters exactly the
// entities snapshotted into that workspace. The other metric fields are only
// meaningful once Status is ScenarioCompleted.
type Scenario struct {
	RequestedAt                  time.Time      `json:"requested_at"`
	StartedAt                    *time.Time     `json:"started_at,omitempty"`
	CompletedAt                  *time.Time     `json:"completed_at,omitempty"`
	ID                           string         `json:"id"`
	EntityType                   EntityType     `json:"entity_type"`
	Status                       ScenarioStatus `json:"status"`
	RequestedBy                  string         `json:"requested_by,omitempty"`
	SessionID                    string         `json:"session_id,omitempty"`
	Notes                        string         `json:"notes,omitempty"`
	KValue                       int            `json:"k_value"`
	SimilarityThreshold          float64        `json:"similarity_threshold"`
	TotalItems                   int            `json:"total_items"`
	OutlierCount                 int            `json:"outlier_count"`
	ClusterCount                 int            `json:"cluster_count"`
	Iterations                   int            `json:"iterations"`
	OutlierPercentage            float64        `json:"outlier_percentage"`
	ProductionOutlierPercentage  float64        `json:"production_outlier_percentage"`
	OutlierImprovementPercentage float64        `json:"outlier_improvement_percentage"`
}

// ScenarioCluster summarises one cluster of a scenario for operator review.
type ScenarioCluster struct {
	ScenarioID      string    `json:"scenario_id"`
	Label           string    `json:"label"`
	PrimaryIndustry string    `json:"primary_industry,omitempty"`
	Centroid        []float32 `json:"-"`
	SampleTitles    []string  `json:"sample_titles"`
	ClusterID       int       `json:"cluster_id"`
	ItemCount       int       `json:"item_count"`
	AvgSimilarity   float64   `json:"avg_similarity"`
	MinSimilarity   float64   `json:"min_similarity"`
	MaxSimilarity   float64   `json:"max_similarity"`
	IsOutlierBucket bool      `json:"is_outlier_bucket"`
}

// ScenarioAssignment places one entity into one cluster of one scenario.
type ScenarioAssignment struct {
	ScenarioID string  `json:"scenario_id"`
	EntityID   string  `json:"entity_id"`
	ClusterID  int     `json:"cluster_id"`
	Similarity float64 `json:"similarity"`
}

// ScenarioDetails is a scenario with its clusters, returned for visualisation.
type ScenarioDetails struct {
	Scenario *Scenario         `json:"scenario"`
	Clusters []ScenarioCluster `json:"clusters,omitempty"`
}

// ScenarioFilter narrows scenario listings.
type ScenarioFilter struct {
	EntityType EntityType
	Status     ScenarioStatus
	Limit      int
	Offset     int
}

// ScenarioResult carries everything written when a scenario completes.
type ScenarioResult struct {
	Clusters    []ScenarioCluster
	Assignments []ScenarioAssignment
	Metrics     ScenarioMetrics
	CompletedAt time.Time
}

// ScenarioMetrics are the frozen comparison numbers of a completed scenario.
type ScenarioMetrics struct {
	TotalItems                   int     `json:"total_items"`
	OutlierCount                 int     `json:"outlier_count"`
	ClusterCount                 int     `json:"cluster_count"`
	Iterations                   int     `json:"iterations"`
	OutlierPercentage            float64 `json:"outlier_percentage"`
	ProductionOutlierPercentage  float64 `json:"production_outlier_percentage"`
	OutlierImprovementPercentage float64 `json:"outlier_improvement_percentage"`
}

// AppendNote returns notes with a timestamped line appended.
// Notes are an append-only audit trail; existing lines are never rewritten.
func AppendNote(notes string, at time.Time, line string) string {
	entry := "[" + at.UTC().Format(time.RFC3339) + "] " + strings.TrimSpace(line)
	if strings.TrimSpace(notes) == "" {
		return entry
	}
	return strings.TrimRight(notes, "\n") + "\n" + entry
}
