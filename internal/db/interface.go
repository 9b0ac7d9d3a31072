// Package db defines the storage interfaces for the clusterscope stores.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/thebtf/clusterscope/pkg/models"
)

var (
	// ErrScenarioNotFound is returned when no scenario has the requested id.
	ErrScenarioNotFound = errors.New("scenario not found")
	// ErrVersionNotFound is returned when a cluster version does not exist,
	// including asking for the active version before any promotion.
	ErrVersionNotFound = errors.New("cluster version not found")
	// ErrClusterNotFound is returned by label writes that address a missing cluster.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrEntityNotFound is returned when no entity has the requested id.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalidTransition is returned when a scenario is not in the status a write requires.
	ErrInvalidTransition = errors.New("invalid scenario status transition")
	// ErrWorkspaceReleased is returned by a workspace used after Release.
	ErrWorkspaceReleased = errors.New("workspace already released")
)

// ScenarioReader defines read operations for scenarios and their results.
type ScenarioReader interface {
	GetScenario(ctx context.Context, id string) (*models.Scenario, error)
	// LockScenario reads a scenario and holds a row lock until the transaction ends.
	// Outside a transaction it behaves like GetScenario.
	LockScenario(ctx context.Context, id string) (*models.Scenario, error)
	ListScenarios(ctx context.Context, filter models.ScenarioFilter) ([]*models.Scenario, error)
	ListPendingScenarioIDs(ctx context.Context, limit int) ([]string, error)
	GetScenarioClusters(ctx context.Context, scenarioID string) ([]models.ScenarioCluster, error)
	GetScenarioAssignments(ctx context.Context, scenarioID string) ([]models.ScenarioAssignment, error)
}

// ScenarioWriter defines write operations for scenarios.
type ScenarioWriter interface {
	CreateScenario(ctx context.Context, s *models.Scenario) error
	// TransitionScenario moves a scenario from one status to another only if it is
	// currently in from. It reports whether the row was changed.
	TransitionScenario(ctx context.Context, id string, from, to models.ScenarioStatus, at time.Time) (bool, error)
	// SaveScenarioResult writes clusters, assignments and frozen metrics and marks the
	// scenario completed.
	SaveScenarioResult(ctx context.Context, id string, result *models.ScenarioResult) error
	AppendScenarioNote(ctx context.Context, id string, at time.Time, note string) error
	UpdateScenarioClusterLabel(ctx context.Context, scenarioID string, clusterID int, label string) error
	// DeleteScenario removes a scenario with its clusters and assignments.
	DeleteScenario(ctx context.Context, id string) error
}

// ScenarioStore combines read and write operations for scenarios.
type ScenarioStore interface {
	ScenarioReader
	ScenarioWriter
}

// ProductionReader defines read operations over versioned production clustering.
type ProductionReader interface {
	GetActiveVersion(ctx context.Context) (*models.ClusterVersion, error)
	GetVersion(ctx context.Context, version int) (*models.ClusterVersion, error)
	ListVersions(ctx context.Context) ([]*models.ClusterVersion, error)
	// GetCentroids returns the centroids of a version; an empty entityType returns all types.
	GetCentroids(ctx context.Context, version int, entityType models.EntityType) ([]*models.ClusterCentroid, error)
	// ProductionSnapshot counts clustered and outlier entities of a type at the active version.
	ProductionSnapshot(ctx context.Context, entityType models.EntityType) (*models.ProductionSnapshot, error)
	// FindOrphanedClusters lists entities whose stamped cluster has no centroid at their version.
	FindOrphanedClusters(ctx context.Context) ([]*models.OrphanedCluster, error)
}

// ProductionWriter defines the promotion steps. They are only meaningful inside WithinTx.
type ProductionWriter interface {
	// LockPromotion serialises promotions for the rest of the transaction.
	LockPromotion(ctx context.Context) error
	NextVersion(ctx context.Context) (int, error)
	CreateVersion(ctx context.Context, v *models.ClusterVersion) error
	InsertCentroids(ctx context.Context, centroids []*models.ClusterCentroid) error
	// CopyCentroids carries the centroids of one entity type forward between versions.
	CopyCentroids(ctx context.Context, fromVersion, toVersion int, entityType models.EntityType, at time.Time) (int, error)
	// StampEntities writes production cluster columns at the given version.
	StampEntities(ctx context.Context, version int, updates []models.EntityClusterUpdate) (int, error)
	// ClearUnstamped clears cluster columns of entities of a type not stamped at version.
	ClearUnstamped(ctx context.Context, entityType models.EntityType, version int) (int, error)
	// RestampVersion moves clustered entities of a type to version without changing their cluster.
	RestampVersion(ctx context.Context, entityType models.EntityType, version int) (int, error)
	// ActivateVersion makes version the only active one.
	ActivateVersion(ctx context.Context, version int, at time.Time) error
	// UpdateCentroidLabel relabels a production cluster and the entities stamped with it.
	UpdateCentroidLabel(ctx context.Context, version int, entityType models.EntityType, clusterID int, label string) error
}

// ProductionStore combines read and write operations over production clustering.
type ProductionStore interface {
	ProductionReader
	ProductionWriter
}

// WorkspaceWriter fills and drops workspace rows. Snapshotting inside the transaction
// that creates a scenario fixes the items the scenario will cluster.
type WorkspaceWriter interface {
	// SnapshotWorkspace copies every embedded entity of a type into workspace
	// sessionID and returns how many it copied.
	SnapshotWorkspace(ctx context.Context, sessionID string, entityType models.EntityType) (int, error)
	// DropWorkspace removes every row of workspace sessionID. Unknown sessions are a no-op.
	DropWorkspace(ctx context.Context, sessionID string) error
}

// Tx is the unit of work handed to Store.WithinTx.
type Tx interface {
	ScenarioStore
	ProductionStore
	WorkspaceWriter
}

// Workspace is a scenario run's private scratch area. Rows written through it are
// keyed by SessionID and purged by Release.
type Workspace interface {
	SessionID() string
	Items(ctx context.Context) ([]models.WorkItem, error)
	SaveProvisional(ctx context.Context, assignments []models.ScenarioAssignment, clusters []models.ScenarioCluster) error
	Release(ctx context.Context) error
}

// WorkspaceStore allocates scenario workspaces.
type WorkspaceStore interface {
	// OpenWorkspace snapshots every embedded entity of a type into a new workspace.
	OpenWorkspace(ctx context.Context, entityType models.EntityType) (Workspace, error)
	// ResumeWorkspace returns a handle on a workspace filled by SnapshotWorkspace.
	ResumeWorkspace(ctx context.Context, sessionID string) (Workspace, error)
	// PurgeStaleWorkspaces removes leftovers of workspaces opened before olderThan
	// ago. Workspaces owned by a pending or processing scenario are kept.
	PurgeStaleWorkspaces(ctx context.Context, olderThan time.Duration) (int64, error)
}

// HealthChecker is implemented by stores that can report more than Ping. The
// worker's readiness endpoint uses it when the store provides it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) *HealthInfo
}

// Health statuses reported in HealthInfo.Status.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthInfo contains storage health check results.
type HealthInfo struct {
	CheckedAt   time.Time     `json:"checked_at"`
	Pool        *PoolStats    `json:"pool,omitempty"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Warning     string        `json:"warning,omitempty"`
	PingLatency time.Duration `json:"ping_latency_ns"`
}

// Ready reports whether the store can take traffic. A degraded store still can.
func (h *HealthInfo) Ready() bool {
	return h != nil && h.Status != HealthStatusUnhealthy
}

// PoolStats contains connection pool statistics.
type PoolStats struct {
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration_ns"`
}

// EntityStore reads and ingests clusterable entities.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	ListEntities(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error)
	UpsertEntities(ctx context.Context, entities []*models.Entity) (int, error)
}

// CandidateReader reads the production attributes the candidate scorer needs.
type CandidateReader interface {
	ListSolutionCandidates(ctx context.Context) ([]*models.SolutionCandidate, error)
}

// Store is the full storage backend. Calls made directly on a Store run in their own
// implicit transaction.
type Store interface {
	Tx
	WorkspaceStore
	EntityStore
	CandidateReader

	// WithinTx runs fn in one transaction. Any error returned by fn rolls back
	// every write made through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
