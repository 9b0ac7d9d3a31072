package memdb

import (
	"time"

	"github.com/thebtf/clusterscope/pkg/models"
)

type centroidKey struct {
	entityType models.EntityType
	version    int
	clusterID  int
}

type workspaceData struct {
	openedAt    time.Time
	entityType  models.EntityType
	items       []models.WorkItem
	assignments []models.ScenarioAssignment
	clusters    []models.ScenarioCluster
}

// data is the whole database. Records are replaced, never mutated in place, so a
// shallow copy of each map is enough to isolate a transaction.
type data struct {
	entities    map[string]*models.Entity
	scenarios   map[string]*models.Scenario
	clusters    map[string][]models.ScenarioCluster
	assignments map[string][]models.ScenarioAssignment
	versions    map[int]*models.ClusterVersion
	centroids   map[centroidKey]*models.ClusterCentroid
	workspaces  map[string]*workspaceData
}

func newData() *data {
	return &data{
		entities:    make(map[string]*models.Entity),
		scenarios:   make(map[string]*models.Scenario),
		clusters:    make(map[string][]models.ScenarioCluster),
		assignments: make(map[string][]models.ScenarioAssignment),
		versions:    make(map[int]*models.ClusterVersion),
		centroids:   make(map[centroidKey]*models.ClusterCentroid),
		workspaces:  make(map[string]*workspaceData),
	}
}

func (d *data) clone() *data {
	out := newData()
	for k, v := range d.entities {
		out.entities[k] = v
	}
	for k, v := range d.scenarios {
		out.scenarios[k] = v
	}
	for k, v := range d.clusters {
		out.clusters[k] = v
	}
	for k, v := range d.assignments {
		out.assignments[k] = v
	}
	for k, v := range d.versions {
		out.versions[k] = v
	}
	for k, v := range d.centroids {
		out.centroids[k] = v
	}
	for k, v := range d.workspaces {
		out.workspaces[k] = v
	}
	return out
}

func copyScenario(s *models.Scenario) *models.Scenario {
	c := *s
	return &c
}

func copyEntity(e *models.Entity) *models.Entity {
	c := *e
	return &c
}

func copyVersion(v *models.ClusterVersion) *models.ClusterVersion {
	c := *v
	return &c
}

func copyCentroid(c *models.ClusterCentroid) *models.ClusterCentroid {
	out := *c
	return &out
}

func ptr[T any](v T) *T {
	return &v
}
