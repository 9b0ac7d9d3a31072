package gorm

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterscope/pkg/models"
)

func TestEntity_ToModel(t *testing.T) {
	row := Entity{
		ID:                "p1",
		EntityType:        "problem",
		Title:             "late invoices",
		Embedding:         toVector([]float32{0.5, 0.5}),
		ClusterID:         sql.NullInt64{Int64: 3, Valid: true},
		ClusterLabel:      sql.NullString{String: "Billing", Valid: true},
		ClusterSimilarity: sql.NullFloat64{Float64: 0.91, Valid: true},
		ClusterVersion:    sql.NullInt64{Int64: 7, Valid: true},
	}

	e := row.toModel()
	assert.Equal(t, models.EntityTypeProblem, e.Type)
	assert.Equal(t, []float32{0.5, 0.5}, e.Embedding)
	require.NotNil(t, e.ClusterID)
	assert.Equal(t, 3, *e.ClusterID)
	assert.Equal(t, "Billing", *e.ClusterLabel)
	assert.Equal(t, 7, *e.ClusterVersion)

	row.ClusterID = sql.NullInt64{}
	row.ClusterVersion = sql.NullInt64{}
	e = row.toModel()
	assert.Nil(t, e.ClusterID)
	assert.Nil(t, e.ClusterVersion)
}

func TestScenario_RoundTripsTimestamps(t *testing.T) {
	started := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	in := &models.Scenario{
		ID:                  "s1",
		EntityType:          models.EntityTypeSolution,
		Status:              models.ScenarioProcessing,
		KValue:              5,
		SimilarityThreshold: 0.7,
		StartedAt:           &started,
	}

	row := scenarioFromModel(in)
	assert.True(t, row.StartedAt.Valid)
	assert.False(t, row.CompletedAt.Valid)

	out := row.toModel()
	require.NotNil(t, out.StartedAt)
	assert.True(t, started.Equal(*out.StartedAt))
	assert.Nil(t, out.CompletedAt)
	assert.Equal(t, in.KValue, out.KValue)
}

func TestScenarioCluster_OutlierHasNoVector(t *testing.T) {
	row := scenarioClusterFromModel("s1", models.ScenarioCluster{ClusterID: 0, IsOutlierBucket: true})
	assert.Nil(t, row.Centroid)
	assert.Equal(t, "s1", row.ScenarioID)
	assert.Nil(t, row.toModel().Centroid)
}

func TestVectorLiteral(t *testing.T) {
	lit, err := vectorLiteral([]float32{1, 2.5})
	require.NoError(t, err)
	s, ok := lit.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
	assert.Contains(t, s, "2.5")

	lit, err = vectorLiteral(nil)
	require.NoError(t, err)
	assert.Nil(t, lit)
}
