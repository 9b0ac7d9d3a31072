package scoring

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterscope/internal/db/memdb"
	"github.com/thebtf/clusterscope/pkg/models"
)

// mockCandidateReader is a hand-written mock of db.CandidateReader.
type mockCandidateReader struct {
	listFn func(ctx context.Context) ([]*models.SolutionCandidate, error)
}

func (m *mockCandidateReader) ListSolutionCandidates(ctx context.Context) ([]*models.SolutionCandidate, error) {
	return m.listFn(ctx)
}

func TestRanker_PropagatesErrors(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewRanker(&mockCandidateReader{listFn: func(context.Context) ([]*models.SolutionCandidate, error) {
		return nil, boom
	}}, nil, zerolog.Nop())

	_, err := r.Rank(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = r.Best(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRanker_BestNilWhenAllHaveProducts(t *testing.T) {
	r := NewRanker(&mockCandidateReader{listFn: func(context.Context) ([]*models.SolutionCandidate, error) {
		return []*models.SolutionCandidate{{EntityID: "s1", Viability: 1, HasProduct: true}}, nil
	}}, nil, zerolog.Nop())

	best, err := r.Best(context.Background())
	require.NoError(t, err)
	assert.Nil(t, best)
}

// Problem counts come from the production cluster-label join.
func TestRanker_ProductionLabelJoin(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	_, err := store.UpsertEntities(ctx, []*models.Entity{
		{ID: "p1", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}},
		{ID: "p2", Type: models.EntityTypeProblem, Embedding: []float32{1, 0}},
		{ID: "p3", Type: models.EntityTypeProblem, Embedding: []float32{0, 1}},
		{ID: "sA", Type: models.EntityTypeSolution, Embedding: []float32{1, 0}, Viability: 0.5, LTV: 300, CAC: 100},
		{ID: "sB", Type: models.EntityTypeSolution, Embedding: []float32{0, 1}, Viability: 0.5, LTV: 300, CAC: 100},
	})
	require.NoError(t, err)
	_, err = store.StampEntities(ctx, 1, []models.EntityClusterUpdate{
		{EntityID: "p1", ClusterID: 1, Label: "Billing"},
		{EntityID: "p2", ClusterID: 1, Label: "Billing"},
		{EntityID: "p3", ClusterID: 2, Label: "Shipping"},
		{EntityID: "sA", ClusterID: 1, Label: "Billing"},
		{EntityID: "sB", ClusterID: 2, Label: "Shipping"},
	})
	require.NoError(t, err)

	r := NewRanker(store, nil, zerolog.Nop())
	ranked, err := r.Rank(ctx)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "sA", ranked[0].EntityID)
	assert.Equal(t, 2, ranked[0].ProblemCount)
	assert.Equal(t, 1, ranked[1].ProblemCount)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.85, ranked[1].Score, 1e-9)

	best, err := r.Best(ctx)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "sA", best.EntityID)
}
