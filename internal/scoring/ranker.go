package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/clusterscope/internal/db"
)

// Ranker reads production candidates and ranks them. It never writes.
type Ranker struct {
	log        zerolog.Logger
	store      db.CandidateReader
	calculator *CandidateCalculator
}

// NewRanker creates a ranker over the production store.
func NewRanker(store db.CandidateReader, calc *CandidateCalculator, log zerolog.Logger) *Ranker {
	if calc == nil {
		calc = NewCandidateCalculator(nil)
	}
	return &Ranker{
		store:      store,
		calculator: calc,
		log:        log.With().Str("component", "candidate-ranker").Logger(),
	}
}

// Calculator returns the calculator used for scoring.
func (r *Ranker) Calculator() *CandidateCalculator { return r.calculator }

// Rank returns every production solution ranked by candidate score.
func (r *Ranker) Rank(ctx context.Context) ([]*RankedCandidate, error) {
	start := time.Now()
	candidates, err := r.store.ListSolutionCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list solution candidates: %w", err)
	}
	ranked := r.calculator.Rank(candidates)
	r.log.Debug().
		Int("candidates", len(ranked)).
		Dur("elapsed", time.Since(start)).
		Msg("Candidates ranked")
	return ranked, nil
}

// Best returns the production best candidate, or nil when every solution already
// has a downstream product.
func (r *Ranker) Best(ctx context.Context) (*RankedCandidate, error) {
	candidates, err := r.store.ListSolutionCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list solution candidates: %w", err)
	}
	best, ok := r.calculator.BestCandidate(candidates)
	if !ok {
		return nil, nil
	}
	return best, nil
}
