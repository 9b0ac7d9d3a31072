// Package scoring ranks production solutions as downstream candidates.
package scoring

import (
	"sort"
	"sync"

	"github.com/thebtf/clusterscope/pkg/models"
)

// CandidateCalculator computes composite candidate scores.
type CandidateCalculator struct {
	config *models.CandidateConfig
	mu     sync.RWMutex
}

// NewCandidateCalculator creates a new candidate calculator.
// If config is nil, uses the default configuration.
func NewCandidateCalculator(config *models.CandidateConfig) *CandidateCalculator {
	if config == nil {
		config = models.DefaultCandidateConfig()
	}
	return &CandidateCalculator{config: config}
}

// Bounds are the per-factor maxima of a candidate set. Each factor is divided by its
// maximum, so scores are only comparable within one set.
type Bounds struct {
	Viability    float64 `json:"viability"`
	Ratio        float64 `json:"ratio"`
	ProblemCount float64 `json:"problem_count"`
}

// ComputeBounds returns the maxima of every factor over candidates.
func ComputeBounds(candidates []*models.SolutionCandidate) Bounds {
	var b Bounds
	for _, c := range candidates {
		b.Viability = max(b.Viability, c.Viability)
		b.Ratio = max(b.Ratio, c.LTVCACRatio())
		b.ProblemCount = max(b.ProblemCount, float64(c.ProblemCount))
	}
	return b
}

// ScoreComponents contains the breakdown of a candidate score.
type ScoreComponents struct {
	Viability    float64 `json:"viability"`     // normalised, 0..1
	Ratio        float64 `json:"ratio"`         // normalised LTV/CAC, 0..1
	ProblemCount float64 `json:"problem_count"` // normalised, 0..1
	FinalScore   float64 `json:"final_score"`
}

// Score computes the composite score of c within a set described by bounds.
//
//	FinalScore = Viability×0.4 + Ratio×0.3 + ProblemCount×0.3   (default weights)
func (c *CandidateCalculator) Score(candidate *models.SolutionCandidate, bounds Bounds) float64 {
	return c.CalculateComponents(candidate, bounds).FinalScore
}

// CalculateComponents returns the normalised factors and the weighted total.
func (c *CandidateCalculator) CalculateComponents(candidate *models.SolutionCandidate, bounds Bounds) ScoreComponents {
	cfg := c.GetConfig()
	sc := ScoreComponents{
		Viability:    normalize(candidate.Viability, bounds.Viability),
		Ratio:        normalize(candidate.LTVCACRatio(), bounds.Ratio),
		ProblemCount: normalize(float64(candidate.ProblemCount), bounds.ProblemCount),
	}
	sc.FinalScore = sc.Viability*cfg.ViabilityWeight +
		sc.Ratio*cfg.RatioWeight +
		sc.ProblemCount*cfg.ProblemCountWeight
	return sc
}

// normalize divides by the set maximum; a non-positive maximum contributes nothing.
func normalize(v, maximum float64) float64 {
	if maximum <= 0 || v <= 0 {
		return 0
	}
	return min(v/maximum, 1)
}

// RankedCandidate is a candidate with its score breakdown.
type RankedCandidate struct {
	*models.SolutionCandidate
	Components ScoreComponents `json:"components"`
	Score      float64         `json:"score"`
	Rank       int             `json:"rank"`
}

// Rank scores every candidate against the whole set and orders them by score,
// ties broken by lower entity id.
func (c *CandidateCalculator) Rank(candidates []*models.SolutionCandidate) []*RankedCandidate {
	bounds := ComputeBounds(candidates)
	ranked := make([]*RankedCandidate, len(candidates))
	for i, cand := range candidates {
		comp := c.CalculateComponents(cand, bounds)
		ranked[i] = &RankedCandidate{SolutionCandidate: cand, Components: comp, Score: comp.FinalScore}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].EntityID < ranked[j].EntityID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// BestCandidate returns the top-ranked solution without a downstream product.
// Solutions with a product still count towards normalisation.
func (c *CandidateCalculator) BestCandidate(candidates []*models.SolutionCandidate) (*RankedCandidate, bool) {
	for _, r := range c.Rank(candidates) {
		if !r.HasProduct {
			return r, true
		}
	}
	return nil, false
}

// UpdateConfig replaces the weights. A nil config is ignored.
func (c *CandidateCalculator) UpdateConfig(config *models.CandidateConfig) {
	if config == nil {
		return
	}
	c.mu.Lock()
	c.config = config
	c.mu.Unlock()
}

// GetConfig returns the current weights.
func (c *CandidateCalculator) GetConfig() *models.CandidateConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}
