// Package models contains domain models for clusterscope.
package models

// SolutionCandidate holds the production attributes the candidate scorer reads.
type SolutionCandidate struct {
	EntityID     string  `json:"entity_id"`
	Title        string  `json:"title"`
	ClusterLabel string  `json:"cluster_label,omitempty"`
	Viability    float64 `json:"viability"`
	LTV          float64 `json:"ltv"`
	CAC          float64 `json:"cac"`
	ProblemCount int     `json:"problem_count"` // problems sharing the production cluster label
	HasProduct   bool    `json:"has_product"`
}

// LTVCACRatio returns LTV/CAC, or 0 when CAC is not positive.
func (c *SolutionCandidate) LTVCACRatio() float64 {
	if c.CAC <= 0 {
		return 0
	}
	return c.LTV / c.CAC
}

// CandidateConfig contains the composite candidate score weights.
type CandidateConfig struct {
	ViabilityWeight    float64 `json:"viability_weight"`
	RatioWeight        float64 `json:"ratio_weight"`
	ProblemCountWeight float64 `json:"problem_count_weight"`
}

// DefaultCandidateConfig returns the production weighting 0.4 / 0.3 / 0.3.
func DefaultCandidateConfig() *CandidateConfig {
	return &CandidateConfig{
		ViabilityWeight:    0.4,
		RatioWeight:        0.3,
		ProblemCountWeight: 0.3,
	}
}
