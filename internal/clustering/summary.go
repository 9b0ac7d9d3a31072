package clustering

import (
	"math"
	"sort"

	"github.com/thebtf/clusterscope/pkg/models"
	"github.com/thebtf/clusterscope/pkg/similarity"
)

// summarize turns a clustering result into scenario rows. Clusters follow the result's
// centroid order, so the outlier bucket comes last.
func summarize(scenarioID string, items []models.WorkItem, res *similarity.Result, sampleSize int) ([]models.ScenarioCluster, []models.ScenarioAssignment) {
	byID := make(map[string]*models.WorkItem, len(items))
	for i := range items {
		byID[items[i].EntityID] = &items[i]
	}

	members := make(map[int][]similarity.Assignment, len(res.Centroids))
	assignments := make([]models.ScenarioAssignment, len(res.Assignments))
	for i, a := range res.Assignments {
		members[a.ClusterID] = append(members[a.ClusterID], a)
		assignments[i] = models.ScenarioAssignment{
			ScenarioID: scenarioID,
			EntityID:   a.ID,
			ClusterID:  a.ClusterID,
			Similarity: a.Similarity,
		}
	}

	clusters := make([]models.ScenarioCluster, 0, len(res.Centroids))
	for _, c := range res.Centroids {
		group := members[c.ClusterID]
		sc := models.ScenarioCluster{
			ScenarioID:      scenarioID,
			ClusterID:       c.ClusterID,
			Label:           models.DefaultClusterLabel(c.ClusterID),
			Centroid:        c.Vector,
			ItemCount:       len(group),
			IsOutlierBucket: c.IsOutlier,
		}
		sc.AvgSimilarity, sc.MinSimilarity, sc.MaxSimilarity = similarityStats(group)
		sc.PrimaryIndustry = primaryIndustry(group, byID)
		sc.SampleTitles = sampleTitles(group, byID, sampleSize)
		clusters = append(clusters, sc)
	}
	return clusters, assignments
}

func similarityStats(group []similarity.Assignment) (avg, lo, hi float64) {
	if len(group) == 0 {
		return 0, 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, a := range group {
		sum += a.Similarity
		lo = math.Min(lo, a.Similarity)
		hi = math.Max(hi, a.Similarity)
	}
	return sum / float64(len(group)), lo, hi
}

// primaryIndustry is the most frequent non-empty industry; ties go to the
// alphabetically first.
func primaryIndustry(group []similarity.Assignment, byID map[string]*models.WorkItem) string {
	counts := make(map[string]int)
	for _, a := range group {
		if it := byID[a.ID]; it != nil && it.Industry != "" {
			counts[it.Industry]++
		}
	}
	best, bestN := "", 0
	for industry, n := range counts {
		if n > bestN || (n == bestN && industry < best) {
			best, bestN = industry, n
		}
	}
	return best
}

// sampleTitles returns up to n titles of the members most similar to the centroid.
func sampleTitles(group []similarity.Assignment, byID map[string]*models.WorkItem, n int) []string {
	if n <= 0 || len(group) == 0 {
		return nil
	}
	ranked := make([]similarity.Assignment, len(group))
	copy(ranked, group)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		return ranked[i].ID < ranked[j].ID
	})

	titles := make([]string, 0, min(n, len(ranked)))
	for _, a := range ranked {
		if len(titles) == n {
			break
		}
		if it := byID[a.ID]; it != nil && it.Title != "" {
			titles = append(titles, it.Title)
		}
	}
	return titles
}
