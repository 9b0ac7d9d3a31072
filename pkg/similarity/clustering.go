// Package similarity provides vector similarity and clustering utilities.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// OutlierClusterID is the cluster id reported for items routed to the outlier bucket.
const OutlierClusterID = 0

const (
	// tieEpsilon is the similarity difference below which two centroids count as tied.
	tieEpsilon = 1e-9
	// thresholdTolerance absorbs float32 rounding when comparing against the threshold.
	thresholdTolerance = 1e-6
	// assignChunkSize is the number of items handled per assignment goroutine.
	assignChunkSize = 512

	outlierIdx    = -1
	unassignedIdx = -2
)

var (
	ErrInvalidK          = errors.New("similarity: k must be at least 1")
	ErrInvalidThreshold  = errors.New("similarity: threshold must be in (0, 1]")
	ErrDimensionMismatch = errors.New("similarity: vectors have different dimensions")
	ErrNotConverged      = errors.New("similarity: clustering did not converge")
)

// Options tunes the iterative refinement.
type Options struct {
	// MaxIterations bounds the assignment/update passes of one attempt (default 100).
	MaxIterations int
	// MaxRetries is how many re-seeded attempts follow a non-converging one (default 3).
	MaxRetries int
	// SeedSeparation stops seeding, and triggers centroid merging, once centroids are
	// at least this similar. Never lower than the threshold (default 0.9).
	SeedSeparation float64
	// Parallelism caps concurrent assignment goroutines (default GOMAXPROCS).
	Parallelism int
}

// DefaultOptions returns the default refinement options.
func DefaultOptions() Options {
	return Options{
		MaxIterations:  100,
		MaxRetries:     3,
		SeedSeparation: 0.9,
		Parallelism:    runtime.GOMAXPROCS(0),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SeedSeparation <= 0 || o.SeedSeparation > 1 {
		o.SeedSeparation = def.SeedSeparation
	}
	if o.Parallelism <= 0 {
		o.Parallelism = def.Parallelism
	}
	return o
}

// Item is one vector to cluster.
type Item struct {
	ID     string
	Vector []float32
}

// Assignment places one item into a cluster, or into the outlier bucket.
// For outliers Similarity is the best similarity seen, which fell below the threshold.
type Assignment struct {
	ID         string
	ClusterID  int
	Similarity float64
}

// Centroid is a cluster representative. The outlier bucket has no vector.
type Centroid struct {
	Vector    []float32
	ClusterID int
	Size      int
	IsOutlier bool
}

// Result is the output of one clustering run.
// Assignments are in input order; centroids are ordered by cluster id with the
// outlier bucket last.
type Result struct {
	Assignments  []Assignment
	Centroids    []Centroid
	Iterations   int
	Retries      int
	OutlierCount int
}

// ClusterCount returns the number of non-outlier clusters.
func (r *Result) ClusterCount() int {
	n := 0
	for _, c := range r.Centroids {
		if !c.IsOutlier {
			n++
		}
	}
	return n
}

// Cluster assigns items to approximately k threshold-gated clusters.
//
// Seeding is deterministic farthest-first: the first seed is the item closest to the
// mean direction and each further seed is the item least similar to every existing
// seed, until k seeds exist or the remaining items are all within SeedSeparation of a
// seed. Passes then assign each item to its most similar centroid (ties prefer the
// larger cluster, then the lower index) or to the outlier bucket when below threshold,
// and recompute centroids as re-normalised member means. Empty centroids are dropped
// and near-duplicate centroids merged, so surplus k is absorbed rather than splitting
// natural groups. A run that has not stabilised after MaxIterations is re-seeded from
// the next-closest item, up to MaxRetries times.
func Cluster(ctx context.Context, items []Item, k int, threshold float64, opts Options) (*Result, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if math.IsNaN(threshold) || threshold <= 0 || threshold > 1 {
		return nil, ErrInvalidThreshold
	}
	opts = opts.withDefaults()

	vecs, dims, err := prepareVectors(items)
	if err != nil {
		return nil, err
	}

	valid := make([]int, 0, len(vecs))
	for i, v := range vecs {
		if v != nil {
			valid = append(valid, i)
		}
	}

	effectiveK := min(k, distinctCount(vecs, valid))
	if effectiveK == 0 {
		st := newClusterState(vecs, dims, threshold, threshold, opts.Parallelism)
		for i := range st.assign {
			st.assign[i] = outlierIdx
		}
		return st.result(items, 0, 0), nil
	}

	separation := math.Max(opts.SeedSeparation, threshold)
	order := seedOrder(vecs, valid, dims)

	totalIterations := 0
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st := newClusterState(vecs, dims, threshold, separation, opts.Parallelism)
		st.seed(order[attempt%len(order)], valid, effectiveK)

		iterations, converged, err := st.iterate(ctx, opts.MaxIterations)
		totalIterations += iterations
		if err != nil {
			return nil, err
		}
		if converged {
			return st.result(items, totalIterations, attempt), nil
		}
	}

	return nil, fmt.Errorf("%w: %d iterations over %d attempts", ErrNotConverged, totalIterations, opts.MaxRetries+1)
}

// prepareVectors normalises every vector and checks dimensions agree.
func prepareVectors(items []Item) ([][]float32, int, error) {
	vecs := make([][]float32, len(items))
	dims := 0
	for i, it := range items {
		if len(it.Vector) == 0 {
			continue
		}
		if dims == 0 {
			dims = len(it.Vector)
		} else if len(it.Vector) != dims {
			return nil, 0, fmt.Errorf("%w: item %q has %d, expected %d", ErrDimensionMismatch, it.ID, len(it.Vector), dims)
		}
		vecs[i] = Normalize(it.Vector)
	}
	return vecs, dims, nil
}

// distinctCount counts distinct normalised vectors.
func distinctCount(vecs [][]float32, valid []int) int {
	seen := make(map[string]struct{}, len(valid))
	for _, i := range valid {
		seen[vectorKey(vecs[i])] = struct{}{}
	}
	return len(seen)
}

func vectorKey(v []float32) string {
	b := make([]byte, 0, len(v)*4)
	for _, x := range v {
		u := math.Float32bits(x)
		b = append(b, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
	}
	return string(b)
}

// seedOrder ranks valid items by similarity to the mean direction, most similar first.
func seedOrder(vecs [][]float32, valid []int, dims int) []int {
	members := make([][]float32, len(valid))
	for j, i := range valid {
		members[j] = vecs[i]
	}
	mean := normalizedMean(members, dims)

	order := make([]int, len(valid))
	copy(order, valid)
	if mean == nil {
		return order
	}
	score := make(map[int]float64, len(valid))
	for _, i := range valid {
		score[i] = dot(vecs[i], mean)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return score[order[a]] > score[order[b]]+tieEpsilon
	})
	return order
}

// clusterState is the mutable scratch space of one clustering attempt.
type clusterState struct {
	vecs        [][]float32
	centroids   [][]float32
	assign      []int
	sims        []float64
	sizes       []int
	dims        int
	threshold   float64
	separation  float64
	parallelism int
}

func newClusterState(vecs [][]float32, dims int, threshold, separation float64, parallelism int) *clusterState {
	assign := make([]int, len(vecs))
	for i := range assign {
		assign[i] = unassignedIdx
	}
	return &clusterState{
		vecs:        vecs,
		assign:      assign,
		sims:        make([]float64, len(vecs)),
		dims:        dims,
		threshold:   threshold,
		separation:  separation,
		parallelism: parallelism,
	}
}

// seed picks up to k farthest-first seeds starting from item start.
func (st *clusterState) seed(start int, valid []int, k int) {
	st.centroids = [][]float32{cloneVector(st.vecs[start])}

	best := make(map[int]float64, len(valid))
	for _, i := range valid {
		best[i] = Clamp(dot(st.vecs[i], st.centroids[0]))
	}

	for len(st.centroids) < k {
		next, nextSim := -1, math.Inf(1)
		for _, i := range valid {
			if best[i] < nextSim-tieEpsilon {
				next, nextSim = i, best[i]
			}
		}
		if next < 0 || nextSim >= st.separation {
			break
		}
		c := cloneVector(st.vecs[next])
		st.centroids = append(st.centroids, c)
		for _, i := range valid {
			if s := Clamp(dot(st.vecs[i], c)); s > best[i] {
				best[i] = s
			}
		}
	}
	st.sizes = make([]int, len(st.centroids))
}

// iterate runs assignment/update passes until nothing moves.
func (st *clusterState) iterate(ctx context.Context, maxIterations int) (int, bool, error) {
	for iter := 1; iter <= maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return iter - 1, false, err
		}

		changed, err := st.assignPass(ctx)
		if err != nil {
			return iter, false, err
		}
		dropped := st.updateCentroids()

		if changed == 0 && !dropped {
			if st.mergeClosest() {
				continue
			}
			return iter, true, nil
		}
	}
	return maxIterations, false, nil
}

// assignPass assigns every item to its best centroid and returns how many moved.
func (st *clusterState) assignPass(ctx context.Context) (int, error) {
	n := len(st.vecs)
	chunks := (n + assignChunkSize - 1) / assignChunkSize
	changedPerChunk := make([]int, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.parallelism)
	for c := 0; c < chunks; c++ {
		lo := c * assignChunkSize
		hi := min(lo+assignChunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			changed := 0
			for i := lo; i < hi; i++ {
				idx, sim := st.bestCentroid(st.vecs[i])
				if idx != st.assign[i] {
					changed++
				}
				st.assign[i] = idx
				st.sims[i] = sim
			}
			changedPerChunk[c] = changed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, c := range changedPerChunk {
		total += c
	}
	return total, nil
}

// bestCentroid returns the centroid index for v, or outlierIdx when below threshold.
func (st *clusterState) bestCentroid(v []float32) (int, float64) {
	if v == nil {
		return outlierIdx, 0
	}
	best, bestSim := outlierIdx, math.Inf(-1)
	for c, centroid := range st.centroids {
		s := Clamp(dot(v, centroid))
		switch {
		case best == outlierIdx || s > bestSim+tieEpsilon:
			best, bestSim = c, s
		case s >= bestSim-tieEpsilon && st.sizes[c] > st.sizes[best]:
			best, bestSim = c, s
		}
	}
	if best == outlierIdx {
		return outlierIdx, 0
	}
	if bestSim < st.threshold-thresholdTolerance {
		return outlierIdx, bestSim
	}
	return best, bestSim
}

// updateCentroids recomputes member means and drops centroids with no members.
// Returns true when any centroid was dropped.
func (st *clusterState) updateCentroids() bool {
	members := make([][][]float32, len(st.centroids))
	for i, a := range st.assign {
		if a >= 0 {
			members[a] = append(members[a], st.vecs[i])
		}
	}

	remap := make([]int, len(st.centroids))
	kept := st.centroids[:0]
	sizes := make([]int, 0, len(st.centroids))
	for c := range members {
		if len(members[c]) == 0 {
			remap[c] = outlierIdx
			continue
		}
		mean := normalizedMean(members[c], st.dims)
		if mean == nil {
			// Members cancel out exactly; keep the previous direction.
			mean = st.centroids[c]
		}
		remap[c] = len(kept)
		kept = append(kept, mean)
		sizes = append(sizes, len(members[c]))
	}
	dropped := len(kept) < len(st.centroids)

	st.centroids = kept
	st.sizes = sizes
	if dropped {
		for i, a := range st.assign {
			if a >= 0 {
				st.assign[i] = remap[a]
			}
		}
	}
	return dropped
}

// mergeClosest folds the most similar centroid pair together when they are within
// the separation bound. Returns true if a merge happened.
func (st *clusterState) mergeClosest() bool {
	a, b, bestSim := -1, -1, math.Inf(-1)
	for i := 0; i < len(st.centroids); i++ {
		for j := i + 1; j < len(st.centroids); j++ {
			if s := Clamp(dot(st.centroids[i], st.centroids[j])); s > bestSim+tieEpsilon {
				a, b, bestSim = i, j, s
			}
		}
	}
	if a < 0 || bestSim < st.separation {
		return false
	}

	wa, wb := float64(st.sizes[a]), float64(st.sizes[b])
	merged := make([]float32, st.dims)
	for d := 0; d < st.dims; d++ {
		merged[d] = float32((float64(st.centroids[a][d])*wa + float64(st.centroids[b][d])*wb) / (wa + wb))
	}
	if m := Normalize(merged); m != nil {
		st.centroids[a] = m
	}
	st.sizes[a] += st.sizes[b]

	st.centroids = append(st.centroids[:b], st.centroids[b+1:]...)
	st.sizes = append(st.sizes[:b], st.sizes[b+1:]...)
	for i, c := range st.assign {
		switch {
		case c == b:
			st.assign[i] = a
		case c > b:
			st.assign[i] = c - 1
		}
	}
	return true
}

// result renumbers clusters 1..m by size (desc) then first member, and builds the output.
func (st *clusterState) result(items []Item, iterations, retries int) *Result {
	firstMember := make([]int, len(st.centroids))
	for c := range firstMember {
		firstMember[c] = math.MaxInt
	}
	sizes := make([]int, len(st.centroids))
	outliers := 0
	for i, a := range st.assign {
		if a < 0 {
			outliers++
			continue
		}
		sizes[a]++
		if i < firstMember[a] {
			firstMember[a] = i
		}
	}

	order := make([]int, 0, len(st.centroids))
	for c := range st.centroids {
		if sizes[c] > 0 {
			order = append(order, c)
		}
	}
	sort.Slice(order, func(x, y int) bool {
		cx, cy := order[x], order[y]
		if sizes[cx] != sizes[cy] {
			return sizes[cx] > sizes[cy]
		}
		return firstMember[cx] < firstMember[cy]
	})

	clusterIDs := make([]int, len(st.centroids))
	res := &Result{
		Assignments:  make([]Assignment, len(items)),
		Centroids:    make([]Centroid, 0, len(order)+1),
		Iterations:   iterations,
		Retries:      retries,
		OutlierCount: outliers,
	}
	for rank, c := range order {
		clusterIDs[c] = rank + 1
		res.Centroids = append(res.Centroids, Centroid{
			ClusterID: rank + 1,
			Vector:    cloneVector(st.centroids[c]),
			Size:      sizes[c],
		})
	}
	if outliers > 0 {
		res.Centroids = append(res.Centroids, Centroid{
			ClusterID: OutlierClusterID,
			Size:      outliers,
			IsOutlier: true,
		})
	}

	for i, it := range items {
		a := Assignment{ID: it.ID, ClusterID: OutlierClusterID, Similarity: st.sims[i]}
		if st.assign[i] >= 0 {
			a.ClusterID = clusterIDs[st.assign[i]]
		}
		res.Assignments[i] = a
	}
	return res
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
