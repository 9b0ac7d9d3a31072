// Package similarity provides vector similarity and clustering utilities.
package similarity

import "math"

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value in [-1, 1], where 1 means identical direction.
// Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dotProduct += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return Clamp(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Clamp forces floating noise back into the cosine range [-1, 1].
func Clamp(s float64) float64 {
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// Normalize returns a unit-length copy of v, or nil when v has zero norm.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// dot computes the inner product of two equal-length vectors.
func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// normalizedMean returns the re-normalised mean of the given vectors, accumulated in float64.
func normalizedMean(vectors [][]float32, dims int) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	sums := make([]float64, dims)
	for _, v := range vectors {
		for d := 0; d < dims; d++ {
			sums[d] += float64(v[d])
		}
	}
	mean := make([]float32, dims)
	for d := 0; d < dims; d++ {
		mean[d] = float32(sums[d] / float64(len(vectors)))
	}
	return Normalize(mean)
}
