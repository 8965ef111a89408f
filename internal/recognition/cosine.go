package recognition

import "math"

// maxDistance is the distance of opposite descriptors.
const maxDistance = 2.0

// cosineDist is 1 minus the cosine similarity of two descriptors, in [0, 2].
func cosineDist(a, b []float32) float64 {
	// Mismatched or empty descriptors never match anything
	if len(a) == 0 || len(a) != len(b) {
		return maxDistance
	}
	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}
	// Return max distance if a vector is zero to avoid division by zero
	if sumA == 0 || sumB == 0 {
		return maxDistance
	}
	// Rounding can push the similarity just past ±1
	sim := math.Max(-1, math.Min(1, dot/math.Sqrt(sumA*sumB)))
	return 1 - sim
}
