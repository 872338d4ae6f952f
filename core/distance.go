package core

import (
	"fmt"
	"math"
	"strings"
)

// DistanceMetric represents supported distance calculation methods
type DistanceMetric string

const (
	DistanceCosine       DistanceMetric = "cosine"
	DistanceInnerProduct DistanceMetric = "ip"
	DistanceEuclidean    DistanceMetric = "l2"
)

// ParseMetric accepts the short wire names and their long aliases
func ParseMetric(s string) (DistanceMetric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return DistanceCosine, nil
	case "ip", "inner_product", "dot":
		return DistanceInnerProduct, nil
	case "l2", "euclidean":
		return DistanceEuclidean, nil
	default:
		return "", Validationf("unsupported distance metric %q", s)
	}
}

// Valid reports whether m is one of the supported metrics
func (m DistanceMetric) Valid() bool {
	switch m {
	case DistanceCosine, DistanceInnerProduct, DistanceEuclidean:
		return true
	}
	return false
}

// DistanceFunc returns a distance where lower means closer.
// Both slices must have the same length.
type DistanceFunc func(a, b []float32) float32

// DistanceFor returns the blocked distance kernel for a metric
func DistanceFor(metric DistanceMetric) (DistanceFunc, error) {
	switch metric {
	case DistanceCosine:
		return CosineDistanceBlocked, nil
	case DistanceInnerProduct:
		return innerProductDistanceBlocked, nil
	case DistanceEuclidean:
		return SquaredL2Blocked, nil
	default:
		return nil, fmt.Errorf("%w: unsupported distance metric: %s", ErrValidation, metric)
	}
}

// DotProduct calculates dot product between two vectors
func DotProduct(a, b []float32) float32 {
	var product float32
	for i := range a {
		product += a[i] * b[i]
	}
	return product
}

// CosineDistance calculates 1 - cosine similarity.
// A zero vector is treated as orthogonal to everything.
func CosineDistance(a, b []float32) float32 {
	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dotProduct/(float32(math.Sqrt(float64(normA)))*float32(math.Sqrt(float64(normB))))
}

// InnerProductDistance is 1 - <a, b>, so larger inner products rank closer
func InnerProductDistance(a, b []float32) float32 {
	return 1 - DotProduct(a, b)
}

// SquaredL2 is the squared euclidean distance. Ranking is identical to L2
// and the square root is skipped on the hot path.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}
