// Package similarity provides vector similarity primitives, score normalization, and similarity matrices.
package similarity

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two vectors have different lengths.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Metric names a similarity or distance function.
type Metric string

const (
	// MetricCosine is cosine similarity in [-1,1].
	MetricCosine Metric = "cosine"
	// MetricEuclidean is L2 distance.
	MetricEuclidean Metric = "euclidean"
	// MetricManhattan is L1 distance.
	MetricManhattan Metric = "manhattan"
	// MetricDotProduct is the raw inner product.
	MetricDotProduct Metric = "dot_product"
)

// ParseMetric returns the metric for name; empty selects cosine.
func ParseMetric(name string) (Metric, error) {
	switch Metric(name) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricEuclidean, MetricManhattan, MetricDotProduct:
		return Metric(name), nil
	default:
		return "", fmt.Errorf("unknown metric: %s (supported: cosine, euclidean, manhattan, dot_product)", name)
	}
}

// IsDistance reports whether smaller raw values mean more similar.
func (m Metric) IsDistance() bool {
	return m == MetricEuclidean || m == MetricManhattan
}

func checkDims(a, b []float32) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	return nil
}

// Cosine returns the cosine similarity of a and b. Zero vectors have similarity 0.
func Cosine(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, s)), nil
}

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	return math.Sqrt(SquaredEuclidean(a, b)), nil
}

// SquaredEuclidean returns the squared L2 distance. Callers must check dimensions.
func SquaredEuclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// Manhattan returns the L1 distance between a and b.
func Manhattan(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum, nil
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot, nil
}

// Raw computes the metric's native value: a similarity for cosine and dot product,
// a distance for euclidean and manhattan.
func Raw(metric Metric, a, b []float32) (float64, error) {
	switch metric {
	case MetricCosine, "":
		return Cosine(a, b)
	case MetricEuclidean:
		return Euclidean(a, b)
	case MetricManhattan:
		return Manhattan(a, b)
	case MetricDotProduct:
		return DotProduct(a, b)
	default:
		return 0, fmt.Errorf("unknown metric: %s", metric)
	}
}

// Distance returns an ascending view of the metric where smaller means closer:
// 1-cos for cosine, -dot for dot product, the distance itself otherwise.
func Distance(metric Metric, a, b []float32) (float64, error) {
	v, err := Raw(metric, a, b)
	if err != nil {
		return 0, err
	}
	switch metric {
	case MetricCosine, "":
		return 1 - v, nil
	case MetricDotProduct:
		return -v, nil
	default:
		return v, nil
	}
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// ToUnit scales v in place to unit length and returns the length it had. A zero vector is left
// as is, so cosine against it stays undefined rather than NaN.
func ToUnit(v []float32) float64 {
	n := Norm(v)
	if n == 0 {
		return 0
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return n
}

// Mean returns the component-wise mean of vectors. All vectors must share a dimension.
func Mean(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dim := len(vectors[0])
	sums := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), dim)
		}
		for i, x := range v {
			sums[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i, s := range sums {
		out[i] = float32(s / n)
	}
	return out, nil
}
