// Package cluster implements k-means++, hierarchical agglomerative and DBSCAN clustering.
package cluster

import (
	"errors"
	"fmt"
	"math"

	"github.com/hyperjump/tansaku/internal/similarity"
)

// Cluster is a group of point indices and their mean.
type Cluster struct {
	Members  []int
	Centroid []float32
}

// Size returns the number of members.
func (c Cluster) Size() int {
	return len(c.Members)
}

type distanceFunc func(a, b []float32) float64

// newDistance returns a distance for metric where smaller is closer. Empty selects Euclidean.
func newDistance(metric similarity.Metric) (distanceFunc, error) {
	switch metric {
	case "", similarity.MetricEuclidean:
		return func(a, b []float32) float64 {
			return math.Sqrt(similarity.SquaredEuclidean(a, b))
		}, nil
	}
	if _, err := similarity.ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	return func(a, b []float32) float64 {
		d, _ := similarity.Distance(metric, a, b)
		return d
	}, nil
}

func checkPoints(points [][]float32) error {
	if len(points) == 0 {
		return nil
	}
	dim := len(points[0])
	if dim == 0 {
		return errors.New("points must have at least one dimension")
	}
	for i, p := range points {
		if len(p) != dim {
			return fmt.Errorf("%w: point %d has %d dimensions, want %d", similarity.ErrDimensionMismatch, i, len(p), dim)
		}
	}
	return nil
}

func centroidOf(points [][]float32, members []int) []float32 {
	dim := len(points[members[0]])
	sums := make([]float64, dim)
	for _, m := range members {
		for i, x := range points[m] {
			sums[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(members))
	for i, s := range sums {
		out[i] = float32(s / n)
	}
	return out
}
