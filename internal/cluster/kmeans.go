package cluster

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/hyperjump/tansaku/internal/similarity"
)

// DefaultMaxIterations caps k-means refinement rounds.
const DefaultMaxIterations = 10

// KMeansOptions configures KMeans.
type KMeansOptions struct {
	// MaxIterations caps assignment rounds. Zero means DefaultMaxIterations.
	MaxIterations int
	// Metric is the distance used for assignment. Empty means Euclidean.
	Metric similarity.Metric
	// Rand drives k-means++ seeding. Nil uses a fixed seed so results are reproducible.
	Rand *rand.Rand
}

// KMeansResult holds the non-empty clusters and each point's cluster index.
type KMeansResult struct {
	Clusters    []Cluster
	Assignments []int
	Iterations  int
	// Converged is false when the iteration cap stopped refinement.
	Converged bool
}

// KMeans partitions points into at most k non-empty clusters. Centroids are seeded with k-means++
// and refined until assignments stop changing or the iteration cap is reached. Every returned
// centroid is the mean of its final members.
func KMeans(ctx context.Context, points [][]float32, k int, opts KMeansOptions) (*KMeansResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if err := checkPoints(points); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return &KMeansResult{Converged: true}, nil
	}
	dist, err := newDistance(opts.Metric)
	if err != nil {
		return nil, err
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if k > len(points) {
		k = len(points)
	}

	centroids := seedPlusPlus(points, k, dist, rng)
	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}

	res := &KMeansResult{}
	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, p := range points {
			best := nearest(p, centroids, dist)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		res.Iterations = iter + 1
		if !changed {
			res.Converged = true
			break
		}
		centroids = recompute(points, assign, centroids)
	}

	// Drop empty clusters and compact indices.
	members := make([][]int, len(centroids))
	for i, c := range assign {
		members[c] = append(members[c], i)
	}
	remap := make([]int, len(centroids))
	for c, m := range members {
		if len(m) == 0 {
			remap[c] = -1
			continue
		}
		remap[c] = len(res.Clusters)
		res.Clusters = append(res.Clusters, Cluster{Members: m, Centroid: centroidOf(points, m)})
	}
	res.Assignments = make([]int, len(points))
	for i, c := range assign {
		res.Assignments[i] = remap[c]
	}
	return res, nil
}

// seedPlusPlus picks the first centroid uniformly and each next one with probability proportional
// to the squared distance to its nearest chosen centroid. Seeding stops early when every point
// coincides with a chosen centroid.
func seedPlusPlus(points [][]float32, k int, dist distanceFunc, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(points[rng.Intn(len(points))]))

	d2 := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		last := centroids[len(centroids)-1]
		for i, p := range points {
			d := dist(p, last)
			if len(centroids) == 1 || d*d < d2[i] {
				d2[i] = d * d
			}
			total += d2[i]
		}
		if total == 0 {
			break
		}
		target := rng.Float64() * total
		chosen := -1
		var acc float64
		for i, w := range d2 {
			if w == 0 {
				continue
			}
			chosen = i
			acc += w
			if acc >= target {
				break
			}
		}
		centroids = append(centroids, clone(points[chosen]))
	}
	return centroids
}

func nearest(p []float32, centroids [][]float32, dist distanceFunc) int {
	best, bestD := 0, dist(p, centroids[0])
	for c := 1; c < len(centroids); c++ {
		if d := dist(p, centroids[c]); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// recompute returns the mean of each cluster's members. Empty clusters keep their previous centroid.
func recompute(points [][]float32, assign []int, prev [][]float32) [][]float32 {
	members := make([][]int, len(prev))
	for i, c := range assign {
		members[c] = append(members[c], i)
	}
	out := make([][]float32, len(prev))
	for c, m := range members {
		if len(m) == 0 {
			out[c] = prev[c]
			continue
		}
		out[c] = centroidOf(points, m)
	}
	return out
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
