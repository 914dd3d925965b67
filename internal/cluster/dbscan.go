package cluster

import (
	"context"
	"fmt"

	"github.com/hyperjump/tansaku/internal/similarity"
)

// Noise is the DBSCAN label of points that belong to no cluster.
const Noise = -1

const unvisited = -2

// DBSCANOptions configures DBSCAN.
type DBSCANOptions struct {
	// Metric defaults to Euclidean.
	Metric similarity.Metric
}

// DBSCANResult holds per-point labels and core flags, the clusters and the noise points.
type DBSCANResult struct {
	Labels   []int
	Core     []bool
	Clusters []Cluster
	Noise    []int
}

// DBSCAN groups density-connected points. A point's eps-neighbourhood includes the point itself;
// a point is core when its neighbourhood has at least minPoints members. Points first marked noise
// join a cluster when a core point reaches them.
func DBSCAN(ctx context.Context, points [][]float32, eps float64, minPoints int, opts DBSCANOptions) (*DBSCANResult, error) {
	if eps < 0 {
		return nil, fmt.Errorf("eps must be non-negative, got %f", eps)
	}
	if minPoints <= 0 {
		return nil, fmt.Errorf("minPoints must be positive, got %d", minPoints)
	}
	if err := checkPoints(points); err != nil {
		return nil, err
	}
	dist, err := newDistance(opts.Metric)
	if err != nil {
		return nil, err
	}

	n := len(points)
	res := &DBSCANResult{Labels: make([]int, n), Core: make([]bool, n)}
	for i := range res.Labels {
		res.Labels[i] = unvisited
	}
	region := func(p int) []int {
		var out []int
		for q := 0; q < n; q++ {
			if dist(points[p], points[q]) <= eps {
				out = append(out, q)
			}
		}
		return out
	}

	next := 0
	for p := 0; p < n; p++ {
		if res.Labels[p] != unvisited {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		neighbours := region(p)
		if len(neighbours) < minPoints {
			res.Labels[p] = Noise
			continue
		}
		c := next
		next++
		res.Labels[p] = c
		res.Core[p] = true

		queue := append([]int(nil), neighbours...)
		for len(queue) > 0 {
			q := queue[0]
			queue = queue[1:]
			if res.Labels[q] == Noise {
				res.Labels[q] = c
			}
			if res.Labels[q] != unvisited {
				continue
			}
			res.Labels[q] = c
			qn := region(q)
			if len(qn) >= minPoints {
				res.Core[q] = true
				queue = append(queue, qn...)
			}
		}
	}

	members := make([][]int, next)
	for i, l := range res.Labels {
		if l == Noise {
			res.Noise = append(res.Noise, i)
			continue
		}
		members[l] = append(members[l], i)
	}
	for _, m := range members {
		res.Clusters = append(res.Clusters, Cluster{Members: m, Centroid: centroidOf(points, m)})
	}
	return res, nil
}
