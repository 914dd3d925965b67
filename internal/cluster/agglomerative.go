package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/hyperjump/tansaku/internal/similarity"
)

// Linkage is the inter-cluster distance rule.
type Linkage string

const (
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageAverage  Linkage = "average"
)

// Merge records one agglomeration step. Leaves are numbered 0..n-1 and the cluster created by
// the i-th merge is numbered n+i.
type Merge struct {
	Cluster1 int
	Cluster2 int
	Distance float64
	Merged   int
	Size     int
}

// AgglomerativeOptions configures Agglomerative.
type AgglomerativeOptions struct {
	// Linkage defaults to average.
	Linkage Linkage
	// Metric defaults to Euclidean.
	Metric similarity.Metric
}

// AgglomerativeResult holds the clusters left when merging stopped and the merge history.
type AgglomerativeResult struct {
	Clusters []Cluster
	Merges   []Merge
	leaves   int
}

// Agglomerative merges the two closest clusters until one remains or the closest pair is farther
// apart than threshold. Pass math.Inf(1) to build the full hierarchy.
func Agglomerative(ctx context.Context, points [][]float32, threshold float64, opts AgglomerativeOptions) (*AgglomerativeResult, error) {
	if err := checkPoints(points); err != nil {
		return nil, err
	}
	linkage := opts.Linkage
	if linkage == "" {
		linkage = LinkageAverage
	}
	switch linkage {
	case LinkageSingle, LinkageComplete, LinkageAverage:
	default:
		return nil, fmt.Errorf("unknown linkage: %s", linkage)
	}
	dist, err := newDistance(opts.Metric)
	if err != nil {
		return nil, err
	}

	n := len(points)
	res := &AgglomerativeResult{leaves: n}
	if n == 0 {
		return res, nil
	}

	// d is indexed by slot; slot i initially holds leaf i.
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := dist(points[i], points[j])
			d[i][j], d[j][i] = v, v
		}
	}
	ids := make([]int, n)
	members := make([][]int, n)
	active := make([]bool, n)
	for i := range ids {
		ids[i] = i
		members[i] = []int{i}
		active[i] = true
	}

	for remaining := n; remaining > 1; remaining-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && d[i][j] < best {
					bi, bj, best = i, j, d[i][j]
				}
			}
		}
		if bi < 0 || best > threshold {
			break
		}

		ni, nj := float64(len(members[bi])), float64(len(members[bj]))
		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			var v float64
			switch linkage {
			case LinkageSingle:
				v = math.Min(d[bi][k], d[bj][k])
			case LinkageComplete:
				v = math.Max(d[bi][k], d[bj][k])
			case LinkageAverage:
				v = (ni*d[bi][k] + nj*d[bj][k]) / (ni + nj)
			}
			d[bi][k], d[k][bi] = v, v
		}

		merged := n + len(res.Merges)
		members[bi] = append(members[bi], members[bj]...)
		res.Merges = append(res.Merges, Merge{
			Cluster1: ids[bi],
			Cluster2: ids[bj],
			Distance: best,
			Merged:   merged,
			Size:     len(members[bi]),
		})
		ids[bi] = merged
		active[bj] = false
		members[bj] = nil
	}

	for i := 0; i < n; i++ {
		if !active[i] {
			continue
		}
		m := append([]int(nil), members[i]...)
		sort.Ints(m)
		res.Clusters = append(res.Clusters, Cluster{Members: m, Centroid: centroidOf(points, m)})
	}
	return res, nil
}

// DendrogramNode is a node of the merge tree. Leaves have nil children and ID < number of points.
type DendrogramNode struct {
	ID       int
	Left     *DendrogramNode
	Right    *DendrogramNode
	Distance float64
	Size     int
}

// IsLeaf reports whether the node is an input point.
func (n *DendrogramNode) IsLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// Dendrogram builds the merge tree from the history. When merging stopped at the threshold the
// result is a forest with one root per remaining cluster, ordered by id.
func (r *AgglomerativeResult) Dendrogram() []*DendrogramNode {
	nodes := make(map[int]*DendrogramNode, r.leaves+len(r.Merges))
	for i := 0; i < r.leaves; i++ {
		nodes[i] = &DendrogramNode{ID: i, Size: 1}
	}
	for _, m := range r.Merges {
		left, right := nodes[m.Cluster1], nodes[m.Cluster2]
		nodes[m.Merged] = &DendrogramNode{ID: m.Merged, Left: left, Right: right, Distance: m.Distance, Size: m.Size}
		delete(nodes, m.Cluster1)
		delete(nodes, m.Cluster2)
	}
	roots := make([]*DendrogramNode, 0, len(nodes))
	for _, n := range nodes {
		roots = append(roots, n)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}
