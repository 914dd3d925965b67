package vector

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tansaku/internal/similarity"
)

func randomCorpus(rng *rand.Rand, n, dim int) ([]string, [][]float32) {
	ids := make([]string, n)
	vecs := make([][]float32, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%04d", i)
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		vecs[i] = v
	}
	return ids, vecs
}

func resultIDs(results []*VectorResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestHierarchicalIndex_ExampleQuery(t *testing.T) {
	ctx := context.Background()
	idx, err := NewHierarchicalIndex(HierarchicalOptions{MaxPointsPerNode: 1})
	require.NoError(t, err)

	require.NoError(t, idx.Build(ctx,
		[]string{"A", "B", "C"},
		[][]float32{{1, 0}, {0, 1}, {0.9, 0.1}}))

	results, err := idx.Search(ctx, []float32{1, 0}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, resultIDs(results))
}

func TestHierarchicalIndex_ExactWithPruningFactorOne(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(99))
	ids, vecs := randomCorpus(rng, 500, 16)

	for _, metric := range []similarity.Metric{similarity.MetricCosine, similarity.MetricEuclidean, similarity.MetricManhattan, similarity.MetricDotProduct} {
		t.Run(string(metric), func(t *testing.T) {
			h, err := NewHierarchicalIndex(HierarchicalOptions{Metric: metric, MaxPointsPerNode: 10, Seed: 3})
			require.NoError(t, err)
			require.NoError(t, h.Build(ctx, ids, vecs))
			linear, err := NewMemoryIndex(16, metric)
			require.NoError(t, err)
			require.NoError(t, linear.Build(ctx, ids, vecs))

			for q := 0; q < 20; q++ {
				_, queries := randomCorpus(rng, 1, 16)
				want, err := linear.Search(ctx, queries[0], 10, 1)
				require.NoError(t, err)
				got, err := h.Search(ctx, queries[0], 10, 1)
				require.NoError(t, err)
				assert.Equal(t, resultIDs(want), resultIDs(got))
			}
		})
	}
}

func TestHierarchicalIndex_TreeInvariants(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	ids, vecs := randomCorpus(rng, 300, 8)
	byID := make(map[string][]float32, len(ids))
	for i, id := range ids {
		byID[id] = vecs[i]
	}

	const maxPoints = 12
	h, err := NewHierarchicalIndex(HierarchicalOptions{MaxPointsPerNode: maxPoints})
	require.NoError(t, err)
	require.NoError(t, h.Build(ctx, ids, vecs))

	stats := h.Stats()
	assert.Equal(t, 300, stats.Documents)
	assert.Greater(t, stats.Leaves, 1)
	assert.Greater(t, stats.Depth, 1)

	for i := 0; i < stats.Nodes; i++ {
		n, err := h.Node(i)
		require.NoError(t, err)
		assert.Equal(t, n.IsLeaf(), len(n.DocumentIDs) <= maxPoints, "node %d", i)
		assert.LessOrEqual(t, len(n.Children), MaxBranching)

		members := make([][]float32, len(n.DocumentIDs))
		for j, id := range n.DocumentIDs {
			members[j] = byID[id]
		}
		mean, err := similarity.Mean(members)
		require.NoError(t, err)
		for d := range mean {
			assert.InDelta(t, mean[d], n.Centroid[d], 1e-5)
		}

		if !n.IsLeaf() {
			var union int
			for _, c := range n.Children {
				child, err := h.Node(c)
				require.NoError(t, err)
				assert.Equal(t, n.Depth+1, child.Depth)
				union += len(child.DocumentIDs)
			}
			assert.Equal(t, len(n.DocumentIDs), union)
		}
	}
}

func TestHierarchicalIndex_IdenticalVectors(t *testing.T) {
	ctx := context.Background()
	ids := make([]string, 40)
	vecs := make([][]float32, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("same-%02d", i)
		vecs[i] = []float32{0.5, 0.5}
	}
	h, err := NewHierarchicalIndex(HierarchicalOptions{MaxPointsPerNode: 5})
	require.NoError(t, err)
	require.NoError(t, h.Build(ctx, ids, vecs))

	results, err := h.Search(ctx, []float32{0.5, 0.5}, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"same-00", "same-01", "same-02"}, resultIDs(results))
}

func TestHierarchicalIndex_PruningReducesCandidates(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(8))
	ids, vecs := randomCorpus(rng, 400, 8)
	h, err := NewHierarchicalIndex(HierarchicalOptions{MaxPointsPerNode: 8})
	require.NoError(t, err)
	require.NoError(t, h.Build(ctx, ids, vecs))

	all, err := h.Search(ctx, vecs[0], 1000, 1)
	require.NoError(t, err)
	pruned, err := h.Search(ctx, vecs[0], 1000, 4)
	require.NoError(t, err)
	assert.Len(t, all, 400)
	assert.Less(t, len(pruned), len(all))
	require.NotEmpty(t, pruned)
	for i := 1; i < len(pruned); i++ {
		assert.LessOrEqual(t, pruned[i-1].Distance, pruned[i].Distance)
	}
}

func TestHierarchicalIndex_CentroidScoring(t *testing.T) {
	ctx := context.Background()
	h, err := NewHierarchicalIndex(HierarchicalOptions{MaxPointsPerNode: 3, Scoring: CandidateScoreCentroid, Metric: similarity.MetricEuclidean})
	require.NoError(t, err)
	require.NoError(t, h.Build(ctx,
		[]string{"a", "b", "c", "d"},
		[][]float32{{0, 0}, {0, 1}, {10, 10}, {10, 11}}))

	results, err := h.Search(ctx, []float32{0, 0}, 4, 1)
	require.NoError(t, err)
	require.Len(t, results, 4)
	// leaf members share their leaf's distance; ties break by id
	assert.Equal(t, []string{"a", "b", "c", "d"}, resultIDs(results))
	assert.Equal(t, results[0].Distance, results[1].Distance)
}

func TestHierarchicalIndex_Empty(t *testing.T) {
	ctx := context.Background()
	h, err := NewHierarchicalIndex(HierarchicalOptions{})
	require.NoError(t, err)

	results, err := h.Search(ctx, []float32{1, 0}, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, results)
	_, err = h.Root()
	assert.ErrorIs(t, err, ErrIndexNotBuilt)

	require.NoError(t, h.Build(ctx, []string{"a"}, [][]float32{{1, 0}}))
	root, err := h.Root()
	require.NoError(t, err)
	assert.True(t, root.IsLeaf())

	require.NoError(t, h.Build(ctx, nil, nil))
	assert.Equal(t, 0, h.Size())
	_, err = h.Root()
	assert.ErrorIs(t, err, ErrIndexNotBuilt)
}

func TestHierarchicalIndex_BuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := NewHierarchicalIndex(HierarchicalOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Build(context.Background(), []string{"keep"}, [][]float32{{1, 1}}))

	cancel()
	ids, vecs := randomCorpus(rand.New(rand.NewSource(1)), 100, 2)
	assert.ErrorIs(t, h.Build(ctx, ids, vecs), context.Canceled)
	// failed build leaves the previous tree in place
	assert.Equal(t, 1, h.Size())
}

func TestHierarchicalIndex_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tree.gob")
	ids, vecs := randomCorpus(rand.New(rand.NewSource(2)), 120, 4)

	h, err := NewHierarchicalIndex(HierarchicalOptions{MaxPointsPerNode: 10})
	require.NoError(t, err)
	require.NoError(t, h.Build(ctx, ids, vecs))
	require.NoError(t, h.Save(path))

	loaded, err := NewHierarchicalIndex(HierarchicalOptions{MaxPointsPerNode: 10})
	require.NoError(t, err)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, h.Stats(), loaded.Stats())

	want, err := h.Search(ctx, vecs[7], 5, 2)
	require.NoError(t, err)
	got, err := loaded.Search(ctx, vecs[7], 5, 2)
	require.NoError(t, err)
	assert.Equal(t, resultIDs(want), resultIDs(got))

	other, err := NewHierarchicalIndex(HierarchicalOptions{Metric: similarity.MetricEuclidean})
	require.NoError(t, err)
	assert.Error(t, other.Load(path))
}
