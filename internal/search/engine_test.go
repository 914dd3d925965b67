package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tansaku/internal/config"
	"github.com/hyperjump/tansaku/internal/metrics"
	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/ranking"
	"github.com/hyperjump/tansaku/internal/similarity"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/internal/threshold"
)

func testConfig(mutate func(*config.Config)) *config.Config {
	lossless := 0
	cfg := &config.Config{
		Storage:   config.StorageConfig{Backend: "memory"},
		Codec:     config.CodecConfig{QuantizationBits: &lossless},
		Embedding: config.EmbeddingConfig{Dimensions: 256},
		Ranking:   *ranking.DefaultRankingConfig(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func insertABC(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for _, d := range []*models.Document{
		{ID: "A", Content: "alpha", Embedding: []float32{1, 0}},
		{ID: "B", Content: "bravo", Embedding: []float32{0, 1}},
		{ID: "C", Content: "charlie", Embedding: []float32{0.9, 0.1}},
	} {
		_, err := e.Insert(ctx, d)
		require.NoError(t, err)
	}
}

func resultIDs(resp *models.SearchResponse) []string {
	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.Document.ID
	}
	return ids
}

func TestEngine_SearchIDs_NearestFirst(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	insertABC(t, e)

	ids, err := e.SearchIDs(context.Background(), []float32{1, 0}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, ids)
}

func TestEngine_Search(t *testing.T) {
	reg := metrics.New(nil)
	e := newTestEngine(t, testConfig(nil), WithMetrics(reg))
	insertABC(t, e)

	resp, err := e.Search(context.Background(), &models.SearchQuery{Vector: []float32{1, 0}, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, resultIDs(resp))
	assert.Equal(t, 3, resp.Candidates)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 1.0, resp.Results[0].FactorScores["semantic"], 1e-6)
	assert.Zero(t, resp.Threshold)

	assert.Equal(t, 3.0, testutil.ToFloat64(reg.Operations.WithLabelValues("insert", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Operations.WithLabelValues("search", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(reg.IndexedDocuments))
}

func TestEngine_Search_Thresholds(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	insertABC(t, e)
	ctx := context.Background()

	resp, err := e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0}, K: 3, MinScore: 0.9})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, resultIDs(resp))
	assert.Equal(t, 0.9, resp.Threshold)

	// Semantic scores are 1, ~0.997 and 0.5; the 80th percentile keeps the top two.
	resp, err = e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0}, K: 3, AutoThreshold: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, resultIDs(resp))
	assert.InDelta(t, 0.997, resp.Threshold, 1e-3)
}

func TestEngine_Search_MetricOverrideAndInvalid(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	insertABC(t, e)
	ctx := context.Background()

	resp, err := e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0}, K: 3, Metric: "euclidean"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B"}, resultIDs(resp))
	assert.InDelta(t, 0.0, resp.Results[0].Score, 1e-6)

	_, err = e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0}, Metric: "jaccard"})
	assert.Error(t, err)

	_, err = e.Search(ctx, &models.SearchQuery{})
	assert.Error(t, err)

	_, err = e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0, 0}})
	assert.ErrorIs(t, err, similarity.ErrDimensionMismatch)
}

func TestEngine_InsertAssignsIDAndGet(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	ctx := context.Background()

	id, err := e.Insert(ctx, &models.Document{Content: "no id", Embedding: []float32{0.5, 0.5}, Source: "trusted"})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	doc, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "no id", doc.Content)
	assert.Equal(t, "trusted", doc.Source)
	assert.Equal(t, []float32{0.5, 0.5}, doc.Embedding)
}

func TestEngine_InsertValidation(t *testing.T) {
	e := newTestEngine(t, testConfig(func(c *config.Config) { c.Embedding.Provider = "none" }))
	ctx := context.Background()
	insertABC(t, e)

	_, err := e.Insert(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = e.Insert(ctx, &models.Document{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = e.Insert(ctx, &models.Document{ID: "x", Content: "needs embedding"})
	assert.ErrorIs(t, err, ErrNoEmbedder)

	_, err = e.Insert(ctx, &models.Document{ID: "x", Embedding: []float32{1, 0, 0}})
	assert.ErrorIs(t, err, similarity.ErrDimensionMismatch)

	_, err = e.Search(ctx, &models.SearchQuery{Text: "alpha"})
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestEngine_UpdateAndDelete(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	insertABC(t, e)
	ctx := context.Background()

	err := e.Update(ctx, &models.Document{ID: "missing", Embedding: []float32{1, 0}})
	assert.ErrorIs(t, err, storage.ErrDocumentNotFound)

	require.NoError(t, e.Update(ctx, &models.Document{ID: "B", Content: "moved", Embedding: []float32{1, 0}}))
	ids, err := e.SearchIDs(ctx, []float32{1, 0}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids)

	require.NoError(t, e.Delete(ctx, "A"))
	ids, err = e.SearchIDs(ctx, []float32{1, 0}, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, ids)

	assert.ErrorIs(t, e.Delete(ctx, "A"), storage.ErrDocumentNotFound)
}

func TestEngine_DeleteLastDocument(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	ctx := context.Background()
	_, err := e.Insert(ctx, &models.Document{ID: "only", Embedding: []float32{1, 2}})
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, "only"))

	ids, err := e.SearchIDs(ctx, []float32{1, 2}, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = e.Insert(ctx, &models.Document{ID: "wider", Embedding: []float32{1, 2, 3}})
	assert.NoError(t, err, "an empty engine accepts any dimension")
}

func TestEngine_InsertBatch(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	ctx := context.Background()

	results, err := e.InsertBatch(ctx, []*models.Document{
		{ID: "d1", Embedding: []float32{1, 0}},
		{ID: "d2", Embedding: []float32{0, 1}},
		{ID: "bad", Embedding: []float32{1, 0, 0}},
		nil,
		{ID: "d3", Content: "embedded from text"},
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, similarity.ErrDimensionMismatch)
	assert.ErrorIs(t, results[3].Err, ErrInvalidDocument)
	assert.ErrorIs(t, results[4].Err, similarity.ErrDimensionMismatch, "mock embedding has 256 dimensions")

	ids, err := e.SearchIDs(ctx, []float32{0, 1}, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d1"}, ids)
}

func TestEngine_TextSearch(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	ctx := context.Background()
	for _, d := range []*models.Document{
		{ID: "budget", Content: "annual budget report for finance"},
		{ID: "cats", Content: "holiday pictures of cats"},
		{ID: "meeting", Content: "budget planning meeting notes"},
	} {
		_, err := e.Insert(ctx, d)
		require.NoError(t, err)
	}

	resp, err := e.Search(ctx, &models.SearchQuery{Text: "budget report", K: 2})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "budget", resp.Results[0].Document.ID)
	assert.Equal(t, "budget report", resp.Query)

	resp, err = e.Search(ctx, &models.SearchQuery{Text: "budget report", K: 3, MultiFactor: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, "budget", top.Document.ID)
	assert.Equal(t, 1.0, top.FactorScores["keyword"], "best BM25 hit scales to 1")
	assert.Contains(t, top.FactorScores, "length")
}

func TestEngine_CollectionFilterAndRerank(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	ctx := context.Background()
	for _, d := range []*models.Document{
		{ID: "A", Embedding: []float32{1, 0}, Collection: "x", Content: "a"},
		{ID: "B", Embedding: []float32{0, 1}, Collection: "y", Content: "b"},
		{ID: "C", Embedding: []float32{0.9, 0.1}, Collection: "y", Content: "c"},
	} {
		_, err := e.Insert(ctx, d)
		require.NoError(t, err)
	}

	resp, err := e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0}, K: 3, Collection: "y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, resultIDs(resp))

	resp, err = e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0}, K: 3, Rerank: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].FactorScores, "recency")
}

func TestEngine_Calibration(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	insertABC(t, e)
	ctx := context.Background()
	q := func() *models.SearchQuery { return &models.SearchQuery{Vector: []float32{1, 0}, K: 3} }

	mean, err := e.CalibrateThreshold(ctx, q(), threshold.MethodMean, threshold.Params{})
	require.NoError(t, err)
	assert.InDelta(t, (1+0.99695+0.5)/3, mean, 1e-3)

	levels, err := e.RecommendThresholds(ctx, q())
	require.NoError(t, err)
	assert.Len(t, levels, 3)

	pairs, err := e.LabeledPairs(ctx, q(), []string{"A", "C"})
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	v := e.ValidateThreshold(0.9, pairs)
	assert.Equal(t, 1.0, v.F1)

	opt, err := e.OptimizeThreshold(pairs, "", 0, 1, 11)
	require.NoError(t, err)
	assert.Equal(t, threshold.OptimizeF1, opt.Metric)
	assert.Equal(t, 1.0, opt.Score)
	assert.InDelta(t, 0.6, opt.Best.Threshold, 1e-9)
}

func TestEngine_CalibrateEmpty(t *testing.T) {
	e := newTestEngine(t, testConfig(nil))
	_, err := e.CalibrateThreshold(context.Background(), &models.SearchQuery{Vector: []float32{1, 0}}, "", threshold.Params{})
	assert.ErrorIs(t, err, threshold.ErrNoScores)
}

func TestEngine_ReopenFromDisk(t *testing.T) {
	for _, backend := range []string{"file", "sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			snapshot := filepath.Join(dir, "index.gob")
			cfg := testConfig(func(c *config.Config) {
				c.Storage.Backend = backend
				c.Storage.Path = filepath.Join(dir, "store")
				c.Index.SnapshotPath = snapshot
			})
			ctx := context.Background()

			e, err := New(ctx, cfg)
			require.NoError(t, err)
			insertABC(t, e)
			require.NoError(t, e.Close())

			_, err = os.Stat(snapshot)
			require.NoError(t, err)

			reopened := newTestEngine(t, cfg)
			ids, err := reopened.SearchIDs(ctx, []float32{1, 0}, 2, 1)
			require.NoError(t, err)
			assert.Equal(t, []string{"A", "C"}, ids)

			stats, err := reopened.Statistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Storage.TotalDocuments)
			assert.Equal(t, 3, stats.IndexSize)
			assert.Equal(t, 2, stats.Dimensions)
			assert.Equal(t, uint64(3), stats.KeywordDocuments)
			require.NotNil(t, stats.Tree)
			assert.Equal(t, 3, stats.Tree.Documents)
			assert.Positive(t, stats.Storage.DiskBytes)
		})
	}
}

func TestEngine_MemoryIndexType(t *testing.T) {
	e := newTestEngine(t, testConfig(func(c *config.Config) { c.Index.Type = "memory" }))
	insertABC(t, e)

	ids, err := e.SearchIDs(context.Background(), []float32{1, 0}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, ids)

	stats, err := e.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.IndexType)
	assert.Nil(t, stats.Tree)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), testConfig(func(c *config.Config) { c.Embedding.Provider = "openai" }))
	assert.Error(t, err)

	_, err = New(context.Background(), testConfig(func(c *config.Config) { c.Codec.Level = "ultra" }))
	assert.Error(t, err)
}
