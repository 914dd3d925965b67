package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: sqlite
  path: "/tmp/tansaku"
  max_bytes: 1048576
codec:
  quantization_bits: 0
similarity:
  metric: euclidean
index:
  type: memory
  dimensions: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/tansaku", cfg.Storage.Path)
	assert.Equal(t, int64(1048576), cfg.Storage.MaxBytes)
	assert.Equal(t, 0, cfg.Codec.BitsOrDefault())
	assert.Equal(t, "euclidean", cfg.Similarity.Metric)
	assert.Equal(t, "memory", cfg.Index.Type)
	assert.Equal(t, 3, cfg.Index.Dimensions)
	assert.False(t, cfg.Debug, "debug should default to false when unset")
}

func TestLoad_debugTrue(t *testing.T) {
	cfg, err := Load(writeConfig(t, "debug: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
}

func TestLoad_rankingTogglesDefaultOn(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ranking:
  source_enabled: false
  semantic_weight: 1
`))
	require.NoError(t, err)
	assert.True(t, cfg.Ranking.RecencyEnabled)
	assert.True(t, cfg.Ranking.PopularityEnabled)
	assert.False(t, cfg.Ranking.SourceEnabled)
	assert.Equal(t, 1.0, cfg.Ranking.SemanticWeight)
	assert.Equal(t, 0.2, cfg.Ranking.KeywordWeight)
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: "./data/store"
index:
  snapshot_path: "./data/index.gob"
search:
  keyword_index_path: "./data/bleve"
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "store"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(dir, "data", "index.gob"), cfg.Index.SnapshotPath)
	assert.Equal(t, filepath.Join(dir, "data", "bleve"), cfg.Search.KeywordIndexPath)
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "storage: [unclosed"},
		{"backend", "storage:\n  backend: postgres\n"},
		{"metric", "similarity:\n  metric: jaccard\n"},
		{"policy", "similarity:\n  dimension_policy: pad\n"},
		{"bits", "codec:\n  quantization_bits: 17\n"},
		{"threshold method", "threshold:\n  method: median\n"},
		{"optimize metric", "threshold:\n  optimize_metric: auc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.IndexedOrDefault())
	assert.Equal(t, 32, cfg.Storage.BatchChunkSize)
	assert.Equal(t, 8, cfg.Codec.BitsOrDefault())
	assert.Equal(t, "cosine", cfg.Similarity.Metric)
	assert.Equal(t, "strict", cfg.Similarity.DimensionPolicy)
	assert.Equal(t, 2.0, cfg.Similarity.Normalization.MaxEuclidean)
	assert.Equal(t, "hierarchical", cfg.Index.Type)
	assert.Equal(t, 32, cfg.Index.MaxPointsPerNode)
	assert.Equal(t, 0.7, cfg.Ranking.SemanticWeight)
	assert.Equal(t, "percentile", cfg.Threshold.Method)
	assert.Equal(t, 0.8, cfg.Threshold.Params.Percentile)
	assert.Equal(t, 64, cfg.Threshold.Params.Bins)
	assert.Equal(t, "f1", cfg.Threshold.OptimizeMetric)
	assert.Equal(t, 10, cfg.Search.DefaultK)
	assert.Equal(t, 4, cfg.Search.CandidateMultiplier)
	assert.True(t, cfg.Search.KeywordEnabledOrDefault())
	assert.NoError(t, Validate(cfg))
}

func TestOrDefaultAccessors(t *testing.T) {
	f := false
	s := StorageConfig{Indexed: &f}
	assert.False(t, s.IndexedOrDefault())

	search := SearchConfig{KeywordEnabled: &f}
	assert.False(t, search.KeywordEnabledOrDefault())

	bits := 4
	c := CodecConfig{QuantizationBits: &bits}
	assert.Equal(t, 4, c.BitsOrDefault())
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := &Config{Storage: StorageConfig{Backend: "bolt", Path: "/tmp/db"}}
	ApplyDefaults(cfg)
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", loaded.Storage.Backend)
	assert.Equal(t, "/tmp/db", loaded.Storage.Path)
}
