package config

import "github.com/hyperjump/tansaku/internal/threshold"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/usr/local/var/tansaku/data"
	}
	if cfg.Storage.BatchChunkSize == 0 {
		cfg.Storage.BatchChunkSize = 32
	}
	if cfg.Storage.Workers == 0 {
		cfg.Storage.Workers = 4
	}
	if cfg.Codec.Level == "" {
		cfg.Codec.Level = "default"
	}
	if cfg.Similarity.Metric == "" {
		cfg.Similarity.Metric = "cosine"
	}
	if cfg.Similarity.DimensionPolicy == "" {
		cfg.Similarity.DimensionPolicy = "strict"
	}
	if cfg.Similarity.Normalization.MaxEuclidean == 0 {
		cfg.Similarity.Normalization.MaxEuclidean = 2
	}
	if cfg.Similarity.Normalization.MaxManhattan == 0 {
		cfg.Similarity.Normalization.MaxManhattan = 2
	}
	if cfg.Similarity.Normalization.MaxDotProduct == 0 {
		cfg.Similarity.Normalization.MaxDotProduct = 1
	}
	if cfg.Similarity.Workers == 0 {
		cfg.Similarity.Workers = 4
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "hierarchical"
	}
	if cfg.Index.MaxPointsPerNode == 0 {
		cfg.Index.MaxPointsPerNode = 32
	}
	if cfg.Index.Scoring == "" {
		cfg.Index.Scoring = "query"
	}
	if cfg.Index.Seed == 0 {
		cfg.Index.Seed = 1
	}
	cfg.Ranking.ApplyDefaults()
	if cfg.Threshold.Method == "" {
		cfg.Threshold.Method = string(threshold.MethodPercentile)
	}
	d := threshold.DefaultParams()
	if cfg.Threshold.Params.Percentile == 0 {
		cfg.Threshold.Params.Percentile = d.Percentile
	}
	if cfg.Threshold.Params.K == 0 {
		cfg.Threshold.Params.K = d.K
	}
	if cfg.Threshold.Params.Bins == 0 {
		cfg.Threshold.Params.Bins = d.Bins
	}
	if cfg.Threshold.OptimizeMetric == "" {
		cfg.Threshold.OptimizeMetric = string(threshold.OptimizeF1)
	}
	if cfg.Threshold.OptimizeSteps == 0 {
		cfg.Threshold.OptimizeSteps = 101
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "mock"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 10
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 1000
	}
	if cfg.Search.DefaultPruningFactor == 0 {
		cfg.Search.DefaultPruningFactor = 1
	}
	if cfg.Search.CandidateMultiplier == 0 {
		cfg.Search.CandidateMultiplier = 4
	}
	if cfg.Search.KeywordPhraseBoost == 0 {
		cfg.Search.KeywordPhraseBoost = 1.5
	}
}
