package search

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/codec"
	"github.com/hyperjump/tansaku/internal/config"
	"github.com/hyperjump/tansaku/internal/embedding"
	"github.com/hyperjump/tansaku/internal/keyword"
	"github.com/hyperjump/tansaku/internal/ranking"
	"github.com/hyperjump/tansaku/internal/similarity"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/internal/threshold"
	"github.com/hyperjump/tansaku/internal/vector"
)

// New builds every component from cfg, opens the engine and returns it ready to search.
// Components already created are closed when a later one fails.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	opted := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(opted)
	}
	logger := opted.logger

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	backend := storage.Backend(cfg.Storage.Backend)
	store, err := storage.NewStore(ctx, backend, cfg.Storage.Path, cfg.Storage.IndexedOrDefault())
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)

	ok, level := zstd.EncoderLevelFromString(cfg.Codec.Level)
	if !ok {
		return nil, fmt.Errorf("unknown zstd level %q", cfg.Codec.Level)
	}
	c, err := codec.New(codec.WithQuantizationBits(cfg.Codec.BitsOrDefault()), codec.WithLevel(level))
	if err != nil {
		return nil, err
	}
	closers = append(closers, c.Close)

	mcfg := storage.ManagerConfig{
		Workers:        cfg.Storage.Workers,
		BatchChunkSize: cfg.Storage.BatchChunkSize,
		MaxBytes:       cfg.Storage.MaxBytes,
		Dimensions:     cfg.Index.Dimensions,
	}
	if backend != storage.BackendMemory {
		mcfg.CachePath = filepath.Join(cfg.Storage.Path, storage.CacheFileName)
		mcfg.DiskPaths = []string{cfg.Storage.Path}
	}
	manager, err := storage.NewManager(ctx, store, c, mcfg,
		storage.WithLogger(logger.Named("storage")),
		storage.WithMetrics(opted.metrics))
	if err != nil {
		return nil, err
	}

	metric, err := similarity.ParseMetric(cfg.Similarity.Metric)
	if err != nil {
		return nil, err
	}
	sim := similarity.NewEngine(
		similarity.WithDimensionPolicy(similarity.DimensionPolicy(cfg.Similarity.DimensionPolicy)),
		similarity.WithNormalization(cfg.Similarity.Normalization),
		similarity.WithWorkers(cfg.Similarity.Workers),
		similarity.WithLogger(logger.Named("similarity")))

	index, err := vector.NewVectorIndex(cfg.Index.Type, vector.Options{
		Dimensions:       cfg.Index.Dimensions,
		Metric:           metric,
		MaxPointsPerNode: cfg.Index.MaxPointsPerNode,
		Scoring:          vector.CandidateScoring(cfg.Index.Scoring),
		Seed:             cfg.Index.Seed,
		Logger:           logger.Named("index"),
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, index.Close)

	var embedder embedding.Embedder
	switch cfg.Embedding.Provider {
	case "mock":
		embedder = embedding.NewCachedEmbedder(embedding.NewMockEmbedder(cfg.Embedding.Dimensions), cfg.Embedding.CacheSize)
	case "none":
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	var keywords keyword.KeywordIndex
	if cfg.Search.KeywordEnabledOrDefault() {
		kw, err := keyword.NewBleveIndex(cfg.Search.KeywordIndexPath)
		if err != nil {
			return nil, err
		}
		closers = append(closers, kw.Close)
		keywords = kw
	}

	rankCfg := cfg.Ranking
	e, err := NewEngine(Dependencies{
		Storage:    manager,
		Index:      index,
		Ranker:     ranking.NewRanker(&rankCfg, sim, logger.Named("ranking")),
		Calibrator: threshold.NewCalibrator(threshold.WithDefaults(cfg.Threshold.Params), threshold.WithLogger(logger.Named("threshold"))),
		Similarity: sim,
		Embedder:   embedder,
		Keywords:   keywords,
		Codec:      c,
	}, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Open(ctx); err != nil {
		return nil, err
	}
	return e, nil
}
