package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DimensionPolicy decides what scoring does with vectors of different lengths.
type DimensionPolicy string

const (
	// PolicyStrict returns ErrDimensionMismatch.
	PolicyStrict DimensionPolicy = "strict"
	// PolicyZero scores mismatched pairs as 0 (not similar) and logs at debug.
	PolicyZero DimensionPolicy = "zero"
)

// NormalizationParams holds the per-metric calibration constants used to map raw values to [0,1].
type NormalizationParams struct {
	MaxEuclidean  float64 `yaml:"max_euclidean"`
	MaxManhattan  float64 `yaml:"max_manhattan"`
	MaxDotProduct float64 `yaml:"max_dot_product"`
}

// DefaultNormalizationParams suits unit-length embeddings.
func DefaultNormalizationParams() NormalizationParams {
	return NormalizationParams{MaxEuclidean: 2, MaxManhattan: 2, MaxDotProduct: 1}
}

// Engine scores vector pairs with a fixed dimension policy and normalization constants.
// It is safe for concurrent use.
type Engine struct {
	policy  DimensionPolicy
	params  NormalizationParams
	workers int
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDimensionPolicy sets how dimension mismatches are handled.
func WithDimensionPolicy(p DimensionPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithNormalization sets the calibration constants. Zero fields keep their defaults.
func WithNormalization(p NormalizationParams) Option {
	return func(e *Engine) {
		if p.MaxEuclidean > 0 {
			e.params.MaxEuclidean = p.MaxEuclidean
		}
		if p.MaxManhattan > 0 {
			e.params.MaxManhattan = p.MaxManhattan
		}
		if p.MaxDotProduct > 0 {
			e.params.MaxDotProduct = p.MaxDotProduct
		}
	}
}

// WithWorkers bounds the worker pool used by Matrix.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine. The default policy is strict.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		policy:  PolicyStrict,
		params:  DefaultNormalizationParams(),
		workers: runtime.GOMAXPROCS(0),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the dimension policy.
func (e *Engine) Policy() DimensionPolicy {
	return e.policy
}

// Similarity returns the raw metric value for a and b, applying the dimension policy.
func (e *Engine) Similarity(metric Metric, a, b []float32) (float64, error) {
	v, err := Raw(metric, a, b)
	if err != nil && errors.Is(err, ErrDimensionMismatch) && e.policy == PolicyZero {
		e.logger.Debug("dimension mismatch scored as zero",
			zap.Int("a", len(a)), zap.Int("b", len(b)), zap.String("metric", string(metric)))
		return e.zeroValue(metric), nil
	}
	return v, err
}

// zeroValue is the raw value that normalizes to 0 for the metric.
func (e *Engine) zeroValue(metric Metric) float64 {
	switch metric {
	case MetricEuclidean:
		return e.params.MaxEuclidean
	case MetricManhattan:
		return e.params.MaxManhattan
	case MetricDotProduct:
		return -e.params.MaxDotProduct
	default:
		return -1
	}
}

// Normalize maps a raw metric value into [0,1], where 1 is most similar.
// Cosine uses (s+1)/2; distances use 1-min(d/max,1); dot product is scaled by its max value.
func (e *Engine) Normalize(score float64, metric Metric) float64 {
	switch metric {
	case MetricEuclidean:
		return 1 - math.Min(math.Max(score, 0)/e.params.MaxEuclidean, 1)
	case MetricManhattan:
		return 1 - math.Min(math.Max(score, 0)/e.params.MaxManhattan, 1)
	case MetricDotProduct:
		return clamp01((score/e.params.MaxDotProduct + 1) / 2)
	default:
		return clamp01((score + 1) / 2)
	}
}

// NormalizedSimilarity returns Normalize(Similarity(...)).
func (e *Engine) NormalizedSimilarity(metric Metric, a, b []float32) (float64, error) {
	v, err := e.Similarity(metric, a, b)
	if err != nil {
		return 0, err
	}
	return e.Normalize(v, metric), nil
}

// Matrix computes the full pairwise similarity matrix. Rows are computed concurrently;
// each row fills only j >= i and mirrors into the lower triangle.
func (e *Engine) Matrix(ctx context.Context, vectors [][]float32, metric Metric) ([][]float64, error) {
	n := len(vectors)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for j := i; j < n; j++ {
				v, err := e.Similarity(metric, vectors[i], vectors[j])
				if err != nil {
					return fmt.Errorf("row %d col %d: %w", i, j, err)
				}
				// Each (i,j) with j >= i is written by row i alone.
				out[i][j] = v
				out[j][i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
