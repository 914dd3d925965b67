package search

import (
	"context"
	"fmt"

	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/ranking"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/internal/threshold"
	"github.com/hyperjump/tansaku/internal/vector"
)

// CalibrateThreshold ranks q's candidates and derives a cutoff from their semantic scores.
// An empty method uses the configured one; zero params fields use the configured defaults.
func (e *Engine) CalibrateThreshold(ctx context.Context, q *models.SearchQuery, method threshold.Method, params threshold.Params) (float64, error) {
	scores, err := e.candidateScores(ctx, q)
	if err != nil {
		return 0, err
	}
	if method == "" {
		if method, err = threshold.ParseMethod(e.cfg.Threshold.Method); err != nil {
			return 0, err
		}
	}
	if method == threshold.MethodAdaptive && params.Complexity == 0 {
		params.Complexity = threshold.EstimateQueryComplexity(q.Text)
	}
	return e.calibrator.CalculateDynamicThreshold(scores, method, params)
}

// RecommendThresholds suggests strict, balanced and lenient cutoffs for q.
func (e *Engine) RecommendThresholds(ctx context.Context, q *models.SearchQuery) ([]threshold.ThresholdLevel, error) {
	scores, err := e.candidateScores(ctx, q)
	if err != nil {
		return nil, err
	}
	return threshold.RecommendLevels(scores)
}

// LabeledPairs ranks q's candidates and labels each one relevant iff its id is in relevant.
func (e *Engine) LabeledPairs(ctx context.Context, q *models.SearchQuery, relevant []string) ([]threshold.LabeledPair, error) {
	results, _, err := e.rank(ctx, q)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(relevant))
	for _, id := range relevant {
		want[id] = struct{}{}
	}
	pairs := make([]threshold.LabeledPair, len(results))
	for i, r := range results {
		_, ok := want[r.Document.ID]
		pairs[i] = threshold.LabeledPair{Similarity: r.FactorScores[ranking.ScoreSemantic], Relevant: ok}
	}
	return pairs, nil
}

func (e *Engine) candidateScores(ctx context.Context, q *models.SearchQuery) ([]float64, error) {
	results, _, err := e.rank(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, threshold.ErrNoScores
	}
	return ranking.SemanticScores(results), nil
}

// ValidateThreshold scores a cutoff against labeled pairs.
func (e *Engine) ValidateThreshold(cutoff float64, pairs []threshold.LabeledPair) threshold.Validation {
	return threshold.ValidateThreshold(cutoff, pairs)
}

// OptimizeThreshold grid-searches [lo, hi]. An empty metric or non-positive steps use the
// configured values.
func (e *Engine) OptimizeThreshold(pairs []threshold.LabeledPair, metric threshold.OptimizeMetric, lo, hi float64, steps int) (*threshold.Optimization, error) {
	if metric == "" {
		m, err := threshold.ParseOptimizeMetric(e.cfg.Threshold.OptimizeMetric)
		if err != nil {
			return nil, err
		}
		metric = m
	}
	if steps <= 0 {
		steps = e.cfg.Threshold.OptimizeSteps
	}
	return threshold.OptimizeThreshold(pairs, metric, lo, hi, steps)
}

// Stats summarizes the engine.
type Stats struct {
	Storage          storage.Stats      `json:"storage"`
	IndexType        string             `json:"index_type"`
	IndexSize        int                `json:"index_size"`
	Tree             *vector.IndexStats `json:"tree,omitempty"`
	Dimensions       int                `json:"dimensions"`
	KeywordDocuments uint64             `json:"keyword_documents,omitempty"`
}

// Statistics reports storage, index and keyword index figures.
func (e *Engine) Statistics(ctx context.Context) (*Stats, error) {
	st, err := e.storage.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	dims := e.dims
	e.mu.Unlock()

	out := &Stats{
		Storage:    st,
		IndexType:  e.index.Type(),
		IndexSize:  e.index.Size(),
		Dimensions: dims,
	}
	if h, ok := e.index.(interface{ Stats() vector.IndexStats }); ok {
		tree := h.Stats()
		out.Tree = &tree
	}
	if e.keywords != nil {
		n, err := e.keywords.DocCount()
		if err != nil {
			return nil, fmt.Errorf("failed to count keyword documents: %w", err)
		}
		out.KeywordDocuments = n
	}
	return out, nil
}

// Close releases every component. The first error is returned.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(e.index.Close())
	if e.keywords != nil {
		keep(e.keywords.Close())
	}
	if e.embedder != nil {
		keep(e.embedder.Close())
	}
	keep(e.storage.Close())
	if e.codec != nil {
		keep(e.codec.Close())
	}
	return first
}
