package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/similarity"
)

// Ranker scores candidates against a query and orders them by relevance.
type Ranker struct {
	config *RankingConfig
	sim    *similarity.Engine
	logger *zap.Logger
}

// NewRanker creates a new Ranker with the given configuration. A nil engine uses strict defaults.
func NewRanker(config *RankingConfig, sim *similarity.Engine, logger *zap.Logger) *Ranker {
	if config == nil {
		config = DefaultRankingConfig()
	}
	config.ApplyDefaults()
	if sim == nil {
		sim = similarity.NewEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{config: config, sim: sim, logger: logger}
}

// GetConfig returns the ranking configuration.
func (r *Ranker) GetConfig() *RankingConfig {
	return r.config
}

// Rank scores each candidate by normalized similarity to queryEmbedding, boosted when the query
// occurs verbatim in the content and by the fraction of query terms found. Results are sorted by
// relevance and truncated to topK when topK > 0.
func (r *Ranker) Rank(ctx context.Context, query string, queryEmbedding []float32, candidates []*models.Document, metric similarity.Metric, topK int) ([]*models.RankedResult, error) {
	q := newTextQuery(query)
	results, err := r.scoreAll(ctx, candidates, func(doc *models.Document) (*models.RankedResult, error) {
		raw, err := r.sim.Similarity(metric, queryEmbedding, doc.Embedding)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		normalized := r.sim.Normalize(raw, metric)
		relevance := normalized
		substring := 1.0
		if q.contains(doc.Content) {
			substring = r.config.SubstringBoost
			relevance *= substring
		}
		coverage := q.coverage(doc.Content)
		relevance *= 1 + r.config.TermCoverageBoost*coverage
		return &models.RankedResult{
			Document:       doc,
			Score:          raw,
			RelevanceScore: relevance,
			FactorScores: map[string]float64{
				ScoreSemantic:     normalized,
				ScoreSubstring:    substring,
				ScoreTermCoverage: coverage,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	SortByRelevance(results)
	return TopN(results, topK), nil
}

// DefaultFactors returns the semantic, keyword and length factors with configured weights.
func (r *Ranker) DefaultFactors(metric similarity.Metric) []Factor {
	return []Factor{
		{Kind: FactorSemantic, Weight: r.config.SemanticWeight, Metric: metric},
		{Kind: FactorKeyword, Weight: r.config.KeywordWeight},
		{Kind: FactorLength, Weight: r.config.LengthWeight, IdealLength: r.config.IdealLength},
	}
}

// RankWithMultipleFactors scores each candidate as the weighted sum of factors and keeps every
// factor's value in FactorScores. Nil factors selects DefaultFactors with cosine.
func (r *Ranker) RankWithMultipleFactors(ctx context.Context, query string, queryEmbedding []float32, candidates []*models.Document, factors []Factor, topK int) ([]*models.RankedResult, error) {
	if factors == nil {
		factors = r.DefaultFactors(similarity.MetricCosine)
	}
	for _, f := range factors {
		if f.Kind == FactorCustom && f.Func == nil {
			return nil, fmt.Errorf("custom factor %q has no function", f.key())
		}
	}
	q := newTextQuery(query)
	results, err := r.scoreAll(ctx, candidates, func(doc *models.Document) (*models.RankedResult, error) {
		res := &models.RankedResult{Document: doc, FactorScores: make(map[string]float64, len(factors))}
		for _, f := range factors {
			v, raw, err := r.factorScore(f, q, queryEmbedding, doc)
			if err != nil {
				return nil, fmt.Errorf("document %s: %w", doc.ID, err)
			}
			if f.Kind == FactorSemantic {
				res.Score = raw
			}
			res.FactorScores[f.key()] = v
			res.RelevanceScore += f.Weight * v
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	SortByRelevance(results)
	return TopN(results, topK), nil
}

// factorScore returns the factor value and, for semantic factors, the raw similarity.
func (r *Ranker) factorScore(f Factor, q textQuery, queryEmbedding []float32, doc *models.Document) (float64, float64, error) {
	switch f.Kind {
	case FactorSemantic:
		metric := f.Metric
		if metric == "" {
			metric = similarity.MetricCosine
		}
		raw, err := r.sim.Similarity(metric, queryEmbedding, doc.Embedding)
		if err != nil {
			return 0, 0, err
		}
		return r.sim.Normalize(raw, metric), raw, nil
	case FactorKeyword:
		return q.coverage(doc.Content), 0, nil
	case FactorLength:
		ideal := f.IdealLength
		if ideal <= 0 {
			ideal = r.config.IdealLength
		}
		return LengthScore(doc.Content, ideal), 0, nil
	case FactorPrecomputed:
		return f.Scores[doc.ID], 0, nil
	case FactorCustom:
		return f.Func(q.raw, queryEmbedding, doc), 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown factor kind %d", f.Kind)
	}
}

// LengthScore is 1 at the ideal length and falls linearly with relative deviation, floored at 0.
func LengthScore(content string, ideal int) float64 {
	n := utf8.RuneCountInString(content)
	longer := math.Max(float64(n), float64(ideal))
	if longer == 0 {
		return 1
	}
	return 1 - math.Abs(float64(n-ideal))/longer
}

// scoreAll scores candidates concurrently, preserving input order before sorting.
func (r *Ranker) scoreAll(ctx context.Context, candidates []*models.Document, score func(*models.Document) (*models.RankedResult, error)) ([]*models.RankedResult, error) {
	results := make([]*models.RankedResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)
	for i, doc := range candidates {
		if doc == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := score(doc)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := results[:0]
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}

// Rerank applies contextual multipliers to each result's relevance, re-sorts, and optionally drops
// near-duplicates. Each multiplier's effect is recorded in FactorScores under its name.
func (r *Ranker) Rerank(results []*models.RankedResult, rc RerankContext) []*models.RankedResult {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}
	multipliers := rc.Multipliers
	if multipliers == nil {
		multipliers = DefaultMultipliers(r.config)
	}
	for _, res := range results {
		detail := ApplyMultipliersWithDetails(&ScoringContext{Result: res, Now: now}, res.RelevanceScore, multipliers)
		res.RelevanceScore = detail.FinalScore
		if res.FactorScores == nil {
			res.FactorScores = make(map[string]float64, len(detail.MultiplierVals))
		}
		for name, v := range detail.MultiplierVals {
			res.FactorScores[name] = v
		}
	}
	SortByRelevance(results)
	if !rc.Diversity {
		return results
	}
	threshold := rc.DiversityThreshold
	if threshold <= 0 {
		threshold = r.config.DiversityThreshold
	}
	kept := DiversityFilter(results, threshold)
	if dropped := len(results) - len(kept); dropped > 0 {
		r.logger.Debug("diversity filter dropped near-duplicates", zap.Int("dropped", dropped))
	}
	return kept
}

// DiversityFilter keeps the first result and then each result whose cosine similarity to every
// kept result is below threshold. Results without embeddings are always kept.
func DiversityFilter(results []*models.RankedResult, threshold float64) []*models.RankedResult {
	kept := make([]*models.RankedResult, 0, len(results))
	for _, res := range results {
		distinct := true
		if res.Document != nil && len(res.Document.Embedding) > 0 {
			for _, k := range kept {
				if k.Document == nil || len(k.Document.Embedding) != len(res.Document.Embedding) {
					continue
				}
				cos, err := similarity.Cosine(res.Document.Embedding, k.Document.Embedding)
				if err == nil && cos >= threshold {
					distinct = false
					break
				}
			}
		}
		if distinct {
			kept = append(kept, res)
		}
	}
	return kept
}

// SortByRelevance sorts descending by RelevanceScore, breaking ties by document id.
func SortByRelevance(results []*models.RankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].RelevanceScore != results[j].RelevanceScore {
			return results[i].RelevanceScore > results[j].RelevanceScore
		}
		return docID(results[i]) < docID(results[j])
	})
}

func docID(r *models.RankedResult) string {
	if r.Document == nil {
		return ""
	}
	return r.Document.ID
}

// FilterByMinScore drops results whose semantic score is below minScore.
func FilterByMinScore(results []*models.RankedResult, minScore float64) []*models.RankedResult {
	filtered := make([]*models.RankedResult, 0, len(results))
	for _, r := range results {
		if r.FactorScores[ScoreSemantic] >= minScore {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// SemanticScores returns each result's normalized similarity.
func SemanticScores(results []*models.RankedResult) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.FactorScores[ScoreSemantic]
	}
	return out
}

// TopN returns the top N results. n <= 0 returns all.
func TopN(results []*models.RankedResult, n int) []*models.RankedResult {
	if n <= 0 || n >= len(results) {
		return results
	}
	return results[:n]
}

// textQuery is a query string prepared for matching. The substring boost matches the trimmed
// query literally; term coverage ignores case.
type textQuery struct {
	raw     string
	literal string
	terms   []string
}

func newTextQuery(query string) textQuery {
	literal := strings.TrimSpace(query)
	return textQuery{raw: query, literal: literal, terms: strings.Fields(strings.ToLower(literal))}
}

func (q textQuery) contains(content string) bool {
	return q.literal != "" && strings.Contains(content, q.literal)
}

// coverage is the fraction of query terms present in content.
func (q textQuery) coverage(content string) float64 {
	if len(q.terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	var found int
	for _, t := range q.terms {
		if strings.Contains(lower, t) {
			found++
		}
	}
	return float64(found) / float64(len(q.terms))
}
