// Package ranking orders candidate documents by similarity, weighted factors and contextual boosts.
package ranking

import (
	"time"

	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/similarity"
)

// FactorKind selects how a Factor scores a candidate.
type FactorKind int

const (
	// FactorSemantic is the normalized embedding similarity to the query.
	FactorSemantic FactorKind = iota
	// FactorKeyword is the fraction of query terms present in the content.
	FactorKeyword
	// FactorLength rewards content close to the ideal length.
	FactorLength
	// FactorPrecomputed reads a per-document score, e.g. BM25 from the keyword index.
	FactorPrecomputed
	// FactorCustom calls a caller-supplied function.
	FactorCustom
)

// String returns a string representation of the factor kind.
func (k FactorKind) String() string {
	switch k {
	case FactorSemantic:
		return "semantic"
	case FactorKeyword:
		return "keyword"
	case FactorLength:
		return "length"
	case FactorPrecomputed:
		return "precomputed"
	case FactorCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// FactorFunc scores one candidate for a custom factor.
type FactorFunc func(query string, queryEmbedding []float32, doc *models.Document) float64

// Factor is one weighted term of a multi-factor score.
type Factor struct {
	// Name keys the factor in RankedResult.FactorScores. Defaults to the kind's name.
	Name   string
	Kind   FactorKind
	Weight float64

	// Metric is used by FactorSemantic. Defaults to cosine.
	Metric similarity.Metric
	// IdealLength is used by FactorLength.
	IdealLength int
	// Scores holds FactorPrecomputed values by document id. Missing ids score 0.
	Scores map[string]float64
	// Func is called for FactorCustom.
	Func FactorFunc
}

func (f Factor) key() string {
	if f.Name != "" {
		return f.Name
	}
	return f.Kind.String()
}

// Factor score keys set by Rank.
const (
	ScoreSemantic     = "semantic"
	ScoreSubstring    = "substring_boost"
	ScoreTermCoverage = "term_coverage"
)

// ScoringContext provides what a multiplier needs to adjust one result.
type ScoringContext struct {
	Result *models.RankedResult
	// Now is the reference time for age-based multipliers.
	Now time.Time
}

// Multiplier is the interface for score multipliers.
type Multiplier interface {
	// Multiply applies a multiplier to the base score.
	Multiply(ctx *ScoringContext, baseScore float64) float64
	// Name returns the name of the multiplier for debugging/logging.
	Name() string
}

// RerankContext configures Rerank.
type RerankContext struct {
	// Now defaults to time.Now().
	Now time.Time
	// Multipliers defaults to DefaultMultipliers of the ranker's config.
	Multipliers []Multiplier
	// Diversity enables the near-duplicate filter.
	Diversity bool
	// DiversityThreshold overrides the configured threshold when positive.
	DiversityThreshold float64
}
