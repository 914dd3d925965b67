package ranking

import (
	"encoding/json"
	"strconv"
	"time"
)

const day = 24 * time.Hour

// RecencyMultiplier applies a boost based on how recently the document was created.
type RecencyMultiplier struct {
	config *RankingConfig
}

// NewRecencyMultiplier creates a new RecencyMultiplier.
func NewRecencyMultiplier(config *RankingConfig) *RecencyMultiplier {
	return &RecencyMultiplier{config: config}
}

// Name returns the multiplier name.
func (m *RecencyMultiplier) Name() string {
	return "recency"
}

// Multiply applies the recency multiplier to the base score.
func (m *RecencyMultiplier) Multiply(ctx *ScoringContext, baseScore float64) float64 {
	if !m.config.RecencyEnabled || baseScore == 0 || ctx.Result == nil || ctx.Result.Document == nil {
		return baseScore
	}
	created := ctx.Result.Document.CreatedAt
	if created.IsZero() {
		return baseScore
	}
	return baseScore * m.calculateMultiplier(ctx.Now.Sub(created))
}

func (m *RecencyMultiplier) calculateMultiplier(age time.Duration) float64 {
	switch {
	case age < 7*day:
		return m.config.RecencyWeekMultiplier
	case age < 30*day:
		return m.config.RecencyMonthMultiplier
	case age < 365*day:
		return m.config.RecencyYearMultiplier
	default:
		return m.config.RecencyOlderMultiplier
	}
}

// CalculateRecencyMultiplier is a standalone function to calculate the recency multiplier for an age.
func CalculateRecencyMultiplier(age time.Duration, config *RankingConfig) float64 {
	return NewRecencyMultiplier(config).calculateMultiplier(age)
}

// SourceMultiplier boosts documents from configured sources.
type SourceMultiplier struct {
	config *RankingConfig
}

// NewSourceMultiplier creates a new SourceMultiplier.
func NewSourceMultiplier(config *RankingConfig) *SourceMultiplier {
	return &SourceMultiplier{config: config}
}

// Name returns the multiplier name.
func (m *SourceMultiplier) Name() string {
	return "source"
}

// Multiply applies the source multiplier to the base score.
func (m *SourceMultiplier) Multiply(ctx *ScoringContext, baseScore float64) float64 {
	if !m.config.SourceEnabled || baseScore == 0 || ctx.Result == nil || ctx.Result.Document == nil {
		return baseScore
	}
	if mult, ok := m.config.SourceMultipliers[ctx.Result.Document.Source]; ok {
		return baseScore * mult
	}
	return baseScore
}

// PopularityMultiplier boosts documents by their view_count metadata.
type PopularityMultiplier struct {
	config *RankingConfig
}

// NewPopularityMultiplier creates a new PopularityMultiplier.
func NewPopularityMultiplier(config *RankingConfig) *PopularityMultiplier {
	return &PopularityMultiplier{config: config}
}

// Name returns the multiplier name.
func (m *PopularityMultiplier) Name() string {
	return "popularity"
}

// Multiply applies the popularity multiplier to the base score.
func (m *PopularityMultiplier) Multiply(ctx *ScoringContext, baseScore float64) float64 {
	if !m.config.PopularityEnabled || baseScore == 0 || ctx.Result == nil || ctx.Result.Document == nil {
		return baseScore
	}
	views, ok := viewCount(ctx.Result.Document.Metadata)
	if !ok {
		return baseScore
	}
	return baseScore * m.calculateMultiplier(views)
}

func (m *PopularityMultiplier) calculateMultiplier(views float64) float64 {
	switch {
	case views > 1000:
		return m.config.PopularityHighMultiplier
	case views > 100:
		return m.config.PopularityMediumMultiplier
	case views > 10:
		return m.config.PopularityLowMultiplier
	default:
		return 1.0
	}
}

// viewCount reads metadata["view_count"], which may arrive as any numeric type or a string.
func viewCount(meta map[string]interface{}) (float64, bool) {
	switch v := meta["view_count"].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// DefaultMultipliers returns the default set of multipliers based on config.
func DefaultMultipliers(config *RankingConfig) []Multiplier {
	var multipliers []Multiplier

	if config.RecencyEnabled {
		multipliers = append(multipliers, NewRecencyMultiplier(config))
	}

	if config.SourceEnabled {
		multipliers = append(multipliers, NewSourceMultiplier(config))
	}

	if config.PopularityEnabled {
		multipliers = append(multipliers, NewPopularityMultiplier(config))
	}

	return multipliers
}

// MultiplierResult contains detailed multiplier application results.
type MultiplierResult struct {
	FinalScore     float64
	BaseScore      float64
	MultiplierVals map[string]float64
}

// ApplyMultipliersWithDetails applies multipliers and returns detailed results.
func ApplyMultipliersWithDetails(ctx *ScoringContext, baseScore float64, multipliers []Multiplier) *MultiplierResult {
	result := &MultiplierResult{
		BaseScore:      baseScore,
		MultiplierVals: make(map[string]float64),
	}

	score := baseScore
	for _, m := range multipliers {
		prevScore := score
		score = m.Multiply(ctx, score)
		if prevScore != 0 {
			result.MultiplierVals[m.Name()] = score / prevScore
		} else {
			result.MultiplierVals[m.Name()] = 1.0
		}
	}

	result.FinalScore = score
	return result
}
