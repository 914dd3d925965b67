package ranking

// RankingConfig holds all configuration for the ranking system.
type RankingConfig struct {
	// Single-factor boosts
	SubstringBoost    float64 `yaml:"substring_boost"`     // default: 1.2
	TermCoverageBoost float64 `yaml:"term_coverage_boost"` // default: 0.3 (up to +30%)

	// Default factor weights for multi-factor ranking
	SemanticWeight float64 `yaml:"semantic_weight"` // default: 0.7
	KeywordWeight  float64 `yaml:"keyword_weight"`  // default: 0.2
	LengthWeight   float64 `yaml:"length_weight"`   // default: 0.1
	IdealLength    int     `yaml:"ideal_length"`    // default: 200 characters

	// Recency multiplier settings
	RecencyEnabled         bool    `yaml:"recency_enabled"`          // default: true
	RecencyWeekMultiplier  float64 `yaml:"recency_week_multiplier"`  // default: 1.2
	RecencyMonthMultiplier float64 `yaml:"recency_month_multiplier"` // default: 1.1
	RecencyYearMultiplier  float64 `yaml:"recency_year_multiplier"`  // default: 1.0
	RecencyOlderMultiplier float64 `yaml:"recency_older_multiplier"` // default: 0.9

	// Source multipliers keyed by Document.Source
	SourceEnabled     bool               `yaml:"source_enabled"`     // default: true
	SourceMultipliers map[string]float64 `yaml:"source_multipliers"` // default: trusted 1.15, community 1.05

	// Popularity multipliers by metadata view_count
	PopularityEnabled          bool    `yaml:"popularity_enabled"`           // default: true
	PopularityHighMultiplier   float64 `yaml:"popularity_high_multiplier"`   // default: 1.15 (> 1000 views)
	PopularityMediumMultiplier float64 `yaml:"popularity_medium_multiplier"` // default: 1.1 (> 100 views)
	PopularityLowMultiplier    float64 `yaml:"popularity_low_multiplier"`    // default: 1.05 (> 10 views)

	// Diversity filter
	DiversityEnabled   bool    `yaml:"diversity_enabled"`   // default: true
	DiversityThreshold float64 `yaml:"diversity_threshold"` // default: 0.85

	// Workers bounds per-candidate scoring concurrency.
	Workers int `yaml:"workers"` // default: 4
}

// DefaultRankingConfig returns the default ranking configuration.
func DefaultRankingConfig() *RankingConfig {
	return &RankingConfig{
		SubstringBoost:    1.2,
		TermCoverageBoost: 0.3,

		SemanticWeight: 0.7,
		KeywordWeight:  0.2,
		LengthWeight:   0.1,
		IdealLength:    200,

		RecencyEnabled:         true,
		RecencyWeekMultiplier:  1.2,
		RecencyMonthMultiplier: 1.1,
		RecencyYearMultiplier:  1.0,
		RecencyOlderMultiplier: 0.9,

		SourceEnabled: true,
		SourceMultipliers: map[string]float64{
			"trusted":   1.15,
			"community": 1.05,
		},

		PopularityEnabled:          true,
		PopularityHighMultiplier:   1.15,
		PopularityMediumMultiplier: 1.1,
		PopularityLowMultiplier:    1.05,

		DiversityEnabled:   true,
		DiversityThreshold: 0.85,

		Workers: 4,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *RankingConfig) ApplyDefaults() {
	defaults := DefaultRankingConfig()

	if c.SubstringBoost == 0 {
		c.SubstringBoost = defaults.SubstringBoost
	}
	if c.TermCoverageBoost == 0 {
		c.TermCoverageBoost = defaults.TermCoverageBoost
	}

	// Weights: only when none is set, so a caller can zero out a factor.
	if c.SemanticWeight == 0 && c.KeywordWeight == 0 && c.LengthWeight == 0 {
		c.SemanticWeight = defaults.SemanticWeight
		c.KeywordWeight = defaults.KeywordWeight
		c.LengthWeight = defaults.LengthWeight
	}
	if c.IdealLength == 0 {
		c.IdealLength = defaults.IdealLength
	}

	// Recency
	if c.RecencyWeekMultiplier == 0 {
		c.RecencyWeekMultiplier = defaults.RecencyWeekMultiplier
	}
	if c.RecencyMonthMultiplier == 0 {
		c.RecencyMonthMultiplier = defaults.RecencyMonthMultiplier
	}
	if c.RecencyYearMultiplier == 0 {
		c.RecencyYearMultiplier = defaults.RecencyYearMultiplier
	}
	if c.RecencyOlderMultiplier == 0 {
		c.RecencyOlderMultiplier = defaults.RecencyOlderMultiplier
	}

	// Source
	if c.SourceMultipliers == nil {
		c.SourceMultipliers = defaults.SourceMultipliers
	}

	// Popularity
	if c.PopularityHighMultiplier == 0 {
		c.PopularityHighMultiplier = defaults.PopularityHighMultiplier
	}
	if c.PopularityMediumMultiplier == 0 {
		c.PopularityMediumMultiplier = defaults.PopularityMediumMultiplier
	}
	if c.PopularityLowMultiplier == 0 {
		c.PopularityLowMultiplier = defaults.PopularityLowMultiplier
	}

	// Diversity
	if c.DiversityThreshold == 0 {
		c.DiversityThreshold = defaults.DiversityThreshold
	}

	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
}
