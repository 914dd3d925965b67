package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var labeled = []LabeledPair{
	{Similarity: 0.9, Relevant: true},
	{Similarity: 0.8, Relevant: true},
	{Similarity: 0.7, Relevant: false},
	{Similarity: 0.4, Relevant: true},
	{Similarity: 0.2, Relevant: false},
}

func TestValidateThreshold(t *testing.T) {
	v := ValidateThreshold(0.5, labeled)
	assert.Equal(t, ConfusionMatrix{TruePositives: 2, FalsePositives: 1, TrueNegatives: 1, FalseNegatives: 1}, v.Confusion)
	assert.InDelta(t, 2.0/3, v.Precision, 1e-9)
	assert.InDelta(t, 2.0/3, v.Recall, 1e-9)
	assert.InDelta(t, 2.0/3, v.F1, 1e-9)
	assert.InDelta(t, 0.6, v.Accuracy, 1e-9)
}

func TestValidateThreshold_NoPositivePredictions(t *testing.T) {
	v := ValidateThreshold(1.1, labeled)
	assert.Equal(t, 0.0, v.Precision)
	assert.Equal(t, 0.0, v.Recall)
	assert.Equal(t, 0.0, v.F1)
	assert.InDelta(t, 0.4, v.Accuracy, 1e-9)

	empty := ValidateThreshold(0.5, nil)
	assert.Equal(t, 0.0, empty.Accuracy)
}

func TestOptimizeThreshold(t *testing.T) {
	opt, err := OptimizeThreshold(labeled, OptimizeF1, 0, 1, 11)
	require.NoError(t, err)
	require.Len(t, opt.Curve, 11)

	// 0.3 and 0.4 both reach F1 6/7; the lower one wins.
	assert.InDelta(t, 0.3, opt.Best.Threshold, 1e-9)
	assert.InDelta(t, 6.0/7, opt.Score, 1e-9)
	assert.GreaterOrEqual(t, opt.Score, opt.Curve[0].F1)
	assert.GreaterOrEqual(t, opt.Score, opt.Curve[10].F1)
	assert.InDelta(t, 0.0, opt.Curve[0].Threshold, 1e-12)
	assert.InDelta(t, 1.0, opt.Curve[10].Threshold, 1e-12)
}

func TestOptimizeThreshold_OtherMetrics(t *testing.T) {
	opt, err := OptimizeThreshold(labeled, OptimizeRecall, 0, 1, 11)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, opt.Best.Threshold, 1e-9)
	assert.Equal(t, 1.0, opt.Score)

	opt, err = OptimizeThreshold(labeled, OptimizePrecision, 0, 1, 11)
	require.NoError(t, err)
	assert.Equal(t, 1.0, opt.Score)
	assert.InDelta(t, 0.8, opt.Best.Threshold, 1e-9)

	opt, err = OptimizeThreshold(labeled, "", 0.5, 0.5, 1)
	require.NoError(t, err)
	assert.Equal(t, OptimizeF1, opt.Metric)
	assert.Len(t, opt.Curve, 1)
}

func TestOptimizeThreshold_Errors(t *testing.T) {
	_, err := OptimizeThreshold(nil, OptimizeF1, 0, 1, 10)
	assert.ErrorIs(t, err, ErrNoPairs)

	_, err = OptimizeThreshold(labeled, OptimizeF1, 0, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = OptimizeThreshold(labeled, OptimizeF1, 1, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = ParseOptimizeMetric("auc")
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRecommendLevels(t *testing.T) {
	levels, err := RecommendLevels(tenths)
	require.NoError(t, err)
	require.Len(t, levels, 3)

	assert.Equal(t, "strict", levels[0].Name)
	assert.InDelta(t, 0.9, levels[0].Threshold, 1e-9)
	assert.Equal(t, 2, levels[0].Matches)
	assert.Equal(t, "balanced", levels[1].Name)
	assert.InDelta(t, 0.7, levels[1].Threshold, 1e-9)
	assert.Equal(t, 4, levels[1].Matches)
	assert.Equal(t, "lenient", levels[2].Name)
	assert.InDelta(t, 0.5, levels[2].Threshold, 1e-9)
	assert.Equal(t, 6, levels[2].Matches)

	_, err = RecommendLevels(nil)
	assert.ErrorIs(t, err, ErrNoScores)
}
