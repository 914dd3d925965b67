package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tenths = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}

func TestCalculateDynamicThreshold_Methods(t *testing.T) {
	c := NewCalibrator()
	tests := []struct {
		name   string
		scores []float64
		method Method
		params Params
		want   float64
	}{
		{"percentile default", tenths, MethodPercentile, Params{}, 0.8},
		{"percentile half", tenths, MethodPercentile, Params{Percentile: 0.5}, 0.5},
		{"empty method is percentile", tenths, "", Params{}, 0.8},
		{"mean", tenths, MethodMean, Params{}, 0.55},
		{"mean plus stddev", tenths, MethodMeanStdDev, Params{}, 0.55 + 0.2872281},
		{"mean plus stddev clamped", tenths, MethodMeanStdDev, Params{K: 10}, 1},
		{"elbow", []float64{0.95, 0.94, 0.93, 0.92, 0.3, 0.2, 0.1}, MethodElbow, Params{}, 0.92},
		{"elbow short falls back to mean", []float64{0.2, 0.4}, MethodElbow, Params{}, 0.3},
		{"otsu constant", []float64{0.4, 0.4, 0.4}, MethodOtsu, Params{}, 0.4},
		{"adaptive", tenths, MethodAdaptive, Params{Complexity: 0.5, Specificity: 1, Feedback: 0.1}, 0.8*0.95*1.1 + 0.1},
		{"adaptive clamped", tenths, MethodAdaptive, Params{Feedback: 0.5}, 1},
		{"adaptive clamped low", tenths, MethodAdaptive, Params{Feedback: -2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.CalculateDynamicThreshold(tt.scores, tt.method, tt.params)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestCalculateDynamicThreshold_OtsuSeparatesModes(t *testing.T) {
	scores := []float64{0.8, 0.1, 0.85, 0.12, 0.82, 0.15}
	got, err := NewCalibrator().CalculateDynamicThreshold(scores, MethodOtsu, Params{})
	require.NoError(t, err)
	assert.Greater(t, got, 0.15)
	assert.LessOrEqual(t, got, 0.8)
	assert.Equal(t, []float64{0.8, 0.1, 0.85, 0.12, 0.82, 0.15}, scores, "input must not be reordered")
}

func TestCalculateDynamicThreshold_Errors(t *testing.T) {
	c := NewCalibrator()

	_, err := c.CalculateDynamicThreshold(nil, MethodMean, Params{})
	assert.ErrorIs(t, err, ErrNoScores)

	_, err = c.CalculateDynamicThreshold(tenths, "median", Params{})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = c.CalculateDynamicThreshold(tenths, MethodPercentile, Params{Percentile: 1.5})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = c.CalculateDynamicThreshold(tenths, MethodOtsu, Params{Bins: 1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = c.CalculateDynamicThreshold(tenths, MethodAdaptive, Params{Complexity: 2})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestCalibrator_WithDefaults(t *testing.T) {
	c := NewCalibrator(WithDefaults(Params{Percentile: 0.5}))
	assert.Equal(t, 64, c.Defaults().Bins)

	got, err := c.CalculateDynamicThreshold(tenths, MethodPercentile, Params{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod(" Otsu ")
	require.NoError(t, err)
	assert.Equal(t, MethodOtsu, m)

	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodPercentile, m)

	_, err = ParseMethod("median")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestEstimateQueryComplexity(t *testing.T) {
	assert.Equal(t, 0.0, EstimateQueryComplexity("   "))
	assert.InDelta(t, 0.15, EstimateQueryComplexity("go"), 1e-9)

	short := EstimateQueryComplexity("vector search")
	long := EstimateQueryComplexity("hierarchical approximate nearest neighbour retrieval over compressed embeddings")
	assert.Greater(t, long, short)
	assert.LessOrEqual(t, long, 1.0)
}

func TestPercentile_KeepsTheTopOfTheRange(t *testing.T) {
	c := NewCalibrator()
	scores := []float64{0.91, 0.15, 0.42, 0.77, 0.3, 0.88, 0.05, 0.6, 0.95, 0.5}

	cut, err := c.CalculateDynamicThreshold(scores, MethodPercentile, Params{})
	require.NoError(t, err)
	var kept int
	for _, s := range scores {
		if s >= cut {
			kept++
		}
	}
	assert.Equal(t, 0.88, cut)
	assert.Equal(t, 3, kept, "the highest scores pass, not the lowest")

	strict, err := c.CalculateDynamicThreshold(scores, MethodPercentile, Params{Percentile: 0.9})
	require.NoError(t, err)
	lenient, err := c.CalculateDynamicThreshold(scores, MethodPercentile, Params{Percentile: 0.5})
	require.NoError(t, err)
	assert.Greater(t, strict, cut)
	assert.Less(t, lenient, cut)
}
