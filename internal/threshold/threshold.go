// Package threshold picks and validates relevance cutoffs from score distributions.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrNoScores is returned when a threshold is requested for an empty distribution.
	ErrNoScores = errors.New("no similarity scores")
	// ErrUnknownMethod is returned for an unrecognized Method.
	ErrUnknownMethod = errors.New("unknown threshold method")
	// ErrInvalidParams is returned for out-of-range parameters.
	ErrInvalidParams = errors.New("invalid threshold parameters")
)

// Method selects how CalculateDynamicThreshold derives a cutoff.
type Method string

const (
	MethodPercentile Method = "percentile"
	MethodMean       Method = "mean"
	MethodMeanStdDev Method = "mean_stddev"
	MethodElbow      Method = "elbow"
	MethodOtsu       Method = "otsu"
	MethodAdaptive   Method = "adaptive"
)

// ParseMethod maps a config string to a Method. Empty selects percentile.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodPercentile, nil
	case MethodPercentile, MethodMean, MethodMeanStdDev, MethodElbow, MethodOtsu, MethodAdaptive:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Params tunes the threshold methods. Zero fields take the calibrator's defaults,
// except Complexity, Specificity and Feedback where zero is meaningful.
type Params struct {
	// Percentile in (0,1] for percentile and adaptive. Default 0.8.
	Percentile float64 `yaml:"percentile"`
	// K is the stddev multiplier for mean_stddev. Default 1.
	K float64 `yaml:"k"`
	// Bins is the Otsu histogram size. Default 64.
	Bins int `yaml:"bins"`
	// Complexity in [0,1] lowers the adaptive threshold for complex queries.
	Complexity float64 `yaml:"complexity"`
	// Specificity in [0,1] raises the adaptive threshold for narrow domains.
	Specificity float64 `yaml:"specificity"`
	// Feedback is added to the adaptive threshold before clamping.
	Feedback float64 `yaml:"feedback"`
}

// DefaultParams returns the default method parameters.
func DefaultParams() Params {
	return Params{Percentile: 0.8, K: 1, Bins: 64}
}

func (p Params) withDefaults(d Params) Params {
	if p.Percentile == 0 {
		p.Percentile = d.Percentile
	}
	if p.K == 0 {
		p.K = d.K
	}
	if p.Bins == 0 {
		p.Bins = d.Bins
	}
	return p
}

func (p Params) validate() error {
	if p.Percentile <= 0 || p.Percentile > 1 {
		return fmt.Errorf("%w: percentile %v not in (0,1]", ErrInvalidParams, p.Percentile)
	}
	if p.Bins < 2 {
		return fmt.Errorf("%w: bins %d < 2", ErrInvalidParams, p.Bins)
	}
	if p.Complexity < 0 || p.Complexity > 1 || p.Specificity < 0 || p.Specificity > 1 {
		return fmt.Errorf("%w: complexity and specificity must be in [0,1]", ErrInvalidParams)
	}
	return nil
}

// Calibrator computes thresholds with a set of default parameters.
type Calibrator struct {
	defaults Params
	logger   *zap.Logger
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithDefaults sets the parameters used for zero fields of a call's Params.
func WithDefaults(p Params) Option {
	return func(c *Calibrator) {
		c.defaults = p.withDefaults(DefaultParams())
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Calibrator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCalibrator creates a Calibrator.
func NewCalibrator(opts ...Option) *Calibrator {
	c := &Calibrator{defaults: DefaultParams(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Defaults returns the calibrator's default parameters.
func (c *Calibrator) Defaults() Params {
	return c.defaults
}

// CalculateDynamicThreshold derives a cutoff from similarities using method.
// The input slice is not modified.
func (c *Calibrator) CalculateDynamicThreshold(similarities []float64, method Method, params Params) (float64, error) {
	if len(similarities) == 0 {
		return 0, ErrNoScores
	}
	p := params.withDefaults(c.defaults)
	if err := p.validate(); err != nil {
		return 0, err
	}
	for _, s := range similarities {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return 0, fmt.Errorf("%w: non-finite score", ErrInvalidParams)
		}
	}
	sorted := append([]float64(nil), similarities...)
	sort.Float64s(sorted)

	var t float64
	switch method {
	case MethodPercentile, "":
		t = percentile(sorted, p.Percentile)
	case MethodMean:
		t, _ = meanStdDev(sorted)
	case MethodMeanStdDev:
		mean, sd := meanStdDev(sorted)
		t = clamp01(mean + p.K*sd)
	case MethodElbow:
		t = elbow(sorted)
	case MethodOtsu:
		t = otsu(sorted, p.Bins)
	case MethodAdaptive:
		base := percentile(sorted, p.Percentile)
		t = clamp01(base*(1-0.1*p.Complexity)*(1+0.1*p.Specificity) + p.Feedback)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	c.logger.Debug("calculated threshold",
		zap.String("method", string(method)),
		zap.Int("scores", len(sorted)),
		zap.Float64("threshold", t))
	return t, nil
}

// percentile returns sorted[floor(p*(n-1))] of an ascending slice. At p=0.8 the cutoff sits
// 80% of the way up the score range, so roughly the top fifth of candidates clears it and a
// larger p is stricter.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Floor(p * float64(len(sorted)-1)))
	return sorted[idx]
}

// meanStdDev returns the mean and population standard deviation.
func meanStdDev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// elbow walks the descending score curve and returns the score farthest from the chord joining
// its endpoints. Positions are scaled to [0,1] so the result does not depend on n.
func elbow(sorted []float64) float64 {
	n := len(sorted)
	if n < 3 {
		mean, _ := meanStdDev(sorted)
		return mean
	}
	desc := func(i int) float64 { return sorted[n-1-i] }
	x1, y1 := 0.0, desc(0)
	x2, y2 := 1.0, desc(n-1)
	dx, dy := x2-x1, y2-y1
	norm := math.Hypot(dx, dy)

	best, bestDist := 0, -1.0
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		d := math.Abs(dy*x-dx*desc(i)+x2*y1-y2*x1) / norm
		if d > bestDist {
			best, bestDist = i, d
		}
	}
	return desc(best)
}

// otsu histograms the scores and returns the bin edge that maximizes between-class variance.
func otsu(sorted []float64, bins int) float64 {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi == lo {
		return lo
	}
	width := (hi - lo) / float64(bins)
	counts := make([]float64, bins)
	for _, s := range sorted {
		b := int((s - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	total := float64(len(sorted))
	var sumAll float64
	for i, c := range counts {
		sumAll += c * center(lo, width, i)
	}

	var w0, sum0, bestVar float64
	bestEdge := 1
	for t := 1; t < bins; t++ {
		w0 += counts[t-1]
		sum0 += counts[t-1] * center(lo, width, t-1)
		w1 := total - w0
		if w0 == 0 || w1 == 0 {
			continue
		}
		mu0 := sum0 / w0
		mu1 := (sumAll - sum0) / w1
		between := (w0 / total) * (w1 / total) * (mu0 - mu1) * (mu0 - mu1)
		if between > bestVar {
			bestVar, bestEdge = between, t
		}
	}
	return lo + float64(bestEdge)*width
}

func center(lo, width float64, bin int) float64 {
	return lo + (float64(bin)+0.5)*width
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

// EstimateQueryComplexity scores a text query in [0,1] by term count and mean term length.
// Ten or more terms, or a mean term length of ten or more runes, each saturate their half.
func EstimateQueryComplexity(query string) float64 {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return 0
	}
	var runes int
	for _, t := range terms {
		runes += len([]rune(t))
	}
	avg := float64(runes) / float64(len(terms))
	return 0.5*math.Min(float64(len(terms))/10, 1) + 0.5*math.Min(avg/10, 1)
}
