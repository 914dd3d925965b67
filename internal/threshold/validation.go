package threshold

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoPairs is returned when optimizing without labeled pairs.
var ErrNoPairs = errors.New("no labeled pairs")

// LabeledPair is one scored candidate with its ground-truth relevance.
type LabeledPair struct {
	Similarity float64 `json:"similarity"`
	Relevant   bool    `json:"relevant"`
}

// ConfusionMatrix counts predictions of similarity >= threshold against labels.
type ConfusionMatrix struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`
}

// Validation is the quality of one threshold against labeled pairs.
type Validation struct {
	Threshold float64         `json:"threshold"`
	Precision float64         `json:"precision"`
	Recall    float64         `json:"recall"`
	F1        float64         `json:"f1"`
	Accuracy  float64         `json:"accuracy"`
	Confusion ConfusionMatrix `json:"confusion_matrix"`
}

// ValidateThreshold scores threshold against pairs. Ratios with a zero denominator are 0.
func ValidateThreshold(threshold float64, pairs []LabeledPair) Validation {
	v := Validation{Threshold: threshold}
	for _, p := range pairs {
		predicted := p.Similarity >= threshold
		switch {
		case predicted && p.Relevant:
			v.Confusion.TruePositives++
		case predicted:
			v.Confusion.FalsePositives++
		case p.Relevant:
			v.Confusion.FalseNegatives++
		default:
			v.Confusion.TrueNegatives++
		}
	}
	cm := v.Confusion
	v.Precision = ratio(cm.TruePositives, cm.TruePositives+cm.FalsePositives)
	v.Recall = ratio(cm.TruePositives, cm.TruePositives+cm.FalseNegatives)
	if v.Precision+v.Recall > 0 {
		v.F1 = 2 * v.Precision * v.Recall / (v.Precision + v.Recall)
	}
	v.Accuracy = ratio(cm.TruePositives+cm.TrueNegatives, len(pairs))
	return v
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// OptimizeMetric names the Validation field OptimizeThreshold maximizes.
type OptimizeMetric string

const (
	OptimizeF1        OptimizeMetric = "f1"
	OptimizePrecision OptimizeMetric = "precision"
	OptimizeRecall    OptimizeMetric = "recall"
	OptimizeAccuracy  OptimizeMetric = "accuracy"
)

// ParseOptimizeMetric maps a config string to an OptimizeMetric. Empty selects F1.
func ParseOptimizeMetric(s string) (OptimizeMetric, error) {
	switch m := OptimizeMetric(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return OptimizeF1, nil
	case OptimizeF1, OptimizePrecision, OptimizeRecall, OptimizeAccuracy:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidParams, s)
	}
}

func (m OptimizeMetric) of(v Validation) float64 {
	switch m {
	case OptimizePrecision:
		return v.Precision
	case OptimizeRecall:
		return v.Recall
	case OptimizeAccuracy:
		return v.Accuracy
	default:
		return v.F1
	}
}

// Optimization is the result of a threshold grid search.
type Optimization struct {
	Metric OptimizeMetric `json:"metric"`
	Best   Validation     `json:"best"`
	Score  float64        `json:"score"`
	Curve  []Validation   `json:"curve"`
}

// OptimizeThreshold evaluates steps evenly spaced thresholds in [lo, hi] and returns the one
// maximizing metric along with every evaluated point. Ties keep the lowest threshold.
func OptimizeThreshold(pairs []LabeledPair, metric OptimizeMetric, lo, hi float64, steps int) (*Optimization, error) {
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	if steps < 1 {
		return nil, fmt.Errorf("%w: steps %d < 1", ErrInvalidParams, steps)
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: range [%v, %v]", ErrInvalidParams, lo, hi)
	}
	if metric == "" {
		metric = OptimizeF1
	}

	opt := &Optimization{Metric: metric, Curve: make([]Validation, 0, steps)}
	for i := 0; i < steps; i++ {
		t := lo
		if steps > 1 {
			t = lo + (hi-lo)*float64(i)/float64(steps-1)
		}
		v := ValidateThreshold(t, pairs)
		opt.Curve = append(opt.Curve, v)
		if score := metric.of(v); i == 0 || score > opt.Score {
			opt.Best, opt.Score = v, score
		}
	}
	return opt, nil
}

// ThresholdLevel is a named cutoff suggestion.
type ThresholdLevel struct {
	Name        string  `json:"name"`
	Threshold   float64 `json:"threshold"`
	Description string  `json:"description"`
	// Matches is how many of the input scores pass the threshold.
	Matches int `json:"matches"`
}

var levels = []struct {
	name, description string
	percentile        float64
}{
	{"strict", "high precision, only the closest matches", 0.9},
	{"balanced", "precision and recall traded evenly", 0.75},
	{"lenient", "high recall, loosely related matches included", 0.5},
}

// RecommendLevels suggests strict, balanced and lenient cutoffs from a score distribution.
func RecommendLevels(similarities []float64) ([]ThresholdLevel, error) {
	if len(similarities) == 0 {
		return nil, ErrNoScores
	}
	sorted := append([]float64(nil), similarities...)
	sort.Float64s(sorted)

	out := make([]ThresholdLevel, 0, len(levels))
	for _, l := range levels {
		t := percentile(sorted, l.percentile)
		idx := sort.SearchFloat64s(sorted, t)
		out = append(out, ThresholdLevel{
			Name:        l.name,
			Threshold:   t,
			Description: l.description,
			Matches:     len(sorted) - idx,
		})
	}
	return out, nil
}
