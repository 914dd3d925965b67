package models

import "fmt"

// SearchQuery represents a search request. Either Vector or Text must be set;
// Text is embedded by the engine's embedder when Vector is empty.
type SearchQuery struct {
	Text          string    `json:"text,omitempty"`
	Vector        []float32 `json:"vector,omitempty"`
	K             int       `json:"k,omitempty"`
	PruningFactor int       `json:"pruning_factor,omitempty"`
	// Metric overrides the engine's default similarity metric.
	Metric string `json:"metric,omitempty"`
	// MultiFactor ranks with the weighted factor set instead of the single similarity score.
	MultiFactor bool `json:"multi_factor,omitempty"`
	// MinScore drops results whose relevance score is below it.
	MinScore float64 `json:"min_score,omitempty"`
	// AutoThreshold calibrates a cutoff from the candidate score distribution.
	AutoThreshold bool `json:"auto_threshold,omitempty"`
	// Rerank applies recency, source and popularity boosts and the diversity filter.
	Rerank bool `json:"rerank,omitempty"`
	// Collection restricts results to one collection when set.
	Collection string `json:"collection,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
func (q *SearchQuery) Validate() error {
	if q.Text == "" && len(q.Vector) == 0 {
		return fmt.Errorf("query needs text or vector")
	}
	if q.K <= 0 {
		q.K = 10
	}
	if q.K > 1000 {
		q.K = 1000
	}
	if q.PruningFactor <= 0 {
		q.PruningFactor = 1
	}
	if q.MinScore < 0 || q.MinScore > 1 {
		return fmt.Errorf("min_score must be in [0,1], got %f", q.MinScore)
	}
	return nil
}
