package models

// RankedResult is a ranked document. RelevanceScore is the ordering key; Score is the raw similarity.
type RankedResult struct {
	Document       *Document          `json:"document"`
	Score          float64            `json:"score"`
	RelevanceScore float64            `json:"relevance_score"`
	FactorScores   map[string]float64 `json:"factor_scores,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results []*RankedResult `json:"results"`
	// Candidates is how many ids the index returned before ranking and filtering.
	Candidates int `json:"candidates"`
	// Threshold is the cutoff applied to relevance scores, 0 when none was applied.
	Threshold float64 `json:"threshold,omitempty"`
	QueryTime int64   `json:"query_time_ms"`
	Query     string  `json:"query,omitempty"`
}
