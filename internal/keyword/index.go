// Package keyword provides a BM25 keyword index over document content.
package keyword

import (
	"context"

	"github.com/hyperjump/tansaku/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// PhraseBoost multiplies the score when the query appears as a phrase in the content.
	// Values > 1 boost documents with adjacent query terms (e.g. 1.5). Use 1.0 for no boost.
	PhraseBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 2 when FuzzyEnabled is true.
	Fuzziness int
	// Collection restricts hits to one collection when non-empty.
	Collection string
}

// KeywordIndex defines keyword search operations.
type KeywordIndex interface {
	Index(ctx context.Context, doc *models.Document) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	// Scores returns BM25 scores scaled to [0,1] by the best hit, keyed by document id.
	Scores(ctx context.Context, query string, limit int, opts *SearchOptions) (map[string]float64, error)
	Delete(ctx context.Context, id string) error
	Close() error
	// DocCount returns the total number of documents in the index.
	DocCount() (uint64, error)
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID    string
	Score float64
}
