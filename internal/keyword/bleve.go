package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/tansaku/internal/models"
)

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// indexedDocument is the subset of a Document that Bleve sees.
type indexedDocument struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Collection string `json:"collection"`
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so query terms match exact words.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keywordanalyzer.Name
	docMapping.AddFieldMappingsAt("source", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("collection", keywordFieldMapping)
	im.AddDocumentMapping("document", docMapping)
	im.DefaultType = "document"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path keeps the index in memory.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Index indexes a document's content by its id. Re-indexing an id replaces it.
func (b *BleveIndex) Index(ctx context.Context, doc *models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.index.Index(doc.ID, indexedDocument{
		Content:    doc.Content,
		Source:     doc.Source,
		Collection: doc.Collection,
	})
}

// Search runs a match (or fuzzy) query over content and returns up to limit results.
// When opts.PhraseBoost > 1, hits whose content contains the query as a phrase are boosted.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	phraseBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 2
	collection := ""
	if opts != nil {
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
		collection = opts.Collection
	}

	var q blevequery.Query
	if fuzzyEnabled {
		q = buildFuzzyQuery(query, fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("content")
		q = mq
	}
	q = restrict(q, collection)

	reqSize := limit
	if phraseBoost > 1 && reqSize < 50 {
		reqSize = 50
	}
	req := bleve.NewSearchRequest(q)
	req.Size = reqSize
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	phraseMatches := map[string]bool{}
	if phraseBoost > 1 && len(tokenizeQuery(query)) > 1 {
		phraseMatches = b.findPhraseMatches(ctx, query, collection, reqSize)
	}

	out := make([]*KeywordResult, len(results.Hits))
	for i, hit := range results.Hits {
		score := hit.Score
		if phraseMatches[hit.ID] {
			score *= phraseBoost
		}
		out[i] = &KeywordResult{ID: hit.ID, Score: score}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Scores runs Search and divides every score by the best one.
func (b *BleveIndex) Scores(ctx context.Context, query string, limit int, opts *SearchOptions) (map[string]float64, error) {
	hits, err := b.Search(ctx, query, limit, opts)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(hits))
	if len(hits) == 0 || hits[0].Score <= 0 {
		return scores, nil
	}
	best := hits[0].Score
	for _, h := range hits {
		scores[h.ID] = h.Score / best
	}
	return scores, nil
}

// restrict conjoins q with a collection term query when collection is set.
func restrict(q blevequery.Query, collection string) blevequery.Query {
	if collection == "" {
		return q
	}
	tq := bleve.NewTermQuery(collection)
	tq.SetField("collection")
	return bleve.NewConjunctionQuery(q, tq)
}

// tokenizeQuery splits query into lowercase terms, filtering out empty strings.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries over content, one per query term.
func buildFuzzyQuery(queryStr string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("content")
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// findPhraseMatches finds documents where the query appears as a phrase in the content.
func (b *BleveIndex) findPhraseMatches(ctx context.Context, query, collection string, reqSize int) map[string]bool {
	matches := make(map[string]bool)
	phraseQuery := bleve.NewMatchPhraseQuery(query)
	phraseQuery.SetField("content")
	req := bleve.NewSearchRequest(restrict(phraseQuery, collection))
	req.Size = reqSize
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return matches
	}
	for _, hit := range results.Hits {
		matches[hit.ID] = true
	}
	return matches
}

// Delete removes a document from the index. Unknown ids are ignored.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}
