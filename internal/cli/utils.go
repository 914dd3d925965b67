// Package cli provides input parsing and output formatting for the tansaku command.
package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/pkg/utils"
)

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
)

const (
	snippetLength = 200
	maxLineBytes  = 16 << 20
)

// ParseOutputFormat accepts "text", "json" or "" (text).
func ParseOutputFormat(s string) (SearchOutputFormat, error) {
	switch SearchOutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

// WriteSearchResults writes search results to w in the given format.
// Unknown formats are written as text.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format SearchOutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	return writeSearchResultsText(w, response)
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "\nFound %d results in %dms (%d candidates)", len(response.Results), response.QueryTime, response.Candidates)
	if response.Threshold > 0 {
		fmt.Fprintf(bw, ", threshold %.4f", response.Threshold)
	}
	fmt.Fprint(bw, "\n\n")
	for i, result := range response.Results {
		writeOneResult(bw, i+1, result)
	}
	return bw.Flush()
}

func writeOneResult(w io.Writer, rank int, result *models.RankedResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Relevance: %.4f)\n", rank, result.Score, result.RelevanceScore)
	if result.Document == nil {
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "ID: %s\n", result.Document.ID)
	if result.Document.Collection != "" {
		fmt.Fprintf(w, "Collection: %s\n", result.Document.Collection)
	}
	if result.Document.Source != "" {
		fmt.Fprintf(w, "Source: %s\n", result.Document.Source)
	}
	if result.Document.Content != "" {
		fmt.Fprintf(w, "\n%s\n", utils.Truncate(result.Document.Content, snippetLength))
	}
	fmt.Fprintln(w)
}

// ReadDocuments decodes one JSON document per line. Blank lines are skipped.
func ReadDocuments(r io.Reader) ([]*models.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var docs []*models.Document
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc models.Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, &doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return docs, nil
}

// ParseVector reads a query vector given as a JSON array or comma separated floats.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "[") {
		var v []float32
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("invalid vector: %w", err)
		}
		return v, nil
	}
	parts := strings.Split(s, ",")
	v := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		v = append(v, float32(f))
	}
	return v, nil
}

// BatchFailure is one rejected document of a batch insert.
type BatchFailure struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// BatchSummary reports a batch insert.
type BatchSummary struct {
	Stored   int            `json:"stored"`
	Failed   int            `json:"failed"`
	IDs      []string       `json:"ids"`
	Failures []BatchFailure `json:"failures,omitempty"`
}

// SummarizeBatch counts stored and failed items, keeping input order.
func SummarizeBatch(results []storage.BatchResult) BatchSummary {
	summary := BatchSummary{IDs: []string{}}
	for i, r := range results {
		if r.Err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, BatchFailure{Index: i, ID: r.ID, Error: r.Err.Error()})
			continue
		}
		summary.Stored++
		summary.IDs = append(summary.IDs, r.ID)
	}
	return summary
}
