package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/storage"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Query:      "test query",
		QueryTime:  42,
		Candidates: 3,
		Threshold:  0.5,
		Results: []*models.RankedResult{
			{
				Score:          0.9,
				RelevanceScore: 0.8,
				Document: &models.Document{
					ID:         "doc-1",
					Content:    "Content here",
					Collection: "notes",
					Source:     "wiki",
				},
			},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, sampleResponse(), OutputJSON))

	var decoded models.SearchResponse
	require.NoError(t, json.NewDecoder(&buf).Decode(&decoded))
	assert.Equal(t, "test query", decoded.Query)
	assert.Equal(t, int64(42), decoded.QueryTime)
	require.Len(t, decoded.Results, 1)
	assert.Equal(t, "doc-1", decoded.Results[0].Document.ID)
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, sampleResponse(), OutputText))
	out := buf.String()
	for _, sub := range []string{"Found 1 results", "42ms", "3 candidates", "threshold 0.5000", "Rank: 1", "ID: doc-1", "Collection: notes", "Source: wiki", "Content here"} {
		assert.Contains(t, out, sub)
	}
}

func TestWriteSearchResults_unknownFormatTreatedAsText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, &models.SearchResponse{}, SearchOutputFormat("unknown")))
	assert.Contains(t, buf.String(), "Found 0 results")
	assert.NotContains(t, buf.String(), "threshold")
}

func TestWriteSearchResults_truncatesContent(t *testing.T) {
	resp := &models.SearchResponse{Results: []*models.RankedResult{{
		Document: &models.Document{ID: "long", Content: strings.Repeat("a", 300)},
	}}}
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, resp, OutputText))
	assert.Contains(t, buf.String(), strings.Repeat("a", 200)+"...")
	assert.NotContains(t, buf.String(), strings.Repeat("a", 201))
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("")
	require.NoError(t, err)
	assert.Equal(t, OutputText, f)

	f, err = ParseOutputFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, OutputJSON, f)

	_, err = ParseOutputFormat("xml")
	assert.Error(t, err)
}

func TestReadDocuments(t *testing.T) {
	in := `{"id":"a","embedding":[1,0]}

{"id":"b","content":"hello","collection":"c"}
`
	docs, err := ReadDocuments(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, []float32{1, 0}, docs[0].Embedding)
	assert.Equal(t, "hello", docs[1].Content)
	assert.Equal(t, "c", docs[1].Collection)

	_, err = ReadDocuments(strings.NewReader("{\"id\":\"a\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseVector(t *testing.T) {
	v, err := ParseVector("[1, 0.5, -2]")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, -2}, v)

	v, err = ParseVector(" 1,0.5 , -2 ")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, -2}, v)

	v, err = ParseVector("")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ParseVector("1,x")
	assert.Error(t, err)
	_, err = ParseVector("[1,")
	assert.Error(t, err)
}

func TestSummarizeBatch(t *testing.T) {
	summary := SummarizeBatch([]storage.BatchResult{
		{ID: "a"},
		{ID: "b", Err: errors.New("dimension mismatch")},
		{ID: "c"},
	})
	assert.Equal(t, 2, summary.Stored)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"a", "c"}, summary.IDs)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, BatchFailure{Index: 1, ID: "b", Error: "dimension mismatch"}, summary.Failures[0])

	empty := SummarizeBatch(nil)
	assert.Equal(t, []string{}, empty.IDs)
}
