package keyword

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tansaku/internal/models"
)

func newTestIndex(t *testing.T, path string) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func indexAll(t *testing.T, idx *BleveIndex, docs ...*models.Document) {
	t.Helper()
	for _, d := range docs {
		require.NoError(t, idx.Index(context.Background(), d))
	}
}

func TestBleveIndex_SearchFindsContent(t *testing.T) {
	idx := newTestIndex(t, "")
	indexAll(t, idx,
		&models.Document{ID: "a", Content: "This report mentions Omnisyan and other findings. The Bayes app is also referenced."},
		&models.Document{ID: "b", Content: "Unrelated notes about gardening."},
	)

	ctx := context.Background()
	results, err := idx.Search(ctx, "Omnisyan", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)

	// Standard analyzer (no stemming) so "bayes" matches "Bayes".
	results, err = idx.Search(ctx, "bayes", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestBleveIndex_EmptyQuery(t *testing.T) {
	idx := newTestIndex(t, "")
	indexAll(t, idx, &models.Document{ID: "a", Content: "text"})
	results, err := idx.Search(context.Background(), "  ", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx := newTestIndex(t, "")
	indexAll(t, idx, &models.Document{ID: "a", Content: "quarterly budget summary"})

	ctx := context.Background()
	results, err := idx.Search(ctx, "budgte", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, "budgte", 10, &SearchOptions{FuzzyEnabled: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestBleveIndex_PhraseBoostAndScores(t *testing.T) {
	idx := newTestIndex(t, "")
	indexAll(t, idx,
		&models.Document{ID: "scattered", Content: "the report about last year covered the budget"},
		&models.Document{ID: "phrase", Content: "the budget report covered last year"},
	)

	ctx := context.Background()
	results, err := idx.Search(ctx, "budget report", 10, &SearchOptions{PhraseBoost: 3})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "phrase", results[0].ID)

	scores, err := idx.Scores(ctx, "budget report", 10, &SearchOptions{PhraseBoost: 3})
	require.NoError(t, err)
	assert.Equal(t, 1.0, scores["phrase"])
	assert.Greater(t, scores["scattered"], 0.0)
	assert.Less(t, scores["scattered"], 1.0)
}

func TestBleveIndex_CollectionFilter(t *testing.T) {
	idx := newTestIndex(t, "")
	indexAll(t, idx,
		&models.Document{ID: "a", Content: "shared words", Collection: "notes"},
		&models.Document{ID: "b", Content: "shared words", Collection: "mail"},
	)
	results, err := idx.Search(context.Background(), "shared", 10, &SearchOptions{Collection: "mail"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestBleveIndex_DeleteAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleve")
	ctx := context.Background()

	idx, err := NewBleveIndex(path)
	require.NoError(t, err)
	indexAll(t, idx,
		&models.Document{ID: "a", Content: "alpha"},
		&models.Document{ID: "b", Content: "alpha beta"},
	)
	require.NoError(t, idx.Delete(ctx, "a"))
	require.NoError(t, idx.Close())

	reopened := newTestIndex(t, path)
	results, err := reopened.Search(ctx, "alpha", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}
