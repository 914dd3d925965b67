// Package embedding turns text into vectors for text queries.
package embedding

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when asked to embed blank text.
var ErrEmptyText = errors.New("empty text")

// Embedder produces vector embeddings for text. Implementations live outside this module
// except for the deterministic MockEmbedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
