package vector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/similarity"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory scans every vector. Exact; fine for small collections.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeHierarchical prunes a k-means cluster tree. Approximate unless pruning factor is 1.
	IndexTypeHierarchical IndexType = "hierarchical"
)

// Options holds the settings shared by every index type.
type Options struct {
	Dimensions       int
	Metric           similarity.Metric
	MaxPointsPerNode int
	Scoring          CandidateScoring
	Seed             int64
	Logger           *zap.Logger
}

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "hierarchical" (default), "memory".
func NewVectorIndex(indexType string, opts Options) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeHierarchical, "":
		return NewHierarchicalIndex(HierarchicalOptions{
			Dimensions:       opts.Dimensions,
			Metric:           opts.Metric,
			MaxPointsPerNode: opts.MaxPointsPerNode,
			Scoring:          opts.Scoring,
			Seed:             opts.Seed,
			Logger:           opts.Logger,
		})
	case IndexTypeMemory:
		return NewMemoryIndex(opts.Dimensions, opts.Metric)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: hierarchical, memory)", indexType)
	}
}
