// Package vector provides nearest-neighbour indexes over embedding vectors.
package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/tansaku/internal/similarity"
)

// ErrIndexNotBuilt is returned when inspecting an index that has no root.
var ErrIndexNotBuilt = errors.New("index not built")

// VectorIndex answers k-nearest-neighbour queries over a set of id/vector pairs.
// Build replaces the whole content; searches running concurrently see the old or the new content.
type VectorIndex interface {
	Build(ctx context.Context, ids []string, vectors [][]float32) error
	// Search returns up to k results ordered by ascending distance. pruningFactor is a hint
	// for approximate indexes; 1 requests an exact search.
	Search(ctx context.Context, query []float32, k, pruningFactor int) ([]*VectorResult, error)
	Save(path string) error
	Load(path string) error
	Size() int
	Type() string
	// Fingerprint digests the indexed ids and vectors. It matches Fingerprint over the same content.
	Fingerprint() uint64
	Close() error
}

// VectorResult is a single search hit. Smaller Distance is closer.
type VectorResult struct {
	ID       string
	Distance float64
}

// Fingerprint hashes an id/vector set in id order, so the input order does not matter.
// A snapshot whose fingerprint differs from the live data is stale.
func Fingerprint(ids []string, vectors [][]float32) uint64 {
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })

	d := xxhash.New()
	var buf [4]byte
	for _, i := range order {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(ids[i])))
		_, _ = d.Write(buf[:])
		_, _ = d.WriteString(ids[i])
		binary.LittleEndian.PutUint32(buf[:], uint32(len(vectors[i])))
		_, _ = d.Write(buf[:])
		for _, f := range vectors[i] {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}

func sortResults(results []*VectorResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
}

// validateBuild checks ids and vectors line up and returns the shared dimension.
func validateBuild(ids []string, vectors [][]float32, dims int) (int, error) {
	if len(ids) != len(vectors) {
		return 0, fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if _, ok := seen[id]; ok {
			return 0, fmt.Errorf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
		if dims == 0 {
			dims = len(vectors[i])
		}
		if len(vectors[i]) != dims || dims == 0 {
			return 0, fmt.Errorf("%w: vector %q has %d dimensions, want %d",
				similarity.ErrDimensionMismatch, id, len(vectors[i]), dims)
		}
	}
	return dims, nil
}

func checkQuery(query []float32, dims int) error {
	if dims > 0 && len(query) != dims {
		return fmt.Errorf("%w: query has %d dimensions, index has %d", similarity.ErrDimensionMismatch, len(query), dims)
	}
	return nil
}
