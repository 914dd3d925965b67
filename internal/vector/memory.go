package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperjump/tansaku/internal/similarity"
)

// MemoryIndex is an exact index that scans every vector. It is the baseline the hierarchical
// index is measured against.
type MemoryIndex struct {
	metric similarity.Metric
	// configured is the dimension fixed at construction; 0 lets each build choose.
	configured int

	mu         sync.RWMutex
	dimensions int
	ids        []string
	vectors    [][]float32
}

// NewMemoryIndex creates a linear-scan index. dimensions may be 0 to take it from the first build.
func NewMemoryIndex(dimensions int, metric similarity.Metric) (*MemoryIndex, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	if metric == "" {
		metric = similarity.MetricCosine
	}
	if _, err := similarity.ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	return &MemoryIndex{configured: dimensions, dimensions: dimensions, metric: metric}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Build replaces the index content with copies of vectors. Unless the index was created with a
// fixed dimension, the new content decides it.
func (m *MemoryIndex) Build(ctx context.Context, ids []string, vectors [][]float32) error {
	dims, err := validateBuild(ids, vectors, m.configured)
	if err != nil {
		return err
	}
	newIDs := make([]string, len(ids))
	copy(newIDs, ids)
	newVectors := make([][]float32, len(vectors))
	for i, v := range vectors {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		vec := make([]float32, len(v))
		copy(vec, v)
		newVectors[i] = vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = newIDs
	m.vectors = newVectors
	m.dimensions = dims
	return nil
}

// Search scores every vector. pruningFactor is ignored.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k, _ int) ([]*VectorResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := checkQuery(query, m.dimensions); err != nil {
		return nil, err
	}
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	results := make([]*VectorResult, len(m.ids))
	for i, vec := range m.vectors {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		d, err := similarity.Distance(m.metric, query, vec)
		if err != nil {
			return nil, err
		}
		results[i] = &VectorResult{ID: m.ids[i], Distance: d}
	}
	sortResults(results)
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Save persists the index to path. Directory is created if needed. Format: dimension (4), n (4),
// then per vector: idLen (4), id bytes, vector (dimension*4 bytes).
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(m.ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, id := range m.ids {
		if err := binary.Write(f, binary.LittleEndian, uint32(len(id))); err != nil {
			return fmt.Errorf("write id len: %w", err)
		}
		if _, err := io.WriteString(f, id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := f.Write(float32SliceToBytes(m.vectors[i])); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load replaces the index content from path. If the file does not exist the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	var dim, n uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	buf := make([]byte, int(dim)*4)
	for i := uint32(0); i < n; i++ {
		var idLen uint32
		if err := binary.Read(f, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("read id len: %w", err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(f, idBytes); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		ids = append(ids, string(idBytes))
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configured != 0 && int(dim) != m.configured && n > 0 {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.configured)
	}
	m.ids = ids
	m.vectors = vectors
	m.dimensions = m.configured
	if n > 0 {
		m.dimensions = int(dim)
	}
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Fingerprint digests the current content.
func (m *MemoryIndex) Fingerprint() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Fingerprint(m.ids, m.vectors)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
