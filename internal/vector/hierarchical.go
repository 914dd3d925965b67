package vector

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/cluster"
	"github.com/hyperjump/tansaku/internal/similarity"
)

const (
	// MaxBranching caps the number of children of an internal node.
	MaxBranching = 4
	// DefaultMaxPointsPerNode is the leaf capacity when none is configured.
	DefaultMaxPointsPerNode = 32

	snapshotVersion = 1
)

// CandidateScoring selects how leaf members are scored before the global top-k cut.
type CandidateScoring string

const (
	// CandidateScoreQuery scores each member by its own distance to the query.
	CandidateScoreQuery CandidateScoring = "query"
	// CandidateScoreCentroid gives every member of a leaf the query's distance to the leaf centroid.
	CandidateScoreCentroid CandidateScoring = "centroid"
)

// IndexNode is a node of the cluster tree. Children are arena indices; a node is a leaf iff it has
// none. Centroid is the mean of every document under the node.
type IndexNode struct {
	Centroid    []float32
	DocumentIDs []string
	Children    []int
	Depth       int
}

// IsLeaf reports whether the node has no children.
func (n *IndexNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// tree is an immutable built index. Root is -1 when the index is empty.
type tree struct {
	Nodes      []IndexNode
	Root       int
	Dimensions int
	Vectors    map[string][]float32
}

// HierarchicalOptions configures a HierarchicalIndex.
type HierarchicalOptions struct {
	Dimensions       int
	Metric           similarity.Metric
	MaxPointsPerNode int
	Scoring          CandidateScoring
	// Seed drives k-means++ seeding so builds are reproducible.
	Seed          int64
	MaxIterations int
	Logger        *zap.Logger
}

// IndexStats describes the shape of the current tree.
type IndexStats struct {
	Documents int `json:"documents"`
	Nodes     int `json:"nodes"`
	Leaves    int `json:"leaves"`
	Depth     int `json:"depth"`
}

// HierarchicalIndex is an approximate nearest-neighbour index over a k-means cluster tree.
// Builds produce a fresh tree that is swapped in atomically.
type HierarchicalIndex struct {
	opts    HierarchicalOptions
	logger  *zap.Logger
	buildMu sync.Mutex
	current atomic.Pointer[tree]
}

// NewHierarchicalIndex creates an empty index.
func NewHierarchicalIndex(opts HierarchicalOptions) (*HierarchicalIndex, error) {
	if opts.Dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	if opts.Metric == "" {
		opts.Metric = similarity.MetricCosine
	}
	if _, err := similarity.ParseMetric(string(opts.Metric)); err != nil {
		return nil, err
	}
	if opts.MaxPointsPerNode <= 0 {
		opts.MaxPointsPerNode = DefaultMaxPointsPerNode
	}
	switch opts.Scoring {
	case "":
		opts.Scoring = CandidateScoreQuery
	case CandidateScoreQuery, CandidateScoreCentroid:
	default:
		return nil, fmt.Errorf("unknown candidate scoring: %s", opts.Scoring)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = cluster.DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HierarchicalIndex{opts: opts, logger: logger}
	h.current.Store(&tree{Root: -1, Dimensions: opts.Dimensions})
	return h, nil
}

// Type returns the index type identifier.
func (h *HierarchicalIndex) Type() string {
	return string(IndexTypeHierarchical)
}

// Build clusters the vectors into a new tree and swaps it in. Concurrent builds are serialised.
func (h *HierarchicalIndex) Build(ctx context.Context, ids []string, vectors [][]float32) error {
	h.buildMu.Lock()
	defer h.buildMu.Unlock()

	start := time.Now()
	dims, err := validateBuild(ids, vectors, h.opts.Dimensions)
	if err != nil {
		return err
	}
	t := &tree{Root: -1, Dimensions: dims, Vectors: make(map[string][]float32, len(ids))}
	if len(ids) == 0 {
		h.current.Store(t)
		h.logger.Debug("index cleared")
		return nil
	}

	b := &builder{
		ids:     ids,
		vectors: vectors,
		opts:    h.opts,
		rng:     rand.New(rand.NewSource(h.opts.Seed)),
		t:       t,
	}
	members := make([]int, len(ids))
	for i := range members {
		members[i] = i
	}
	root, err := b.build(ctx, members, 0)
	if err != nil {
		return err
	}
	t.Root = root
	for i, id := range ids {
		v := make([]float32, len(vectors[i]))
		copy(v, vectors[i])
		t.Vectors[id] = v
	}
	h.current.Store(t)

	stats := t.stats()
	h.logger.Info("index built",
		zap.Int("documents", stats.Documents),
		zap.Int("nodes", stats.Nodes),
		zap.Int("leaves", stats.Leaves),
		zap.Int("depth", stats.Depth),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

type builder struct {
	ids     []string
	vectors [][]float32
	opts    HierarchicalOptions
	rng     *rand.Rand
	t       *tree
}

// build appends the subtree over members to the arena and returns its root index.
func (b *builder) build(ctx context.Context, members []int, depth int) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	points := make([][]float32, len(members))
	docIDs := make([]string, len(members))
	for i, m := range members {
		points[i] = b.vectors[m]
		docIDs[i] = b.ids[m]
	}
	sort.Strings(docIDs)
	centroid, err := similarity.Mean(points)
	if err != nil {
		return -1, err
	}

	idx := len(b.t.Nodes)
	b.t.Nodes = append(b.t.Nodes, IndexNode{Centroid: centroid, DocumentIDs: docIDs, Depth: depth})
	if len(members) <= b.opts.MaxPointsPerNode {
		return idx, nil
	}

	k := len(members)/b.opts.MaxPointsPerNode + 1
	if k > MaxBranching {
		k = MaxBranching
	}
	groups, err := b.partition(ctx, members, points, k)
	if err != nil {
		return -1, err
	}
	children := make([]int, 0, len(groups))
	for _, g := range groups {
		child, err := b.build(ctx, g, depth+1)
		if err != nil {
			return -1, err
		}
		children = append(children, child)
	}
	b.t.Nodes[idx].Children = children
	return idx, nil
}

// partition splits members with k-means. A clustering that leaves everything in one group (for
// example identical vectors) falls back to an even split so recursion always shrinks.
func (b *builder) partition(ctx context.Context, members []int, points [][]float32, k int) ([][]int, error) {
	res, err := cluster.KMeans(ctx, points, k, cluster.KMeansOptions{
		MaxIterations: b.opts.MaxIterations,
		Metric:        b.opts.Metric,
		Rand:          b.rng,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Clusters) >= 2 {
		groups := make([][]int, len(res.Clusters))
		for i, c := range res.Clusters {
			g := make([]int, len(c.Members))
			for j, m := range c.Members {
				g[j] = members[m]
			}
			groups[i] = g
		}
		return groups, nil
	}
	groups := make([][]int, k)
	for i, m := range members {
		groups[i*k/len(members)] = append(groups[i*k/len(members)], m)
	}
	return groups, nil
}

type candidate struct {
	node int
	dist float64
}

// Search descends into the nearest ceil(children/pruningFactor) children at each internal node and
// collects leaf members as candidates. pruningFactor <= 1 explores every branch, making the result
// identical to a linear scan when scoring by query distance.
func (h *HierarchicalIndex) Search(ctx context.Context, query []float32, k, pruningFactor int) ([]*VectorResult, error) {
	t := h.current.Load()
	if t.Root < 0 || k <= 0 {
		return nil, nil
	}
	if err := checkQuery(query, t.Dimensions); err != nil {
		return nil, err
	}
	if pruningFactor < 1 {
		pruningFactor = 1
	}

	var results []*VectorResult
	stack := []int{t.Root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := &t.Nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]

		if n.IsLeaf() {
			leafDist := 0.0
			if h.opts.Scoring == CandidateScoreCentroid {
				d, err := similarity.Distance(h.opts.Metric, query, n.Centroid)
				if err != nil {
					return nil, err
				}
				leafDist = d
			}
			for _, id := range n.DocumentIDs {
				d := leafDist
				if h.opts.Scoring == CandidateScoreQuery {
					var err error
					if d, err = similarity.Distance(h.opts.Metric, query, t.Vectors[id]); err != nil {
						return nil, err
					}
				}
				results = append(results, &VectorResult{ID: id, Distance: d})
			}
			continue
		}

		children := make([]candidate, len(n.Children))
		for i, c := range n.Children {
			d, err := similarity.Distance(h.opts.Metric, query, t.Nodes[c].Centroid)
			if err != nil {
				return nil, err
			}
			children[i] = candidate{node: c, dist: d}
		}
		sort.SliceStable(children, func(i, j int) bool { return children[i].dist < children[j].dist })
		explore := (len(children) + pruningFactor - 1) / pruningFactor
		for i := 0; i < explore; i++ {
			stack = append(stack, children[i].node)
		}
	}

	sortResults(results)
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Root returns the root node, or ErrIndexNotBuilt when the index is empty.
func (h *HierarchicalIndex) Root() (*IndexNode, error) {
	t := h.current.Load()
	if t.Root < 0 {
		return nil, ErrIndexNotBuilt
	}
	n := t.Nodes[t.Root]
	return &n, nil
}

// Node returns the node at arena index i.
func (h *HierarchicalIndex) Node(i int) (*IndexNode, error) {
	t := h.current.Load()
	if t.Root < 0 {
		return nil, ErrIndexNotBuilt
	}
	if i < 0 || i >= len(t.Nodes) {
		return nil, fmt.Errorf("node %d out of range [0,%d)", i, len(t.Nodes))
	}
	n := t.Nodes[i]
	return &n, nil
}

// Stats describes the current tree.
func (h *HierarchicalIndex) Stats() IndexStats {
	return h.current.Load().stats()
}

func (t *tree) stats() IndexStats {
	s := IndexStats{Documents: len(t.Vectors), Nodes: len(t.Nodes)}
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			s.Leaves++
		}
		if t.Nodes[i].Depth+1 > s.Depth {
			s.Depth = t.Nodes[i].Depth + 1
		}
	}
	return s
}

// Size returns the number of indexed documents.
func (h *HierarchicalIndex) Size() int {
	return len(h.current.Load().Vectors)
}

type snapshot struct {
	Version          int
	Metric           string
	MaxPointsPerNode int
	Tree             tree
}

// Save writes the current tree to path as a gob snapshot.
func (h *HierarchicalIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	snap := snapshot{
		Version:          snapshotVersion,
		Metric:           string(h.opts.Metric),
		MaxPointsPerNode: h.opts.MaxPointsPerNode,
		Tree:             *h.current.Load(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load replaces the current tree with the snapshot at path. A missing file leaves the index unchanged.
func (h *HierarchicalIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index file: %w", err)
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported index snapshot version %d", snap.Version)
	}
	if snap.Metric != string(h.opts.Metric) {
		return fmt.Errorf("index snapshot uses metric %s, index is configured for %s", snap.Metric, h.opts.Metric)
	}
	if h.opts.Dimensions > 0 && snap.Tree.Root >= 0 && snap.Tree.Dimensions != h.opts.Dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", snap.Tree.Dimensions, h.opts.Dimensions)
	}
	if snap.Tree.Vectors == nil {
		snap.Tree.Vectors = make(map[string][]float32)
	}

	h.buildMu.Lock()
	defer h.buildMu.Unlock()
	t := snap.Tree
	h.current.Store(&t)
	return nil
}

// Fingerprint digests the current tree's id/vector content.
func (h *HierarchicalIndex) Fingerprint() uint64 {
	t := h.current.Load()
	ids := make([]string, 0, len(t.Vectors))
	vectors := make([][]float32, 0, len(t.Vectors))
	for id, v := range t.Vectors {
		ids = append(ids, id)
		vectors = append(vectors, v)
	}
	return Fingerprint(ids, vectors)
}

// Close is a no-op.
func (h *HierarchicalIndex) Close() error {
	return nil
}
