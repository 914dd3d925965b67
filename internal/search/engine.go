// Package search composes storage, the vector index, ranking and threshold calibration
// into one embedded search engine.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/tansaku/internal/codec"
	"github.com/hyperjump/tansaku/internal/config"
	"github.com/hyperjump/tansaku/internal/embedding"
	"github.com/hyperjump/tansaku/internal/keyword"
	"github.com/hyperjump/tansaku/internal/metrics"
	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/ranking"
	"github.com/hyperjump/tansaku/internal/similarity"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/internal/threshold"
	"github.com/hyperjump/tansaku/internal/vector"
)

var (
	// ErrNoEmbedder is returned when a text needs embedding and no embedder is configured.
	ErrNoEmbedder = errors.New("no embedder configured")
	// ErrInvalidDocument is returned for documents that cannot be stored.
	ErrInvalidDocument = errors.New("invalid document")
)

// Dependencies are the components an Engine composes. Storage, Index, Ranker, Calibrator and
// Similarity are required; Embedder, Keywords and Codec are optional.
type Dependencies struct {
	Storage    *storage.Manager
	Index      vector.VectorIndex
	Ranker     *ranking.Ranker
	Calibrator *threshold.Calibrator
	Similarity *similarity.Engine
	Embedder   embedding.Embedder
	Keywords   keyword.KeywordIndex
	// Codec is closed with the engine when set.
	Codec *codec.Codec
}

// Engine is the embedded vector search engine. Mutations are serialised and each one rebuilds
// the index; searches run concurrently with them and see the old or the new index.
type Engine struct {
	storage    *storage.Manager
	index      vector.VectorIndex
	ranker     *ranking.Ranker
	calibrator *threshold.Calibrator
	sim        *similarity.Engine
	embedder   embedding.Embedder
	keywords   keyword.KeywordIndex
	codec      *codec.Codec

	cfg     *config.Config
	metric  similarity.Metric
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	vectors map[string][]float32
	dims    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine over deps. Call Open before searching.
func NewEngine(deps Dependencies, cfg *config.Config, opts ...Option) (*Engine, error) {
	if deps.Storage == nil || deps.Index == nil || deps.Ranker == nil || deps.Calibrator == nil || deps.Similarity == nil {
		return nil, errors.New("storage, index, ranker, calibrator and similarity are required")
	}
	if cfg == nil {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	metric, err := similarity.ParseMetric(cfg.Similarity.Metric)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		storage:    deps.Storage,
		index:      deps.Index,
		ranker:     deps.Ranker,
		calibrator: deps.Calibrator,
		sim:        deps.Similarity,
		embedder:   deps.Embedder,
		keywords:   deps.Keywords,
		codec:      deps.Codec,
		cfg:        cfg,
		metric:     metric,
		logger:     zap.NewNop(),
		vectors:    make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Open loads every stored embedding and builds the index. When a saved index snapshot holds
// exactly the stored ids and vectors it is loaded instead of rebuilding. Corrupt records are
// logged and left out of the index; only I/O failures abort.
func (e *Engine) Open(ctx context.Context) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.storage.List()
	docs := make([]*models.Document, len(ids))
	var skipped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Storage.Workers)
	for i, id := range ids {
		g.Go(func() error {
			doc, err := e.storage.Retrieve(gctx, id)
			switch {
			case errors.Is(err, storage.ErrDocumentNotFound):
				return nil
			case errors.Is(err, storage.ErrChecksumMismatch), errors.Is(err, codec.ErrDecompression):
				e.logger.Error("skipping corrupt document", zap.String("id", id), zap.Error(err))
				skipped.Add(1)
				return nil
			case err != nil:
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load documents: %w", err)
	}

	e.vectors = make(map[string][]float32, len(docs))
	e.dims = 0
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		e.vectors[doc.ID] = doc.Embedding
		if e.dims == 0 {
			e.dims = len(doc.Embedding)
		}
		if e.keywords != nil {
			if err := e.keywords.Index(ctx, doc); err != nil {
				return fmt.Errorf("failed to index keywords for %s: %w", doc.ID, err)
			}
		}
	}

	if e.loadSnapshot() {
		e.logger.Info("engine opened from index snapshot",
			zap.Int("documents", len(e.vectors)),
			zap.Int32("skipped", skipped.Load()),
			zap.Duration("elapsed", time.Since(start)))
		return nil
	}
	if err := e.rebuildLocked(ctx); err != nil {
		return err
	}
	e.logger.Info("engine opened",
		zap.Int("documents", len(e.vectors)),
		zap.Int32("skipped", skipped.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// loadSnapshot loads the saved index and keeps it only when its content fingerprint matches
// the loaded embeddings. A snapshot of the same size but older content is rebuilt.
func (e *Engine) loadSnapshot() bool {
	path := e.cfg.Index.SnapshotPath
	if path == "" || len(e.vectors) == 0 {
		return false
	}
	if err := e.index.Load(path); err != nil {
		e.logger.Debug("index snapshot not used", zap.String("path", path), zap.Error(err))
		return false
	}
	ids, vecs := e.content()
	if got, want := e.index.Fingerprint(), vector.Fingerprint(ids, vecs); got != want {
		e.logger.Info("index snapshot is stale",
			zap.Int("snapshot", e.index.Size()),
			zap.Int("stored", len(ids)),
			zap.Uint64("snapshot_fingerprint", got),
			zap.Uint64("stored_fingerprint", want))
		return false
	}
	return true
}

// Insert stores doc and rebuilds the index. An empty id gets a new UUID; an existing id is
// replaced. A document without an embedding has its content embedded. When the rebuild fails
// the stored document is rolled back and the index keeps its previous content.
func (e *Engine) Insert(ctx context.Context, doc *models.Document) (string, error) {
	start := time.Now()
	id, err := e.upsert(ctx, doc, false)
	e.metrics.ObserveOperation("insert", start, err)
	return id, err
}

// Update replaces an existing document and rebuilds the index.
func (e *Engine) Update(ctx context.Context, doc *models.Document) error {
	start := time.Now()
	_, err := e.upsert(ctx, doc, true)
	e.metrics.ObserveOperation("update", start, err)
	return err
}

func (e *Engine) upsert(ctx context.Context, doc *models.Document, mustExist bool) (string, error) {
	if mustExist && (doc == nil || doc.ID == "") {
		return "", fmt.Errorf("%w: update needs an id", ErrInvalidDocument)
	}
	prepared, err := e.prepare(ctx, doc)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if mustExist && !e.storage.Has(prepared.ID) {
		return "", fmt.Errorf("%w: %s", storage.ErrDocumentNotFound, prepared.ID)
	}
	if err := e.checkDims(prepared); err != nil {
		return "", err
	}
	u := e.capture(ctx, prepared.ID)
	if _, err := e.storage.Store(ctx, prepared); err != nil {
		return "", err
	}
	if err := e.track(ctx, prepared.ID); err != nil {
		e.rollback(ctx, []undo{u})
		return "", err
	}
	if err := e.rebuildLocked(ctx); err != nil {
		e.rollback(ctx, []undo{u})
		return "", err
	}
	return prepared.ID, nil
}

// InsertBatch stores docs through the storage batch path and rebuilds the index once.
// Per-document failures are reported in the results; the error is for the rebuild, and when
// it fails the whole batch is rolled back.
func (e *Engine) InsertBatch(ctx context.Context, docs []*models.Document) ([]storage.BatchResult, error) {
	start := time.Now()
	results, err := e.insertBatch(ctx, docs)
	e.metrics.ObserveOperation("insert_batch", start, err)
	return results, err
}

func (e *Engine) insertBatch(ctx context.Context, docs []*models.Document) ([]storage.BatchResult, error) {
	results := make([]storage.BatchResult, len(docs))
	prepared := make([]*models.Document, 0, len(docs))
	slots := make([]int, 0, len(docs))

	e.mu.Lock()
	defer e.mu.Unlock()

	batchDims := e.dims
	for i, doc := range docs {
		p, err := e.prepare(ctx, doc)
		if err == nil {
			if batchDims == 0 {
				batchDims = len(p.Embedding)
			}
			if len(p.Embedding) != batchDims {
				err = fmt.Errorf("%w: document %s has %d dimensions, want %d",
					similarity.ErrDimensionMismatch, p.ID, len(p.Embedding), batchDims)
			}
		}
		if err != nil {
			if doc != nil {
				results[i].ID = doc.ID
			}
			results[i].Err = err
			continue
		}
		prepared = append(prepared, p)
		slots = append(slots, i)
	}

	undos := make([]undo, len(prepared))
	for j, p := range prepared {
		undos[j] = e.capture(ctx, p.ID)
	}
	stored := e.storage.StoreBatch(ctx, prepared)
	var tracked []undo
	var trackedSlots []int
	for j, r := range stored {
		if r.Err == nil {
			if err := e.track(ctx, r.ID); err != nil {
				e.rollback(ctx, []undo{undos[j]})
				r.Record = nil
				r.Err = err
			} else {
				tracked = append(tracked, undos[j])
				trackedSlots = append(trackedSlots, slots[j])
			}
		}
		results[slots[j]] = r
	}
	if len(tracked) == 0 {
		e.logger.Info("batch inserted", zap.Int("documents", len(docs)), zap.Int("stored", 0))
		return results, nil
	}
	if err := e.rebuildLocked(ctx); err != nil {
		e.rollback(ctx, tracked)
		for _, slot := range trackedSlots {
			results[slot].Record = nil
			results[slot].Err = err
		}
		return results, err
	}
	e.logger.Info("batch inserted", zap.Int("documents", len(docs)), zap.Int("stored", len(tracked)))
	return results, nil
}

// undo is what a document id looked like before a write, enough to put it back.
type undo struct {
	id      string
	doc     *models.Document
	existed bool
	vector  []float32
	indexed bool
}

// capture records the current state of id. Must be called with mu held.
func (e *Engine) capture(ctx context.Context, id string) undo {
	u := undo{id: id, existed: e.storage.Has(id)}
	u.vector, u.indexed = e.vectors[id]
	if u.existed {
		doc, err := e.storage.Retrieve(ctx, id)
		if err != nil {
			e.logger.Warn("previous version unreadable, it cannot be restored on failure",
				zap.String("id", id), zap.Error(err))
		}
		u.doc = doc
	}
	return u
}

// rollback restores storage, tracked vectors and keywords to the captured states, newest write
// first. The index is untouched: a failed build keeps serving the previous content.
func (e *Engine) rollback(ctx context.Context, undos []undo) {
	// the failure may be ctx itself
	ctx = context.WithoutCancel(ctx)
	for i := len(undos) - 1; i >= 0; i-- {
		u := undos[i]
		switch {
		case u.doc != nil:
			if _, err := e.storage.Store(ctx, u.doc); err != nil {
				e.logger.Error("failed to restore previous version", zap.String("id", u.id), zap.Error(err))
			}
		case !u.existed:
			if err := e.storage.Delete(ctx, u.id); err != nil && !errors.Is(err, storage.ErrDocumentNotFound) {
				e.logger.Error("failed to remove rolled back document", zap.String("id", u.id), zap.Error(err))
			}
		}
		if u.indexed {
			e.vectors[u.id] = u.vector
		} else {
			delete(e.vectors, u.id)
		}
		if e.keywords != nil {
			var err error
			if u.doc != nil {
				err = e.keywords.Index(ctx, u.doc)
			} else {
				err = e.keywords.Delete(ctx, u.id)
			}
			if err != nil {
				e.logger.Warn("keyword rollback failed", zap.String("id", u.id), zap.Error(err))
			}
		}
		e.logger.Warn("write rolled back", zap.String("id", u.id))
	}
	e.dims = 0
	for _, v := range e.vectors {
		e.dims = len(v)
		break
	}
}

// prepare validates doc and returns a copy with an id and an embedding.
func (e *Engine) prepare(ctx context.Context, doc *models.Document) (*models.Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	out := doc.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if len(out.Embedding) == 0 {
		if strings.TrimSpace(out.Content) == "" {
			return nil, fmt.Errorf("%w: %s has neither embedding nor content", ErrInvalidDocument, out.ID)
		}
		vec, err := e.embed(ctx, out.Content)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", out.ID, err)
		}
		out.Embedding = vec
	}
	return out, nil
}

func (e *Engine) checkDims(doc *models.Document) error {
	if e.dims == 0 || len(doc.Embedding) == e.dims {
		return nil
	}
	// A lone document may be replaced with a different dimension.
	if _, ok := e.vectors[doc.ID]; ok && len(e.vectors) == 1 {
		return nil
	}
	return fmt.Errorf("%w: document %s has %d dimensions, index has %d",
		similarity.ErrDimensionMismatch, doc.ID, len(doc.Embedding), e.dims)
}

// track records the stored (decoded) embedding of id and indexes its keywords.
// The decoded vector is used so the index matches what a reopened engine would build.
func (e *Engine) track(ctx context.Context, id string) error {
	stored, err := e.storage.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	e.vectors[id] = stored.Embedding
	if len(e.vectors) == 1 {
		e.dims = len(stored.Embedding)
	}
	if e.keywords != nil {
		if err := e.keywords.Index(ctx, stored); err != nil {
			e.logger.Warn("keyword indexing failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// Delete removes the document and rebuilds the index.
func (e *Engine) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := e.delete(ctx, id)
	e.metrics.ObserveOperation("remove", start, err)
	return err
}

func (e *Engine) delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	u := e.capture(ctx, id)
	if err := e.storage.Delete(ctx, id); err != nil {
		return err
	}
	delete(e.vectors, id)
	if len(e.vectors) == 0 {
		e.dims = 0
	}
	if e.keywords != nil {
		if err := e.keywords.Delete(ctx, id); err != nil {
			e.logger.Warn("keyword delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	if err := e.rebuildLocked(ctx); err != nil {
		e.rollback(ctx, []undo{u})
		return err
	}
	return nil
}

// Rebuild rebuilds the index from the tracked embeddings.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuildLocked(ctx)
}

// content returns the tracked ids sorted with their vectors.
func (e *Engine) content() ([]string, [][]float32) {
	ids := make([]string, 0, len(e.vectors))
	for id := range e.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	vecs := make([][]float32, len(ids))
	for i, id := range ids {
		vecs[i] = e.vectors[id]
	}
	return ids, vecs
}

func (e *Engine) rebuildLocked(ctx context.Context) error {
	start := time.Now()
	ids, vecs := e.content()
	if err := e.index.Build(ctx, ids, vecs); err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	e.metrics.RecordIndexBuild(len(ids), time.Since(start))

	if path := e.cfg.Index.SnapshotPath; path != "" {
		if err := e.index.Save(path); err != nil {
			e.logger.Warn("failed to save index snapshot", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, ErrNoEmbedder
	}
	return e.embedder.Embed(ctx, text)
}

// Get returns the stored document with id.
func (e *Engine) Get(ctx context.Context, id string) (*models.Document, error) {
	return e.storage.Retrieve(ctx, id)
}

// SearchIDs returns the ids of the k nearest indexed documents, closest first.
func (e *Engine) SearchIDs(ctx context.Context, query []float32, k, pruningFactor int) ([]string, error) {
	results, err := e.index.Search(ctx, query, k, pruningFactor)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// Search answers q: candidates from the index (plus keyword hits for text queries) are
// re-scored exactly by the ranker, optionally reranked, cut at a threshold, and truncated to k.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	resp, err := e.search(ctx, q)
	e.metrics.ObserveOperation("search", start, err)
	return resp, err
}

func (e *Engine) search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	results, candidates, err := e.rank(ctx, q)
	if err != nil {
		return nil, err
	}

	var cutoff float64
	switch {
	case q.MinScore > 0:
		cutoff = q.MinScore
	case q.AutoThreshold && len(results) > 0:
		params := e.cfg.Threshold.Params
		params.Complexity = threshold.EstimateQueryComplexity(q.Text)
		method, err := threshold.ParseMethod(e.cfg.Threshold.Method)
		if err != nil {
			return nil, err
		}
		cutoff, err = e.calibrator.CalculateDynamicThreshold(ranking.SemanticScores(results), method, params)
		if err != nil {
			return nil, err
		}
	}
	if cutoff > 0 {
		results = ranking.FilterByMinScore(results, cutoff)
	}
	results = ranking.TopN(results, q.K)

	e.logger.Debug("search finished",
		zap.String("query", q.Text),
		zap.Int("candidates", candidates),
		zap.Int("results", len(results)),
		zap.Float64("threshold", cutoff))
	return &models.SearchResponse{
		Results:    results,
		Candidates: candidates,
		Threshold:  cutoff,
		QueryTime:  time.Since(start).Milliseconds(),
		Query:      q.Text,
	}, nil
}

// rank runs candidate retrieval and ranking for q without threshold or truncation.
// It returns the ranked results and the number of candidates considered.
func (e *Engine) rank(ctx context.Context, q *models.SearchQuery) ([]*models.RankedResult, int, error) {
	if err := e.ProcessQuery(q); err != nil {
		return nil, 0, err
	}
	metric := e.metric
	if q.Metric != "" {
		m, err := similarity.ParseMetric(q.Metric)
		if err != nil {
			return nil, 0, err
		}
		metric = m
	}
	queryVec := q.Vector
	if len(queryVec) == 0 {
		v, err := e.embed(ctx, q.Text)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to embed query: %w", err)
		}
		queryVec = v
	}

	limit := q.K * e.cfg.Search.CandidateMultiplier
	hits, err := e.index.Search(ctx, queryVec, limit, q.PruningFactor)
	if err != nil {
		return nil, 0, fmt.Errorf("vector search failed: %w", err)
	}
	var keywordScores map[string]float64
	if e.keywords != nil && strings.TrimSpace(q.Text) != "" {
		keywordScores, err = e.keywords.Scores(ctx, q.Text, limit, &keyword.SearchOptions{
			PhraseBoost: e.cfg.Search.KeywordPhraseBoost,
			Collection:  q.Collection,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("keyword search failed: %w", err)
		}
	}
	ids := mergeCandidates(hits, keywordScores)
	e.metrics.RecordCandidates(len(ids))

	docs, err := e.fetch(ctx, ids, q.Collection)
	if err != nil {
		return nil, 0, err
	}

	var results []*models.RankedResult
	if q.MultiFactor {
		results, err = e.ranker.RankWithMultipleFactors(ctx, q.Text, queryVec, docs, e.factors(metric, keywordScores), 0)
	} else {
		results, err = e.ranker.Rank(ctx, q.Text, queryVec, docs, metric, 0)
	}
	if err != nil {
		return nil, 0, err
	}
	if q.Rerank {
		results = e.ranker.Rerank(results, ranking.RerankContext{Diversity: e.cfg.Ranking.DiversityEnabled})
	}
	return results, len(ids), nil
}

// factors returns the ranker's defaults with the keyword factor replaced by BM25 scores when
// the keyword index answered.
func (e *Engine) factors(metric similarity.Metric, keywordScores map[string]float64) []ranking.Factor {
	factors := e.ranker.DefaultFactors(metric)
	if keywordScores == nil {
		return factors
	}
	for i, f := range factors {
		if f.Kind == ranking.FactorKeyword {
			factors[i] = ranking.Factor{
				Name:   f.Kind.String(),
				Kind:   ranking.FactorPrecomputed,
				Weight: f.Weight,
				Scores: keywordScores,
			}
		}
	}
	return factors
}

// fetch retrieves candidate documents concurrently, in candidate order. Documents deleted since
// the index answered are skipped; integrity failures are logged and skipped.
func (e *Engine) fetch(ctx context.Context, ids []string, collection string) ([]*models.Document, error) {
	docs := make([]*models.Document, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Storage.Workers)
	for i, id := range ids {
		g.Go(func() error {
			doc, err := e.storage.Retrieve(gctx, id)
			switch {
			case errors.Is(err, storage.ErrDocumentNotFound):
				return nil
			case errors.Is(err, storage.ErrChecksumMismatch), errors.Is(err, codec.ErrDecompression):
				e.logger.Error("skipping corrupt candidate", zap.String("id", id), zap.Error(err))
				return nil
			case err != nil:
				return err
			}
			if collection != "" && doc.Collection != collection {
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}
	out := docs[:0]
	for _, d := range docs {
		if d != nil {
			out = append(out, d)
		}
	}
	return out, nil
}
