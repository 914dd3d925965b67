package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/tansaku/internal/codec"
	"github.com/hyperjump/tansaku/internal/metrics"
	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/similarity"
)

var (
	// ErrChecksumMismatch means the stored embedding bytes do not match their checksum.
	// The record is corrupt and retrying will not help.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrDocumentNotFound is returned for unknown document ids.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrStorageFull is returned when a write would exceed the configured quota.
	ErrStorageFull = errors.New("storage full")
)

// CacheFileName is the metadata snapshot file name inside a storage directory.
const CacheFileName = "metadata.cache"

const (
	defaultBatchChunkSize = 32
	cacheVersion          = 1
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Workers bounds concurrent compression in StoreBatch. Zero means 4.
	Workers int
	// BatchChunkSize is the number of documents stored per StoreBatch chunk. Zero means 32.
	BatchChunkSize int
	// MaxBytes caps the total size of stored records. Zero disables the quota.
	MaxBytes int64
	// Dimensions, when positive, rejects embeddings of any other length.
	Dimensions int
	// CachePath is where the metadata snapshot is kept. Empty keeps it in memory only.
	CachePath string
	// DiskPaths are measured by Statistics and broken down by MeasureDisk.
	DiskPaths []string
}

// BatchResult is the outcome of storing one document in a batch.
type BatchResult struct {
	ID     string
	Record *models.StorageRecord
	Err    error
}

// Stats summarizes stored records.
type Stats struct {
	TotalDocuments      int       `json:"total_documents"`
	TotalBytes          int64     `json:"total_bytes"`
	AvgCompressionRatio float64   `json:"avg_compression_ratio"`
	DiskBytes           int64     `json:"disk_bytes"`
	Disk                DiskUsage `json:"disk"`
}

// envelope is the persisted form of a document.
type envelope struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Embedding  []byte                 `json:"embedding"`
	Dimensions int                    `json:"dimensions"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	Checksum   uint64                 `json:"checksum"`
	CreatedAt  time.Time              `json:"created_at"`
}

type cacheSnapshot struct {
	Version int
	Records map[string]models.StorageRecord
}

// Manager stores documents as compressed envelopes in a Store and keeps an id → StorageRecord
// cache. Writes and cache rewrites hold an exclusive lock; reads share it.
type Manager struct {
	store   Store
	codec   *codec.Codec
	cfg     ManagerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	records    map[string]*models.StorageRecord
	totalBytes int64

	// compressHook runs before each compression; tests use it to observe concurrency.
	compressHook func()
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager over store. The metadata cache is loaded from cfg.CachePath,
// or rebuilt by scanning the store when the snapshot is missing or unreadable.
func NewManager(ctx context.Context, store Store, c *codec.Codec, cfg ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if store == nil || c == nil {
		return nil, errors.New("store and codec are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchChunkSize <= 0 {
		cfg.BatchChunkSize = defaultBatchChunkSize
	}
	m := &Manager{
		store:   store,
		codec:   c,
		cfg:     cfg,
		logger:  zap.NewNop(),
		records: make(map[string]*models.StorageRecord),
	}
	for _, opt := range opts {
		opt(m)
	}

	loaded, err := m.loadSnapshot()
	if err != nil {
		m.logger.Warn("metadata cache unreadable, rebuilding", zap.String("path", cfg.CachePath), zap.Error(err))
	}
	if loaded {
		changed, err := m.reconcile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile metadata cache: %w", err)
		}
		if changed {
			if err := m.persistSnapshot(); err != nil {
				m.logger.Error("failed to persist metadata cache", zap.Error(err))
			}
		}
	} else {
		if err := m.rebuildCache(ctx); err != nil {
			return nil, fmt.Errorf("failed to rebuild metadata cache: %w", err)
		}
		if err := m.persistSnapshot(); err != nil {
			return nil, err
		}
	}
	m.logger.Info("storage opened",
		zap.Int("documents", len(m.records)),
		zap.Int64("bytes", m.totalBytes),
		zap.Bool("cache_loaded", loaded))
	return m, nil
}

// Store compresses and persists doc, replacing any previous version.
func (m *Manager) Store(ctx context.Context, doc *models.Document) (*models.StorageRecord, error) {
	start := time.Now()
	rec, err := m.store1(ctx, doc, true)
	m.metrics.ObserveOperation("store", start, err)
	return rec, err
}

// StoreBatch stores docs in fixed-size chunks, compressing each chunk's documents concurrently.
// A failed item does not stop the others. Once ctx is done the remaining items fail with ctx.Err().
func (m *Manager) StoreBatch(ctx context.Context, docs []*models.Document) []BatchResult {
	start := time.Now()
	results := make([]BatchResult, len(docs))
	for i, d := range docs {
		if d != nil {
			results[i].ID = d.ID
		}
	}

	for lo := 0; lo < len(docs); lo += m.cfg.BatchChunkSize {
		hi := lo + m.cfg.BatchChunkSize
		if hi > len(docs) {
			hi = len(docs)
		}
		if err := ctx.Err(); err != nil {
			for i := lo; i < len(docs); i++ {
				results[i].Err = err
			}
			break
		}

		var g errgroup.Group
		g.SetLimit(m.cfg.Workers)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				rec, err := m.store1(ctx, docs[i], false)
				results[i].Record = rec
				results[i].Err = err
				if err != nil {
					m.logger.Warn("batch item failed", zap.String("id", results[i].ID), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()

		m.mu.Lock()
		err := m.persistSnapshot()
		m.mu.Unlock()
		if err != nil {
			m.logger.Error("failed to persist metadata cache", zap.Error(err))
		}
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	m.logger.Debug("batch stored",
		zap.Int("documents", len(docs)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))
	var batchErr error
	if failed > 0 {
		batchErr = fmt.Errorf("%d of %d items failed", failed, len(docs))
	}
	m.metrics.ObserveOperation("store_batch", start, batchErr)
	return results
}

func (m *Manager) store1(ctx context.Context, doc *models.Document, persist bool) (*models.StorageRecord, error) {
	if doc == nil {
		return nil, errors.New("nil document")
	}
	if err := ValidateKey(doc.ID); err != nil {
		return nil, fmt.Errorf("invalid document id: %w", err)
	}
	if m.cfg.Dimensions > 0 && len(doc.Embedding) != m.cfg.Dimensions {
		return nil, fmt.Errorf("%w: document %s has %d dimensions, want %d",
			similarity.ErrDimensionMismatch, doc.ID, len(doc.Embedding), m.cfg.Dimensions)
	}

	if m.compressHook != nil {
		m.compressHook()
	}
	compressed, err := m.codec.Compress(doc.Embedding)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	env := envelope{
		ID:         doc.ID,
		Content:    doc.Content,
		Embedding:  compressed,
		Dimensions: len(doc.Embedding),
		Metadata:   doc.Metadata,
		Source:     doc.Source,
		Collection: doc.Collection,
		Checksum:   xxhash.Sum64(compressed),
		CreatedAt:  createdAt,
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	rec := &models.StorageRecord{
		ID:               doc.ID,
		CompressedBytes:  compressed,
		Checksum:         env.Checksum,
		CompressionRatio: codec.Ratio(len(doc.Embedding), len(compressed)),
		CreatedAt:        createdAt,
		FileSize:         int64(len(data)),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prevSize int64
	if prev, ok := m.records[doc.ID]; ok {
		prevSize = prev.FileSize
	}
	if m.cfg.MaxBytes > 0 && m.totalBytes-prevSize+rec.FileSize > m.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: storing %s needs %d bytes, %d of %d used",
			ErrStorageFull, doc.ID, rec.FileSize, m.totalBytes, m.cfg.MaxBytes)
	}
	if err := m.store.Put(ctx, doc.ID, data); err != nil {
		return nil, fmt.Errorf("failed to write document %s: %w", doc.ID, err)
	}
	m.records[doc.ID] = cacheEntry(rec)
	m.totalBytes += rec.FileSize - prevSize
	m.metrics.RecordCompression(rec.CompressionRatio)

	// The document itself is durable at this point. A stale snapshot is reconciled on the
	// next open, so a failed snapshot write does not fail the store.
	if persist {
		if err := m.persistSnapshot(); err != nil {
			m.logger.Error("failed to persist metadata cache", zap.String("id", doc.ID), zap.Error(err))
		}
	}
	m.logger.Debug("document stored",
		zap.String("id", doc.ID),
		zap.Int64("bytes", rec.FileSize),
		zap.Float64("compression_ratio", rec.CompressionRatio))
	return rec, nil
}

// Retrieve reads, verifies and decodes the document with id.
func (m *Manager) Retrieve(ctx context.Context, id string) (*models.Document, error) {
	start := time.Now()
	doc, stale, err := m.retrieve(ctx, id)
	if stale != nil {
		m.refresh(ctx, stale)
	}
	m.metrics.ObserveOperation("retrieve", start, err)
	return doc, err
}

// staleEntry is a cache entry that disagreed with the envelope it describes.
type staleEntry struct {
	seen  *models.StorageRecord
	fresh *models.StorageRecord
}

func (m *Manager) retrieve(ctx context.Context, id string) (*models.Document, *staleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: document %s: %v", codec.ErrDecompression, id, err)
	}
	// The envelope's own checksum is the authority. The cache only mirrors it.
	sum := xxhash.Sum64(env.Embedding)
	if sum != env.Checksum {
		m.metrics.RecordChecksumFailure()
		m.logger.Error("checksum mismatch",
			zap.String("id", id),
			zap.Uint64("expected", env.Checksum),
			zap.Uint64("actual", sum))
		return nil, nil, fmt.Errorf("%w: document %s", ErrChecksumMismatch, id)
	}

	vec, err := m.codec.Decompress(env.Embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("document %s: %w", id, err)
	}

	var stale *staleEntry
	if rec, ok := m.records[id]; !ok || rec.Checksum != env.Checksum || rec.FileSize != int64(len(data)) {
		stale = &staleEntry{seen: rec, fresh: recordFromEnvelope(id, &env, len(data))}
	}
	return &models.Document{
		ID:         env.ID,
		Content:    env.Content,
		Embedding:  vec,
		Metadata:   env.Metadata,
		Source:     env.Source,
		Collection: env.Collection,
		CreatedAt:  env.CreatedAt,
	}, stale, nil
}

// refresh replaces a cache entry that lagged behind its envelope, unless a concurrent write
// already replaced or removed it.
func (m *Manager) refresh(ctx context.Context, s *staleEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.records[s.fresh.ID]; cur != s.seen {
		return
	}
	if s.seen == nil {
		if _, err := m.store.Get(ctx, s.fresh.ID); err != nil {
			return
		}
	}
	var prevSize int64
	if s.seen != nil {
		prevSize = s.seen.FileSize
	}
	m.records[s.fresh.ID] = s.fresh
	m.totalBytes += s.fresh.FileSize - prevSize
	m.logger.Warn("refreshed stale metadata cache entry", zap.String("id", s.fresh.ID))
	if err := m.persistSnapshot(); err != nil {
		m.logger.Error("failed to persist metadata cache", zap.Error(err))
	}
}

// Delete removes the document with id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := m.delete(ctx, id)
	m.metrics.ObserveOperation("delete", start, err)
	return err
}

func (m *Manager) delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Delete(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if _, ok := m.records[id]; !ok {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
	} else if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	if rec, ok := m.records[id]; ok {
		m.totalBytes -= rec.FileSize
		delete(m.records, id)
	}
	m.logger.Debug("document deleted", zap.String("id", id))
	if err := m.persistSnapshot(); err != nil {
		m.logger.Error("failed to persist metadata cache", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// Has reports whether id is stored.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok
}

// Record returns a copy of the cached record for id.
func (m *Manager) Record(id string) (models.StorageRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return models.StorageRecord{}, false
	}
	return *rec, true
}

// List returns all stored ids sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Statistics reports document count, stored bytes, average compression ratio and disk usage.
func (m *Manager) Statistics(_ context.Context) (Stats, error) {
	m.mu.RLock()
	stats := Stats{TotalDocuments: len(m.records), TotalBytes: m.totalBytes}
	var sum float64
	for _, rec := range m.records {
		sum += rec.CompressionRatio
	}
	m.mu.RUnlock()
	if stats.TotalDocuments > 0 {
		stats.AvgCompressionRatio = sum / float64(stats.TotalDocuments)
	}
	disk, err := MeasureDisk(m.cfg.DiskPaths...)
	if err != nil {
		return stats, fmt.Errorf("failed to compute disk usage: %w", err)
	}
	stats.Disk = disk
	stats.DiskBytes = disk.Total()
	return stats, nil
}

// Close persists the metadata cache and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	err := m.persistSnapshot()
	m.mu.Unlock()
	if cerr := m.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// cacheEntry drops the compressed bytes; the cache only tracks metadata.
func cacheEntry(rec *models.StorageRecord) *models.StorageRecord {
	c := *rec
	c.CompressedBytes = nil
	return &c
}

func (m *Manager) loadSnapshot() (bool, error) {
	if m.cfg.CachePath == "" {
		return false, nil
	}
	data, err := os.ReadFile(m.cfg.CachePath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var snap cacheSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return false, fmt.Errorf("failed to decode metadata cache: %w", err)
	}
	if snap.Version != cacheVersion {
		return false, fmt.Errorf("unsupported metadata cache version %d", snap.Version)
	}
	for id, rec := range snap.Records {
		r := rec
		m.records[id] = &r
		m.totalBytes += r.FileSize
	}
	return true, nil
}

// persistSnapshot must be called with mu held for writing.
func (m *Manager) persistSnapshot() error {
	if m.cfg.CachePath == "" {
		return nil
	}
	snap := cacheSnapshot{Version: cacheVersion, Records: make(map[string]models.StorageRecord, len(m.records))}
	for id, rec := range m.records {
		snap.Records[id] = *rec
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("failed to encode metadata cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.CachePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := writeFileAtomic(m.cfg.CachePath, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write metadata cache: %w", err)
	}
	return nil
}

func (m *Manager) rebuildCache(ctx context.Context) error {
	keys, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := m.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("skipping unreadable record", zap.String("id", key), zap.Error(err))
			continue
		}
		m.records[key] = recordFromEnvelope(key, &env, len(data))
		m.totalBytes += int64(len(data))
	}
	m.logger.Info("metadata cache rebuilt", zap.Int("documents", len(m.records)))
	return nil
}

// reconcile brings a loaded snapshot in line with the store's key set. Documents written after
// the snapshot are read and added, entries for documents no longer stored are dropped.
// Checksums of entries present on both sides are refreshed lazily by Retrieve.
func (m *Manager) reconcile(ctx context.Context) (bool, error) {
	keys, err := m.store.List(ctx)
	if err != nil {
		return false, err
	}
	present := make(map[string]struct{}, len(keys))
	var added, dropped int
	for _, key := range keys {
		present[key] = struct{}{}
		if _, ok := m.records[key]; ok {
			continue
		}
		data, err := m.store.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", key, err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("skipping unreadable record", zap.String("id", key), zap.Error(err))
			continue
		}
		m.records[key] = recordFromEnvelope(key, &env, len(data))
		m.totalBytes += int64(len(data))
		added++
	}
	for id, rec := range m.records {
		if _, ok := present[id]; ok {
			continue
		}
		m.totalBytes -= rec.FileSize
		delete(m.records, id)
		dropped++
	}
	if added+dropped > 0 {
		m.logger.Warn("metadata cache was behind the store",
			zap.Int("added", added),
			zap.Int("dropped", dropped))
	}
	return added+dropped > 0, nil
}

func recordFromEnvelope(id string, env *envelope, size int) *models.StorageRecord {
	return &models.StorageRecord{
		ID:               id,
		Checksum:         env.Checksum,
		CompressionRatio: codec.Ratio(env.Dimensions, len(env.Embedding)),
		CreatedAt:        env.CreatedAt,
		FileSize:         int64(size),
	}
}
