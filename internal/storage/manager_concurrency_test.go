package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/tansaku/internal/models"
)

func TestManager_ReadsRunAlongsideWrites(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore(), ManagerConfig{})
	_, err := m.Store(ctx, testDoc("base", 1, 2, 3))
	require.NoError(t, err)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := m.Store(ctx, testDoc(id, float32(i), 1, 0)); err != nil {
					return err
				}
				if i%2 == 0 {
					if err := m.Delete(ctx, id); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				doc, err := m.Retrieve(ctx, "base")
				if err != nil {
					return err
				}
				if len(doc.Embedding) != 3 {
					return fmt.Errorf("base has %d dimensions", len(doc.Embedding))
				}
				stats, err := m.Statistics(ctx)
				if err != nil {
					return err
				}
				if stats.TotalDocuments < 1 {
					return fmt.Errorf("statistics lost the base document")
				}
				_ = m.List()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, m.List(), 1+4*25)
	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	var sum int64
	for _, id := range m.List() {
		rec, ok := m.Record(id)
		require.True(t, ok)
		sum += rec.FileSize
	}
	assert.Equal(t, sum, stats.TotalBytes)
}

func TestManager_StoreBatchRespectsWorkerLimit(t *testing.T) {
	ctx := context.Background()
	const workers = 3
	m := newTestManager(t, NewMemoryStore(), ManagerConfig{Workers: workers, BatchChunkSize: 16})

	var (
		inflight atomic.Int32
		mu       sync.Mutex
		peak     int32
	)
	m.compressHook = func() {
		n := inflight.Add(1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
	}

	docs := make([]*models.Document, 40)
	for i := range docs {
		docs[i] = testDoc(fmt.Sprintf("d%02d", i), float32(i), 1)
	}
	for _, r := range m.StoreBatch(ctx, docs) {
		require.NoError(t, r.Err)
	}
	assert.Len(t, m.List(), len(docs))
	assert.LessOrEqual(t, peak, int32(workers))
	assert.Positive(t, peak)
}
