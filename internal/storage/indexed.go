package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// IndexedStore wraps a Store with an in-memory key set so List and Has never touch the backend
// and lookups of unknown keys fail fast.
type IndexedStore struct {
	base Store

	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewIndexedStore loads the key set of base.
func NewIndexedStore(ctx context.Context, base Store) (*IndexedStore, error) {
	keys, err := base.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	s := &IndexedStore{base: base, keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s, nil
}

// Base returns the wrapped store.
func (s *IndexedStore) Base() Store {
	return s.base
}

// Has reports whether key is present.
func (s *IndexedStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Get reads key from the base store.
func (s *IndexedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.Has(key) {
		return nil, ErrNotFound
	}
	return s.base.Get(ctx, key)
}

// Put writes key to the base store and records it.
func (s *IndexedStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.base.Put(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Delete removes key from the base store and the key set.
func (s *IndexedStore) Delete(ctx context.Context, key string) error {
	err := s.base.Delete(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.mu.Lock()
	_, had := s.keys[key]
	delete(s.keys, key)
	s.mu.Unlock()
	if err != nil && !had {
		return ErrNotFound
	}
	return nil
}

// List returns the known keys sorted.
func (s *IndexedStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Close closes the base store.
func (s *IndexedStore) Close() error {
	return s.base.Close()
}
