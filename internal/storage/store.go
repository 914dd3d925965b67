// Package storage persists documents as compressed, checksummed records behind a pluggable key/value Store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by a Store when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is a flat key/value persistence backend. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendBolt   Backend = "bolt"
)

const (
	sqliteFileName = "documents.db"
	boltFileName   = "documents.bolt"
)

// NewStore opens the backend rooted at dir. File, SQLite and Bolt stores are wrapped in an
// IndexedStore when indexed is true.
func NewStore(ctx context.Context, backend Backend, dir string, indexed bool) (Store, error) {
	if backend == BackendMemory {
		return NewMemoryStore(), nil
	}
	if dir == "" {
		return nil, fmt.Errorf("storage path is required for backend %q", backend)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	var (
		base Store
		err  error
	)
	switch backend {
	case BackendFile, "":
		base, err = NewFileStore(dir)
	case BackendSQLite:
		base, err = NewSQLiteStore(filepath.Join(dir, sqliteFileName))
	case BackendBolt:
		base, err = NewBoltStore(filepath.Join(dir, boltFileName))
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	if !indexed {
		return base, nil
	}
	idx, err := NewIndexedStore(ctx, base)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return idx, nil
}

// ValidateKey rejects ids that cannot be used as a file name.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return errors.New("empty key")
	case key == "." || key == "..":
		return fmt.Errorf("invalid key %q", key)
	case len(key) > 200:
		return fmt.Errorf("key too long (%d bytes)", len(key))
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("key %q contains a path separator or NUL", key)
	}
	return nil
}
