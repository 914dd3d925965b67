package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DiskUsage breaks down the on-disk footprint of a storage directory by what the bytes hold.
type DiskUsage struct {
	// Documents is the size of all document envelopes.
	Documents int64 `json:"document_bytes"`
	// DocumentFiles counts document envelopes.
	DocumentFiles int `json:"document_files"`
	// Shards counts the shard directories holding envelopes.
	Shards int `json:"shards"`
	// Cache is the size of the metadata snapshot.
	Cache int64 `json:"cache_bytes"`
	// Other covers everything else: index snapshots, database files, leftovers.
	Other int64 `json:"other_bytes"`
}

// Total is the sum of every category.
func (u DiskUsage) Total() int64 {
	return u.Documents + u.Cache + u.Other
}

func (u *DiskUsage) add(o DiskUsage) {
	u.Documents += o.Documents
	u.DocumentFiles += o.DocumentFiles
	u.Shards += o.Shards
	u.Cache += o.Cache
	u.Other += o.Other
}

// MeasureDisk walks each root and classifies what it finds. A root may be a directory or a
// single file. Missing roots contribute nothing.
func MeasureDisk(roots ...string) (DiskUsage, error) {
	var total DiskUsage
	for _, root := range roots {
		if root == "" {
			continue
		}
		u, err := measureRoot(root)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return DiskUsage{}, err
		}
		total.add(u)
	}
	return total, nil
}

func measureRoot(root string) (DiskUsage, error) {
	var u DiskUsage
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && isShardDir(d.Name()) {
				u.Shards++
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size := info.Size()
		switch name := d.Name(); {
		case strings.HasSuffix(name, DocumentExt):
			u.Documents += size
			u.DocumentFiles++
		case name == CacheFileName:
			u.Cache += size
		default:
			u.Other += size
		}
		return nil
	})
	return u, err
}

// isShardDir matches the two-hex-character directories FileStore shards into.
func isShardDir(name string) bool {
	if len(name) != 2 {
		return false
	}
	for _, r := range name {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
