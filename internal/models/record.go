package models

import "time"

// StorageRecord describes one persisted document. Checksum is computed over CompressedBytes.
type StorageRecord struct {
	ID               string    `json:"id"`
	CompressedBytes  []byte    `json:"-"`
	Checksum         uint64    `json:"checksum"`
	CompressionRatio float64   `json:"compression_ratio"`
	CreatedAt        time.Time `json:"created_at"`
	FileSize         int64     `json:"file_size"`
}
