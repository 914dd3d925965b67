// Package models defines core data structures for documents, storage records, queries, and search results.
package models

import "time"

// Document is an immutable stored document. An update replaces the whole document.
type Document struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Embedding  []float32              `json:"embedding,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Dimensions returns the embedding dimension.
func (d *Document) Dimensions() int {
	return len(d.Embedding)
}

// Clone returns a deep copy so callers can't mutate stored values.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Embedding != nil {
		out.Embedding = make([]float32, len(d.Embedding))
		copy(out.Embedding, d.Embedding)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
