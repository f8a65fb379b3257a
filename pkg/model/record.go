package model

import (
	"time"
)

// IndexRecord is one chunk of a source item stored in the vector index
type IndexRecord struct {
	Key       RecordKey
	Embedding []float32
	Metadata  RecordMetadata
}

// RecordMetadata is stored next to the embedding of every chunk
type RecordMetadata struct {
	Namespace  string `json:"namespace"`
	SourceID   string `json:"source_id"`
	Secondary  string `json:"secondary,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	URI        string `json:"uri"`
	Name       string `json:"name,omitempty"`

	// SourceModified is the last_modified of the source item when it was embedded.
	// Change detection compares it against the current source timestamp.
	SourceModified time.Time `json:"source_modified"`
	IndexedAt      time.Time `json:"indexed_at"`

	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewIndexRecord builds the record of chunk i of item
func NewIndexRecord(ns string, item *SourceItem, i int, text string, vec []float32, indexedAt time.Time) *IndexRecord {
	return &IndexRecord{
		Key: RecordKey{
			Namespace: ns,
			SourceID:  item.ID,
			Secondary: item.Secondary,
			Chunk:     i,
		},
		Embedding: vec,
		Metadata: RecordMetadata{
			Namespace:      ns,
			SourceID:       item.ID,
			Secondary:      item.Secondary,
			ChunkIndex:     i,
			Text:           text,
			URI:            item.URI,
			Name:           item.Name,
			SourceModified: item.LastModified,
			IndexedAt:      indexedAt,
			Attributes:     item.RawMetadata,
		},
	}
}
