package index

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
)

// Backend is the vector index. Keys are encoded record keys.
type Backend interface {
	// List returns up to limit keys with the prefix in ascending order, starting
	// after pageToken. next is empty on the last page.
	List(ctx context.Context, prefix, pageToken string, limit int) (keys []string, next string, err error)

	// Fetch returns the stored records of the keys. Missing keys are absent from the map.
	Fetch(ctx context.Context, keys []string) (map[string]*model.IndexRecord, error)

	// Upsert writes records, replacing any record with the same key
	Upsert(ctx context.Context, records []*model.IndexRecord) error

	// Delete removes records. Unknown keys are ignored.
	Delete(ctx context.Context, keys []string) error
}

// storedRecord is the persisted form of model.IndexRecord shared by the
// embedded backends. Timestamps are kept as RFC3339Nano strings so that
// provenance comparison is exact.
type storedRecord struct {
	Key            string            `json:"key"`
	Embedding      []float32         `json:"embedding"`
	Namespace      string            `json:"namespace"`
	SourceID       string            `json:"source_id"`
	Secondary      string            `json:"secondary,omitempty"`
	ChunkIndex     int               `json:"chunk_index"`
	Text           string            `json:"text"`
	URI            string            `json:"uri,omitempty"`
	Name           string            `json:"name,omitempty"`
	SourceModified string            `json:"source_modified"`
	IndexedAt      string            `json:"indexed_at"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

func newStoredRecord(r *model.IndexRecord) (*storedRecord, error) {
	key, err := r.Key.Encode()
	if err != nil {
		return nil, err
	}
	m := r.Metadata
	return &storedRecord{
		Key:            key,
		Embedding:      r.Embedding,
		Namespace:      m.Namespace,
		SourceID:       m.SourceID,
		Secondary:      m.Secondary,
		ChunkIndex:     m.ChunkIndex,
		Text:           m.Text,
		URI:            m.URI,
		Name:           m.Name,
		SourceModified: formatTime(m.SourceModified),
		IndexedAt:      formatTime(m.IndexedAt),
		Attributes:     m.Attributes,
	}, nil
}

func (x *storedRecord) toModel() (*model.IndexRecord, error) {
	key, err := model.DecodeRecordKey(x.Key)
	if err != nil {
		return nil, err
	}
	modified, err := parseTime(x.SourceModified)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid source_modified", goerr.V("key", x.Key))
	}
	indexedAt, err := parseTime(x.IndexedAt)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid indexed_at", goerr.V("key", x.Key))
	}

	return &model.IndexRecord{
		Key:       key,
		Embedding: x.Embedding,
		Metadata: model.RecordMetadata{
			Namespace:      x.Namespace,
			SourceID:       x.SourceID,
			Secondary:      x.Secondary,
			ChunkIndex:     x.ChunkIndex,
			Text:           x.Text,
			URI:            x.URI,
			Name:           x.Name,
			SourceModified: modified,
			IndexedAt:      indexedAt,
			Attributes:     x.Attributes,
		},
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
