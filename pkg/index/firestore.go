package index

import (
	"context"
	"net/url"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
)

const (
	defaultFirestoreCollection = "kbsync_records"
	defaultFirestorePageSize   = 1000

	// upper bound of every UTF-8 string starting with a prefix
	prefixUpperBound = "\U0010FFFF"
)

// Firestore stores records as documents with a vector field. The document ID
// is the path-escaped record key, and the raw key is kept in the "key" field
// for ordered prefix queries.
type Firestore struct {
	client     *firestore.Client
	collection string
}

var _ Backend = (*Firestore)(nil)

type firestoreRecord struct {
	Key            string             `firestore:"key"`
	Embedding      firestore.Vector32 `firestore:"embedding"`
	Namespace      string             `firestore:"namespace"`
	SourceID       string             `firestore:"source_id"`
	Secondary      string             `firestore:"secondary"`
	ChunkIndex     int                `firestore:"chunk_index"`
	Text           string             `firestore:"text"`
	URI            string             `firestore:"uri"`
	Name           string             `firestore:"name"`
	SourceModified string             `firestore:"source_modified"`
	IndexedAt      string             `firestore:"indexed_at"`
	Attributes     map[string]string  `firestore:"attributes"`
}

type FirestoreOption func(*Firestore)

// WithFirestoreCollection changes the collection storing records
func WithFirestoreCollection(name string) FirestoreOption {
	return func(x *Firestore) {
		x.collection = name
	}
}

// NewFirestore creates a Firestore backend
func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	x := &Firestore{
		client:     client,
		collection: defaultFirestoreCollection,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

func (x *Firestore) Close() error {
	return x.client.Close()
}

func (x *Firestore) doc(key string) *firestore.DocumentRef {
	return x.client.Collection(x.collection).Doc(url.PathEscape(key))
}

func (x *Firestore) List(ctx context.Context, prefix, pageToken string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = defaultFirestorePageSize
	}

	q := x.client.Collection(x.collection).
		Where("key", ">=", prefix).
		Where("key", "<", prefix+prefixUpperBound).
		OrderBy("key", firestore.Asc).
		Select("key")
	if pageToken != "" {
		q = q.StartAfter(pageToken)
	}

	docs, err := q.Limit(limit + 1).Documents(ctx).GetAll()
	if err != nil {
		return nil, "", goerr.Wrap(err, "failed to query keys",
			goerr.V("collection", x.collection),
			goerr.V("prefix", prefix))
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		v, err := doc.DataAt("key")
		if err != nil {
			return nil, "", goerr.Wrap(err, "record has no key", goerr.V("doc_id", doc.Ref.ID))
		}
		key, ok := v.(string)
		if !ok {
			return nil, "", goerr.New("record key is not a string", goerr.V("doc_id", doc.Ref.ID))
		}
		keys = append(keys, key)
	}

	if len(keys) <= limit {
		return keys, "", nil
	}
	keys = keys[:limit]
	return keys, keys[limit-1], nil
}

func (x *Firestore) Fetch(ctx context.Context, keys []string) (map[string]*model.IndexRecord, error) {
	if len(keys) == 0 {
		return map[string]*model.IndexRecord{}, nil
	}

	refs := make([]*firestore.DocumentRef, len(keys))
	for i, key := range keys {
		refs[i] = x.doc(key)
	}

	snaps, err := x.client.GetAll(ctx, refs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get records", goerr.V("count", len(keys)))
	}

	result := make(map[string]*model.IndexRecord, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc firestoreRecord
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode record", goerr.V("doc_id", snap.Ref.ID))
		}

		record, err := doc.stored().toModel()
		if err != nil {
			return nil, err
		}
		result[doc.Key] = record
	}
	return result, nil
}

func (x *Firestore) Upsert(ctx context.Context, records []*model.IndexRecord) error {
	docs := make([]*firestoreRecord, 0, len(records))
	for _, r := range records {
		stored, err := newStoredRecord(r)
		if err != nil {
			return err
		}
		docs = append(docs, newFirestoreRecord(stored))
	}

	bw := x.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Set(x.doc(doc.Key), doc)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue record", goerr.V("key", doc.Key))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write record", goerr.V("key", docs[i].Key))
		}
	}
	return nil
}

func (x *Firestore) Delete(ctx context.Context, keys []string) error {
	bw := x.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(keys))
	for _, key := range keys {
		job, err := bw.Delete(x.doc(key))
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue delete", goerr.V("key", key))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to delete record", goerr.V("key", keys[i]))
		}
	}
	return nil
}

func newFirestoreRecord(s *storedRecord) *firestoreRecord {
	return &firestoreRecord{
		Key:            s.Key,
		Embedding:      firestore.Vector32(s.Embedding),
		Namespace:      s.Namespace,
		SourceID:       s.SourceID,
		Secondary:      s.Secondary,
		ChunkIndex:     s.ChunkIndex,
		Text:           s.Text,
		URI:            s.URI,
		Name:           s.Name,
		SourceModified: s.SourceModified,
		IndexedAt:      s.IndexedAt,
		Attributes:     s.Attributes,
	}
}

func (x *firestoreRecord) stored() *storedRecord {
	return &storedRecord{
		Key:            x.Key,
		Embedding:      []float32(x.Embedding),
		Namespace:      x.Namespace,
		SourceID:       x.SourceID,
		Secondary:      x.Secondary,
		ChunkIndex:     x.ChunkIndex,
		Text:           x.Text,
		URI:            x.URI,
		Name:           x.Name,
		SourceModified: x.SourceModified,
		IndexedAt:      x.IndexedAt,
		Attributes:     x.Attributes,
	}
}
