package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "kbsync_cache"

// Firestore stores one cache document per namespace and source bucket
type Firestore struct {
	client     *firestore.Client
	collection string
}

type firestoreEntry struct {
	Namespace   string `firestore:"namespace"`
	BucketKey   string `firestore:"bucket_key"`
	Snapshot    string `firestore:"snapshot"`
	RefreshedAt string `firestore:"refreshed_at"`
}

type Option func(*Firestore)

// WithCollection changes the collection of cache documents
func WithCollection(name string) Option {
	return func(x *Firestore) {
		x.collection = name
	}
}

// New creates a Firestore cache store
func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	x := &Firestore{
		client:     client,
		collection: defaultCollection,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

func (x *Firestore) Close() error {
	return x.client.Close()
}

func (x *Firestore) Get(ctx context.Context, ns, bucketKey string) (*model.CacheEntry, error) {
	doc, err := x.client.Collection(x.collection).Doc(entryID(ns, bucketKey)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get cache entry",
			goerr.V("namespace", ns),
			goerr.V("bucket_key", bucketKey))
	}

	var entry firestoreEntry
	if err := doc.DataTo(&entry); err != nil {
		return nil, goerr.Wrap(err, "failed to decode cache entry", goerr.V("doc_id", doc.Ref.ID))
	}

	snapshot, err := decodeSnapshot(entry.Snapshot)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid cache snapshot", goerr.V("doc_id", doc.Ref.ID))
	}
	refreshedAt, err := parseTime(entry.RefreshedAt)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid cache timestamp", goerr.V("doc_id", doc.Ref.ID))
	}

	return &model.CacheEntry{
		Namespace:   entry.Namespace,
		BucketKey:   entry.BucketKey,
		Snapshot:    snapshot,
		RefreshedAt: refreshedAt,
	}, nil
}

// Put overwrites the whole document
func (x *Firestore) Put(ctx context.Context, entry *model.CacheEntry) error {
	snapshot, err := encodeSnapshot(entry.Snapshot)
	if err != nil {
		return err
	}

	doc := &firestoreEntry{
		Namespace:   entry.Namespace,
		BucketKey:   entry.BucketKey,
		Snapshot:    snapshot,
		RefreshedAt: formatTime(entry.RefreshedAt),
	}
	if _, err := x.client.Collection(x.collection).Doc(entryID(entry.Namespace, entry.BucketKey)).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to put cache entry",
			goerr.V("namespace", entry.Namespace),
			goerr.V("bucket_key", entry.BucketKey))
	}
	return nil
}
