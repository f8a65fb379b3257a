package adapter

import (
	"context"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
)

// Object is the listing metadata of a stored blob
type Object struct {
	Name        string
	ContentType string
	Size        int64
	Updated     time.Time
	Metadata    map[string]string
}

// Storage is a bucket of blobs
type Storage interface {
	// List returns every object under the prefix
	List(ctx context.Context, prefix string) ([]*Object, error)
	// Get opens an object for reading
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// URI returns the canonical URI of an object
	URI(key string) string
}

// storageClient implements Storage interface using Cloud Storage
type storageClient struct {
	bucketName string
	client     *storage.Client
}

// NewStorage creates a new Cloud Storage client
func NewStorage(ctx context.Context, bucketName string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageClient{
		bucketName: bucketName,
		client:     client,
	}, nil
}

func (s *storageClient) List(ctx context.Context, prefix string) ([]*Object, error) {
	query := &storage.Query{Prefix: prefix}
	if err := query.SetAttrSelection([]string{"Name", "ContentType", "Size", "Updated", "Metadata"}); err != nil {
		return nil, goerr.Wrap(err, "failed to set attribute selection")
	}

	var objects []*Object
	it := s.client.Bucket(s.bucketName).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list objects",
				goerr.V("bucket", s.bucketName),
				goerr.V("prefix", prefix))
		}
		objects = append(objects, &Object{
			Name:        attrs.Name,
			ContentType: attrs.ContentType,
			Size:        attrs.Size,
			Updated:     attrs.Updated,
			Metadata:    attrs.Metadata,
		})
	}

	return objects, nil
}

func (s *storageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	bucket := s.client.Bucket(s.bucketName)
	obj := bucket.Object(key)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.Value("key", key))
	}

	return reader, nil
}

func (s *storageClient) URI(key string) string {
	return "gs://" + s.bucketName + "/" + key
}
