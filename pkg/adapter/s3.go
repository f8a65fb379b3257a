package adapter

import (
	"context"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3Client implements Storage interface for S3 compatible object storage
type s3Client struct {
	bucketName string
	client     *minio.Client
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// NewS3 creates a new S3 compatible storage client. Without static keys the
// credentials are read from the AWS environment variables.
func NewS3(cfg S3Config) (Storage, error) {
	creds := credentials.NewEnvAWS()
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create s3 client", goerr.V("endpoint", cfg.Endpoint))
	}

	return &s3Client{
		bucketName: cfg.Bucket,
		client:     client,
	}, nil
}

func (s *s3Client) List(ctx context.Context, prefix string) ([]*Object, error) {
	var objects []*Object
	for info := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if info.Err != nil {
			return nil, goerr.Wrap(info.Err, "failed to list objects",
				goerr.V("bucket", s.bucketName),
				goerr.V("prefix", prefix))
		}
		objects = append(objects, &Object{
			Name:        info.Key,
			ContentType: info.ContentType,
			Size:        info.Size,
			Updated:     info.LastModified,
			Metadata:    info.UserMetadata,
		})
	}
	return objects, nil
}

func (s *s3Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from s3", goerr.V("key", key))
	}
	// GetObject is lazy, so surface a missing object here
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, goerr.Wrap(err, "failed to stat s3 object", goerr.V("key", key))
	}
	return obj, nil
}

func (s *s3Client) URI(key string) string {
	return "s3://" + s.bucketName + "/" + key
}
