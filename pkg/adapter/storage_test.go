package adapter_test

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kbsync/pkg/adapter"
)

func testStorage(t *testing.T, client adapter.Storage, prefix string) {
	ctx := context.Background()

	objects, err := client.List(ctx, prefix)
	gt.NoError(t, err)
	if len(objects) == 0 {
		t.Skip("no object under the prefix")
	}

	r, err := client.Get(ctx, objects[0].Name)
	gt.NoError(t, err)
	defer r.Close()
	_, err = io.ReadAll(r)
	gt.NoError(t, err)

	_, err = client.Get(ctx, prefix+"kbsync-object-that-does-not-exist")
	gt.Error(t, err)
}

func TestCloudStorage(t *testing.T) {
	bucket := os.Getenv("TEST_STORAGE_BUCKET")
	if bucket == "" {
		t.Skip("TEST_STORAGE_BUCKET is not set")
	}

	client, err := adapter.NewStorage(context.Background(), bucket)
	gt.NoError(t, err)
	gt.Equal(t, client.URI("a/b.txt"), "gs://"+bucket+"/a/b.txt")
	testStorage(t, client, os.Getenv("TEST_STORAGE_PREFIX"))
}

func TestS3(t *testing.T) {
	endpoint := os.Getenv("TEST_S3_ENDPOINT")
	bucket := os.Getenv("TEST_S3_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("TEST_S3_ENDPOINT and TEST_S3_BUCKET are not set")
	}

	client, err := adapter.NewS3(adapter.S3Config{
		Endpoint:        endpoint,
		Bucket:          bucket,
		AccessKeyID:     os.Getenv("TEST_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("TEST_S3_SECRET_ACCESS_KEY"),
	})
	gt.NoError(t, err)
	gt.Equal(t, client.URI("a/b.txt"), "s3://"+bucket+"/a/b.txt")
	testStorage(t, client, os.Getenv("TEST_S3_PREFIX"))
}

func TestDrive(t *testing.T) {
	folderID := os.Getenv("TEST_DRIVE_FOLDER_ID")
	if folderID == "" {
		t.Skip("TEST_DRIVE_FOLDER_ID is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewDrive(ctx, os.Getenv("TEST_DRIVE_CREDENTIALS_FILE"))
	gt.NoError(t, err)

	files, err := client.ListFiles(ctx, folderID)
	gt.NoError(t, err)
	for _, f := range files {
		gt.True(t, f.ID != "")
		gt.False(t, f.ModifiedTime.IsZero())
	}
}
