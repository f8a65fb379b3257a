package repository_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kbsync/pkg/cache"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/repository"
)

var _ cache.Store = (*repository.SQLite)(nil)
var _ cache.Store = (*repository.Firestore)(nil)

func testStore(t *testing.T, store cache.Store) {
	ctx := context.Background()
	ns := fmt.Sprintf("kb-test-%d", time.Now().UnixNano())
	refreshedAt := time.Date(2024, 3, 4, 5, 6, 7, 890000000, time.UTC)

	t.Run("absent entry", func(t *testing.T) {
		entry, err := store.Get(ctx, ns, "gs://bucket/folder1/")
		gt.NoError(t, err)
		gt.True(t, entry == nil)
	})

	t.Run("put and get", func(t *testing.T) {
		listing := &model.Listing{
			Items: []*model.SourceItem{
				{ID: "a", URI: "gs://bucket/folder1/a.txt", LastModified: refreshedAt.Add(-time.Hour)},
				{ID: "a", Secondary: "img", URI: "gs://bucket/folder1/image_descriptions/img.txt"},
			},
			Unsupported: []string{"gs://bucket/folder1/movie.mp4"},
		}
		gt.NoError(t, store.Put(ctx, &model.CacheEntry{
			Namespace:   ns,
			BucketKey:   "gs://bucket/folder1/",
			Snapshot:    listing,
			RefreshedAt: refreshedAt,
		}))

		entry, err := store.Get(ctx, ns, "gs://bucket/folder1/")
		gt.NoError(t, err)
		gt.V(t, entry).NotNil()
		gt.True(t, entry.RefreshedAt.Equal(refreshedAt))
		gt.A(t, entry.Snapshot.Items).Length(2)
		gt.Equal(t, entry.Snapshot.Items[1].Secondary, "img")
		gt.True(t, entry.Snapshot.Items[0].LastModified.Equal(refreshedAt.Add(-time.Hour)))
		gt.Equal(t, entry.Snapshot.Unsupported, []string{"gs://bucket/folder1/movie.mp4"})
	})

	t.Run("put overwrites", func(t *testing.T) {
		gt.NoError(t, store.Put(ctx, &model.CacheEntry{
			Namespace:   ns,
			BucketKey:   "gs://bucket/folder1/",
			Snapshot:    &model.Listing{Items: []*model.SourceItem{{ID: "b"}}},
			RefreshedAt: refreshedAt.Add(time.Minute),
		}))

		entry, err := store.Get(ctx, ns, "gs://bucket/folder1/")
		gt.NoError(t, err)
		gt.A(t, entry.Snapshot.Items).Length(1)
		gt.Equal(t, entry.Snapshot.Items[0].ID, "b")
		gt.A(t, entry.Snapshot.Unsupported).Length(0)
		gt.True(t, entry.RefreshedAt.Equal(refreshedAt.Add(time.Minute)))
	})

	t.Run("entries are separated by bucket key", func(t *testing.T) {
		entry, err := store.Get(ctx, ns, "gs://bucket/folder2/")
		gt.NoError(t, err)
		gt.True(t, entry == nil)
	})
}

func TestSQLiteInMemory(t *testing.T) {
	store, err := repository.NewSQLite(context.Background(), ":memory:")
	gt.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	testStore(t, store)
}

func TestSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := repository.NewSQLite(context.Background(), path)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	testStore(t, store)
}

func TestFirestore(t *testing.T) {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	store, err := repository.New(context.Background(), projectID, databaseID,
		repository.WithCollection("kbsync_test_cache"))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	testStore(t, store)
}
