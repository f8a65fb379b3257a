package index_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kbsync/pkg/index"
	"github.com/m-mizutani/kbsync/pkg/model"
)

func newRecord(ns, id, secondary string, chunk int, modified time.Time) *model.IndexRecord {
	item := &model.SourceItem{ID: id, Secondary: secondary, URI: "gs://bucket/" + id, LastModified: modified}
	return model.NewIndexRecord(ns, item, chunk, fmt.Sprintf("text of %s/%d", id, chunk), []float32{0.1, 0.2, float32(chunk)}, modified)
}

func testBackend(t *testing.T, backend index.Backend) {
	ctx := context.Background()
	ns := fmt.Sprintf("kb-test-%d", time.Now().UnixNano())
	modified := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)

	records := []*model.IndexRecord{
		newRecord(ns, "a", "", 0, modified),
		newRecord(ns, "a", "", 1, modified),
		newRecord(ns, "a", "img", 0, modified),
		newRecord(ns, "ab", "", 0, modified),
		newRecord(ns, "b", "", 0, modified),
		newRecord(ns+"x", "a", "", 0, modified),
	}
	gt.NoError(t, backend.Upsert(ctx, records))
	t.Cleanup(func() {
		keys := make([]string, len(records))
		for i, r := range records {
			keys[i] = r.Key.String()
		}
		_ = backend.Delete(ctx, keys)
	})

	t.Run("list with prefix isolates namespaces and groups", func(t *testing.T) {
		keys, next, err := backend.List(ctx, model.NamespacePrefix(ns), "", 0)
		gt.NoError(t, err)
		gt.Equal(t, next, "")
		gt.Equal(t, keys, []string{
			ns + "##a##0",
			ns + "##a##1",
			ns + "##a##img##0",
			ns + "##ab##0",
			ns + "##b##0",
		})

		keys, _, err = backend.List(ctx, model.GroupPrefix(ns, model.ItemID{SourceID: "a"}), "", 0)
		gt.NoError(t, err)
		gt.A(t, keys).Length(3)
	})

	t.Run("list paginates", func(t *testing.T) {
		var all []string
		token := ""
		pages := 0
		for {
			keys, next, err := backend.List(ctx, model.NamespacePrefix(ns), token, 2)
			gt.NoError(t, err)
			gt.True(t, len(keys) <= 2)
			all = append(all, keys...)
			pages++
			if next == "" {
				break
			}
			token = next
		}
		gt.Equal(t, pages, 3)
		gt.A(t, all).Length(5)
	})

	t.Run("fetch keeps provenance exact", func(t *testing.T) {
		got, err := backend.Fetch(ctx, []string{ns + "##a##1", ns + "##missing##0"})
		gt.NoError(t, err)
		gt.Equal(t, len(got), 1)

		r := got[ns+"##a##1"]
		gt.V(t, r).NotNil()
		gt.Equal(t, r.Key, model.RecordKey{Namespace: ns, SourceID: "a", Chunk: 1})
		gt.True(t, r.Metadata.SourceModified.Equal(modified))
		gt.Equal(t, r.Metadata.Text, "text of a/1")
		gt.Equal(t, r.Embedding, []float32{0.1, 0.2, 1})
	})

	t.Run("upsert replaces and delete ignores unknown keys", func(t *testing.T) {
		updated := newRecord(ns, "b", "", 0, modified.Add(time.Second))
		gt.NoError(t, backend.Upsert(ctx, []*model.IndexRecord{updated}))

		got, err := backend.Fetch(ctx, []string{ns + "##b##0"})
		gt.NoError(t, err)
		gt.True(t, got[ns+"##b##0"].Metadata.SourceModified.Equal(modified.Add(time.Second)))

		gt.NoError(t, backend.Delete(ctx, []string{ns + "##b##0", ns + "##nothing##0"}))
		keys, _, err := backend.List(ctx, model.GroupPrefix(ns, model.ItemID{SourceID: "b"}), "", 0)
		gt.NoError(t, err)
		gt.A(t, keys).Length(0)
	})
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, index.NewMemory())
}

func TestBadgerBackend(t *testing.T) {
	db, err := index.OpenBadger("")
	gt.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	testBackend(t, db)
}

func TestBadgerBackendOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	modified := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	db, err := index.OpenBadger(dir)
	gt.NoError(t, err)
	gt.NoError(t, db.Upsert(ctx, []*model.IndexRecord{newRecord("ns", "doc", "", 0, modified)}))
	gt.NoError(t, db.Close())

	db, err = index.OpenBadger(dir)
	gt.NoError(t, err)
	defer db.Close()

	keys, _, err := db.List(ctx, "ns##", "", 10)
	gt.NoError(t, err)
	gt.Equal(t, keys, []string{"ns##doc##0"})
}

func TestFirestoreBackend(t *testing.T) {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	backend, err := index.NewFirestore(context.Background(), projectID, databaseID,
		index.WithFirestoreCollection("kbsync_test_records"))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	testBackend(t, backend)
}
