package source_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kbsync/pkg/adapter"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/policy"
	"github.com/m-mizutani/kbsync/pkg/source"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeStorage struct {
	objects []*adapter.Object
	content map[string]string
	listErr error
}

func (x *fakeStorage) List(ctx context.Context, prefix string) ([]*adapter.Object, error) {
	if x.listErr != nil {
		return nil, x.listErr
	}
	var out []*adapter.Object
	for _, obj := range x.objects {
		if strings.HasPrefix(obj.Name, prefix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (x *fakeStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	c, ok := x.content[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(strings.NewReader(c)), nil
}

func (x *fakeStorage) URI(key string) string {
	return "gs://bucket/" + key
}

func itemIDs(l *model.Listing) []string {
	ids := make([]string, 0, len(l.Items))
	for _, item := range l.Items {
		ids = append(ids, item.ItemID().String())
	}
	sort.Strings(ids)
	return ids
}

func TestBlobList(t *testing.T) {
	storage := &fakeStorage{
		objects: []*adapter.Object{
			{Name: "docs/", Updated: t0},
			{Name: "docs/a.txt", Updated: t0},
			{Name: "docs/b.MD", Updated: t0, Metadata: map[string]string{"name": "Bee"}},
			{Name: "docs/movie.mp4", Updated: t0},
			{Name: "docs/placeholder.txt", Updated: t0},
			{Name: "docs/noext", Updated: t0},
			{Name: "docs/zero.txt"},
			{Name: "other/c.txt", Updated: t0},
		},
	}

	l, err := source.NewBlob(storage, "docs/").List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, itemIDs(l), []string{"docs/a.txt", "docs/b.MD"})
	gt.Equal(t, l.Unsupported, []string{"gs://bucket/docs/movie.mp4", "gs://bucket/docs/noext"})
	gt.Equal(t, l.Invalid, []string{"gs://bucket/docs/zero.txt"})

	for _, item := range l.Items {
		if item.ID == "docs/b.MD" {
			gt.Equal(t, item.Name, "Bee")
			gt.Equal(t, item.URI, "gs://bucket/docs/b.MD")
		}
	}
}

func TestBlobMetadataKeys(t *testing.T) {
	storage := &fakeStorage{
		objects: []*adapter.Object{
			{
				Name:    "kb/file1.txt",
				Updated: t0,
				Metadata: map[string]string{
					"drive_id":       "1AbC",
					"drive_modified": "2024-06-01T00:00:00Z",
				},
			},
			{
				Name:     "kb/file2.txt",
				Updated:  t0,
				Metadata: map[string]string{"drive_modified": "yesterday"},
			},
			{
				Name:     "kb/derived/1AbC/image_3.txt",
				Updated:  t0,
				Metadata: map[string]string{"drive_id": "1AbC"},
			},
			{
				Name:    "kb/derived/2XyZ/table_1.csv",
				Updated: t0,
			},
		},
	}

	blob := source.NewBlob(storage, "kb/",
		source.WithIDMetadataKey("drive_id"),
		source.WithModifiedMetadataKey("drive_modified"),
		source.WithDerivedFolder("derived"),
	)
	l, err := blob.List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, itemIDs(l), []string{"1AbC", "1AbC##image_3", "2XyZ##table_1"})
	gt.Equal(t, l.Invalid, []string{"gs://bucket/kb/file2.txt"})

	for _, item := range l.Items {
		if item.ID == "1AbC" && item.Secondary == "" {
			gt.True(t, item.LastModified.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
		}
	}
}

func TestBlobDuplicateID(t *testing.T) {
	storage := &fakeStorage{
		objects: []*adapter.Object{
			{Name: "a.txt", Updated: t0, Metadata: map[string]string{"id": "same"}},
			{Name: "b.txt", Updated: t0, Metadata: map[string]string{"id": "same"}},
			{Name: "c##d.txt", Updated: t0},
		},
	}
	l, err := source.NewBlob(storage, "", source.WithIDMetadataKey("id")).List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, itemIDs(l), []string{"same"})
	gt.Equal(t, l.Invalid, []string{"gs://bucket/b.txt", "gs://bucket/c##d.txt"})
}

func TestBlobListFailure(t *testing.T) {
	storage := &fakeStorage{listErr: errors.New("permission denied")}
	l, err := source.NewBlob(storage, "").List(context.Background())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrEnumeration))
	gt.True(t, l == nil)
}

func TestBlobExtract(t *testing.T) {
	storage := &fakeStorage{
		objects: []*adapter.Object{{Name: "docs/a.txt", Updated: t0}},
		content: map[string]string{"docs/a.txt": "hello"},
	}
	blob := source.NewBlob(storage, "docs/")
	l, err := blob.List(context.Background())
	gt.NoError(t, err)
	gt.A(t, l.Items).Length(1)

	text, err := blob.Extract(context.Background(), l.Items[0])
	gt.NoError(t, err)
	gt.Equal(t, text, "hello")

	_, err = blob.Extract(context.Background(), &model.SourceItem{ID: "x", URI: "s3://elsewhere/x"})
	gt.Error(t, err)
}

func TestBlobPolicy(t *testing.T) {
	p, err := policy.New(context.Background(), map[string]string{
		"source.rego": `package source

allow if not startswith(input.name, "draft-")
`,
	})
	gt.NoError(t, err)

	storage := &fakeStorage{
		objects: []*adapter.Object{
			{Name: "final.txt", Updated: t0},
			{Name: "draft-1.txt", Updated: t0},
		},
	}
	l, err := source.NewBlob(storage, "", source.WithBlobPolicy(p)).List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, itemIDs(l), []string{"final.txt"})
	gt.Equal(t, l.Unsupported, []string{"gs://bucket/draft-1.txt"})
}

func TestBlobFilter(t *testing.T) {
	storage := &fakeStorage{
		objects: []*adapter.Object{
			{Name: "a.pdf", Updated: t0},
			{Name: "b.txt", Updated: t0},
			{Name: "skip.pdf", Updated: t0},
		},
	}
	blob := source.NewBlob(storage, "", source.WithFilter(source.Filter{
		Extensions:   []string{"pdf"},
		ExcludeNames: []string{"skip.pdf"},
	}))
	l, err := blob.List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, itemIDs(l), []string{"a.pdf"})
	gt.Equal(t, l.Unsupported, []string{"gs://bucket/b.txt"})
}

func TestBlobBucketKey(t *testing.T) {
	gt.Equal(t, source.NewBlob(&fakeStorage{}, "docs/").BucketKey(), "gs://bucket/docs/")
}

type fakeDrive struct {
	files    []*adapter.DriveFile
	exported map[string]string
	content  map[string]string
	exportAs []string
	listErr  error
}

func (x *fakeDrive) ListFiles(ctx context.Context, folderID string) ([]*adapter.DriveFile, error) {
	if x.listErr != nil {
		return nil, x.listErr
	}
	return x.files, nil
}

func (x *fakeDrive) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	x.exportAs = append(x.exportAs, mimeType)
	c, ok := x.exported[fileID]
	if !ok {
		return nil, errors.New("export failed")
	}
	return io.NopCloser(strings.NewReader(c)), nil
}

func (x *fakeDrive) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	c, ok := x.content[fileID]
	if !ok {
		return nil, errors.New("download failed")
	}
	return io.NopCloser(strings.NewReader(c)), nil
}

func TestDrive(t *testing.T) {
	client := &fakeDrive{
		files: []*adapter.DriveFile{
			{ID: "doc1", Name: "Design", MimeType: "application/vnd.google-apps.document", ModifiedTime: t0, WebViewLink: "https://docs.google.com/document/d/doc1/edit"},
			{ID: "sheet1", Name: "Budget", MimeType: "application/vnd.google-apps.spreadsheet", ModifiedTime: t0},
			{ID: "txt1", Name: "notes.txt", MimeType: "text/plain", ModifiedTime: t0},
			{ID: "img1", Name: "photo.png", MimeType: "image/png", ModifiedTime: t0},
		},
		exported: map[string]string{"doc1": "design doc", "sheet1": "a,b\n1,2"},
		content:  map[string]string{"txt1": "plain notes"},
	}

	src := source.NewDrive(client, "folder1", nil)
	gt.Equal(t, src.BucketKey(), "gdrive://folder1")

	l, err := src.List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, itemIDs(l), []string{"doc1", "sheet1", "txt1"})
	gt.Equal(t, l.Unsupported, []string{"https://drive.google.com/file/d/img1/view"})

	byID := map[string]*model.SourceItem{}
	for _, item := range l.Items {
		byID[item.ID] = item
	}
	gt.Equal(t, byID["doc1"].URI, "https://docs.google.com/document/d/doc1/edit")
	gt.Equal(t, byID["sheet1"].URI, "https://drive.google.com/file/d/sheet1/view")

	text, err := src.Extract(context.Background(), byID["doc1"])
	gt.NoError(t, err)
	gt.Equal(t, text, "design doc")

	text, err = src.Extract(context.Background(), byID["sheet1"])
	gt.NoError(t, err)
	gt.Equal(t, text, "a,b\n1,2")
	gt.Equal(t, client.exportAs, []string{"text/plain", "text/csv"})

	text, err = src.Extract(context.Background(), byID["txt1"])
	gt.NoError(t, err)
	gt.Equal(t, text, "plain notes")
}

func TestDriveListFailure(t *testing.T) {
	_, err := source.NewDrive(&fakeDrive{listErr: errors.New("quota")}, "f", nil).List(context.Background())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrEnumeration))
}

type fakeWarehouse struct {
	rows    []map[string]any
	queries []string
	args    [][]any
	err     error
}

func (x *fakeWarehouse) Rows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	x.queries = append(x.queries, query)
	x.args = append(x.args, args)
	if x.err != nil {
		return nil, x.err
	}
	if len(args) == 1 {
		for _, row := range x.rows {
			if row["id"] == args[0] {
				return []map[string]any{row}, nil
			}
		}
		return nil, nil
	}
	return x.rows, nil
}

func TestTablePostgres(t *testing.T) {
	wh := &fakeWarehouse{
		rows: []map[string]any{
			{"id": "r1", "updated_at": t0, "body": "first row", "title": "Row One"},
			{"id": "r2", "updated_at": "2024-05-02T00:00:00Z", "body": []byte("second row")},
			{"id": "r3", "updated_at": 12345, "body": "bad time"},
			{"id": nil, "updated_at": t0, "body": "no key"},
		},
	}
	cols := source.Columns{Key: "id", Modified: "updated_at", Text: "body", Name: "title"}
	src := source.NewTable(wh, source.PostgresDialect, "public.docs", cols, nil)
	gt.Equal(t, src.BucketKey(), "postgres://public.docs")

	l, err := src.List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, wh.queries[0], `SELECT "id", "updated_at", "body", "title" FROM "public"."docs"`)
	gt.Equal(t, itemIDs(l), []string{"r1", "r2"})
	gt.Equal(t, l.Invalid, []string{"postgres://public.docs/r3", "postgres://public.docs#row3"})

	byID := map[string]*model.SourceItem{}
	for _, item := range l.Items {
		byID[item.ID] = item
	}
	gt.Equal(t, byID["r1"].Name, "Row One")
	gt.Equal(t, byID["r2"].Name, "r2")
	gt.Equal(t, byID["r1"].URI, "postgres://public.docs/r1")

	text, err := src.Extract(context.Background(), byID["r2"])
	gt.NoError(t, err)
	gt.Equal(t, text, "second row")
	gt.Equal(t, len(wh.queries), 1)
}

func TestTableExtractFallback(t *testing.T) {
	wh := &fakeWarehouse{
		rows: []map[string]any{
			{"id": "r1", "ts": t0, "text": "from query"},
		},
	}
	cols := source.Columns{Key: "id", Modified: "ts", Text: "text"}
	src := source.NewTable(wh, source.BigQueryDialect, "p.d.t", cols, nil)

	text, err := src.Extract(context.Background(), &model.SourceItem{ID: "r1"})
	gt.NoError(t, err)
	gt.Equal(t, text, "from query")
	gt.Equal(t, wh.queries[0], "SELECT `text` FROM `p.d.t` WHERE CAST(`id` AS STRING) = ?")
	gt.Equal(t, wh.args[0], []any{"r1"})

	_, err = src.Extract(context.Background(), &model.SourceItem{ID: "missing"})
	gt.Error(t, err)
}

func TestTableListFailure(t *testing.T) {
	wh := &fakeWarehouse{err: errors.New("connection refused")}
	cols := source.Columns{Key: "id", Modified: "ts", Text: "text"}
	_, err := source.NewTable(wh, source.BigQueryDialect, "p.d.t", cols, nil).List(context.Background())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrEnumeration))
}

func TestTableKeepsFirstDuplicateRow(t *testing.T) {
	wh := &fakeWarehouse{
		rows: []map[string]any{
			{"id": "r1", "ts": t0, "text": "first"},
			{"id": "r1", "ts": t0.Add(time.Hour), "text": "second"},
		},
	}
	cols := source.Columns{Key: "id", Modified: "ts", Text: "text"}
	src := source.NewTable(wh, source.BigQueryDialect, "p.d.t", cols, nil)

	l, err := src.List(context.Background())
	gt.NoError(t, err)
	gt.A(t, l.Items).Length(1)
	gt.True(t, l.Items[0].LastModified.Equal(t0))
	gt.Equal(t, l.Invalid, []string{"bigquery://p.d.t/r1"})

	text, err := src.Extract(context.Background(), l.Items[0])
	gt.NoError(t, err)
	gt.Equal(t, text, "first")
	gt.Equal(t, len(wh.queries), 1)
}

func TestTableBigQueryDateTime(t *testing.T) {
	wh := &fakeWarehouse{
		rows: []map[string]any{
			{"id": "d1", "ts": civil.DateTimeOf(t0), "text": "datetime row"},
			{"id": "d2", "ts": civil.DateTime{}, "text": "zero datetime"},
		},
	}
	cols := source.Columns{Key: "id", Modified: "ts", Text: "text"}
	l, err := source.NewTable(wh, source.BigQueryDialect, "p.d.t", cols, nil).List(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, itemIDs(l), []string{"d1"})
	gt.True(t, l.Items[0].LastModified.Equal(t0))
	gt.True(t, l.Items[0].LastModified.Location() == time.UTC)
	gt.Equal(t, l.Invalid, []string{"bigquery://p.d.t/d2"})
}
