package source

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/adapter"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/policy"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

// Blob lists documents stored as objects of a bucket (Cloud Storage or S3)
type Blob struct {
	storage adapter.Storage
	prefix  string
	filter  Filter
	policy  *policy.Policy

	idMetadataKey       string
	modifiedMetadataKey string
	derivedFolder       string
}

var _ Source = (*Blob)(nil)

type BlobOption func(*Blob)

// WithFilter replaces the extension allow-list and excluded names
func WithFilter(f Filter) BlobOption {
	return func(x *Blob) {
		x.filter = f
	}
}

// WithIDMetadataKey takes item IDs from the custom metadata field instead of the object name
func WithIDMetadataKey(key string) BlobOption {
	return func(x *Blob) {
		x.idMetadataKey = key
	}
}

// WithModifiedMetadataKey takes the modification time from an RFC3339 custom metadata field
func WithModifiedMetadataKey(key string) BlobOption {
	return func(x *Blob) {
		x.modifiedMetadataKey = key
	}
}

// WithDerivedFolder sets the folder under the prefix holding derived artifacts,
// laid out as {folder}/{parent}/{artifact}.{ext}
func WithDerivedFolder(folder string) BlobOption {
	return func(x *Blob) {
		x.derivedFolder = strings.Trim(folder, "/")
	}
}

func WithBlobPolicy(p *policy.Policy) BlobOption {
	return func(x *Blob) {
		x.policy = p
	}
}

func NewBlob(storage adapter.Storage, prefix string, opts ...BlobOption) *Blob {
	x := &Blob{
		storage: storage,
		prefix:  prefix,
		filter: Filter{
			Extensions:   []string{"txt", "csv", "md", "json"},
			ExcludeNames: []string{"placeholder.txt"},
		},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Blob) BucketKey() string {
	return x.storage.URI(x.prefix)
}

func (x *Blob) List(ctx context.Context) (*model.Listing, error) {
	objects, err := x.storage.List(ctx, x.prefix)
	if err != nil {
		return nil, goerr.Wrap(model.ErrEnumeration, "failed to list objects",
			goerr.V("bucket_key", x.BucketKey()),
			goerr.V("cause", err.Error()))
	}

	adm := newAdmitter(x.policy)
	for _, obj := range objects {
		if strings.HasSuffix(obj.Name, "/") || x.filter.excluded(obj.Name) {
			continue
		}
		uri := x.storage.URI(obj.Name)
		if !x.filter.supported(obj.Name) {
			adm.builder.Unsupported(uri)
			continue
		}

		item, err := x.toItem(obj)
		if err != nil {
			logging.From(ctx).Warn("invalid object", "uri", uri, "error", err)
			adm.builder.Invalid(uri)
			continue
		}
		if _, err := adm.add(ctx, item); err != nil {
			return nil, err
		}
	}

	return adm.builder.Build(), nil
}

func (x *Blob) toItem(obj *adapter.Object) (*model.SourceItem, error) {
	item := &model.SourceItem{
		ID:           obj.Name,
		URI:          x.storage.URI(obj.Name),
		Name:         path.Base(obj.Name),
		MimeType:     obj.ContentType,
		LastModified: obj.Updated,
		RawMetadata:  obj.Metadata,
	}
	if name := obj.Metadata["name"]; name != "" {
		item.Name = name
	}

	metaID := ""
	if x.idMetadataKey != "" {
		metaID = obj.Metadata[x.idMetadataKey]
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(obj.Name, x.prefix), "/")
	if x.derivedFolder != "" && strings.HasPrefix(rel, x.derivedFolder+"/") {
		parts := strings.Split(strings.TrimPrefix(rel, x.derivedFolder+"/"), "/")
		parent := metaID
		if parent == "" && len(parts) >= 2 {
			parent = parts[0]
		}
		if parent == "" {
			return nil, goerr.New("derived artifact has no parent", goerr.V("name", obj.Name))
		}
		base := parts[len(parts)-1]
		item.ID = parent
		item.Secondary = strings.TrimSuffix(base, path.Ext(base))
	} else if metaID != "" {
		item.ID = metaID
	}

	if x.modifiedMetadataKey != "" {
		if raw := obj.Metadata[x.modifiedMetadataKey]; raw != "" {
			modified, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, goerr.Wrap(err, "invalid modification time",
					goerr.V("name", obj.Name),
					goerr.V("value", raw))
			}
			item.LastModified = modified
		}
	}
	if item.LastModified.IsZero() {
		return nil, goerr.New("object has no modification time", goerr.V("name", obj.Name))
	}

	return item, nil
}

func (x *Blob) Extract(ctx context.Context, item *model.SourceItem) (string, error) {
	base := x.storage.URI("")
	if !strings.HasPrefix(item.URI, base) {
		return "", goerr.New("item does not belong to the bucket",
			goerr.V("uri", item.URI),
			goerr.V("bucket", base))
	}

	r, err := x.storage.Get(ctx, strings.TrimPrefix(item.URI, base))
	if err != nil {
		return "", err
	}
	return readText(r)
}
