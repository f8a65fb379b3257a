package source

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/policy"
)

// maxTextSize bounds the bytes read from one source item
const maxTextSize = 32 << 20

// Source enumerates items of one source system and extracts their text
type Source interface {
	// List returns a complete listing. Any failure returns model.ErrEnumeration
	// and no partial listing.
	List(ctx context.Context) (*model.Listing, error)

	// Extract returns the plain text of an item from the listing
	Extract(ctx context.Context, item *model.SourceItem) (string, error)

	// BucketKey identifies the listed location in the metadata cache
	BucketKey() string
}

// Filter is the allow-list of blob sources
type Filter struct {
	// Extensions are allowed file extensions without dot, lower case
	Extensions []string
	// ExcludeNames are file names skipped without being reported
	ExcludeNames []string
}

func (x *Filter) excluded(name string) bool {
	base := path.Base(name)
	for _, n := range x.ExcludeNames {
		if base == n {
			return true
		}
	}
	return false
}

func (x *Filter) supported(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return false
	}
	for _, e := range x.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// admitter applies the optional admission policy while building a listing
type admitter struct {
	policy  *policy.Policy
	builder *model.ListingBuilder
}

func newAdmitter(p *policy.Policy) *admitter {
	return &admitter{policy: p, builder: model.NewListingBuilder()}
}

// add reports whether item entered the listing
func (x *admitter) add(ctx context.Context, item *model.SourceItem) (bool, error) {
	allowed, err := x.policy.Allow(ctx, item)
	if err != nil {
		return false, goerr.Wrap(model.ErrEnumeration, "failed to evaluate admission policy",
			goerr.V("uri", item.URI),
			goerr.V("cause", err.Error()))
	}
	if !allowed {
		x.builder.Unsupported(item.URI)
		return false, nil
	}
	return x.builder.Add(item), nil
}

func readText(r io.ReadCloser) (string, error) {
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, maxTextSize))
	if err != nil {
		return "", goerr.Wrap(err, "failed to read content")
	}
	return string(data), nil
}
