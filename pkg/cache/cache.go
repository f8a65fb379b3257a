package cache

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

// Store persists cache entries. Get returns nil without error when no entry exists.
type Store interface {
	Get(ctx context.Context, ns, bucketKey string) (*model.CacheEntry, error)
	Put(ctx context.Context, entry *model.CacheEntry) error
}

// RefreshFunc produces a fresh listing
type RefreshFunc func(ctx context.Context) (*model.Listing, error)

// Cache returns source listings from a Store while they are fresh
type Cache struct {
	store Store
	now   func() time.Time
}

type Option func(*Cache)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(x *Cache) {
		x.now = now
	}
}

// New creates a cache. A nil store disables caching.
func New(store Store, opts ...Option) *Cache {
	x := &Cache{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// GetOrRefresh returns the stored snapshot when it was refreshed less than
// freshness ago. Otherwise it calls refresh, overwrites the entry and returns
// the new snapshot. Zero or negative freshness always refreshes and never stores.
func (x *Cache) GetOrRefresh(ctx context.Context, ns, bucketKey string, freshness time.Duration, refresh RefreshFunc) (*model.Listing, error) {
	logger := logging.From(ctx).With("namespace", ns, "bucket_key", bucketKey)
	enabled := x.store != nil && freshness > 0

	if enabled {
		entry, err := x.store.Get(ctx, ns, bucketKey)
		switch {
		case err != nil:
			logger.Warn("failed to read cache entry, refreshing", "error", err)
		case entry == nil || entry.Snapshot == nil:
			logger.Debug("cache miss")
		case x.now().Sub(entry.RefreshedAt) < freshness:
			logger.Debug("cache hit", "refreshed_at", entry.RefreshedAt)
			return entry.Snapshot, nil
		default:
			logger.Debug("cache entry is stale", "refreshed_at", entry.RefreshedAt)
		}
	}

	listing, err := refresh(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to refresh listing",
			goerr.V("namespace", ns),
			goerr.V("bucket_key", bucketKey))
	}
	if !enabled {
		return listing, nil
	}

	entry := &model.CacheEntry{
		Namespace:   ns,
		BucketKey:   bucketKey,
		Snapshot:    listing,
		RefreshedAt: x.now(),
	}
	if err := x.store.Put(ctx, entry); err != nil {
		logger.Error("failed to store cache entry", "error", err)
	}
	return listing, nil
}
