package index

import (
	"context"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

const defaultPageSize = 1000

// Inventory enumerates the keys stored in the index
type Inventory struct {
	backend  Backend
	pageSize int
}

type InventoryOption func(*Inventory)

// WithPageSize sets the number of keys requested per List call
func WithPageSize(n int) InventoryOption {
	return func(x *Inventory) {
		x.pageSize = n
	}
}

func NewInventory(backend Backend, opts ...InventoryOption) *Inventory {
	x := &Inventory{
		backend:  backend,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// ListIDsWithPrefix returns every key with the prefix, following all pages.
// Any page failure fails the whole call with model.ErrEnumeration.
func (x *Inventory) ListIDsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var all []string
	token := ""
	for page := 0; ; page++ {
		keys, next, err := x.backend.List(ctx, prefix, token, x.pageSize)
		if err != nil {
			return nil, goerr.Wrap(model.ErrEnumeration, "failed to list index keys",
				goerr.V("prefix", prefix),
				goerr.V("page", page),
				goerr.V("cause", err.Error()))
		}
		all = append(all, keys...)
		if next == "" {
			return all, nil
		}
		if next == token {
			return nil, goerr.Wrap(model.ErrEnumeration, "index pagination did not advance",
				goerr.V("prefix", prefix),
				goerr.V("token", token))
		}
		token = next
	}
}

// Groups is the index content of a namespace by item identity.
// Keys of each item are sorted by chunk index.
type Groups struct {
	Items map[model.ItemID][]model.RecordKey

	// Undecodable holds keys under the namespace prefix that are not valid record keys
	Undecodable []string
}

// KeyCount returns the number of decoded keys
func (x *Groups) KeyCount() int {
	n := 0
	for _, keys := range x.Items {
		n += len(keys)
	}
	return n
}

// Groups lists the namespace and groups its keys by item identity
func (x *Inventory) Groups(ctx context.Context, ns string) (*Groups, error) {
	keys, err := x.ListIDsWithPrefix(ctx, model.NamespacePrefix(ns))
	if err != nil {
		return nil, err
	}

	groups := &Groups{Items: make(map[model.ItemID][]model.RecordKey)}
	for _, raw := range keys {
		key, err := model.DecodeRecordKey(raw)
		if err != nil || key.Namespace != ns {
			groups.Undecodable = append(groups.Undecodable, raw)
			continue
		}
		groups.Items[key.Item()] = append(groups.Items[key.Item()], key)
	}

	for _, keys := range groups.Items {
		sort.Slice(keys, func(i, j int) bool { return keys[i].Chunk < keys[j].Chunk })
	}

	if len(groups.Undecodable) > 0 {
		logging.From(ctx).Warn("undecodable keys in index",
			"namespace", ns,
			"count", len(groups.Undecodable))
	}
	return groups, nil
}

// WaitForDeletion polls until no key with the prefix is listed. It gives up
// after attempts polls and returns the number of keys still visible.
func (x *Inventory) WaitForDeletion(ctx context.Context, prefix string, attempts int, interval time.Duration) (int, error) {
	return poll(ctx, attempts, interval, func() (int, error) {
		keys, err := x.ListIDsWithPrefix(ctx, prefix)
		return len(keys), err
	}, "prefix", prefix)
}

// WaitForKeysDeleted polls until none of the keys can be fetched. Records
// sharing a prefix with the keys are not counted.
func (x *Inventory) WaitForKeysDeleted(ctx context.Context, keys []string, attempts int, interval time.Duration) (int, error) {
	return poll(ctx, attempts, interval, func() (int, error) {
		n := 0
		for start := 0; start < len(keys); start += x.pageSize {
			end := min(start+x.pageSize, len(keys))
			records, err := x.backend.Fetch(ctx, keys[start:end])
			if err != nil {
				return 0, goerr.Wrap(model.ErrEnumeration, "failed to fetch deleted keys",
					goerr.V("cause", err.Error()))
			}
			n += len(records)
		}
		return n, nil
	}, "keys", len(keys))
}

func poll(ctx context.Context, attempts int, interval time.Duration, count func() (int, error), attrs ...any) (int, error) {
	remaining := 0
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return remaining, goerr.Wrap(ctx.Err(), "canceled while waiting for deletion")
			case <-time.After(interval):
			}
		}

		n, err := count()
		if err != nil {
			return remaining, err
		}
		remaining = n
		if remaining == 0 {
			return 0, nil
		}
		logging.From(ctx).Debug("waiting for deletion",
			append(attrs, "remaining", remaining, "attempt", i+1)...)
	}
	return remaining, nil
}
