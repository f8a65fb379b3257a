package index

import (
	"context"
	"strings"
	"sync"

	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/tidwall/btree"
)

// Memory is an in-process Backend ordered by key
type Memory struct {
	mu      sync.RWMutex
	records *btree.Map[string, *storedRecord]
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: btree.NewMap[string, *storedRecord](0),
	}
}

func (x *Memory) List(ctx context.Context, prefix, pageToken string, limit int) ([]string, string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	keys, next := scanKeys(prefix, pageToken, limit, func(pivot string, fn func(key string) bool) {
		x.records.Ascend(pivot, func(key string, _ *storedRecord) bool {
			return fn(key)
		})
	})
	return keys, next, nil
}

func (x *Memory) Fetch(ctx context.Context, keys []string) (map[string]*model.IndexRecord, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	result := make(map[string]*model.IndexRecord, len(keys))
	for _, key := range keys {
		stored, ok := x.records.Get(key)
		if !ok {
			continue
		}
		record, err := stored.toModel()
		if err != nil {
			return nil, err
		}
		result[key] = record
	}
	return result, nil
}

func (x *Memory) Upsert(ctx context.Context, records []*model.IndexRecord) error {
	stored := make([]*storedRecord, 0, len(records))
	for _, r := range records {
		s, err := newStoredRecord(r)
		if err != nil {
			return err
		}
		stored = append(stored, s)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range stored {
		x.records.Set(s.Key, s)
	}
	return nil
}

func (x *Memory) Delete(ctx context.Context, keys []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, key := range keys {
		x.records.Delete(key)
	}
	return nil
}

// Len returns the number of stored records
func (x *Memory) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.records.Len()
}

// scanKeys implements prefix pagination over an ordered key iterator.
// ascend must call fn for keys >= pivot in order until fn returns false.
func scanKeys(prefix, pageToken string, limit int, ascend func(pivot string, fn func(key string) bool)) ([]string, string) {
	pivot := prefix
	if pageToken > pivot {
		pivot = pageToken
	}

	var keys []string
	var more bool
	ascend(pivot, func(key string) bool {
		if key == pageToken {
			return true
		}
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		if limit > 0 && len(keys) == limit {
			more = true
			return false
		}
		keys = append(keys, key)
		return true
	})

	if !more {
		return keys, ""
	}
	return keys, keys[len(keys)-1]
}
