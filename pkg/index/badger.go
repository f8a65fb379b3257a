package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

// Badger is an embedded on-disk Backend
type Badger struct {
	db *badger.DB
}

var _ Backend = (*Badger)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (x *badgerLogger) Errorf(msg string, items ...any) {
	x.logger.Error(fmt.Sprintf(msg, items...))
}

func (x *badgerLogger) Warningf(msg string, items ...any) {
	x.logger.Warn(fmt.Sprintf(msg, items...))
}

func (x *badgerLogger) Infof(msg string, items ...any) {
	x.logger.Debug(fmt.Sprintf(msg, items...))
}

func (x *badgerLogger) Debugf(msg string, items ...any) {
	x.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadger opens the database in dir. An empty dir opens an in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logging.Default().With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open badger", goerr.V("dir", dir))
	}
	return &Badger{db: db}, nil
}

func (x *Badger) Close() error {
	return x.db.Close()
}

func (x *Badger) List(ctx context.Context, prefix, pageToken string, limit int) ([]string, string, error) {
	var keys []string
	var next string

	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		iter := txn.NewIterator(opts)
		defer iter.Close()

		keys, next = scanKeys(prefix, pageToken, limit, func(pivot string, fn func(key string) bool) {
			for iter.Seek([]byte(pivot)); iter.Valid(); iter.Next() {
				if !fn(string(iter.Item().Key())) {
					return
				}
			}
		})
		return nil
	})
	if err != nil {
		return nil, "", goerr.Wrap(err, "failed to list keys", goerr.V("prefix", prefix))
	}
	return keys, next, nil
}

func (x *Badger) Fetch(ctx context.Context, keys []string) (map[string]*model.IndexRecord, error) {
	result := make(map[string]*model.IndexRecord, len(keys))

	err := x.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return goerr.Wrap(err, "failed to get record", goerr.V("key", key))
			}

			var stored storedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return goerr.Wrap(err, "failed to decode record", goerr.V("key", key))
			}

			record, err := stored.toModel()
			if err != nil {
				return err
			}
			result[key] = record
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (x *Badger) Upsert(ctx context.Context, records []*model.IndexRecord) error {
	wb := x.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range records {
		stored, err := newStoredRecord(r)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(stored)
		if err != nil {
			return goerr.Wrap(err, "failed to encode record", goerr.V("key", stored.Key))
		}
		if err := wb.Set([]byte(stored.Key), raw); err != nil {
			return goerr.Wrap(err, "failed to set record", goerr.V("key", stored.Key))
		}
	}

	if err := wb.Flush(); err != nil {
		return goerr.Wrap(err, "failed to flush records")
	}
	return nil
}

func (x *Badger) Delete(ctx context.Context, keys []string) error {
	wb := x.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete([]byte(key)); err != nil {
			return goerr.Wrap(err, "failed to delete record", goerr.V("key", key))
		}
	}

	if err := wb.Flush(); err != nil {
		return goerr.Wrap(err, "failed to flush deletes")
	}
	return nil
}
