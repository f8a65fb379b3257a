package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace    TEXT NOT NULL,
	bucket_key   TEXT NOT NULL,
	snapshot     TEXT NOT NULL,
	refreshed_at TEXT NOT NULL,
	PRIMARY KEY (namespace, bucket_key)
)`

// SQLite stores cache entries in a local database file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path. ":memory:" opens a private in-memory database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to create cache table", goerr.V("path", path))
	}
	return &SQLite{db: db}, nil
}

func (x *SQLite) Close() error {
	return x.db.Close()
}

func (x *SQLite) Get(ctx context.Context, ns, bucketKey string) (*model.CacheEntry, error) {
	var raw, refreshed string
	err := x.db.QueryRowContext(ctx,
		`SELECT snapshot, refreshed_at FROM cache_entries WHERE namespace = ? AND bucket_key = ?`,
		ns, bucketKey).Scan(&raw, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get cache entry",
			goerr.V("namespace", ns),
			goerr.V("bucket_key", bucketKey))
	}

	snapshot, err := decodeSnapshot(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid cache snapshot", goerr.V("namespace", ns))
	}
	refreshedAt, err := parseTime(refreshed)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid cache timestamp", goerr.V("namespace", ns))
	}

	return &model.CacheEntry{
		Namespace:   ns,
		BucketKey:   bucketKey,
		Snapshot:    snapshot,
		RefreshedAt: refreshedAt,
	}, nil
}

func (x *SQLite) Put(ctx context.Context, entry *model.CacheEntry) error {
	snapshot, err := encodeSnapshot(entry.Snapshot)
	if err != nil {
		return err
	}

	_, err = x.db.ExecContext(ctx, `
INSERT INTO cache_entries (namespace, bucket_key, snapshot, refreshed_at) VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, bucket_key) DO UPDATE SET snapshot = excluded.snapshot, refreshed_at = excluded.refreshed_at`,
		entry.Namespace, entry.BucketKey, snapshot, formatTime(entry.RefreshedAt))
	if err != nil {
		return goerr.Wrap(err, "failed to put cache entry",
			goerr.V("namespace", entry.Namespace),
			goerr.V("bucket_key", entry.BucketKey))
	}
	return nil
}
