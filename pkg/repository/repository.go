package repository

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
)

// entryID identifies the cache entry of a source bucket in a namespace
func entryID(ns, bucketKey string) string {
	return url.PathEscape(ns + model.KeyDelimiter + bucketKey)
}

func encodeSnapshot(listing *model.Listing) (string, error) {
	raw, err := json.Marshal(listing)
	if err != nil {
		return "", goerr.Wrap(err, "failed to encode snapshot")
	}
	return string(raw), nil
}

func decodeSnapshot(raw string) (*model.Listing, error) {
	var listing model.Listing
	if err := json.Unmarshal([]byte(raw), &listing); err != nil {
		return nil, goerr.Wrap(err, "failed to decode snapshot")
	}
	return &listing, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
