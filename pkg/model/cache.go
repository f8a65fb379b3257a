package model

import "time"

// CacheEntry is the stored snapshot of a source listing
type CacheEntry struct {
	Namespace   string    `json:"namespace"`
	BucketKey   string    `json:"bucket_key"`
	Snapshot    *Listing  `json:"snapshot"`
	RefreshedAt time.Time `json:"refreshed_at"`
}
