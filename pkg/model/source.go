package model

import (
	"time"
)

// SourceItem is one logical document observed in a source system
type SourceItem struct {
	ID           string            `json:"id"`
	Secondary    string            `json:"secondary,omitempty"`
	URI          string            `json:"uri"`
	Name         string            `json:"name,omitempty"`
	MimeType     string            `json:"mime_type,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	RawMetadata  map[string]string `json:"raw_metadata,omitempty"`
}

// ItemID returns the identity of the item inside its namespace
func (x *SourceItem) ItemID() ItemID {
	return ItemID{SourceID: x.ID, Secondary: x.Secondary}
}

// Listing is one complete enumeration of a source
type Listing struct {
	Items []*SourceItem `json:"items"`

	// Unsupported holds identifiers of items filtered out by the content type
	// allow-list or the admission policy
	Unsupported []string `json:"unsupported,omitempty"`

	// Invalid holds identifiers of items whose ID cannot be encoded into a record key
	Invalid []string `json:"invalid,omitempty"`
}

// ListingBuilder accumulates a listing while a source paginates, keeping the
// first occurrence of every item identity.
type ListingBuilder struct {
	listing Listing
	seen    map[ItemID]struct{}
}

// NewListingBuilder creates an empty builder
func NewListingBuilder() *ListingBuilder {
	return &ListingBuilder{seen: make(map[ItemID]struct{})}
}

// Add appends item unless its identity is invalid or already present and
// reports whether it was appended
func (b *ListingBuilder) Add(item *SourceItem) bool {
	id := item.ItemID()
	if err := id.Validate(); err != nil {
		b.listing.Invalid = append(b.listing.Invalid, item.URI)
		return false
	}
	if _, ok := b.seen[id]; ok {
		b.listing.Invalid = append(b.listing.Invalid, item.URI)
		return false
	}
	b.seen[id] = struct{}{}
	b.listing.Items = append(b.listing.Items, item)
	return true
}

// Unsupported records an item that is not eligible for indexing
func (b *ListingBuilder) Unsupported(identifier string) {
	b.listing.Unsupported = append(b.listing.Unsupported, identifier)
}

// Build returns the accumulated listing
func (b *ListingBuilder) Build() *Listing {
	l := b.listing
	return &l
}

// Invalid records an item that cannot be indexed, e.g. with an unreadable timestamp
func (b *ListingBuilder) Invalid(identifier string) {
	b.listing.Invalid = append(b.listing.Invalid, identifier)
}
