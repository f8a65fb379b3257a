package model

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrEnumeration means listing a source or the index failed. It aborts the cycle.
	ErrEnumeration = goerr.New("enumeration failed")

	// ErrMetadataFetch means the stored provenance of one item could not be read.
	// The item is left untouched for this cycle.
	ErrMetadataFetch = goerr.New("metadata fetch failed")

	// ErrEmbedding means an embedding batch failed after all retries
	ErrEmbedding = goerr.New("embedding failed")

	// ErrExtraction means text extraction of one item failed
	ErrExtraction = goerr.New("text extraction failed")

	// ErrIndexWrite means one delete or upsert batch was rejected by the index
	ErrIndexWrite = goerr.New("index write failed")

	// ErrConfiguration means required parameters or credentials are missing.
	// It is raised before a cycle begins.
	ErrConfiguration = goerr.New("invalid configuration")

	// ErrInvalidKey means a value cannot be encoded as or decoded from a record key
	ErrInvalidKey = goerr.New("invalid record key")
)

// ErrorKind is the category used to aggregate errors in a cycle result
type ErrorKind string

const (
	ErrorKindEnumeration   ErrorKind = "enumeration"
	ErrorKindMetadataFetch ErrorKind = "metadata_fetch"
	ErrorKindEmbedding     ErrorKind = "embedding"
	ErrorKindExtraction    ErrorKind = "extraction"
	ErrorKindIndexWrite    ErrorKind = "index_write"
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindInvalidKey    ErrorKind = "invalid_key"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// KindOf classifies err by the sentinel errors above
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEnumeration):
		return ErrorKindEnumeration
	case errors.Is(err, ErrMetadataFetch):
		return ErrorKindMetadataFetch
	case errors.Is(err, ErrEmbedding):
		return ErrorKindEmbedding
	case errors.Is(err, ErrExtraction):
		return ErrorKindExtraction
	case errors.Is(err, ErrIndexWrite):
		return ErrorKindIndexWrite
	case errors.Is(err, ErrConfiguration):
		return ErrorKindConfiguration
	case errors.Is(err, ErrInvalidKey):
		return ErrorKindInvalidKey
	default:
		return ErrorKindUnknown
	}
}
