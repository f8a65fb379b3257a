package model

import (
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// KeyDelimiter separates the segments of an index record key
const KeyDelimiter = "##"

// RecordKey identifies one chunk of one source item in the vector index.
// Encoded form is "{namespace}##{source_id}##{chunk}" or, for derived artifacts,
// "{namespace}##{source_id}##{secondary}##{chunk}".
type RecordKey struct {
	Namespace string
	SourceID  string
	Secondary string
	Chunk     int
}

// ItemID identifies a source item (or derived artifact) inside a namespace
type ItemID struct {
	SourceID  string
	Secondary string
}

func (x ItemID) String() string {
	if x.Secondary == "" {
		return x.SourceID
	}
	return x.SourceID + KeyDelimiter + x.Secondary
}

// Less orders item IDs by source ID, then secondary segment
func (x ItemID) Less(y ItemID) bool {
	if x.SourceID != y.SourceID {
		return x.SourceID < y.SourceID
	}
	return x.Secondary < y.Secondary
}

func validateSegment(name, value string) error {
	if value == "" {
		return goerr.Wrap(ErrInvalidKey, "key segment is empty", goerr.V("segment", name))
	}
	// a leading or trailing '#' would merge with the adjacent delimiter
	if strings.Contains(value, KeyDelimiter) || strings.HasPrefix(value, "#") || strings.HasSuffix(value, "#") {
		return goerr.Wrap(ErrInvalidKey, "key segment contains delimiter",
			goerr.V("segment", name),
			goerr.V("value", value))
	}
	return nil
}

// ValidateNamespace checks that a namespace can be used as the first key segment
func ValidateNamespace(ns string) error {
	return validateSegment("namespace", ns)
}

// Validate checks that the item ID can be encoded into record keys
func (x ItemID) Validate() error {
	if err := validateSegment("source_id", x.SourceID); err != nil {
		return err
	}
	if x.Secondary != "" {
		if err := validateSegment("secondary", x.Secondary); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every segment of the key
func (k RecordKey) Validate() error {
	if err := ValidateNamespace(k.Namespace); err != nil {
		return err
	}
	if err := k.Item().Validate(); err != nil {
		return err
	}
	if k.Chunk < 0 {
		return goerr.Wrap(ErrInvalidKey, "chunk index is negative", goerr.V("chunk", k.Chunk))
	}
	return nil
}

// Item returns the identity of the item the record belongs to
func (k RecordKey) Item() ItemID {
	return ItemID{SourceID: k.SourceID, Secondary: k.Secondary}
}

// Encode returns the wire form of the key
func (k RecordKey) Encode() (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k.String(), nil
}

// String returns the wire form without validation. Use Encode for untrusted input.
func (k RecordKey) String() string {
	return k.GroupPrefix() + strconv.Itoa(k.Chunk)
}

// GroupPrefix returns the prefix shared by all chunks of the same item,
// including the trailing delimiter.
func (k RecordKey) GroupPrefix() string {
	return GroupPrefix(k.Namespace, k.Item())
}

// GroupPrefix returns "{ns}##{id}##" or "{ns}##{id}##{secondary}##"
func GroupPrefix(ns string, id ItemID) string {
	var b strings.Builder
	b.WriteString(ns)
	b.WriteString(KeyDelimiter)
	b.WriteString(id.SourceID)
	b.WriteString(KeyDelimiter)
	if id.Secondary != "" {
		b.WriteString(id.Secondary)
		b.WriteString(KeyDelimiter)
	}
	return b.String()
}

// NamespacePrefix returns the prefix of every key in the namespace
func NamespacePrefix(ns string) string {
	return ns + KeyDelimiter
}

// DecodeRecordKey parses the wire form of a record key
func DecodeRecordKey(s string) (RecordKey, error) {
	parts := strings.Split(s, KeyDelimiter)

	var key RecordKey
	switch len(parts) {
	case 3:
		key = RecordKey{Namespace: parts[0], SourceID: parts[1]}
	case 4:
		key = RecordKey{Namespace: parts[0], SourceID: parts[1], Secondary: parts[2]}
		if key.Secondary == "" {
			return RecordKey{}, goerr.Wrap(ErrInvalidKey, "secondary segment is empty", goerr.V("key", s))
		}
	default:
		return RecordKey{}, goerr.Wrap(ErrInvalidKey, "unexpected number of key segments",
			goerr.V("key", s),
			goerr.V("segments", len(parts)))
	}

	chunk, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return RecordKey{}, goerr.Wrap(ErrInvalidKey, "chunk segment is not a number", goerr.V("key", s))
	}
	key.Chunk = chunk

	if err := key.Validate(); err != nil {
		return RecordKey{}, goerr.Wrap(err, "invalid record key", goerr.V("key", s))
	}
	// canonical form only, e.g. "01" and "+1" are rejected
	if key.String() != s {
		return RecordKey{}, goerr.Wrap(ErrInvalidKey, "record key is not canonical", goerr.V("key", s))
	}

	return key, nil
}
