package bloom

import (
	"encoding/base64"
	"fmt"
)

// DefaultFPR is the target false positive rate for file digests.
const DefaultFPR = 0.01

// membershipKey builds the filter key for a column/value pair. The NUL
// separator keeps ("ab","c") and ("a","bc") distinct.
func membershipKey(column, canonical string) []byte {
	key := make([]byte, 0, len(column)+1+len(canonical))
	key = append(key, column...)
	key = append(key, 0)
	key = append(key, canonical...)
	return key
}

// Builder accumulates column/value pairs for one data file and encodes
// them into the file's digest string.
type Builder struct {
	filter *Filter
}

// NewBuilder creates a builder sized for the expected number of
// column/value pairs (row count times indexed column count).
func NewBuilder(expectedKeys int) *Builder {
	return &Builder{filter: NewWithEstimates(expectedKeys, DefaultFPR)}
}

// Add records that the file contains canonical value for column.
func (b *Builder) Add(column, canonical string) {
	b.filter.Add(membershipKey(column, canonical))
}

// Encode returns the digest as a base64 string of the compressed filter.
func (b *Builder) Encode() string {
	return base64.StdEncoding.EncodeToString(serializeCompressed(b.filter))
}

// Digest is a decoded file digest. A nil Digest answers true for every
// membership query, which keeps pruning conservative when a file predates
// digest support or its digest failed to decode.
type Digest struct {
	filter *Filter
}

// Decode parses an encoded digest. An empty string decodes to nil with
// no error.
func Decode(encoded string) (*Digest, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bloom: invalid digest encoding: %w", err)
	}
	filter, err := deserializeCompressed(raw)
	if err != nil {
		return nil, err
	}
	return &Digest{filter: filter}, nil
}

// MightContain reports whether the file may contain canonical value for
// column. False is definitive; true may be a false positive.
func (d *Digest) MightContain(column, canonical string) bool {
	if d == nil || d.filter == nil {
		return true
	}
	return d.filter.Contains(membershipKey(column, canonical))
}

// KeyCount returns the number of pairs added to the digest.
func (d *Digest) KeyCount() uint64 {
	if d == nil || d.filter == nil {
		return 0
	}
	return d.filter.Count()
}
