// Package compact rewrites fragmented data files into fewer, larger,
// optionally Z-order-clustered ones. A rewrite changes file layout only:
// the row multiset of the table is checksum-verified before the COMPACT
// commit, and the commit itself goes through the normal optimistic
// protocol so readers and concurrent writers are never blocked.
package compact

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/pkg/types"
)

// zorderKeyer computes interleaved-bit clustering keys over a fixed
// column set. Rows sorted by these keys place rows close in every
// clustering dimension close in the file, which tightens per-file
// min/max bounds on all of the dimensions at once.
type zorderKeyer struct {
	cols []string
	typs []types.ColumnType
}

func newZOrderKeyer(schema *types.Schema, cols []string) (*zorderKeyer, error) {
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
			"no clustering columns given")
	}
	k := &zorderKeyer{cols: cols, typs: make([]types.ColumnType, len(cols))}
	for i, col := range cols {
		def, ok := schema.Column(col)
		if !ok {
			return nil, errors.Newf(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
				"clustering column %q not in schema", col)
		}
		k.typs[i] = def.Type
	}
	return k, nil
}

// key returns the row's Z-order key: one order-preserving 64-bit word
// per clustering column, bit-interleaved most significant bit first.
// Keys compare with bytes.Compare.
func (k *zorderKeyer) key(row types.Row) []byte {
	words := make([]uint64, len(k.cols))
	for i, col := range k.cols {
		words[i] = encodeOrdered(row[col], k.typs[i])
	}
	return interleaveBits(words)
}

func (k *zorderKeyer) less(a, b []byte) bool {
	return bytes.Compare(a, b) < 0
}

// encodeOrdered maps a normalized value onto a uint64 whose unsigned
// order matches the value order of its type. Nulls map to zero and sort
// first.
func encodeOrdered(v interface{}, t types.ColumnType) uint64 {
	if v == nil {
		return 0
	}
	switch t {
	case types.TypeInteger, types.TypeTimestamp:
		if i, ok := v.(int64); ok {
			// Flip the sign bit: math.MinInt64 becomes 0.
			return uint64(i) ^ (1 << 63)
		}
	case types.TypeDouble:
		if f, ok := v.(float64); ok {
			bits := math.Float64bits(f)
			if bits&(1<<63) != 0 {
				// Negative floats order by descending magnitude.
				return ^bits
			}
			return bits | (1 << 63)
		}
	case types.TypeBoolean:
		if b, ok := v.(bool); ok && b {
			return 1 << 63
		}
		return 0
	case types.TypeString:
		if s, ok := v.(string); ok {
			var buf [8]byte
			copy(buf[:], s)
			return binary.BigEndian.Uint64(buf[:])
		}
	}
	return 0
}

// interleaveBits produces the Morton code of the given words: output bit
// j (counting from the most significant) is bit j/k of word j%k, for k
// words. Component-wise dominance is preserved: a point at or below
// another on every dimension never sorts after it.
func interleaveBits(words []uint64) []byte {
	k := len(words)
	out := make([]byte, 8*k)
	for bit := 0; bit < 64; bit++ {
		for dim := 0; dim < k; dim++ {
			if words[dim]&(1<<(63-uint(bit))) == 0 {
				continue
			}
			pos := bit*k + dim
			out[pos/8] |= 1 << (7 - uint(pos%8))
		}
	}
	return out
}
