package compact

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/arkilian/tidelake/pkg/types"
)

// rowSignature hashes one row's canonical form. Columns are visited in
// schema order; a null is tagged differently from any value so that a
// null and an empty string never collide.
func rowSignature(schema *types.Schema, row types.Row) [sha256.Size]byte {
	h := sha256.New()
	for _, def := range schema.Columns {
		h.Write([]byte(def.Name))
		h.Write([]byte{0x00})
		v, ok := row[def.Name]
		if !ok || v == nil {
			h.Write([]byte{0x00})
		} else {
			h.Write([]byte{0x01})
			h.Write([]byte(types.CanonicalString(v, def.Type)))
		}
		h.Write([]byte{0x00})
	}
	var sig [sha256.Size]byte
	h.Sum(sig[:0])
	return sig
}

// multisetChecksum accumulates row signatures into an order-independent
// digest. Signatures combine by lane-wise wrapping addition rather than
// XOR, so duplicate rows do not cancel out: dropping one copy of a
// duplicated row changes the sum.
type multisetChecksum struct {
	lanes [4]uint64
	rows  int64
}

func (m *multisetChecksum) add(sig [sha256.Size]byte) {
	for i := range m.lanes {
		m.lanes[i] += binary.BigEndian.Uint64(sig[i*8:])
	}
	m.rows++
}

func (m *multisetChecksum) addRow(schema *types.Schema, row types.Row) {
	m.add(rowSignature(schema, row))
}

func (m *multisetChecksum) equal(other *multisetChecksum) bool {
	return m.rows == other.rows && m.lanes == other.lanes
}

func (m *multisetChecksum) String() string {
	var buf [32]byte
	for i, lane := range m.lanes {
		binary.BigEndian.PutUint64(buf[i*8:], lane)
	}
	return hex.EncodeToString(buf[:])
}
