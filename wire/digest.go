package wire

import "hash/crc32"

// castagnoliTable backs the header/data digest (spec.md §4.1: "4-byte
// CRC32C over flags|tag|payload"). Stdlib hash/crc32 already implements
// CRC32C via the Castagnoli polynomial; no ecosystem library does this
// differently (see DESIGN.md).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Digest computes the CRC32C digest over flags, tag and payload, in that
// order, matching the wire layout in spec.md §4.1.
func Digest(flags byte, tag Tag, payload []byte) uint32 {
	h := crc32.New(castagnoliTable)
	h.Write([]byte{flags, byte(tag)})
	h.Write(payload)
	return h.Sum32()
}
