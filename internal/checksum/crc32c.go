// Package checksum provides the checksum primitives shared by every framed
// format in this tree: the block trailer (internal/block), the SST footer
// (internal/sst), the manifest log frame (internal/manifestlog), and the
// trash ledger record (internal/trash) all protect their bytes with the
// same CRC32C implementation, and the Bloom filter (internal/filter) hashes
// keys with the XXH3 implementation below.
//
// Every checksum here is stored as a plain trailing value next to the
// bytes it covers rather than embedded inside them, so this package has no
// analogue of RocksDB's Mask/Unmask indirection — there is never a need to
// distinguish a checksum's own bytes from the data being checksummed.
package checksum

import (
	"hash/crc32"
)

// crc32cTable is the Castagnoli polynomial table used for CRC32C.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Value computes the CRC32C checksum of data. This is the checksum stored
// in every block trailer, SST footer, manifest frame, and trash record in
// this tree.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the
// CRC32C of A, letting a writer checksum a frame incrementally instead of
// buffering it whole before calling Value.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}
