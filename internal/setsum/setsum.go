// Package setsum implements an order-agnostic, additively composable
// checksum over a multiset of byte strings.
//
// A setsum is a 256-bit value split into eight 32-bit columns, each
// interpreted modulo a distinct prime slightly below 2^32. The setsum of a
// multiset is the per-column modular sum of a hash of each member; because
// modular addition is commutative and associative, the setsum of a union
// equals the sum of the setsums of its parts regardless of insertion order,
// and the setsum of a multiset difference is the modular difference.
//
// This makes Setsum an abelian group under Union, with Setsum{} as the
// identity and Difference as its inverse operation: membership in a ledger
// is proved by addition, removal by subtraction.
package setsum

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// NumColumns is the number of 32-bit columns composing a setsum.
const NumColumns = 8

// Size is the encoded byte length of a finalized setsum.
const Size = NumColumns * 4

// ErrMalformedSetsum is returned by Parse when an encoded column value is
// not reduced modulo its column's prime.
var ErrMalformedSetsum = errors.New("setsum: malformed setsum (column out of range)")

// columnPrimes are eight distinct primes just below 2^32, one per column:
// the eight largest primes below 2^32, in decreasing order.
//
//	4294967291 4294967279 4294967231 4294967197
//	4294967189 4294967161 4294967143 4294967111
var columnPrimes = [NumColumns]uint64{
	4294967291,
	4294967279,
	4294967231,
	4294967197,
	4294967189,
	4294967161,
	4294967143,
	4294967111,
}

// Setsum is a 256-bit order-agnostic checksum over a multiset of byte strings.
type Setsum struct {
	columns [NumColumns]uint32
}

// New returns the identity setsum (the empty multiset).
func New() Setsum {
	return Setsum{}
}

// AddBytes folds a single member's canonical byte encoding into the setsum.
// O(len(data)) due to the underlying hash.
func (s Setsum) AddBytes(data []byte) Setsum {
	h := hashColumns(data)
	var out Setsum
	for i := range NumColumns {
		out.columns[i] = addMod(s.columns[i], h[i], columnPrimes[i])
	}
	return out
}

// Union returns the setsum of the combined multiset, i.e. s + other,
// column-wise modular addition. O(1).
func (s Setsum) Union(other Setsum) Setsum {
	var out Setsum
	for i := range NumColumns {
		out.columns[i] = addMod(s.columns[i], other.columns[i], columnPrimes[i])
	}
	return out
}

// Difference returns s - other, column-wise modular subtraction. O(1).
func (s Setsum) Difference(other Setsum) Setsum {
	var out Setsum
	for i := range NumColumns {
		out.columns[i] = subMod(s.columns[i], other.columns[i], columnPrimes[i])
	}
	return out
}

// IsZero reports whether s is the identity (empty multiset) setsum.
func (s Setsum) IsZero() bool {
	return s == Setsum{}
}

// Finalize returns the 32-byte on-disk encoding of the setsum.
func (s Setsum) Finalize() [Size]byte {
	var out [Size]byte
	for i := range NumColumns {
		binary.LittleEndian.PutUint32(out[i*4:], s.columns[i])
	}
	return out
}

// Parse decodes a finalized setsum, failing if any column is not reduced
// modulo its prime.
func Parse(data [Size]byte) (Setsum, error) {
	var s Setsum
	for i := range NumColumns {
		v := binary.LittleEndian.Uint32(data[i*4:])
		if uint64(v) >= columnPrimes[i] {
			return Setsum{}, ErrMalformedSetsum
		}
		s.columns[i] = v
	}
	return s, nil
}

// Hash computes the canonical entry encoding for a Put or Tombstone member
// and feeds it through AddBytes:
// tag:u8 || key_len:u32_LE || key || ts:u64_LE || value_len:u32_LE || value.
func Hash(key []byte, ts uint64, value []byte, tombstone bool) Setsum {
	return New().AddBytes(CanonicalEncoding(key, ts, value, tombstone))
}

// CanonicalEncoding returns the canonical byte encoding of an entry used both
// to feed the setsum hash and, where convenient, as a stable entry fingerprint.
func CanonicalEncoding(key []byte, ts uint64, value []byte, tombstone bool) []byte {
	valueLen := len(value)
	if tombstone {
		valueLen = 0
	}
	out := make([]byte, 0, 1+4+len(key)+8+4+valueLen)
	if tombstone {
		out = append(out, 0x01)
	} else {
		out = append(out, 0x00)
	}
	out = appendFixed32(out, uint32(len(key)))
	out = append(out, key...)
	out = appendFixed64(out, ts)
	out = appendFixed32(out, uint32(valueLen))
	if !tombstone {
		out = append(out, value...)
	}
	return out
}

func appendFixed32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendFixed64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// hashColumns computes eight 32-bit column residues from a SHA-256 digest of
// data: bytes 0..3 -> column 0, bytes 4..7 -> column 1, and so on, each
// reduced modulo its column's prime.
func hashColumns(data []byte) [NumColumns]uint32 {
	digest := sha256.Sum256(data)
	var out [NumColumns]uint32
	for i := range NumColumns {
		v := binary.LittleEndian.Uint32(digest[i*4 : i*4+4])
		out[i] = uint32(uint64(v) % columnPrimes[i])
	}
	return out
}

func addMod(a, b uint32, prime uint64) uint32 {
	return uint32((uint64(a) + uint64(b)) % prime)
}

func subMod(a, b uint32, prime uint64) uint32 {
	return uint32((uint64(a) + prime - uint64(b)) % prime)
}
