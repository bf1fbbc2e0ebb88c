// Package dbformat provides the internal key format shared by every layer
// that handles entries below the user-facing key/value API: blocks, SSTs,
// and the merging cursor.
//
// An internal key is a user key followed by an 8-byte trailer that packs a
// sequence number and an entry kind:
//
//	internal_key := user_key || trailer
//	trailer      := (sequence_number << 8) | entry_kind   (8 bytes, fixed64)
package dbformat

import (
	"errors"
	"fmt"

	"github.com/rescrv/blue/internal/encoding"
)

// SequenceNumber orders writes. Put/Tombstone entries for the same user key
// are resolved by picking the highest sequence number not exceeding a read's
// snapshot timestamp.
type SequenceNumber uint64

// MaxSequenceNumber is the largest sequence number that fits the trailer's
// upper 56 bits.
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the size of the internal key trailer.
const NumInternalBytes = 8

// EntryKind distinguishes a live value from a tombstone. Only two kinds
// exist; there is no merge operator, no column family marker, and no WAL
// control record living in this space.
type EntryKind uint8

const (
	// EntryKindPut marks an entry carrying a value.
	EntryKindPut EntryKind = 0x00
	// EntryKindTombstone marks a deletion marker; it carries no value.
	EntryKindTombstone EntryKind = 0x01
)

// EntryKindForSeek is used when seeking to the first possible entry for a
// user key: the highest kind value, so its trailer is the largest at a given
// sequence number and it sorts at or before every real record at that
// sequence number.
const EntryKindForSeek = EntryKindTombstone

var (
	// ErrCorruptedKey is returned when an internal key is malformed.
	ErrCorruptedKey = errors.New("dbformat: corrupted internal key")

	// ErrKeyTooSmall is returned when data is shorter than the trailer.
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")

	// ErrInvalidEntryKind is returned when the trailer's kind byte is
	// neither EntryKindPut nor EntryKindTombstone.
	ErrInvalidEntryKind = errors.New("dbformat: invalid entry kind")
)

// IsValidEntryKind reports whether k is one of the two defined kinds.
func IsValidEntryKind(k EntryKind) bool {
	return k == EntryKindPut || k == EntryKindTombstone
}

// PackSequenceAndType packs a sequence number and entry kind into the
// 64-bit trailer value: sequence in the upper 56 bits, kind in the low 8.
func PackSequenceAndType(seq SequenceNumber, k EntryKind) uint64 {
	return (uint64(seq) << 8) | uint64(k)
}

// UnpackSequenceAndType is the inverse of PackSequenceAndType.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, EntryKind) {
	return SequenceNumber(packed >> 8), EntryKind(packed & 0xFF)
}

// ParsedInternalKey is the decomposed form of an internal key.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Kind     EntryKind
}

// String returns a human-readable representation.
func (p *ParsedInternalKey) String() string {
	return fmt.Sprintf("{UserKey: %q, Seq: %d, Kind: %d}", p.UserKey, p.Sequence, p.Kind)
}

// EncodedLength returns the length of the encoded internal key.
func (p *ParsedInternalKey) EncodedLength() int {
	return len(p.UserKey) + NumInternalBytes
}

// AppendInternalKey appends the serialization of key to dst.
func AppendInternalKey(dst []byte, key *ParsedInternalKey) []byte {
	dst = append(dst, key.UserKey...)
	packed := PackSequenceAndType(key.Sequence, key.Kind)
	return encoding.AppendFixed64(dst, packed)
}

// ParseInternalKey parses an internal key from data, failing if it is
// shorter than the trailer or carries an unrecognized kind.
func ParseInternalKey(data []byte) (*ParsedInternalKey, error) {
	n := len(data)
	if n < NumInternalBytes {
		return nil, ErrKeyTooSmall
	}

	packed := encoding.DecodeFixed64(data[n-NumInternalBytes:])
	seq, kind := UnpackSequenceAndType(packed)

	result := &ParsedInternalKey{
		UserKey:  data[:n-NumInternalBytes],
		Sequence: seq,
		Kind:     kind,
	}

	if !IsValidEntryKind(kind) {
		return result, ErrInvalidEntryKind
	}

	return result, nil
}

// ExtractUserKey returns the user key portion of an internal key.
// REQUIRES: len(internalKey) >= NumInternalBytes
func ExtractUserKey(internalKey []byte) []byte {
	if len(internalKey) < NumInternalBytes {
		return nil
	}
	return internalKey[:len(internalKey)-NumInternalBytes]
}

// ExtractEntryKind returns the entry kind from an internal key.
// REQUIRES: len(internalKey) >= NumInternalBytes
func ExtractEntryKind(internalKey []byte) EntryKind {
	if len(internalKey) < NumInternalBytes {
		return EntryKindForSeek
	}
	n := len(internalKey)
	packed := encoding.DecodeFixed64(internalKey[n-NumInternalBytes:])
	return EntryKind(packed & 0xFF)
}

// ExtractSequenceNumber returns the sequence number from an internal key.
// REQUIRES: len(internalKey) >= NumInternalBytes
func ExtractSequenceNumber(internalKey []byte) SequenceNumber {
	if len(internalKey) < NumInternalBytes {
		return 0
	}
	n := len(internalKey)
	packed := encoding.DecodeFixed64(internalKey[n-NumInternalBytes:])
	return SequenceNumber(packed >> 8)
}

// InternalKey is an encoded internal key stored as a byte slice.
type InternalKey []byte

// NewInternalKey builds an internal key from a user key, sequence number,
// and entry kind.
func NewInternalKey(userKey []byte, seq SequenceNumber, k EntryKind) InternalKey {
	return AppendInternalKey(nil, &ParsedInternalKey{
		UserKey:  userKey,
		Sequence: seq,
		Kind:     k,
	})
}

// UserKey returns the user key portion.
func (k InternalKey) UserKey() []byte {
	return ExtractUserKey(k)
}

// Sequence returns the sequence number.
func (k InternalKey) Sequence() SequenceNumber {
	return ExtractSequenceNumber(k)
}

// Kind returns the entry kind.
func (k InternalKey) Kind() EntryKind {
	return ExtractEntryKind(k)
}

// IsTombstone reports whether this key carries a tombstone marker.
func (k InternalKey) IsTombstone() bool {
	return k.Kind() == EntryKindTombstone
}

// Valid returns true if this is a well-formed internal key.
func (k InternalKey) Valid() bool {
	if len(k) < NumInternalBytes {
		return false
	}
	_, err := ParseInternalKey(k)
	return err == nil
}

// Parse returns the parsed internal key.
func (k InternalKey) Parse() (*ParsedInternalKey, error) {
	return ParseInternalKey(k)
}

// UpdateInternalKey overwrites an internal key's sequence number and kind
// in place. REQUIRES: the key has room for the trailer.
func UpdateInternalKey(key *InternalKey, seq SequenceNumber, k EntryKind) {
	if len(*key) < NumInternalBytes {
		return
	}
	n := len(*key)
	packed := PackSequenceAndType(seq, k)
	encoding.EncodeFixed64((*key)[n-NumInternalBytes:], packed)
}

// =============================================================================
// InternalKeyComparator
// =============================================================================

// UserKeyComparer compares two user keys.
// Returns negative if a < b, positive if a > b, zero if equal.
type UserKeyComparer func(a, b []byte) int

// BytewiseCompare is the default user key comparer (lexicographic ordering).
func BytewiseCompare(a, b []byte) int {
	minLen := min(len(a), len(b))
	for i := range minLen {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

// InternalKeyComparator compares internal keys.
//
// Comparison order:
//  1. User key, ascending, under the wrapped user comparator.
//  2. Trailer (sequence<<8 | kind), descending, so higher sequence numbers
//     for the same user key sort first.
type InternalKeyComparator struct {
	userCompare UserKeyComparer
}

// NewInternalKeyComparator creates a comparator using the given user key
// comparison function, defaulting to BytewiseCompare if nil.
func NewInternalKeyComparator(userCompare UserKeyComparer) *InternalKeyComparator {
	if userCompare == nil {
		userCompare = BytewiseCompare
	}
	return &InternalKeyComparator{userCompare: userCompare}
}

// DefaultInternalKeyComparator is the default comparator using bytewise user key ordering.
var DefaultInternalKeyComparator = NewInternalKeyComparator(BytewiseCompare)

// Compare compares two internal keys.
// Returns negative if a < b, positive if a > b, zero if equal.
func (c *InternalKeyComparator) Compare(a, b []byte) int {
	userKeyA := ExtractUserKey(a)
	userKeyB := ExtractUserKey(b)
	if userKeyA == nil {
		userKeyA = a
	}
	if userKeyB == nil {
		userKeyB = b
	}

	cmp := c.userCompare(userKeyA, userKeyB)
	if cmp != 0 {
		return cmp
	}

	if len(a) >= NumInternalBytes && len(b) >= NumInternalBytes {
		trailerA := encoding.DecodeFixed64(a[len(a)-NumInternalBytes:])
		trailerB := encoding.DecodeFixed64(b[len(b)-NumInternalBytes:])
		if trailerA > trailerB {
			return -1
		}
		if trailerA < trailerB {
			return 1
		}
	}
	return 0
}

// CompareUserKey compares just the user key portion of two internal keys.
func (c *InternalKeyComparator) CompareUserKey(a, b []byte) int {
	userKeyA := ExtractUserKey(a)
	userKeyB := ExtractUserKey(b)
	if userKeyA == nil {
		userKeyA = a
	}
	if userKeyB == nil {
		userKeyB = b
	}
	return c.userCompare(userKeyA, userKeyB)
}

// UserCompare returns the user key comparison function.
func (c *InternalKeyComparator) UserCompare() UserKeyComparer {
	return c.userCompare
}

// CompareInternalKeys compares internal keys using the default bytewise
// user key comparator.
func CompareInternalKeys(a, b []byte) int {
	return DefaultInternalKeyComparator.Compare(a, b)
}
