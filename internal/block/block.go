// Package block implements the prefix-compressed, restart-indexed key/value
// block used as the leaf storage unit of an SST (see internal/sst).
//
// Block layout:
//
//	entries: key/value records with prefix compression (see Builder.Add)
//	restarts: uint32[num_restarts] little-endian offsets, in increasing order
//	num_restarts: uint32
//	crc32c: uint32 (Castagnoli, over entries+restarts+num_restarts)
//
// Each entry record:
//
//	shared:   varint32 (bytes shared with the previous key)
//	unshared: varint32 (length of the unshared key suffix)
//	value_len: varint32, or the sentinel TombstoneValueLen for a tombstone
//	key_suffix: [unshared]byte
//	value: [value_len]byte (absent for a tombstone)
package block

import (
	"encoding/binary"
	"errors"

	"github.com/rescrv/blue/internal/checksum"
	"github.com/rescrv/blue/internal/encoding"
)

var (
	// ErrBadBlockHandle is returned when a block handle is corrupted.
	ErrBadBlockHandle = errors.New("block: bad block handle")

	// ErrBadBlock is returned when a block's structure cannot be parsed.
	ErrBadBlock = errors.New("block: malformed block")

	// ErrCorruptBlock is returned when a block's trailing CRC32C does not match its body.
	ErrCorruptBlock = errors.New("block: corrupt block (checksum mismatch)")
)

// TombstoneValueLen is the reserved value_len sentinel denoting a tombstone entry.
// An entry with this value_len carries no value bytes.
const TombstoneValueLen = 0xFFFF_FFFF

// trailerLen is the fixed size of the footer: num_restarts(4) + crc32c(4).
const trailerLen = 8

// Block is a parsed, immutable view over a block's bytes. It does not copy
// the underlying data; the caller must keep it alive for the block's lifetime.
type Block struct {
	data        []byte
	restarts    int // offset within data where the restart array begins
	numRestarts int
}

// NewBlock parses a block's trailer and restart array. If verifyChecksum is
// true, it also validates the trailing CRC32C over the entries and restart
// array, returning ErrCorruptBlock on mismatch.
func NewBlock(data []byte, verifyChecksum bool) (*Block, error) {
	if len(data) < trailerLen {
		return nil, ErrBadBlock
	}

	crcOffset := len(data) - 4
	numRestartsOffset := crcOffset - 4
	numRestarts := binary.LittleEndian.Uint32(data[numRestartsOffset:crcOffset])

	restartsSize := int(numRestarts) * 4
	restartsOffset := numRestartsOffset - restartsSize
	if restartsOffset < 0 || restartsSize < 0 {
		return nil, ErrBadBlock
	}

	if verifyChecksum {
		want := binary.LittleEndian.Uint32(data[crcOffset:])
		got := checksum.Value(data[:crcOffset])
		if got != want {
			return nil, ErrCorruptBlock
		}
	}

	return &Block{
		data:        data,
		restarts:    restartsOffset,
		numRestarts: int(numRestarts),
	}, nil
}

// Size returns the size of the block's raw bytes, including trailer.
func (b *Block) Size() int { return len(b.data) }

// NumRestarts returns the number of restart points in the block.
func (b *Block) NumRestarts() int { return b.numRestarts }

// GetRestartPoint returns the data offset of the i-th restart point.
func (b *Block) GetRestartPoint(i int) int {
	if i < 0 || i >= b.numRestarts {
		return -1
	}
	offset := b.restarts + i*4
	return int(binary.LittleEndian.Uint32(b.data[offset:]))
}

// DataEnd returns the offset where entry data ends (start of restart array).
func (b *Block) DataEnd() int { return b.restarts }

// Iterator walks the entries of a Block in key order.
type Iterator struct {
	block       *Block
	data        []byte
	restartsEnd int
	current     int
	nextOffset  int
	key         []byte
	value       []byte
	isTombstone bool
	valid       bool
	err         error
}

// NewIterator creates an iterator positioned before the first entry.
func (b *Block) NewIterator() *Iterator {
	return &Iterator{
		block:       b,
		data:        b.data,
		restartsEnd: b.restarts,
	}
}

// Valid reports whether the iterator is positioned at a usable entry.
func (it *Iterator) Valid() bool { return it.valid && it.err == nil }

// Key returns the current internal key (user_key + 8-byte trailer).
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value bytes. Empty (not nil-checked) for tombstones.
func (it *Iterator) Value() []byte { return it.value }

// IsTombstone reports whether the current entry is a tombstone.
func (it *Iterator) IsTombstone() bool { return it.isTombstone }

// Error returns the first error encountered, if any.
func (it *Iterator) Error() error { return it.err }

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	it.current = 0
	it.nextOffset = 0
	it.Next()
}

// SeekToLast positions the iterator at the last entry.
func (it *Iterator) SeekToLast() {
	it.seekToRestartPoint(it.block.numRestarts - 1)

	var lastKey, lastValue []byte
	var lastTombstone bool
	var lastCurrent, lastNextOffset int
	var found bool

	for {
		it.Next()
		if !it.Valid() {
			break
		}
		lastKey = append(lastKey[:0], it.key...)
		lastValue = it.value
		lastTombstone = it.isTombstone
		lastCurrent = it.current
		lastNextOffset = it.nextOffset
		found = true
	}

	if found {
		it.key = lastKey
		it.value = lastValue
		it.isTombstone = lastTombstone
		it.current = lastCurrent
		it.nextOffset = lastNextOffset
		it.valid = true
	}
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if it.err != nil {
		it.valid = false
		return
	}
	if it.nextOffset >= it.restartsEnd {
		it.valid = false
		return
	}
	it.current = it.nextOffset
	it.parseCurrentEntry()
}

// Prev moves to the entry preceding the current one.
// REQUIRES: Valid()
func (it *Iterator) Prev() {
	if it.err != nil {
		it.valid = false
		return
	}

	original := it.current
	restartIndex := it.findRestartPointBefore(original)

	if it.block.GetRestartPoint(restartIndex) == original && restartIndex > 0 {
		restartIndex--
	}
	it.seekToRestartPoint(restartIndex)

	var prevKey, prevValue []byte
	var prevTombstone bool
	var prevCurrent, prevNextOffset int
	found := false

	for {
		it.Next()
		if !it.Valid() || it.current >= original {
			break
		}
		prevKey = append(prevKey[:0], it.key...)
		prevValue = it.value
		prevTombstone = it.isTombstone
		prevCurrent = it.current
		prevNextOffset = it.nextOffset
		found = true
	}

	if found {
		it.key = prevKey
		it.value = prevValue
		it.isTombstone = prevTombstone
		it.current = prevCurrent
		it.nextOffset = prevNextOffset
		it.valid = true
	} else {
		it.valid = false
	}
}

// findRestartPointBefore finds the largest restart index with offset <= target.
func (it *Iterator) findRestartPointBefore(target int) int {
	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		if it.block.GetRestartPoint(mid) <= target {
			left = mid
		} else {
			right = mid - 1
		}
	}
	return left
}

func (it *Iterator) seekToRestartPoint(index int) {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	offset := max(it.block.GetRestartPoint(index), 0)
	it.current = offset
	it.nextOffset = offset
}

func (it *Iterator) parseCurrentEntry() {
	if it.current >= it.restartsEnd {
		it.valid = false
		return
	}

	data := it.data[it.current:]
	offset := 0

	shared, n1, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	offset += n1
	data = data[n1:]

	unshared, n2, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	offset += n2
	data = data[n2:]

	valueLen, n3, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	offset += n3
	data = data[n3:]

	if int(shared) > len(it.key) {
		it.err = ErrBadBlock
		it.valid = false
		return
	}

	isTombstone := valueLen == TombstoneValueLen
	valLen := 0
	if !isTombstone {
		valLen = int(valueLen)
	}
	if len(data) < int(unshared)+valLen {
		it.err = ErrBadBlock
		it.valid = false
		return
	}

	it.key = append(it.key[:shared], data[:unshared]...)
	offset += int(unshared)
	data = data[unshared:]

	it.isTombstone = isTombstone
	if isTombstone {
		it.value = nil
	} else {
		it.value = data[:valLen]
		offset += valLen
	}

	it.nextOffset = it.current + offset
	it.valid = true
}

// Seek positions the iterator at the first entry with key >= target, using
// binary search over restart points followed by a linear scan.
func (it *Iterator) Seek(target []byte) {
	left, right := 0, it.block.numRestarts-1

	for left < right {
		mid := (left + right + 1) / 2
		it.seekToRestartPoint(mid)
		it.Next()

		if !it.Valid() || it.compareKey(target) > 0 {
			right = mid - 1
		} else {
			left = mid
		}
	}

	it.seekToRestartPoint(left)
	for {
		it.Next()
		if !it.Valid() {
			return
		}
		if it.compareKey(target) >= 0 {
			return
		}
	}
}

func (it *Iterator) compareKey(target []byte) int {
	return CompareInternalKeys(it.key, target)
}

// CompareInternalKeys compares two internal keys: user_key ascending, then
// the 8-byte trailer (seq<<8|type) descending so higher sequence numbers
// sort first among equal user keys.
func CompareInternalKeys(a, b []byte) int {
	const trailerSize = 8

	var userKeyA, userKeyB []byte
	var trailerA, trailerB uint64

	if len(a) >= trailerSize {
		userKeyA = a[:len(a)-trailerSize]
		trailerA = decodeTrailer(a[len(a)-trailerSize:])
	} else {
		userKeyA = a
	}
	if len(b) >= trailerSize {
		userKeyB = b[:len(b)-trailerSize]
		trailerB = decodeTrailer(b[len(b)-trailerSize:])
	} else {
		userKeyB = b
	}

	if cmp := bytesCompare(userKeyA, userKeyB); cmp != 0 {
		return cmp
	}
	if trailerA > trailerB {
		return -1
	}
	if trailerA < trailerB {
		return 1
	}
	return 0
}

func decodeTrailer(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func bytesCompare(a, b []byte) int {
	minLen := min(len(b), len(a))
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
