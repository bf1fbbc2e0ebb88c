// Package sst implements the sorted-string-table file format: an immutable,
// sorted run of internal-key/value entries with a block index, an optional
// Bloom filter, and a finalized setsum of everything it contains.
//
// File layout:
//
//	[data block 0]
//	[data block 1]
//	...
//	[data block N-1]
//	[filter block]   (optional, present iff BloomBitsPerKey > 0)
//	[index block]    (maps each data block's last key to its block.Handle)
//	[Footer]         (variable length; its own trailing uint32 gives its length)
package sst

import (
	"encoding/binary"
	"errors"

	"github.com/rescrv/blue/internal/checksum"
	"github.com/rescrv/blue/internal/setsum"
)

// Magic is the fixed 8-byte value at the start of every footer, identifying
// the file as belonging to this engine (and not, say, a truncated file of
// the same size).
var Magic = [8]byte{'b', 'l', 'u', 'e', 's', 's', 't', '1'}

// FormatVersion is the only footer layout this reader understands. A reader
// encountering a larger value refuses the file with ErrUnsupportedVersion
// rather than guess at an unknown layout.
const FormatVersion uint32 = 1

// minFooterLength is the footer's size with empty smallest/largest keys;
// used to sanity-check the trailing length field before trusting it.
const minFooterLength = 8 + 4 + 16 + 16 + 8 + 4 + 4 + 8 + 8 + setsum.Size + 4 + 4

// The footer ends with its own encoded length (a fixed uint32), so a reader
// can find its start by reading the last 4 bytes of the file and seeking
// back that many bytes from EOF, without needing a separately-indexed
// fixed-size record.

var (
	// ErrNotSST is returned when a file's trailing magic doesn't match.
	ErrNotSST = errors.New("sst: not a valid sst file")

	// ErrUnsupportedVersion is returned when the footer's format version
	// exceeds what this reader understands.
	ErrUnsupportedVersion = errors.New("sst: unsupported format version")

	// ErrCorruptFooter is returned when the footer's checksum doesn't match
	// its contents, or its fields are structurally inconsistent.
	ErrCorruptFooter = errors.New("sst: corrupt footer")

	// ErrTruncated is returned when the file is too short to contain even
	// the fixed portion of a footer.
	ErrTruncated = errors.New("sst: file truncated")
)

// handle is a (offset, length) pair into the file, encoded as two fixed64s
// in the footer (unlike block.Handle, which uses varints for the in-block
// index; the footer is fixed-width by design so it can be located by
// counting back from EOF without first parsing anything).
type handle struct {
	Offset uint64
	Length uint64
}

func (h handle) isNull() bool { return h.Offset == 0 && h.Length == 0 }

func (h handle) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Offset)
	dst = binary.LittleEndian.AppendUint64(dst, h.Length)
	return dst
}

func decodeHandle(data []byte) handle {
	return handle{
		Offset: binary.LittleEndian.Uint64(data[0:8]),
		Length: binary.LittleEndian.Uint64(data[8:16]),
	}
}

// footer is the trailing, fixed-plus-variable record that anchors an SST:
// it locates the filter and index blocks, bounds the key range, and carries
// the whole file's setsum so a verifier never needs to re-scan entries to
// check integrity.
type footer struct {
	FilterHandle handle
	IndexHandle  handle
	NumEntries   uint64
	SmallestKey  []byte
	LargestKey   []byte
	MinTimestamp uint64
	MaxTimestamp uint64
	Setsum       setsum.Setsum
}

// encode returns the footer's on-disk bytes, including the trailing length
// field that lets a reader locate the footer's start from EOF.
func (f *footer) encode() []byte {
	size := 8 + 4 + 16 + 16 + 8 +
		4 + len(f.SmallestKey) + 4 + len(f.LargestKey) +
		8 + 8 + setsum.Size + 4 + 4
	buf := make([]byte, 0, size)
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)
	buf = f.FilterHandle.encode(buf)
	buf = f.IndexHandle.encode(buf)
	buf = binary.LittleEndian.AppendUint64(buf, f.NumEntries)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.SmallestKey)))
	buf = append(buf, f.SmallestKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.LargestKey)))
	buf = append(buf, f.LargestKey...)
	buf = binary.LittleEndian.AppendUint64(buf, f.MinTimestamp)
	buf = binary.LittleEndian.AppendUint64(buf, f.MaxTimestamp)
	sum := f.Setsum.Finalize()
	buf = append(buf, sum[:]...)
	crc := checksum.Value(buf)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(buf)+4))
	return buf
}

// decodeFooter parses data, which must be exactly the footer bytes of an
// SST file including the trailing length field (the caller locates this
// span by reading the file's last 4 bytes first; see readFooter in
// reader.go).
func decodeFooter(data []byte) (*footer, error) {
	if len(data) < minFooterLength {
		return nil, ErrTruncated
	}
	// Strip the trailing self-length field; it has already served its
	// purpose of telling the caller how far back to read.
	data = data[:len(data)-4]

	if [8]byte(data[0:8]) != Magic {
		return nil, ErrNotSST
	}
	version := binary.LittleEndian.Uint32(data[8:12])
	if version != FormatVersion {
		return nil, ErrUnsupportedVersion
	}

	pos := 12
	filterHandle := decodeHandle(data[pos:])
	pos += 16
	indexHandle := decodeHandle(data[pos:])
	pos += 16
	numEntries := binary.LittleEndian.Uint64(data[pos:])
	pos += 8

	if pos+4 > len(data) {
		return nil, ErrTruncated
	}
	smallestLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+smallestLen > len(data) {
		return nil, ErrTruncated
	}
	smallest := data[pos : pos+smallestLen]
	pos += smallestLen

	if pos+4 > len(data) {
		return nil, ErrTruncated
	}
	largestLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if pos+largestLen > len(data) {
		return nil, ErrTruncated
	}
	largest := data[pos : pos+largestLen]
	pos += largestLen

	if pos+8+8+setsum.Size+4 > len(data) {
		return nil, ErrTruncated
	}
	minTS := binary.LittleEndian.Uint64(data[pos:])
	pos += 8
	maxTS := binary.LittleEndian.Uint64(data[pos:])
	pos += 8

	var sumBytes [setsum.Size]byte
	copy(sumBytes[:], data[pos:pos+setsum.Size])
	pos += setsum.Size

	wantCRC := binary.LittleEndian.Uint32(data[pos:])
	gotCRC := checksum.Value(data[:pos])
	if gotCRC != wantCRC {
		return nil, ErrCorruptFooter
	}

	sum, err := setsum.Parse(sumBytes)
	if err != nil {
		return nil, ErrCorruptFooter
	}

	return &footer{
		FilterHandle: filterHandle,
		IndexHandle:  indexHandle,
		NumEntries:   numEntries,
		SmallestKey:  append([]byte(nil), smallest...),
		LargestKey:   append([]byte(nil), largest...),
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		Setsum:       sum,
	}, nil
}
