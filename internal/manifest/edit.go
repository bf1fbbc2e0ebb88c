// Package manifest implements the manifest edit record: the unit of change
// to the tree's set of live SSTs, as appended to internal/manifestlog.
package manifest

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rescrv/blue/internal/setsum"
)

var (
	// ErrTruncated is returned when an encoded edit is too short to parse.
	ErrTruncated = errors.New("manifest: truncated edit record")

	// ErrInvalidReason is returned when an edit's reason byte is unknown.
	ErrInvalidReason = errors.New("manifest: invalid edit reason")

	// ErrMalformedSetsum is returned when a file entry's setsum bytes don't
	// reduce to a valid setsum (see internal/setsum.Parse).
	ErrMalformedSetsum = errors.New("manifest: malformed setsum in edit record")
)

// FileIDSize is the width of a FileRef's stable identifier.
const FileIDSize = 16

// FileID is a stable 128-bit file identifier, assigned once when an SST is
// created and never reused.
type FileID [FileIDSize]byte

// NewFileID draws a fresh random FileID, the same way manifestlog draws its
// rollover marker: 128 bits from crypto/rand is collision-free for any
// plausible file count without needing a coordinated counter.
func NewFileID() (FileID, error) {
	var id FileID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("manifest: generating file id: %w", err)
	}
	return id, nil
}

// Reason records why an edit was produced; it is stored as a one-byte tag.
type Reason uint8

const (
	ReasonIngest   Reason = 1
	ReasonCompact  Reason = 2
	ReasonRollover Reason = 3
	ReasonSplit    Reason = 4
)

// IsValid reports whether r is one of the defined reasons.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonIngest, ReasonCompact, ReasonRollover, ReasonSplit:
		return true
	default:
		return false
	}
}

func (r Reason) String() string {
	switch r {
	case ReasonIngest:
		return "ingest"
	case ReasonCompact:
		return "compact"
	case ReasonRollover:
		return "rollover"
	case ReasonSplit:
		return "split"
	default:
		return "unknown"
	}
}

// AddedFile is one entry on the added side of an edit: a newly live SST and
// the key range and setsum a reader needs without opening the file.
type AddedFile struct {
	FileID   FileID
	Level    uint8
	Smallest []byte
	Largest  []byte
	Setsum   setsum.Setsum
}

// RemovedFile is one entry on the removed side of an edit.
type RemovedFile struct {
	FileID FileID
	Level  uint8
	Setsum setsum.Setsum
}

// Edit is the manifest's unit of change: a set of files added, a set of
// files removed, and the reason the edit was produced.
type Edit struct {
	Seq     uint64
	Reason  Reason
	Added   []AddedFile
	Removed []RemovedFile
}

// SetsumAdded returns the union of every added file's setsum.
func (e *Edit) SetsumAdded() setsum.Setsum {
	s := setsum.New()
	for _, f := range e.Added {
		s = s.Union(f.Setsum)
	}
	return s
}

// SetsumRemoved returns the union of every removed file's setsum.
func (e *Edit) SetsumRemoved() setsum.Setsum {
	s := setsum.New()
	for _, f := range e.Removed {
		s = s.Union(f.Setsum)
	}
	return s
}

// IsBalanced reports whether the edit's added setsum equals its removed
// setsum. An ingestion edit is exempt from the balance requirement since it
// adds data with nothing to balance against; callers must check e.Reason
// themselves before relying on this for acceptance.
func (e *Edit) IsBalanced() bool {
	return e.SetsumAdded().Finalize() == e.SetsumRemoved().Finalize()
}

// Encode serializes the edit:
//
//	seq:u64, reason:u8, n_added:u32, n_removed:u32,
//	added:   [file_id:16B, level:u8, smallest_len:u32, smallest, largest_len:u32, largest, setsum:32B] * n_added
//	removed: [file_id:16B, level:u8, setsum:32B] * n_removed
func (e *Edit) Encode() []byte {
	size := 8 + 1 + 4 + 4
	for _, f := range e.Added {
		size += FileIDSize + 1 + 4 + len(f.Smallest) + 4 + len(f.Largest) + setsum.Size
	}
	for range e.Removed {
		size += FileIDSize + 1 + setsum.Size
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, byte(e.Reason))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Added)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Removed)))

	for _, f := range e.Added {
		buf = append(buf, f.FileID[:]...)
		buf = append(buf, f.Level)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Smallest)))
		buf = append(buf, f.Smallest...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Largest)))
		buf = append(buf, f.Largest...)
		sum := f.Setsum.Finalize()
		buf = append(buf, sum[:]...)
	}
	for _, f := range e.Removed {
		buf = append(buf, f.FileID[:]...)
		buf = append(buf, f.Level)
		sum := f.Setsum.Finalize()
		buf = append(buf, sum[:]...)
	}

	return buf
}

// Decode parses an edit record previously produced by Encode.
func Decode(data []byte) (*Edit, error) {
	if len(data) < 8+1+4+4 {
		return nil, ErrTruncated
	}

	e := &Edit{}
	e.Seq = binary.LittleEndian.Uint64(data[0:8])
	e.Reason = Reason(data[8])
	if !e.Reason.IsValid() {
		return nil, ErrInvalidReason
	}
	nAdded := binary.LittleEndian.Uint32(data[9:13])
	nRemoved := binary.LittleEndian.Uint32(data[13:17])
	pos := 17

	e.Added = make([]AddedFile, 0, nAdded)
	for range nAdded {
		if pos+FileIDSize+1+4 > len(data) {
			return nil, ErrTruncated
		}
		var f AddedFile
		copy(f.FileID[:], data[pos:pos+FileIDSize])
		pos += FileIDSize
		f.Level = data[pos]
		pos++

		smallestLen := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+smallestLen > len(data) {
			return nil, ErrTruncated
		}
		f.Smallest = append([]byte(nil), data[pos:pos+smallestLen]...)
		pos += smallestLen

		if pos+4 > len(data) {
			return nil, ErrTruncated
		}
		largestLen := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+largestLen > len(data) {
			return nil, ErrTruncated
		}
		f.Largest = append([]byte(nil), data[pos:pos+largestLen]...)
		pos += largestLen

		if pos+setsum.Size > len(data) {
			return nil, ErrTruncated
		}
		var sumBytes [setsum.Size]byte
		copy(sumBytes[:], data[pos:pos+setsum.Size])
		pos += setsum.Size
		sum, err := setsum.Parse(sumBytes)
		if err != nil {
			return nil, ErrMalformedSetsum
		}
		f.Setsum = sum

		e.Added = append(e.Added, f)
	}

	e.Removed = make([]RemovedFile, 0, nRemoved)
	for range nRemoved {
		if pos+FileIDSize+1+setsum.Size > len(data) {
			return nil, ErrTruncated
		}
		var f RemovedFile
		copy(f.FileID[:], data[pos:pos+FileIDSize])
		pos += FileIDSize
		f.Level = data[pos]
		pos++

		var sumBytes [setsum.Size]byte
		copy(sumBytes[:], data[pos:pos+setsum.Size])
		pos += setsum.Size
		sum, err := setsum.Parse(sumBytes)
		if err != nil {
			return nil, ErrMalformedSetsum
		}
		f.Setsum = sum

		e.Removed = append(e.Removed, f)
	}

	return e, nil
}
