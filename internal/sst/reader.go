package sst

import (
	"encoding/binary"
	"fmt"

	"github.com/rescrv/blue/internal/block"
	"github.com/rescrv/blue/internal/compression"
	"github.com/rescrv/blue/internal/dbformat"
	"github.com/rescrv/blue/internal/filter"
	"github.com/rescrv/blue/internal/setsum"
	"github.com/rescrv/blue/internal/vfs"
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// VerifyChecksums re-validates every block's CRC32C as it is read.
	VerifyChecksums bool
}

// Reader opens an existing SST file for point lookups and ordered
// iteration. A Reader holds the footer and index block in memory; data
// blocks are read on demand.
type Reader struct {
	file vfs.RandomAccessFile
	opts ReaderOptions

	footer *footer
	index  *block.Block
	bloom  *filter.BloomFilterReader
}

// Open parses file's footer and index block. The filter block, if present,
// is also loaded; a corrupt or unreadable filter block is not fatal since
// the filter is advisory (MayContain over-approximates).
func Open(file vfs.RandomAccessFile, opts ReaderOptions) (*Reader, error) {
	r := &Reader{file: file, opts: opts}

	f, err := r.readFooter()
	if err != nil {
		return nil, err
	}
	r.footer = f

	if !f.IndexHandle.isNull() {
		raw := make([]byte, f.IndexHandle.Length)
		if _, err := file.ReadAt(raw, int64(f.IndexHandle.Offset)); err != nil {
			return nil, fmt.Errorf("sst: reading index block: %w", err)
		}
		idx, err := block.NewBlock(raw, opts.VerifyChecksums)
		if err != nil {
			return nil, fmt.Errorf("sst: parsing index block: %w", err)
		}
		r.index = idx
	}

	if !f.FilterHandle.isNull() {
		raw := make([]byte, f.FilterHandle.Length)
		if _, err := file.ReadAt(raw, int64(f.FilterHandle.Offset)); err == nil {
			r.bloom = filter.NewBloomFilterReader(raw)
		}
	}

	return r, nil
}

// readFooter locates and parses the trailing footer. Its length is
// self-described by the last 4 bytes of the file, so the footer can be
// found without a separate fixed-offset index.
func (r *Reader) readFooter() (*footer, error) {
	size := r.file.Size()
	if size < 4 {
		return nil, ErrTruncated
	}

	var lenBuf [4]byte
	if _, err := r.file.ReadAt(lenBuf[:], size-4); err != nil {
		return nil, fmt.Errorf("sst: reading footer length: %w", err)
	}
	footerLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	if footerLen < minFooterLength || footerLen > size {
		return nil, ErrCorruptFooter
	}

	buf := make([]byte, footerLen)
	if _, err := r.file.ReadAt(buf, size-footerLen); err != nil {
		return nil, fmt.Errorf("sst: reading footer: %w", err)
	}
	return decodeFooter(buf)
}

// NumEntries returns the entry count recorded in the footer.
func (r *Reader) NumEntries() uint64 { return r.footer.NumEntries }

// SmallestKey returns the smallest user key stored in the file.
func (r *Reader) SmallestKey() []byte { return r.footer.SmallestKey }

// LargestKey returns the largest user key stored in the file.
func (r *Reader) LargestKey() []byte { return r.footer.LargestKey }

// TimestampRange returns the inclusive [min, max] timestamp range covered.
func (r *Reader) TimestampRange() (min, max uint64) {
	return r.footer.MinTimestamp, r.footer.MaxTimestamp
}

// Setsum returns the file's finalized setsum, as recorded in the footer.
func (r *Reader) Setsum() setsum.Setsum { return r.footer.Setsum }

// MayContain reports whether key might be present, using the optional
// Bloom filter. Returns true (definitely maybe) if there is no filter.
func (r *Reader) MayContain(userKey []byte) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.MayContain(userKey)
}

// blockFor reads and decompresses the data block pointed to by h.
func (r *Reader) blockFor(h block.Handle) (*block.Block, error) {
	if h.Size < 1 {
		return nil, ErrCorruptFooter
	}
	raw := make([]byte, h.Size)
	if _, err := r.file.ReadAt(raw, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("sst: reading data block: %w", err)
	}
	ctype := compression.Type(raw[0])
	payload := raw[1:]
	decompressed, err := compression.Decompress(ctype, payload)
	if err != nil {
		return nil, fmt.Errorf("sst: decompressing data block: %w", err)
	}
	return block.NewBlock(decompressed, r.opts.VerifyChecksums)
}

// Iterator walks the entries of the whole SST in key order, materializing
// data blocks on demand via the index block.
type Iterator struct {
	r       *Reader
	idxIt   *block.Iterator
	dataIt  *block.Iterator
	dataErr error
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() *Iterator {
	it := &Iterator{r: r}
	if r.index != nil {
		it.idxIt = r.index.NewIterator()
	}
	return it
}

func (it *Iterator) loadDataBlock() bool {
	if !it.idxIt.Valid() {
		it.dataIt = nil
		return false
	}
	h, err := block.DecodeHandleFrom(it.idxIt.Value())
	if err != nil {
		it.dataErr = err
		it.dataIt = nil
		return false
	}
	blk, err := it.r.blockFor(h)
	if err != nil {
		it.dataErr = err
		it.dataIt = nil
		return false
	}
	it.dataIt = blk.NewIterator()
	return true
}

// SeekToFirst positions the iterator at the first entry in the file.
func (it *Iterator) SeekToFirst() {
	if it.idxIt == nil {
		it.dataIt = nil
		return
	}
	it.idxIt.SeekToFirst()
	if it.loadDataBlock() {
		it.dataIt.SeekToFirst()
	}
}

// SeekToLast positions the iterator at the last entry in the file.
func (it *Iterator) SeekToLast() {
	if it.idxIt == nil {
		it.dataIt = nil
		return
	}
	it.idxIt.SeekToLast()
	if it.loadDataBlock() {
		it.dataIt.SeekToLast()
	}
}

// Seek positions the iterator at the first entry with internal key >= target.
func (it *Iterator) Seek(target []byte) {
	if it.idxIt == nil {
		it.dataIt = nil
		return
	}
	it.idxIt.Seek(target)
	if !it.loadDataBlock() {
		return
	}
	it.dataIt.Seek(target)
	if !it.dataIt.Valid() {
		// target falls after every key in this block; the index entry's
		// block is the last whose last key could be >= target, so this
		// only happens at the file's tail.
		it.idxIt.Next()
		if it.loadDataBlock() {
			it.dataIt.SeekToFirst()
		}
	}
}

// Next advances to the next entry, crossing into the following data block
// if the current one is exhausted.
func (it *Iterator) Next() {
	if it.dataIt == nil {
		return
	}
	it.dataIt.Next()
	for !it.dataIt.Valid() {
		it.idxIt.Next()
		if !it.loadDataBlock() {
			return
		}
		it.dataIt.SeekToFirst()
	}
}

// Prev moves to the preceding entry, crossing into the previous data block
// if the current one is exhausted.
func (it *Iterator) Prev() {
	if it.dataIt == nil {
		return
	}
	it.dataIt.Prev()
	for !it.dataIt.Valid() {
		it.idxIt.Prev()
		if !it.loadDataBlock() {
			return
		}
		it.dataIt.SeekToLast()
	}
}

// Valid reports whether the iterator is positioned at a usable entry.
func (it *Iterator) Valid() bool {
	return it.dataIt != nil && it.dataIt.Valid()
}

// Key returns the current internal key.
func (it *Iterator) Key() []byte { return it.dataIt.Key() }

// Value returns the current value bytes (empty for a tombstone).
func (it *Iterator) Value() []byte { return it.dataIt.Value() }

// IsTombstone reports whether the current entry is a tombstone.
func (it *Iterator) IsTombstone() bool { return it.dataIt.IsTombstone() }

// Error returns the first error encountered while crossing block boundaries.
func (it *Iterator) Error() error {
	if it.dataErr != nil {
		return it.dataErr
	}
	if it.dataIt != nil {
		return it.dataIt.Error()
	}
	return nil
}

// Verify re-scans every entry in the file and checks that their accumulated
// setsum matches the footer's finalized setsum, returning
// ErrCompactionSetsumMismatch-equivalent information via a plain error.
func (r *Reader) Verify() error {
	acc := setsum.New()
	it := r.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		userKey := dbformat.ExtractUserKey(it.Key())
		ts := uint64(dbformat.ExtractSequenceNumber(it.Key()))
		acc = acc.Union(setsum.Hash(userKey, ts, it.Value(), it.IsTombstone()))
	}
	if err := it.Error(); err != nil {
		return err
	}
	if acc.Finalize() != r.footer.Setsum.Finalize() {
		return fmt.Errorf("sst: setsum mismatch: file is corrupt or was not closed cleanly")
	}
	return nil
}
