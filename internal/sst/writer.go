package sst

import (
	"fmt"

	"github.com/rescrv/blue/internal/block"
	"github.com/rescrv/blue/internal/compression"
	"github.com/rescrv/blue/internal/dbformat"
	"github.com/rescrv/blue/internal/filter"
	"github.com/rescrv/blue/internal/setsum"
	"github.com/rescrv/blue/internal/testutil"
	"github.com/rescrv/blue/internal/vfs"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// BlockSize is the target uncompressed size of a data block, in bytes.
	BlockSize int

	// RestartInterval is the number of entries between restart points within
	// a data block. See internal/block.
	RestartInterval int

	// Compression is applied to each data block independently.
	Compression compression.Type

	// BloomBitsPerKey controls the optional filter block. Zero disables it.
	BloomBitsPerKey int
}

// DefaultWriterOptions returns reasonable defaults: 4KiB blocks, a restart
// every 16 entries, no compression, and a 10-bits-per-key Bloom filter.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BlockSize:       4096,
		RestartInterval: 16,
		Compression:     compression.NoCompression,
		BloomBitsPerKey: 10,
	}
}

// Writer builds a single SST file. Entries must be added in strictly
// increasing internal-key order (see dbformat.InternalKeyComparator).
type Writer struct {
	opts WriterOptions
	file vfs.WritableFile

	dataBlock  *block.Builder
	filterBldr *filter.BloomFilterBuilder

	offset uint64

	pendingHandle    block.Handle
	pendingIndexKey  []byte
	havePendingIndex bool

	indexBlock *block.Builder

	lastKey     []byte
	smallestKey []byte
	largestKey  []byte

	numEntries   uint64
	minTimestamp uint64
	maxTimestamp uint64
	haveEntry    bool

	sum setsum.Setsum

	closed bool
}

// NewWriter creates a Writer that streams an SST to file.
func NewWriter(file vfs.WritableFile, opts WriterOptions) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = 16
	}
	w := &Writer{
		opts:       opts,
		file:       file,
		dataBlock:  block.NewBuilder(opts.RestartInterval),
		indexBlock: block.NewBuilder(1),
		sum:        setsum.New(),
	}
	if opts.BloomBitsPerKey > 0 {
		w.filterBldr = filter.NewBloomFilterBuilder(opts.BloomBitsPerKey)
	}
	return w
}

// Add appends an internal-key/value pair. key is the full internal key
// (user key plus the 8-byte sequence/kind trailer). The entry's sequence
// number doubles as its setsum timestamp, since it is the one per-entry
// value recoverable from the stored entry alone during Verify.
func (w *Writer) Add(key, value []byte, tombstone bool) error {
	if w.closed {
		return fmt.Errorf("sst: Add called after Finish")
	}

	if w.dataBlock.CurrentSizeEstimate() >= w.opts.BlockSize {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
	}

	if tombstone {
		w.dataBlock.AddTombstone(key)
	} else {
		w.dataBlock.Add(key, value)
	}

	userKey := dbformat.ExtractUserKey(key)
	if w.filterBldr != nil {
		w.filterBldr.AddKey(userKey)
	}

	ts := uint64(dbformat.ExtractSequenceNumber(key))
	w.sum = w.sum.Union(setsum.Hash(userKey, ts, value, tombstone))

	// The footer's key range is in user keys: every consumer of it (the
	// manifest's AddedFile, the tree's overlap index, the planner's locked
	// range) compares user keys, never trailered internal keys.
	if !w.haveEntry {
		w.smallestKey = append([]byte(nil), userKey...)
		w.minTimestamp = ts
		w.maxTimestamp = ts
		w.haveEntry = true
	} else {
		if ts < w.minTimestamp {
			w.minTimestamp = ts
		}
		if ts > w.maxTimestamp {
			w.maxTimestamp = ts
		}
	}
	w.largestKey = append(w.largestKey[:0], userKey...)
	w.lastKey = append(w.lastKey[:0], key...)
	w.numEntries++

	return nil
}

// flushDataBlock seals the current data block, writes it (compressed, with
// a leading type byte), and records its handle as a pending index entry.
// The index entry itself isn't appended until the next block's first key
// is known (or Finish is called), mirroring how a separating key would be
// chosen were we to shorten it; here we simply store the last key of the
// block it describes.
func (w *Writer) flushDataBlock() error {
	if w.dataBlock.Empty() {
		return nil
	}
	if err := w.appendPendingIndexEntry(); err != nil {
		return err
	}

	raw := w.dataBlock.Finish()
	payload, err := compression.Compress(w.opts.Compression, raw)
	if err != nil {
		return err
	}

	handle := block.Handle{Offset: w.offset, Size: uint64(len(payload)) + 1}
	if err := w.file.Append([]byte{byte(w.opts.Compression)}); err != nil {
		return err
	}
	if err := w.file.Append(payload); err != nil {
		return err
	}
	w.offset += handle.Size

	w.pendingHandle = handle
	w.pendingIndexKey = append(w.pendingIndexKey[:0], w.lastKey...)
	w.havePendingIndex = true

	w.dataBlock.Reset()
	return nil
}

// appendPendingIndexEntry writes the index entry deferred by the previous
// flushDataBlock call, now that it is safe to do so (either the next
// block's presence is confirmed, or we're finishing the file).
func (w *Writer) appendPendingIndexEntry() error {
	if !w.havePendingIndex {
		return nil
	}
	encoded := w.pendingHandle.EncodeToSlice()
	w.indexBlock.Add(w.pendingIndexKey, encoded)
	w.havePendingIndex = false
	return nil
}

// Finish flushes any buffered data, writes the filter and index blocks,
// writes the footer, and syncs the file. The Writer must not be used
// afterward.
func (w *Writer) Finish() error {
	if w.closed {
		return fmt.Errorf("sst: Finish called twice")
	}
	w.closed = true

	if err := w.flushDataBlock(); err != nil {
		return err
	}
	if err := w.appendPendingIndexEntry(); err != nil {
		return err
	}

	var filterHandle handle
	if w.filterBldr != nil && w.filterBldr.NumKeys() > 0 {
		filterData := w.filterBldr.Finish()
		h, err := w.writeRawBlock(filterData)
		if err != nil {
			return err
		}
		filterHandle = h
	}

	indexRaw := w.indexBlock.Finish()
	indexHandle, err := w.writeRawBlock(indexRaw)
	if err != nil {
		return err
	}

	f := &footer{
		FilterHandle: filterHandle,
		IndexHandle:  indexHandle,
		NumEntries:   w.numEntries,
		SmallestKey:  w.smallestKey,
		LargestKey:   w.largestKey,
		MinTimestamp: w.minTimestamp,
		MaxTimestamp: w.maxTimestamp,
		Setsum:       w.sum,
	}

	testutil.MaybeKill(testutil.KPSSTClose0)

	footerBytes := f.encode()
	if err := w.file.Append(footerBytes); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPSSTClose1)

	return w.file.Close()
}

// writeRawBlock writes data verbatim (no block trailer, no compression; the
// filter and index blocks are read back with their own framing) and returns
// a handle to it.
func (w *Writer) writeRawBlock(data []byte) (handle, error) {
	h := handle{Offset: w.offset, Length: uint64(len(data))}
	if err := w.file.Append(data); err != nil {
		return handle{}, err
	}
	w.offset += uint64(len(data))
	return h, nil
}

// NumEntries returns the number of entries added so far.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// EstimatedSize estimates the file's size if finished now.
func (w *Writer) EstimatedSize() int {
	return int(w.offset) + w.dataBlock.CurrentSizeEstimate() + minFooterLength
}

// Empty reports whether any entry has been added.
func (w *Writer) Empty() bool { return !w.haveEntry }
