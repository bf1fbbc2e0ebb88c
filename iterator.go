package blue

import (
	"bytes"
	"fmt"

	"github.com/rescrv/blue/internal/blueerr"
	"github.com/rescrv/blue/internal/dbformat"
	"github.com/rescrv/blue/internal/merge"
	"github.com/rescrv/blue/internal/sst"
	"github.com/rescrv/blue/internal/tree"
	"github.com/rescrv/blue/internal/vfs"
)

// openFiles opens each of files as a merge.Source, in the order given;
// priority starts at base so a caller combining several levels can keep
// lower levels at a lower priority. The caller owns closing the returned
// files.
func openFiles(fs vfs.FS, dataDir string, files []*tree.FileMetaData, base int) ([]merge.Source, []vfs.RandomAccessFile, error) {
	var sources []merge.Source
	var opened []vfs.RandomAccessFile

	for i, f := range files {
		file, err := fs.OpenRandomAccess(tree.DataPath(dataDir, f.FileID))
		if err != nil {
			return nil, opened, fmt.Errorf("%w: opening %x: %v", blueerr.Io, f.FileID, err)
		}
		opened = append(opened, file)

		r, err := sst.Open(file, sst.ReaderOptions{})
		if err != nil {
			return nil, opened, fmt.Errorf("sst: opening %x: %w", f.FileID, err)
		}
		sources = append(sources, merge.Source{Iter: r.NewIterator(), Priority: base + i})
	}
	return sources, opened, nil
}

// openOverlapping opens every SST overlapping [smallest, largest] across
// every level of v as a merge.Source, in level order (lower levels get a
// lower Priority, though ties are already broken by descending sequence
// number in CompareInternalKeys, per internal/merge's own doc comment).
// The caller owns closing the returned files.
func openOverlapping(fs vfs.FS, dataDir string, v *tree.Version, smallest, largest []byte) ([]merge.Source, []vfs.RandomAccessFile, error) {
	var sources []merge.Source
	var opened []vfs.RandomAccessFile

	for level := 0; level < tree.NumLevels; level++ {
		s, o, err := openFiles(fs, dataDir, v.ListOverlap(level, smallest, largest), len(sources))
		opened = append(opened, o...)
		if err != nil {
			return nil, opened, err
		}
		sources = append(sources, s...)
	}
	return sources, opened, nil
}

// openAll opens every live SST in v as a merge.Source, in level order, for
// a full scan (internal/tree.Version.ListOverlap's level ≥ 1 binary search
// has no "unbounded" sentinel, so a full scan walks Files directly instead).
func openAll(fs vfs.FS, dataDir string, v *tree.Version) ([]merge.Source, []vfs.RandomAccessFile, error) {
	var sources []merge.Source
	var opened []vfs.RandomAccessFile

	for level := 0; level < tree.NumLevels; level++ {
		s, o, err := openFiles(fs, dataDir, v.Files(level), len(sources))
		opened = append(opened, o...)
		if err != nil {
			return nil, opened, err
		}
		sources = append(sources, s...)
	}
	return sources, opened, nil
}

func closeAll(files []vfs.RandomAccessFile) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Get returns the value visible for key under the tree's current snapshot,
// or blueerr.NotFound if key is absent or its newest visible version is a
// tombstone.
func (db *DB) Get(key []byte) ([]byte, error) {
	snap := db.tr.CurrentSnapshot()
	defer snap.Release()
	v := snap.Version()

	sources, opened, err := openOverlapping(db.fs, db.dataDir, v, key, key)
	defer closeAll(opened)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, blueerr.NotFound
	}

	cursor := merge.NewCursor(sources, merge.ModeRead)
	seekKey := dbformat.NewInternalKey(key, dbformat.MaxSequenceNumber, dbformat.EntryKindForSeek)
	cursor.Seek(seekKey)
	if !cursor.Valid() {
		return nil, blueerr.NotFound
	}
	if err := cursor.Error(); err != nil {
		return nil, fmt.Errorf("blue: get: %w", err)
	}
	if !bytes.Equal(dbformat.ExtractUserKey(cursor.Key()), key) {
		return nil, blueerr.NotFound
	}
	// ModeRead never surfaces a tombstone (internal/merge drops the whole
	// key once its newest visible version is one), so reaching here means
	// a live value.
	value := append([]byte(nil), cursor.Value()...)
	return value, nil
}

// Iterator walks every live key in a DB's snapshot in ascending order,
// deduplicated to each key's newest visible version with tombstones
// suppressed — the same view Get uses, generalized to a full scan.
type Iterator struct {
	snap   *tree.Snapshot
	opened []vfs.RandomAccessFile
	cursor *merge.Cursor
}

// NewIterator opens an Iterator pinned to the tree's current snapshot. The
// caller must call Close when done to release the pinned snapshot and its
// open file handles.
func (db *DB) NewIterator() (*Iterator, error) {
	snap := db.tr.CurrentSnapshot()
	v := snap.Version()

	sources, opened, err := openAll(db.fs, db.dataDir, v)
	if err != nil {
		closeAll(opened)
		snap.Release()
		return nil, err
	}

	cursor := merge.NewCursor(sources, merge.ModeRead)
	cursor.SeekToFirst()

	return &Iterator{snap: snap, opened: opened, cursor: cursor}, nil
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool { return it.cursor.Valid() }

// Key returns the current entry's user key. The slice is only valid until
// the next call to Next or Close.
func (it *Iterator) Key() []byte { return dbformat.ExtractUserKey(it.cursor.Key()) }

// Value returns the current entry's value. The slice is only valid until
// the next call to Next or Close.
func (it *Iterator) Value() []byte { return it.cursor.Value() }

// Next advances to the next live key.
func (it *Iterator) Next() { it.cursor.Next() }

// Error reports any error encountered reading an underlying SST.
func (it *Iterator) Error() error { return it.cursor.Error() }

// Close releases the iterator's pinned snapshot and open file handles.
func (it *Iterator) Close() error {
	closeAll(it.opened)
	it.snap.Release()
	return nil
}
