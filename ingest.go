package blue

import (
	"fmt"
	"path/filepath"

	"github.com/rescrv/blue/internal/blueerr"
	"github.com/rescrv/blue/internal/logging"
	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/sst"
	"github.com/rescrv/blue/internal/testutil"
	"github.com/rescrv/blue/internal/tree"
)

// Ingest admits one already-built, already-sorted SST at srcPath into level
// 0. Entries inside it already carry their sequence numbers, assigned
// upstream by whatever produced the batch (typically a flushed memtable);
// this engine's write surface is ingestion, not per-key Put.
//
// srcPath is moved (not copied) into the data directory under a freshly
// drawn FileID, so the caller must not still need it at its original
// location once Ingest returns successfully.
func (db *DB) Ingest(srcPath string) (manifest.FileID, error) {
	snap := db.tr.CurrentSnapshot()
	v := snap.Version()
	l0Files := len(v.Files(0))
	l0Bytes := v.NumLevelBytes(0)
	snap.Release()

	if l0Files >= db.opts.L0FileCountLimit || l0Bytes >= db.opts.L0ByteSizeLimit {
		return manifest.FileID{}, fmt.Errorf("blue: ingest: %w", blueerr.BackpressureFull)
	}

	id, err := manifest.NewFileID()
	if err != nil {
		return manifest.FileID{}, fmt.Errorf("blue: ingest: drawing file id: %w", err)
	}

	dst := tree.DataPath(db.dataDir, id)
	testutil.MaybeKill(testutil.KPIngestStart0)
	if err := db.fs.Rename(srcPath, dst); err != nil {
		return manifest.FileID{}, fmt.Errorf("%w: ingest: moving %s into data dir: %v", blueerr.Io, srcPath, err)
	}
	if err := db.fs.SyncDir(filepath.Join(db.dataDir, "data")); err != nil {
		return manifest.FileID{}, fmt.Errorf("%w: ingest: syncing data dir: %v", blueerr.Io, err)
	}

	added, numEntries, err := describeIngestedFile(db, id, dst)
	if err != nil {
		return manifest.FileID{}, err
	}

	edit := &manifest.Edit{
		Seq:    db.nextEditSeq(),
		Reason: manifest.ReasonIngest,
		Added:  []manifest.AddedFile{added},
	}

	testutil.MaybeKill(testutil.KPIngestUpdateManifest0)
	if err := db.tr.ApplyEdit(edit); err != nil {
		return manifest.FileID{}, fmt.Errorf("blue: ingest: applying manifest edit: %w", err)
	}
	testutil.MaybeKill(testutil.KPIngestUpdateManifest1)
	db.recordEdit(edit)

	db.opts.Logger.Infof(logging.NSIngest+"ingested %x at level 0 (%d entries)", id, numEntries)
	return id, nil
}

// describeIngestedFile opens the just-moved SST read-only to pull the
// footer metadata (key range, setsum) a manifest.AddedFile needs, plus the
// file's entry count.
func describeIngestedFile(db *DB, id manifest.FileID, path string) (manifest.AddedFile, uint64, error) {
	f, err := db.fs.OpenRandomAccess(path)
	if err != nil {
		return manifest.AddedFile{}, 0, fmt.Errorf("%w: ingest: opening %s: %v", blueerr.Io, path, err)
	}
	defer func() { _ = f.Close() }()

	r, err := sst.Open(f, sst.ReaderOptions{})
	if err != nil {
		return manifest.AddedFile{}, 0, fmt.Errorf("blue: ingest: reading footer of %s: %w", path, err)
	}

	added := manifest.AddedFile{
		FileID:   id,
		Level:    0,
		Smallest: append([]byte(nil), r.SmallestKey()...),
		Largest:  append([]byte(nil), r.LargestKey()...),
		Setsum:   r.Setsum(),
	}
	return added, r.NumEntries(), nil
}
