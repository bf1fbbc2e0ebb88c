package compaction

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rescrv/blue/internal/blueerr"
	"github.com/rescrv/blue/internal/dbformat"
	"github.com/rescrv/blue/internal/logging"
	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/merge"
	"github.com/rescrv/blue/internal/setsum"
	"github.com/rescrv/blue/internal/sst"
	"github.com/rescrv/blue/internal/testutil"
	"github.com/rescrv/blue/internal/tree"
	"github.com/rescrv/blue/internal/vfs"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	FS      vfs.FS
	DataDir string
	Logger  logging.Logger

	WriterOptions sst.WriterOptions

	// TargetFileSize rotates to a new output file once the current one
	// reaches this size.
	TargetFileSize uint64
}

// Executor runs a Plan to completion: it streams every input through a
// merging cursor, writes the result to fresh output files at the plan's
// target level, re-emits any hot-knife boundary remainder at its original
// level, and produces the manifest.Edit that retires the inputs and lands
// the outputs. It never mutates the tree itself — that is internal/tree's job,
// reached by the caller applying the returned edit.
type Executor struct {
	opts ExecutorOptions
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = DefaultOptions().TargetFileSize
	}
	return &Executor{opts: opts}
}

// Result is everything the caller needs to commit a completed compaction:
// the edit to apply to the tree, and the full set of output files so a
// failure after the edit commits but before trash retirement can still be
// cleaned up (see internal/trash.Ledger.Retire).
type Result struct {
	Edit    *manifest.Edit
	Outputs []OutputFile
}

// OutputFile describes one file this Executor wrote, whether it lands at
// the target level or is a boundary remainder at its original level.
type OutputFile struct {
	FileID   manifest.FileID
	Level    uint8
	Smallest []byte
	Largest  []byte
	Setsum   setsum.Setsum
	Path     string
}

// targetLevel is the level every non-boundary output lands at: the bottom
// of the triangle.
func targetLevel(plan *Plan) int {
	return plan.HiLevel
}

// boundaryFor returns the boundary file whose ORIGINAL range contains
// userKey. Only entries outside the plan's locked range are routed here,
// and only a boundary file can have produced one, so a miss on an
// out-of-range key means the plan's closure was computed wrong. The
// remainder is re-emitted under the matched file's identity (not just its
// level) so each remainder output stays within its source file's original
// range and level disjointness is preserved even when two straddlers share
// a level.
func boundaryFor(plan *Plan, userKey []byte) (*BoundaryFile, bool) {
	for i := range plan.Boundary {
		b := &plan.Boundary[i]
		if dbformat.BytewiseCompare(userKey, b.File.Smallest) >= 0 &&
			dbformat.BytewiseCompare(userKey, b.File.Largest) <= 0 {
			return b, true
		}
	}
	return nil, false
}

// rollingWriter owns one open output file at a fixed level and rotates to
// a new one once TargetFileSize is exceeded.
type rollingWriter struct {
	ex    *Executor
	level int

	w        *sst.Writer
	file     vfs.WritableFile
	fileID   manifest.FileID
	path     string
	smallest []byte
	largest  []byte
	sum      setsum.Setsum

	done []OutputFile
}

func newRollingWriter(ex *Executor, level int) *rollingWriter {
	return &rollingWriter{ex: ex, level: level}
}

func (rw *rollingWriter) openNew() error {
	id, err := manifest.NewFileID()
	if err != nil {
		return err
	}
	path := tree.DataPath(rw.ex.opts.DataDir, id)
	f, err := rw.ex.opts.FS.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating output sst: %v", blueerr.Io, err)
	}
	rw.w = sst.NewWriter(f, rw.ex.opts.WriterOptions)
	rw.file = f
	rw.fileID = id
	rw.path = path
	rw.smallest = nil
	rw.largest = nil
	rw.sum = setsum.New()
	return nil
}

// add appends one entry, rotating to a new output file first if the
// current one has reached TargetFileSize and already has at least one
// entry (an empty file must never be force-rotated, or a single huge value
// could spin forever).
func (rw *rollingWriter) add(key, value []byte, tombstone bool) error {
	if rw.w == nil {
		if err := rw.openNew(); err != nil {
			return err
		}
	} else if !rw.w.Empty() && uint64(rw.w.EstimatedSize()) >= rw.ex.opts.TargetFileSize {
		if err := rw.finishCurrent(); err != nil {
			return err
		}
		if err := rw.openNew(); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPCompactionWriteSST0)

	if err := rw.w.Add(key, value, tombstone); err != nil {
		return fmt.Errorf("sst: writing compaction output: %w", err)
	}
	userKey := dbformat.ExtractUserKey(key)
	rw.sum = rw.sum.Union(setsum.Hash(userKey, uint64(dbformat.ExtractSequenceNumber(key)), value, tombstone))
	if rw.smallest == nil {
		rw.smallest = append([]byte(nil), userKey...)
	}
	rw.largest = append([]byte(nil), userKey...)
	return nil
}

func (rw *rollingWriter) finishCurrent() error {
	if rw.w == nil || rw.w.Empty() {
		if rw.w != nil {
			_ = rw.file.Close()
			_ = rw.ex.opts.FS.Remove(rw.path)
			rw.w = nil
		}
		return nil
	}
	if err := rw.w.Finish(); err != nil {
		return fmt.Errorf("sst: finishing compaction output: %w", err)
	}
	rw.done = append(rw.done, OutputFile{
		FileID:   rw.fileID,
		Level:    uint8(rw.level),
		Smallest: rw.smallest,
		Largest:  rw.largest,
		Setsum:   rw.sum,
		Path:     rw.path,
	})
	rw.w = nil
	return nil
}

// abort discards the currently open file (never trashes it, since it was
// never part of any committed edit) and every file already finished this
// run, since the whole compaction is being thrown away.
func (rw *rollingWriter) abort() {
	if rw.w != nil {
		_ = rw.file.Close()
		_ = rw.ex.opts.FS.Remove(rw.path)
		rw.w = nil
	}
	for _, o := range rw.done {
		_ = rw.ex.opts.FS.Remove(o.Path)
	}
	rw.done = nil
}

// Run executes plan to completion. The rewrite conserves every version of
// every key; snapshotSeq only gates tombstone retirement. Pass
// dbformat.MaxSequenceNumber when no open snapshot overlaps the plan's key
// range, permitting tombstone-led key groups at the deepest level to be
// retired; any other value preserves everything, since retirement
// collapses history a snapshot below the tombstone could still read.
func (ex *Executor) Run(ctx context.Context, plan *Plan, snapshotSeq dbformat.SequenceNumber) (*Result, error) {
	testutil.MaybeKill(testutil.KPCompactionStart0)

	var openFiles []vfs.RandomAccessFile
	defer func() {
		for _, f := range openFiles {
			_ = f.Close()
		}
	}()

	var sources []merge.Source
	priority := 0
	for level := plan.LoLevel; level <= plan.HiLevel; level++ {
		for _, f := range plan.Inputs[level] {
			file, err := ex.opts.FS.OpenRandomAccess(tree.DataPath(ex.opts.DataDir, f.FileID))
			if err != nil {
				return nil, fmt.Errorf("%w: opening compaction input: %v", blueerr.Io, err)
			}
			openFiles = append(openFiles, file)
			r, err := sst.Open(file, sst.ReaderOptions{})
			if err != nil {
				return nil, fmt.Errorf("sst: opening compaction input: %w", err)
			}
			sources = append(sources, merge.Source{Iter: r.NewIterator(), Priority: priority})
			priority++
		}
	}

	cursor := merge.NewCursor(sources, merge.ModeCompaction)

	// The merge conserves every version; the only thing this executor ever
	// drops on its own is a tombstone-led key group at the deepest level.
	// That retirement collapses history, so it is disabled outright unless
	// the caller asserts no open snapshot needs it (snapshotSeq ==
	// MaxSequenceNumber). Anything finer-grained would need the oldest
	// live snapshot threaded through per key, which no caller needs yet.
	canDrop := snapshotSeq == dbformat.MaxSequenceNumber

	dropped := setsum.New()
	cursor.OnSuppressed(func(key, value []byte, tombstone bool) {
		dropped = dropped.Union(setsum.Hash(dbformat.ExtractUserKey(key), uint64(dbformat.ExtractSequenceNumber(key)), value, tombstone))
	})

	target := targetLevel(plan)
	mainOut := newRollingWriter(ex, target)
	// Remainder writers are keyed per boundary file AND per side of the
	// locked range: a file straddling both ends splits into a below-range
	// piece and an above-range piece, and writing them through one writer
	// would produce a single remainder whose range encloses the main
	// output.
	type boundarySide struct {
		id    manifest.FileID
		above bool
	}
	boundaryOut := make(map[boundarySide]*rollingWriter)

	lowestLevel := plan.HiLevel == tree.NumLevels-1

	// Per-user-key state for tombstone retirement: when an in-range key's
	// newest version is a tombstone at the deepest level, the tombstone
	// and every version it dominates are dropped together (the merge
	// yields versions newest-first within a key, so the decision is made
	// on the group's first entry and applied to the rest).
	var curKey []byte
	haveCurKey := false
	dropRestOfKey := false

	abortAll := func() {
		mainOut.abort()
		for _, bw := range boundaryOut {
			bw.abort()
		}
	}

	for cursor.SeekToFirst(); cursor.Valid(); cursor.Next() {
		select {
		case <-ctx.Done():
			abortAll()
			return nil, blueerr.Cancelled
		default:
		}

		key := cursor.Key()
		userKey := dbformat.ExtractUserKey(key)
		tombstone := cursor.IsTombstone()

		// An entry outside the locked range can only have come from a
		// boundary file; it is re-emitted at that file's own level,
		// untouched by the tombstone rules below, since SSTs outside the
		// plan may still overlap its key.
		inRange := dbformat.BytewiseCompare(userKey, plan.Smallest) >= 0 &&
			dbformat.BytewiseCompare(userKey, plan.Largest) <= 0
		if !inRange {
			b, ok := boundaryFor(plan, userKey)
			if !ok {
				abortAll()
				return nil, fmt.Errorf("compaction: key %x outside locked range matches no boundary file", userKey)
			}
			side := boundarySide{id: b.File.FileID, above: dbformat.BytewiseCompare(userKey, plan.Largest) > 0}
			bw := boundaryOut[side]
			if bw == nil {
				bw = newRollingWriter(ex, b.Level)
				boundaryOut[side] = bw
			}
			if err := bw.add(key, cursor.Value(), tombstone); err != nil {
				abortAll()
				return nil, err
			}
			continue
		}

		// A tombstone may only be retired once no level outside the plan
		// can still hold a version of its key. Inside the locked range at
		// the deepest level of the tree, that holds unconditionally: the
		// closure pulled every overlapping SST in the span into the plan,
		// and nothing deeper exists. Retiring the tombstone also retires
		// the older in-plan versions it dominates, or a later read would
		// resurrect them.
		if newKey := !haveCurKey || !bytes.Equal(userKey, curKey); newKey {
			curKey = append(curKey[:0], userKey...)
			haveCurKey = true
			dropRestOfKey = canDrop && lowestLevel && tombstone
		}
		if dropRestOfKey {
			dropped = dropped.Union(setsum.Hash(userKey, uint64(dbformat.ExtractSequenceNumber(key)), cursor.Value(), tombstone))
			continue
		}

		if err := mainOut.add(key, cursor.Value(), tombstone); err != nil {
			abortAll()
			return nil, err
		}
	}
	if err := cursor.Error(); err != nil {
		abortAll()
		return nil, fmt.Errorf("compaction: reading inputs: %w", err)
	}

	if err := mainOut.finishCurrent(); err != nil {
		abortAll()
		return nil, err
	}
	for _, bw := range boundaryOut {
		if err := bw.finishCurrent(); err != nil {
			abortAll()
			return nil, err
		}
	}

	var outputs []OutputFile
	outputs = append(outputs, mainOut.done...)
	for _, bw := range boundaryOut {
		outputs = append(outputs, bw.done...)
	}

	produced := setsum.New()
	for _, o := range outputs {
		produced = produced.Union(o.Setsum)
	}

	var consumed setsum.Setsum
	var removed []manifest.RemovedFile
	for level := plan.LoLevel; level <= plan.HiLevel; level++ {
		for _, f := range plan.Inputs[level] {
			consumed = consumed.Union(f.Setsum)
			removed = append(removed, manifest.RemovedFile{FileID: f.FileID, Level: uint8(level), Setsum: f.Setsum})
		}
	}

	// Every byte consumed must be accounted for as either a live output or
	// an explicitly dropped entry (an older duplicate or a retired
	// tombstone): produced ∪ dropped must reconstruct consumed exactly,
	// or the compaction is corrupt and must not commit.
	if consumed.Finalize() != produced.Union(dropped).Finalize() {
		ex.opts.Logger.Errorf(logging.NSCompact+"setsum mismatch for levels %d..%d: consumed=%x produced=%x dropped=%x",
			plan.LoLevel, plan.HiLevel, consumed.Finalize(), produced.Finalize(), dropped.Finalize())
		abortAll()
		return nil, blueerr.CompactionSetsumMismatch
	}

	// Edit balance (added setsum == removed setsum) is checked on the
	// edit's two file lists directly; the wire format has no separate
	// slot for the dropped-entry accumulator. A dropped entry is folded
	// into the removed side by subtracting the accumulator from one input
	// file's recorded setsum: the removed list still accounts for every
	// consumed byte, it just attributes the dropped share to an arbitrary
	// file rather than splitting it proportionally, which the per-file
	// value was never required to reconstruct on its own — only the input
	// file's actual on-disk footer, read before it is trashed, is
	// authoritative for that.
	if !dropped.IsZero() {
		removed[0].Setsum = removed[0].Setsum.Difference(dropped)
	}

	edit := &manifest.Edit{Reason: manifest.ReasonCompact, Removed: removed}
	for _, o := range outputs {
		edit.Added = append(edit.Added, manifest.AddedFile{
			FileID:   o.FileID,
			Level:    o.Level,
			Smallest: o.Smallest,
			Largest:  o.Largest,
			Setsum:   o.Setsum,
		})
	}

	testutil.MaybeKill(testutil.KPCompactionUpdateManifest0)

	return &Result{Edit: edit, Outputs: outputs}, nil
}
