package blue

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rescrv/blue/internal/blueerr"
	"github.com/rescrv/blue/internal/compaction"
	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/manifestlog"
	"github.com/rescrv/blue/internal/tree"
	"github.com/rescrv/blue/internal/trash"
	"github.com/rescrv/blue/internal/vfs"
)

// DB is an open handle on one data directory: a tree of live SSTs, its backing
// manifest log, the trash ledger, and the compaction planner/executor that
// keep the tree within its write-amplification bound. One process should
// hold one DB per data directory; Open takes an exclusive file lock to
// enforce this.
type DB struct {
	opts    Options
	fs      vfs.FS
	dataDir string

	mlog     *manifestlog.Log
	tr       *tree.Tree
	trash    *trash.Ledger
	picker   *compaction.Picker
	executor *compaction.Executor
	lock     io.Closer

	editSeq atomic.Uint64

	// ledgerMu guards ledger, the full edit history (recovered at Open plus
	// every edit committed since). The verifier surface reads it through
	// LedgerView; nothing else does.
	ledgerMu sync.Mutex
	ledger   []*manifest.Edit

	// compactMu serializes compaction execution: multiple non-overlapping
	// plans could in principle run concurrently, but this façade keeps to
	// a single compactor: MaybeCompact holds compactMu for its whole run,
	// so concurrent calls wait for one another, and more throughput comes
	// from running several DBs over disjoint keyspaces.
	compactMu sync.Mutex
}

// Open opens (or initializes) a DB rooted at dataDir.
func Open(dataDir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	fs := opts.FS

	if err := fs.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %v", blueerr.Io, err)
	}
	if err := fs.MkdirAll(filepath.Join(dataDir, "data"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data subdirectory: %v", blueerr.Io, err)
	}

	lock, err := fs.Lock(filepath.Join(dataDir, "LOCK"))
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring lock: %v", blueerr.Io, err)
	}

	db, err := openLocked(fs, dataDir, opts, lock)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	return db, nil
}

func openLocked(fs vfs.FS, dataDir string, opts Options, lock io.Closer) (*DB, error) {
	mlog, edits, err := manifestlog.Open(fs, dataDir, opts.manifestOptions())
	if errors.Is(err, manifestlog.ErrNoCurrent) {
		mlog, err = manifestlog.Create(fs, dataDir, opts.manifestOptions(), nil)
		edits = nil
	}
	if err != nil {
		return nil, fmt.Errorf("blue: opening manifest: %w", err)
	}

	tr, err := tree.Open(fs, dataDir, mlog, edits, tree.Options{Logger: opts.Logger})
	if err != nil {
		_ = mlog.Close()
		return nil, fmt.Errorf("blue: recovering tree: %w", err)
	}

	if err := tr.SweepOrphans(); err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("blue: sweeping orphan SSTs: %w", err)
	}

	trashLedger, err := trash.Open(fs, dataDir)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("blue: opening trash ledger: %w", err)
	}

	picker := compaction.NewPicker(compaction.Options{
		N0:                    opts.N0,
		TargetFileSize:        opts.TargetFileSize,
		NumLevels:             opts.NumLevels,
		MaxTriangleHeight:     opts.MaxTriangleHeight,
		FillThreshold:         opts.FillThreshold,
		MaxBytesPerCompaction: opts.MaxBytesPerCompaction,
	})
	executor := compaction.NewExecutor(compaction.ExecutorOptions{
		FS:             fs,
		DataDir:        dataDir,
		Logger:         opts.Logger,
		WriterOptions:  opts.writerOptions(),
		TargetFileSize: opts.TargetFileSize,
	})

	db := &DB{
		opts:     opts,
		fs:       fs,
		dataDir:  dataDir,
		mlog:     mlog,
		tr:       tr,
		trash:    trashLedger,
		picker:   picker,
		executor: executor,
		lock:     lock,
	}
	db.editSeq.Store(maxEditSeq(edits))
	db.ledger = append(db.ledger, edits...)
	return db, nil
}

// recordEdit retains a committed edit in the in-memory ledger history that
// backs LedgerView.
func (db *DB) recordEdit(edit *manifest.Edit) {
	db.ledgerMu.Lock()
	db.ledger = append(db.ledger, edit)
	db.ledgerMu.Unlock()
}

func maxEditSeq(edits []*manifest.Edit) uint64 {
	var max uint64
	for _, e := range edits {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max
}

// nextEditSeq assigns a monotone, process-local sequence number to a
// manifest edit about to be applied. Neither internal/tree nor
// internal/manifest auto-assigns one — edits are totally ordered by seq,
// and this façade is the one place that owns the counter, seeded from the
// highest seq recovered on Open.
func (db *DB) nextEditSeq() uint64 {
	return db.editSeq.Add(1)
}

// Close stops the tree's writer goroutine, closes the manifest log and
// trash ledger, and releases the directory lock.
func (db *DB) Close() error {
	err := db.tr.Close()
	if terr := db.trash.Close(); err == nil {
		err = terr
	}
	if lerr := db.lock.Close(); err == nil {
		err = lerr
	}
	return err
}

// ListTrashUpTo returns trash entries retired at or before seq, for an
// external verifier to cross-check against the manifest ledger before
// unlinking.
func (db *DB) ListTrashUpTo(seq uint64) []trash.Entry {
	return db.trash.ListTrashUpTo(seq)
}

// UnlinkTrash permanently deletes a confirmed-obsolete trash file. Callers
// must confirm via ListTrashUpTo and the manifest ledger first; the DB
// itself never unlinks data on its own — the verifier's confirmed path is
// the only way bytes ever leave the disk.
func (db *DB) UnlinkTrash(id manifest.FileID) error {
	return db.trash.UnlinkTrash(id)
}

// LedgerView returns a read-only cumulative view over every manifest edit
// this DB has seen — the history recovered at Open plus everything
// committed since — for a verifier to compute the ledger's
// cumulative-removed-minus-readded setsum up to a given seq before it
// unlinks anything.
func (db *DB) LedgerView() *trash.LedgerView {
	db.ledgerMu.Lock()
	edits := append([]*manifest.Edit(nil), db.ledger...)
	db.ledgerMu.Unlock()
	return trash.NewLedgerView(edits)
}
