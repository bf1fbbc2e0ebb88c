// Package tree maintains the in-memory index over the set of live SSTs:
// which files exist at what level, and the running global setsum over all
// of them. Mutation is owned by a single goroutine reached only through a
// command channel (ApplyEdit), never a mutex guarding shared state;
// readers take an immutable Snapshot and never block the writer.
package tree

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rescrv/blue/internal/blueerr"
	"github.com/rescrv/blue/internal/logging"
	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/manifestlog"
	"github.com/rescrv/blue/internal/setsum"
	"github.com/rescrv/blue/internal/vfs"
)

// NumLevels is the number of levels in the LSM tree.
const NumLevels = 11

// FileMetaData is everything the tree needs about a live SST without
// opening it: its identity, level, key range, setsum, and size on disk.
type FileMetaData struct {
	FileID   manifest.FileID
	Level    uint8
	Smallest []byte
	Largest  []byte
	Setsum   setsum.Setsum
	FileSize uint64
}

// DataPath returns the canonical path of a live SST under dataDir.
func DataPath(dataDir string, id manifest.FileID) string {
	return filepath.Join(dataDir, "data", hex.EncodeToString(id[:])+".sst")
}

// TrashPath returns the canonical path an SST is moved to once obsoleted.
func TrashPath(dataDir string, id manifest.FileID) string {
	return filepath.Join(dataDir, "trash", hex.EncodeToString(id[:])+".sst")
}

// Version is an immutable snapshot of the live file set: the files at every
// level at one point in time. Versions are reference counted; the tree
// itself holds one reference for as long as a Version is current, and
// every outstanding Snapshot holds one more.
type Version struct {
	files [NumLevels][]*FileMetaData

	globalSetsum setsum.Setsum

	refs int32

	tree          *Tree
	versionNumber uint64

	prev, next *Version
}

// Ref increments the reference count.
func (v *Version) Ref() {
	atomic.AddInt32(&v.refs, 1)
}

// Unref decrements the reference count, unlinking the Version from the
// tree's list once it reaches zero. A Version at zero refs is no longer
// reachable from anywhere and its files may be trashed by a later edit's
// removal list once nothing else pins them.
func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) == 0 {
		if v.tree != nil {
			v.tree.listMu.Lock()
			defer v.tree.listMu.Unlock()
		}
		if v.prev != nil {
			v.prev.next = v.next
		}
		if v.next != nil {
			v.next.prev = v.prev
		}
		v.prev, v.next = nil, nil
	}
}

// Files returns the files at level, sorted (by smallest key for level ≥ 1,
// by ascending file id / insertion order for level 0, where ranges may
// overlap and newest-wins on read).
func (v *Version) Files(level int) []*FileMetaData {
	if level < 0 || level >= NumLevels {
		return nil
	}
	return v.files[level]
}

// NumLevelBytes returns the total size of files at level.
func (v *Version) NumLevelBytes(level int) uint64 {
	if level < 0 || level >= NumLevels {
		return 0
	}
	var total uint64
	for _, f := range v.files[level] {
		total += f.FileSize
	}
	return total
}

// TotalBytes returns the total size of every file in every level.
func (v *Version) TotalBytes() uint64 {
	var total uint64
	for level := range NumLevels {
		total += v.NumLevelBytes(level)
	}
	return total
}

// GlobalSetsum returns G: the union of every live file's setsum.
func (v *Version) GlobalSetsum() setsum.Setsum {
	return v.globalSetsum
}

// ListOverlap returns the files at level whose key range intersects
// [smallest, largest]. Level 0 may hold overlapping files and its file
// count is bounded by backpressure, so it is scanned linearly; levels >= 1
// are disjoint and sorted by smallest key, so the overlap set is found by
// binary search.
func (v *Version) ListOverlap(level int, smallest, largest []byte) []*FileMetaData {
	if level < 0 || level >= NumLevels {
		return nil
	}
	files := v.files[level]

	if level == 0 {
		var out []*FileMetaData
		for _, f := range files {
			if rangesOverlap(f.Smallest, f.Largest, smallest, largest) {
				out = append(out, f)
			}
		}
		return out
	}

	lo := sort.Search(len(files), func(i int) bool {
		return bytes.Compare(files[i].Largest, smallest) >= 0
	})
	var out []*FileMetaData
	for i := lo; i < len(files); i++ {
		if bytes.Compare(files[i].Smallest, largest) > 0 {
			break
		}
		out = append(out, files[i])
	}
	return out
}

func rangesOverlap(aSmallest, aLargest, bSmallest, bLargest []byte) bool {
	if bSmallest != nil && bytes.Compare(aLargest, bSmallest) < 0 {
		return false
	}
	if bLargest != nil && bytes.Compare(aSmallest, bLargest) > 0 {
		return false
	}
	return true
}

// Snapshot pins a Version (and therefore the SSTs it references) alive for
// as long as the holder needs it. Cursors created from a Snapshot observe
// exactly the pinned file set; later edits never affect them.
type Snapshot struct {
	version *Version
}

// Version exposes the pinned Version for cursor construction.
func (s *Snapshot) Version() *Version { return s.version }

// Release gives up the Snapshot's reference. Every Snapshot obtained from
// Tree.CurrentSnapshot must eventually be Released.
func (s *Snapshot) Release() {
	s.version.Unref()
}

type applyRequest struct {
	edit  *manifest.Edit
	reply chan error
}

// Tree owns the live file set, the global setsum, and the manifest log
// backing them. All mutation happens on a single internal goroutine
// reached via ApplyEdit; concurrent callers never see a half-applied edit.
type Tree struct {
	fs      vfs.FS
	dataDir string
	mlog    *manifestlog.Log
	logger  logging.Logger

	listMu        sync.Mutex
	dummyVersions Version

	current atomic.Pointer[Version]

	nextVersionNumber uint64

	// lastSeq is the highest edit seq replayed or applied; only the
	// writer goroutine (and Open, before it starts) touches it. A
	// rollover snapshot carries it forward so seq never regresses across
	// a manifest swap plus restart.
	lastSeq uint64

	reqCh  chan applyRequest
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Tree.
type Options struct {
	Logger logging.Logger
}

// Open recovers a Tree from a manifestlog, replaying edits in commit order
// to rebuild the live file set and the global setsum, then starts the
// tree's writer goroutine. It does not perform the orphan-file sweep; call
// SweepOrphans once the tree is open.
func Open(fs vfs.FS, dataDir string, mlog *manifestlog.Log, edits []*manifest.Edit, opts Options) (*Tree, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}

	t := &Tree{
		fs:      fs,
		dataDir: dataDir,
		mlog:    mlog,
		logger:  opts.Logger,
		reqCh:   make(chan applyRequest),
		doneCh:  make(chan struct{}),
	}
	t.dummyVersions.prev = &t.dummyVersions
	t.dummyVersions.next = &t.dummyVersions

	base := t.newVersion()
	for _, edit := range edits {
		nv, err := t.buildVersion(base, edit)
		if err != nil {
			return nil, fmt.Errorf("tree: replaying edit seq=%d: %w", edit.Seq, err)
		}
		base.Unref()
		base = nv
		if edit.Seq > t.lastSeq {
			t.lastSeq = edit.Seq
		}
	}
	t.setCurrentLocked(base)

	t.wg.Add(1)
	go t.writerLoop()

	return t, nil
}

func (t *Tree) newVersion() *Version {
	v := &Version{tree: t, versionNumber: t.nextVersionNumber}
	t.nextVersionNumber++
	v.Ref()
	t.listMu.Lock()
	v.next = t.dummyVersions.next
	v.prev = &t.dummyVersions
	t.dummyVersions.next.prev = v
	t.dummyVersions.next = v
	t.listMu.Unlock()
	return v
}

// buildVersion applies edit to base and returns a brand-new Version,
// holding one reference on behalf of its caller.
func (t *Tree) buildVersion(base *Version, edit *manifest.Edit) (*Version, error) {
	b := newBuilder(base)
	if err := b.apply(edit); err != nil {
		return nil, err
	}
	return b.saveTo(t), nil
}

func (t *Tree) setCurrentLocked(v *Version) {
	old := t.current.Swap(v)
	if old != nil {
		old.Unref()
	}
}

// CurrentSnapshot returns an immutable, reference-counted view of the
// tree's current file set. The caller must call Release on the result.
func (t *Tree) CurrentSnapshot() *Snapshot {
	v := t.current.Load()
	v.Ref()
	return &Snapshot{version: v}
}

// ApplyEdit durably commits edit: it verifies the edit balances (unless it
// is an ingestion edit, which is exempt), appends it to the manifest log,
// and only then swaps in the new Version. Both
// verification and the log append happen before any reader can observe
// the new state, so a rejected or failed edit leaves the tree untouched.
func (t *Tree) ApplyEdit(edit *manifest.Edit) error {
	if edit.Reason != manifest.ReasonIngest && !edit.IsBalanced() {
		return blueerr.UnbalancedEdit
	}

	reply := make(chan error, 1)
	select {
	case t.reqCh <- applyRequest{edit: edit, reply: reply}:
	case <-t.doneCh:
		return fmt.Errorf("tree: closed")
	}
	return <-reply
}

// statFileSize reads an added file's on-disk size, since the manifest
// edit's wire format does not carry it.
func (t *Tree) statFileSize(id manifest.FileID) (uint64, error) {
	path := DataPath(t.dataDir, id)
	info, err := t.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", blueerr.Io, path, err)
	}
	return uint64(info.Size()), nil
}

func (t *Tree) writerLoop() {
	defer t.wg.Done()
	for {
		select {
		case req := <-t.reqCh:
			req.reply <- t.applyOne(req.edit)
		case <-t.doneCh:
			return
		}
	}
}

func (t *Tree) applyOne(edit *manifest.Edit) error {
	base := t.current.Load()
	nv, err := t.buildVersion(base, edit)
	if err != nil {
		return err
	}

	if err := t.mlog.Append(edit); err != nil {
		nv.Unref()
		return fmt.Errorf("%w: %v", blueerr.Io, err)
	}

	t.setCurrentLocked(nv)
	if edit.Seq > t.lastSeq {
		t.lastSeq = edit.Seq
	}

	if t.mlog.ShouldRollover() {
		if err := t.rollover(nv); err != nil {
			t.logger.Warnf(logging.NSTree+"manifest rollover failed, will retry: %v", err)
		}
	}

	return nil
}

// rollover synthesizes a single added-only edit describing nv in full and
// asks the manifest log to roll onto a new file around it.
func (t *Tree) rollover(nv *Version) error {
	snapshot := &manifest.Edit{Seq: t.lastSeq, Reason: manifest.ReasonRollover}
	for level := range NumLevels {
		for _, f := range nv.Files(level) {
			snapshot.Added = append(snapshot.Added, manifest.AddedFile{
				FileID:   f.FileID,
				Level:    f.Level,
				Smallest: f.Smallest,
				Largest:  f.Largest,
				Setsum:   f.Setsum,
			})
		}
	}
	return t.mlog.Rollover(snapshot)
}

// Close stops the writer goroutine and closes the manifest log. reqCh is
// deliberately never closed: a concurrent ApplyEdit racing a close-of-reqCh
// could panic mid-send, whereas a closed doneCh is always safe to select on.
func (t *Tree) Close() error {
	close(t.doneCh)
	t.wg.Wait()
	return t.mlog.Close()
}

// SweepOrphans lists the data directory, intersects it against the files
// named in cur, and moves anything unreferenced into trash. This reclaims
// SSTs written by a compaction or ingestion that crashed after fsync but
// before its manifest edit committed.
func (t *Tree) SweepOrphans() error {
	cur := t.current.Load()
	live := make(map[manifest.FileID]struct{})
	for level := range NumLevels {
		for _, f := range cur.Files(level) {
			live[f.FileID] = struct{}{}
		}
	}

	dataSubdir := filepath.Join(t.dataDir, "data")
	names, err := t.fs.ListDir(dataSubdir)
	if err != nil {
		return fmt.Errorf("%w: listing data directory: %v", blueerr.Io, err)
	}
	if err := t.fs.MkdirAll(filepath.Join(t.dataDir, "trash"), 0o755); err != nil {
		return fmt.Errorf("%w: creating trash directory: %v", blueerr.Io, err)
	}

	for _, name := range names {
		id, ok := parseFileIDFromName(name)
		if !ok {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		src := filepath.Join(dataSubdir, name)
		dst := TrashPath(t.dataDir, id)
		if err := t.fs.Rename(src, dst); err != nil {
			return fmt.Errorf("%w: moving orphan %s to trash: %v", blueerr.Io, name, err)
		}
		t.logger.Infof(logging.NSTree+"reclaimed orphan SST %s", name)
	}
	if err := t.fs.SyncDir(filepath.Join(t.dataDir, "trash")); err != nil {
		return fmt.Errorf("%w: syncing trash directory: %v", blueerr.Io, err)
	}
	return nil
}

func parseFileIDFromName(name string) (manifest.FileID, bool) {
	var id manifest.FileID
	const suffix = ".sst"
	if len(name) != len(suffix)+2*manifest.FileIDSize || name[len(name)-len(suffix):] != suffix {
		return id, false
	}
	raw, err := hex.DecodeString(name[:len(name)-len(suffix)])
	if err != nil || len(raw) != manifest.FileIDSize {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}
