// Package trash implements the obsoleted-file holding area and the
// bookkeeping a verifier needs before it may unlink anything: files
// dropped by a manifest edit are renamed (never deleted outright) into a
// trash directory, and each move is recorded as an (file_id, setsum,
// removing_edit_seq) ledger entry so a verifier can later confirm the
// ledger balances before reclaiming the bytes.
//
// Grounded on the internal/vfs.FS.Rename/SyncDir atomic-file-lifecycle
// idiom used for SST and CURRENT-pointer handling elsewhere in this tree,
// and on internal/manifestlog's scan-the-valid-prefix recovery idiom,
// adapted here to a fixed-width record instead of a length-framed one.
package trash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/rescrv/blue/internal/checksum"
	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/setsum"
	"github.com/rescrv/blue/internal/testutil"
	"github.com/rescrv/blue/internal/tree"
	"github.com/rescrv/blue/internal/vfs"
)

const (
	indexFileName = "INDEX"

	entryBodyLen = manifest.FileIDSize + setsum.Size + 8 // file_id, setsum, removing_edit_seq
	entryRecLen  = entryBodyLen + 4                      // + crc32c
)

// Entry is one trash ledger record.
type Entry struct {
	FileID          manifest.FileID
	Setsum          setsum.Setsum
	RemovingEditSeq uint64
}

func encodeEntry(e Entry) []byte {
	body := make([]byte, 0, entryBodyLen)
	body = append(body, e.FileID[:]...)
	sum := e.Setsum.Finalize()
	body = append(body, sum[:]...)
	body = binary.LittleEndian.AppendUint64(body, e.RemovingEditSeq)

	rec := make([]byte, 0, entryRecLen)
	rec = append(rec, body...)
	rec = binary.LittleEndian.AppendUint32(rec, checksum.Value(body))
	return rec
}

func decodeEntryBody(body []byte) (Entry, error) {
	var e Entry
	copy(e.FileID[:], body[0:manifest.FileIDSize])
	var sumBytes [setsum.Size]byte
	copy(sumBytes[:], body[manifest.FileIDSize:manifest.FileIDSize+setsum.Size])
	sum, err := setsum.Parse(sumBytes)
	if err != nil {
		return e, err
	}
	e.Setsum = sum
	e.RemovingEditSeq = binary.LittleEndian.Uint64(body[manifest.FileIDSize+setsum.Size:])
	return e, nil
}

// scanEntries validates fixed-width records from the start of data,
// stopping (not erroring) at the first record whose CRC mismatches or
// whose bytes run past EOF — a torn write from an unfinished Append.
func scanEntries(data []byte) ([]Entry, int, error) {
	var entries []Entry
	pos := 0
	for pos+entryRecLen <= len(data) {
		body := data[pos : pos+entryBodyLen]
		wantCRC := binary.LittleEndian.Uint32(data[pos+entryBodyLen : pos+entryRecLen])
		if checksum.Value(body) != wantCRC {
			break
		}
		e, err := decodeEntryBody(body)
		if err != nil {
			return nil, 0, fmt.Errorf("trash: decoding ledger entry: %w", err)
		}
		entries = append(entries, e)
		pos += entryRecLen
	}
	return entries, pos, nil
}

// Ledger is the trash directory's in-memory index plus its durable
// append-only backing file.
type Ledger struct {
	fs      vfs.FS
	dataDir string

	mu      sync.Mutex
	entries map[manifest.FileID]Entry
	index   vfs.WritableFile
}

// Open recovers the trash ledger: it rebuilds the valid prefix of the
// index file, drops any entry whose trash file no longer exists (already
// confirmed-unlinked by a prior verifier run), and rewrites the index to
// exactly that surviving set so a torn tail or stale entry never
// resurfaces.
func Open(fs vfs.FS, dataDir string) (*Ledger, error) {
	trashDir := filepath.Join(dataDir, "trash")
	if err := fs.MkdirAll(trashDir, 0o755); err != nil {
		return nil, fmt.Errorf("trash: creating trash directory: %w", err)
	}

	indexPath := filepath.Join(trashDir, indexFileName)
	raw, err := readAll(fs, indexPath)
	if err != nil && !errors.Is(err, errNotExist) {
		return nil, fmt.Errorf("trash: reading index: %w", err)
	}

	entries, _, err := scanEntries(raw)
	if err != nil {
		return nil, err
	}

	l := &Ledger{fs: fs, dataDir: dataDir, entries: make(map[manifest.FileID]Entry)}

	f, err := fs.Create(indexPath)
	if err != nil {
		return nil, fmt.Errorf("trash: reopening index: %w", err)
	}
	l.index = f

	for _, e := range entries {
		if !fs.Exists(tree.TrashPath(dataDir, e.FileID)) {
			continue // already unlinked in a prior run
		}
		l.entries[e.FileID] = e
		if err := l.appendLocked(e); err != nil {
			return nil, err
		}
	}

	return l, nil
}

var errNotExist = errors.New("trash: index does not exist")

func readAll(fs vfs.FS, path string) ([]byte, error) {
	if !fs.Exists(path) {
		return nil, errNotExist
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (l *Ledger) appendLocked(e Entry) error {
	if err := l.index.Append(encodeEntry(e)); err != nil {
		return fmt.Errorf("trash: appending ledger entry: %w", err)
	}
	testutil.MaybeKill(testutil.KPFileSync0)
	if err := l.index.Sync(); err != nil {
		return fmt.Errorf("trash: syncing ledger index: %w", err)
	}
	testutil.MaybeKill(testutil.KPFileSync1)
	return l.fs.SyncDir(filepath.Join(l.dataDir, "trash"))
}

// Retire moves each removed file from data/ to trash/ and records a
// ledger entry for it. It is idempotent: a file already moved (src gone,
// dst present) is treated as already retired rather than an error, so a
// crash between the rename and the ledger append can be safely retried.
func (l *Ledger) Retire(removed []manifest.RemovedFile, removingEditSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rf := range removed {
		src := tree.DataPath(l.dataDir, rf.FileID)
		dst := tree.TrashPath(l.dataDir, rf.FileID)

		if l.fs.Exists(src) {
			testutil.MaybeKill(testutil.KPCompactionDeleteInput0)
			if err := l.fs.Rename(src, dst); err != nil {
				return fmt.Errorf("trash: moving %x to trash: %w", rf.FileID, err)
			}
			if err := l.fs.SyncDir(filepath.Join(l.dataDir, "trash")); err != nil {
				return fmt.Errorf("trash: syncing trash directory: %w", err)
			}
		} else if !l.fs.Exists(dst) {
			return fmt.Errorf("trash: retiring %x: neither live nor already trashed", rf.FileID)
		}

		if _, already := l.entries[rf.FileID]; already {
			continue
		}
		e := Entry{FileID: rf.FileID, Setsum: rf.Setsum, RemovingEditSeq: removingEditSeq}
		if err := l.appendLocked(e); err != nil {
			return err
		}
		l.entries[rf.FileID] = e
	}
	return nil
}

// ListTrashUpTo returns every trash entry whose removing edit committed
// at or before seq — candidates a verifier may consider for unlinking
// once it confirms the ledger balances.
func (l *Ledger) ListTrashUpTo(seq uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.RemovingEditSeq <= seq {
			out = append(out, e)
		}
	}
	return out
}

// UnlinkTrash permanently deletes a trash file and drops its ledger
// entry. Callers must only do this after confirming (via ListTrashUpTo
// plus a manifest-ledger cross-check) that the file's removal is
// accounted for and no live snapshot or cursor still references it.
func (l *Ledger) UnlinkTrash(id manifest.FileID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := tree.TrashPath(l.dataDir, id)
	if err := l.fs.Remove(path); err != nil {
		return fmt.Errorf("trash: unlinking %x: %w", id, err)
	}
	delete(l.entries, id)
	return l.fs.SyncDir(filepath.Join(l.dataDir, "trash"))
}

// Close closes the ledger's backing index file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.Close()
}

// SumSetsum folds the setsums of the given entries together; used to
// compare a candidate batch of trash entries against the manifest
// ledger's cumulative removed-minus-readded setsum before unlinking.
func SumSetsum(entries []Entry) setsum.Setsum {
	s := setsum.New()
	for _, e := range entries {
		s = s.Union(e.Setsum)
	}
	return s
}

// LedgerView is a read-only cumulative view over a sequence of manifest
// edits, letting a verifier compute the running added/removed setsum
// without needing write access to the manifest itself.
type LedgerView struct {
	edits []*manifest.Edit
}

// NewLedgerView wraps a decoded edit history (as returned by
// internal/manifestlog.Open) in commit order.
func NewLedgerView(edits []*manifest.Edit) *LedgerView {
	return &LedgerView{edits: edits}
}

// CumulativeUpTo returns the union of added setsums and the union of
// removed setsums across every edit with Seq ≤ seq.
func (v *LedgerView) CumulativeUpTo(seq uint64) (added, removed setsum.Setsum) {
	added, removed = setsum.New(), setsum.New()
	for _, e := range v.edits {
		if e.Seq > seq {
			continue
		}
		added = added.Union(e.SetsumAdded())
		removed = removed.Union(e.SetsumRemoved())
	}
	return added, removed
}
