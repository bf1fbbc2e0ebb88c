// Package manifestlog implements the on-disk manifest: an append-only,
// length-framed log of manifest.Edit records, plus the CURRENT-file
// indirection and rollover that keep it bounded in size.
//
// Frame format: length:u32_LE, crc32c:u32_LE, body:bytes, with crc32c
// computed over body alone. This is a much simpler framing than a
// WAL's block-fragmented record format, since a manifest record is never
// split across a fixed-size block boundary — one edit is one frame.
package manifestlog

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rescrv/blue/internal/checksum"
	"github.com/rescrv/blue/internal/logging"
	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/testutil"
	"github.com/rescrv/blue/internal/vfs"
)

const (
	// CurrentFileName is the pointer file naming the live manifest, stored
	// at the data directory's root.
	CurrentFileName = "CURRENT"

	// ManifestSubdir is where manifest log files live, relative to the
	// data directory root.
	ManifestSubdir = "manifest"

	frameHeaderLen = 8 // length:u32_LE + crc32c:u32_LE
)

var (
	// ErrNoCurrent is returned when the CURRENT pointer file is missing or
	// empty, which only happens on a directory that was never initialized.
	ErrNoCurrent = errors.New("manifestlog: no CURRENT file")

	// ErrEmpty is returned by Open when the manifest contains no valid
	// frames at all, not even the initial snapshot edit.
	ErrEmpty = errors.New("manifestlog: manifest file has no valid frames")
)

// Options configures a manifest log.
type Options struct {
	// MaxManifestBytes triggers Rollover once the live manifest exceeds
	// this size. Default 64 MiB.
	MaxManifestBytes int64

	Logger logging.Logger
}

// DefaultOptions returns a 64 MiB rollover threshold and a discard logger.
func DefaultOptions() Options {
	return Options{
		MaxManifestBytes: 64 << 20,
		Logger:           logging.Discard,
	}
}

// EncodeFrame wraps body in the on-disk frame format.
func EncodeFrame(body []byte) []byte {
	frame := make([]byte, 0, frameHeaderLen+len(body))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body)))
	frame = binary.LittleEndian.AppendUint32(frame, checksum.Value(body))
	frame = append(frame, body...)
	return frame
}

// ScanFrames walks data, validating frames in order, and returns the bodies
// of every frame that parses cleanly plus the byte offset immediately past
// the last valid frame. Scanning stops — it does not error — at the first
// frame whose length is zero, whose body would
// extend past EOF, or whose CRC mismatches; everything from validLen
// onward is a torn or never-completed write and is discarded.
func ScanFrames(data []byte) (bodies [][]byte, validLen int) {
	pos := 0
	for pos+frameHeaderLen <= len(data) {
		length := binary.LittleEndian.Uint32(data[pos : pos+4])
		if length == 0 {
			break
		}
		wantCRC := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		bodyStart := pos + frameHeaderLen
		bodyEnd := bodyStart + int(length)
		if bodyEnd > len(data) {
			break
		}
		body := data[bodyStart:bodyEnd]
		if checksum.Value(body) != wantCRC {
			break
		}
		bodies = append(bodies, body)
		pos = bodyEnd
	}
	return bodies, pos
}

// Log is an open, appendable manifest log. A single Log is owned by the
// manifest-writer goroutine; it is not safe for concurrent Append calls.
type Log struct {
	fs     vfs.FS
	dir    string
	opts   Options
	logger logging.Logger

	manifestName string // bare filename within ManifestSubdir
	file         vfs.WritableFile
	bytesWritten int64
}

// manifestPath returns the absolute path of the manifest file named name.
func manifestPath(dir, name string) string {
	return filepath.Join(dir, ManifestSubdir, name)
}

func newManifestName() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("manifestlog: generating manifest name: %w", err)
	}
	return hex.EncodeToString(raw[:]) + ".log", nil
}

// Create initializes a brand-new manifest log in dir: an empty manifest
// file, a CURRENT pointer to it, and (if snapshot is non-nil) an initial
// frame recording the starting tree state.
func Create(fs vfs.FS, dir string, opts Options, snapshot *manifest.Edit) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	if err := fs.MkdirAll(filepath.Join(dir, ManifestSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("manifestlog: creating manifest directory: %w", err)
	}

	name, err := newManifestName()
	if err != nil {
		return nil, err
	}
	f, err := fs.Create(manifestPath(dir, name))
	if err != nil {
		return nil, fmt.Errorf("manifestlog: creating manifest file: %w", err)
	}

	l := &Log{fs: fs, dir: dir, opts: opts, logger: opts.Logger, manifestName: name, file: f}

	if snapshot != nil {
		if err := l.Append(snapshot); err != nil {
			return nil, err
		}
	}

	if err := writeCurrent(fs, dir, name); err != nil {
		return nil, err
	}

	return l, nil
}

// Open recovers an existing manifest log: it reads CURRENT, scans the
// referenced manifest file for valid frames (discarding any torn tail per
// ScanFrames), rewrites the file to exactly that valid prefix, and returns
// a Log ready to accept further appends along with the decoded edits in
// commit order.
//
// Rewriting the valid prefix rather than truncating in place is a
// consequence of internal/vfs.FS only offering Create (truncate-to-empty)
// and read-only random access, not an append-in-place open; see DESIGN.md.
func Open(fs vfs.FS, dir string, opts Options) (*Log, []*manifest.Edit, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}

	name, err := readCurrent(fs, dir)
	if err != nil {
		return nil, nil, err
	}

	raw, err := readAll(fs, manifestPath(dir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("manifestlog: reading manifest file: %w", err)
	}

	bodies, validLen := ScanFrames(raw)
	if validLen < len(raw) {
		opts.Logger.Warnf(logging.NSManifest+"discarding torn tail: %d of %d bytes valid", validLen, len(raw))
	}

	edits := make([]*manifest.Edit, 0, len(bodies))
	for _, body := range bodies {
		e, err := manifest.Decode(body)
		if err != nil {
			// A body that passed its CRC but fails to decode indicates a
			// format bug, not torn I/O; surface it rather than silently
			// dropping committed state.
			return nil, nil, fmt.Errorf("manifestlog: decoding recovered edit: %w", err)
		}
		edits = append(edits, e)
	}

	f, err := fs.Create(manifestPath(dir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("manifestlog: reopening manifest file: %w", err)
	}
	if validLen > 0 {
		if err := f.Append(raw[:validLen]); err != nil {
			return nil, nil, fmt.Errorf("manifestlog: rewriting valid prefix: %w", err)
		}
		if err := f.Sync(); err != nil {
			return nil, nil, fmt.Errorf("manifestlog: syncing rewritten manifest: %w", err)
		}
	}

	l := &Log{fs: fs, dir: dir, opts: opts, logger: opts.Logger, manifestName: name, file: f, bytesWritten: int64(validLen)}
	return l, edits, nil
}

// Append durably writes edit as the next frame: the frame is written, the
// file is synced, and the manifest directory is synced so the append
// survives a crash. It does not validate that the edit balances; that is
// internal/tree's job before it ever calls Append.
func (l *Log) Append(edit *manifest.Edit) error {
	frame := EncodeFrame(edit.Encode())

	testutil.MaybeKill(testutil.KPManifestWrite0)
	if err := l.file.Append(frame); err != nil {
		return fmt.Errorf("manifestlog: appending frame: %w", err)
	}
	l.bytesWritten += int64(len(frame))

	testutil.MaybeKill(testutil.KPManifestSync0)
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("manifestlog: syncing manifest file: %w", err)
	}
	if err := l.fs.SyncDir(filepath.Join(l.dir, ManifestSubdir)); err != nil {
		return fmt.Errorf("manifestlog: syncing manifest directory: %w", err)
	}
	testutil.MaybeKill(testutil.KPManifestSync1)

	return nil
}

// ShouldRollover reports whether the live manifest has exceeded its
// configured size threshold and a Rollover should be performed at the next
// safe point.
func (l *Log) ShouldRollover() bool {
	return l.bytesWritten >= l.opts.MaxManifestBytes
}

// Rollover starts a new manifest file containing snapshot as its sole
// frame (a single compacted edit synthesizing the current tree state),
// durably swaps CURRENT to point at it, and removes the old manifest file.
// The old file is only unlinked once the CURRENT swap is itself durable.
func (l *Log) Rollover(snapshot *manifest.Edit) error {
	newName, err := newManifestName()
	if err != nil {
		return err
	}
	newFile, err := l.fs.Create(manifestPath(l.dir, newName))
	if err != nil {
		return fmt.Errorf("manifestlog: creating rollover manifest: %w", err)
	}

	frame := EncodeFrame(snapshot.Encode())
	if err := newFile.Append(frame); err != nil {
		return fmt.Errorf("manifestlog: writing rollover snapshot: %w", err)
	}
	if err := newFile.Sync(); err != nil {
		return fmt.Errorf("manifestlog: syncing rollover manifest: %w", err)
	}
	if err := l.fs.SyncDir(filepath.Join(l.dir, ManifestSubdir)); err != nil {
		return fmt.Errorf("manifestlog: syncing manifest directory: %w", err)
	}

	oldName := l.manifestName
	if err := writeCurrent(l.fs, l.dir, newName); err != nil {
		return err
	}

	if err := l.file.Close(); err != nil {
		l.logger.Warnf(logging.NSManifest+"closing superseded manifest: %v", err)
	}
	if err := l.fs.Remove(manifestPath(l.dir, oldName)); err != nil {
		l.logger.Warnf(logging.NSManifest+"removing superseded manifest %s: %v", oldName, err)
	}

	l.manifestName = newName
	l.file = newFile
	l.bytesWritten = int64(len(frame))
	return nil
}

// Close closes the underlying manifest file.
func (l *Log) Close() error {
	return l.file.Close()
}

// writeCurrent atomically points CURRENT at manifestName: write to a
// temporary file, fsync, rename over CURRENT, then sync the containing
// directory so the rename itself is durable. This is the same
// write-new-then-rename idiom used for SST and trash lifecycle operations.
func writeCurrent(fs vfs.FS, dir, manifestName string) error {
	tmpPath := filepath.Join(dir, CurrentFileName+".tmp")
	finalPath := filepath.Join(dir, CurrentFileName)

	f, err := fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("manifestlog: creating CURRENT temp file: %w", err)
	}
	if err := f.Append([]byte(manifestName + "\n")); err != nil {
		_ = f.Close()
		return fmt.Errorf("manifestlog: writing CURRENT temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("manifestlog: syncing CURRENT temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifestlog: closing CURRENT temp file: %w", err)
	}

	testutil.MaybeKill(testutil.KPCurrentWrite0)
	if err := fs.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("manifestlog: renaming CURRENT: %w", err)
	}
	testutil.MaybeKill(testutil.KPCurrentWrite1)

	testutil.MaybeKill(testutil.KPDirSync0)
	if err := fs.SyncDir(dir); err != nil {
		return fmt.Errorf("manifestlog: syncing data directory: %w", err)
	}
	testutil.MaybeKill(testutil.KPDirSync1)

	return nil
}

func readCurrent(fs vfs.FS, dir string) (string, error) {
	raw, err := readAll(fs, filepath.Join(dir, CurrentFileName))
	if err != nil {
		return "", ErrNoCurrent
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		return "", ErrNoCurrent
	}
	return name, nil
}

func readAll(fs vfs.FS, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}
