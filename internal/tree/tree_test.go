package tree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/manifestlog"
	"github.com/rescrv/blue/internal/setsum"
	"github.com/rescrv/blue/internal/vfs"
)

func fileID(b byte) manifest.FileID {
	var id manifest.FileID
	id[0] = b
	return id
}

// writeFakeSST drops a file of the given size at its canonical data path so
// ApplyEdit's Stat call succeeds.
func writeFakeSST(t *testing.T, dataDir string, id manifest.FileID, size int) {
	t.Helper()
	path := DataPath(dataDir, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func openTestTree(t *testing.T) (*Tree, string) {
	t.Helper()
	dataDir := t.TempDir()
	fs := vfs.Default()

	mlog, err := manifestlog.Create(fs, dataDir, manifestlog.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("manifestlog.Create() error = %v", err)
	}

	tr, err := Open(fs, dataDir, mlog, nil, Options{})
	if err != nil {
		t.Fatalf("tree.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, dataDir
}

func ingestEdit(id manifest.FileID, level uint8, smallest, largest string) *manifest.Edit {
	return &manifest.Edit{
		Reason: manifest.ReasonIngest,
		Added: []manifest.AddedFile{
			{
				FileID:   id,
				Level:    level,
				Smallest: []byte(smallest),
				Largest:  []byte(largest),
				Setsum:   setsum.New().AddBytes(id[:]),
			},
		},
	}
}

func TestApplyIngestEditUpdatesCurrentSnapshot(t *testing.T) {
	tr, dataDir := openTestTree(t)
	id := fileID(1)
	writeFakeSST(t, dataDir, id, 128)

	if err := tr.ApplyEdit(ingestEdit(id, 0, "a", "m")); err != nil {
		t.Fatalf("ApplyEdit() error = %v", err)
	}

	snap := tr.CurrentSnapshot()
	defer snap.Release()

	files := snap.Version().Files(0)
	if len(files) != 1 {
		t.Fatalf("got %d files at level 0, want 1", len(files))
	}
	if files[0].FileSize != 128 {
		t.Errorf("FileSize = %d, want 128 (populated from stat)", files[0].FileSize)
	}
}

func TestApplyNonIngestUnbalancedEditRejected(t *testing.T) {
	tr, _ := openTestTree(t)
	edit := &manifest.Edit{
		Reason: manifest.ReasonCompact,
		Added: []manifest.AddedFile{
			{FileID: fileID(1), Setsum: setsum.New().AddBytes([]byte("x"))},
		},
	}
	if err := tr.ApplyEdit(edit); err == nil {
		t.Fatal("expected UnbalancedEdit, got nil")
	}
}

func TestApplyBalancedCompactionEdit(t *testing.T) {
	tr, dataDir := openTestTree(t)
	in := fileID(1)
	writeFakeSST(t, dataDir, in, 64)
	if err := tr.ApplyEdit(ingestEdit(in, 0, "a", "m")); err != nil {
		t.Fatalf("ingest ApplyEdit() error = %v", err)
	}

	out := fileID(2)
	writeFakeSST(t, dataDir, out, 64)
	sum := setsum.New().AddBytes(in[:])
	compact := &manifest.Edit{
		Reason: manifest.ReasonCompact,
		Added: []manifest.AddedFile{
			{FileID: out, Level: 1, Smallest: []byte("a"), Largest: []byte("m"), Setsum: sum},
		},
		Removed: []manifest.RemovedFile{
			{FileID: in, Level: 0, Setsum: sum},
		},
	}
	if err := tr.ApplyEdit(compact); err != nil {
		t.Fatalf("compact ApplyEdit() error = %v", err)
	}

	snap := tr.CurrentSnapshot()
	defer snap.Release()
	if len(snap.Version().Files(0)) != 0 {
		t.Error("level 0 should be empty after compaction")
	}
	if len(snap.Version().Files(1)) != 1 {
		t.Error("level 1 should hold the compacted output")
	}
	if snap.Version().GlobalSetsum().Finalize() != sum.Finalize() {
		t.Error("global setsum should be unchanged across a balanced compaction")
	}
}

func TestListOverlapLevelZeroScansAll(t *testing.T) {
	tr, dataDir := openTestTree(t)
	id1, id2 := fileID(1), fileID(2)
	writeFakeSST(t, dataDir, id1, 10)
	writeFakeSST(t, dataDir, id2, 10)
	if err := tr.ApplyEdit(ingestEdit(id1, 0, "a", "f")); err != nil {
		t.Fatalf("ApplyEdit() error = %v", err)
	}
	if err := tr.ApplyEdit(ingestEdit(id2, 0, "e", "z")); err != nil {
		t.Fatalf("ApplyEdit() error = %v", err)
	}

	snap := tr.CurrentSnapshot()
	defer snap.Release()
	overlap := snap.Version().ListOverlap(0, []byte("e"), []byte("f"))
	if len(overlap) != 2 {
		t.Fatalf("got %d overlapping files, want 2 (both ranges touch [e,f])", len(overlap))
	}
}

func TestListOverlapLevelOneBinarySearch(t *testing.T) {
	tr, dataDir := openTestTree(t)
	ids := []manifest.FileID{fileID(1), fileID(2), fileID(3)}
	ranges := [][2]string{{"a", "c"}, {"d", "f"}, {"g", "i"}}
	for i, id := range ids {
		writeFakeSST(t, dataDir, id, 10)
		if err := tr.ApplyEdit(&manifest.Edit{
			Reason: manifest.ReasonIngest,
			Added: []manifest.AddedFile{
				{FileID: id, Level: 1, Smallest: []byte(ranges[i][0]), Largest: []byte(ranges[i][1]), Setsum: setsum.New().AddBytes(id[:])},
			},
		}); err != nil {
			t.Fatalf("ApplyEdit() error = %v", err)
		}
	}

	snap := tr.CurrentSnapshot()
	defer snap.Release()
	overlap := snap.Version().ListOverlap(1, []byte("e"), []byte("e"))
	if len(overlap) != 1 {
		t.Fatalf("got %d overlapping files, want 1", len(overlap))
	}
	if overlap[0].FileID != ids[1] {
		t.Errorf("overlap returned wrong file")
	}
}

func TestSnapshotIsolationAcrossSubsequentEdits(t *testing.T) {
	tr, dataDir := openTestTree(t)
	id1 := fileID(1)
	writeFakeSST(t, dataDir, id1, 10)
	if err := tr.ApplyEdit(ingestEdit(id1, 0, "a", "f")); err != nil {
		t.Fatalf("ApplyEdit() error = %v", err)
	}

	snap := tr.CurrentSnapshot()
	defer snap.Release()

	id2 := fileID(2)
	writeFakeSST(t, dataDir, id2, 10)
	if err := tr.ApplyEdit(ingestEdit(id2, 0, "g", "z")); err != nil {
		t.Fatalf("ApplyEdit() error = %v", err)
	}

	if len(snap.Version().Files(0)) != 1 {
		t.Error("snapshot taken before the second ingest should not observe it")
	}

	fresh := tr.CurrentSnapshot()
	defer fresh.Release()
	if len(fresh.Version().Files(0)) != 2 {
		t.Error("a fresh snapshot should observe both ingests")
	}
}

func TestSweepOrphansMovesUnreferencedFiles(t *testing.T) {
	tr, dataDir := openTestTree(t)
	id1 := fileID(1)
	writeFakeSST(t, dataDir, id1, 10)
	if err := tr.ApplyEdit(ingestEdit(id1, 0, "a", "f")); err != nil {
		t.Fatalf("ApplyEdit() error = %v", err)
	}

	orphan := fileID(9)
	writeFakeSST(t, dataDir, orphan, 10)

	if err := tr.SweepOrphans(); err != nil {
		t.Fatalf("SweepOrphans() error = %v", err)
	}

	if _, err := os.Stat(DataPath(dataDir, orphan)); !os.IsNotExist(err) {
		t.Error("orphan file should have been moved out of data/")
	}
	if _, err := os.Stat(TrashPath(dataDir, orphan)); err != nil {
		t.Errorf("orphan file should now exist in trash/: %v", err)
	}
	if _, err := os.Stat(DataPath(dataDir, id1)); err != nil {
		t.Errorf("referenced file should remain in data/: %v", err)
	}
}

func TestOpenReplaysRecoveredEdits(t *testing.T) {
	dataDir := t.TempDir()
	fs := vfs.Default()

	mlog, err := manifestlog.Create(fs, dataDir, manifestlog.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("manifestlog.Create() error = %v", err)
	}
	id := fileID(1)
	writeFakeSST(t, dataDir, id, 42)
	if err := mlog.Append(ingestEdit(id, 0, "a", "z")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mlog.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mlog2, edits, err := manifestlog.Open(fs, dataDir, manifestlog.DefaultOptions())
	if err != nil {
		t.Fatalf("manifestlog.Open() error = %v", err)
	}

	tr2, err := Open(fs, dataDir, mlog2, edits, Options{})
	if err != nil {
		t.Fatalf("tree.Open() error = %v", err)
	}
	defer tr2.Close()

	snap := tr2.CurrentSnapshot()
	defer snap.Release()
	files := snap.Version().Files(0)
	if len(files) != 1 || files[0].FileSize != 42 {
		t.Fatalf("recovered files = %+v, want one file of size 42", files)
	}
}
