package tree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/setsum"
)

// builder accumulates one edit's worth of changes against a base Version
// and produces the resulting Version, without copying files that neither
// moved nor changed. Mirrors the add-set/delete-set accumulation idiom of
// a classic version builder, generalized to the tree's own FileMetaData.
type builder struct {
	base *Version

	added   [NumLevels]map[manifest.FileID]*FileMetaData
	deleted [NumLevels]map[manifest.FileID]struct{}
}

func newBuilder(base *Version) *builder {
	b := &builder{base: base}
	for i := range NumLevels {
		b.added[i] = make(map[manifest.FileID]*FileMetaData)
		b.deleted[i] = make(map[manifest.FileID]struct{})
	}
	return b
}

func (b *builder) apply(edit *manifest.Edit) error {
	for _, rf := range edit.Removed {
		if int(rf.Level) >= NumLevels {
			return fmt.Errorf("tree: edit removes file at out-of-range level %d", rf.Level)
		}
		if _, wasAdded := b.added[rf.Level][rf.FileID]; wasAdded {
			delete(b.added[rf.Level], rf.FileID)
			continue
		}
		b.deleted[rf.Level][rf.FileID] = struct{}{}
	}

	for _, af := range edit.Added {
		if int(af.Level) >= NumLevels {
			return fmt.Errorf("tree: edit adds file at out-of-range level %d", af.Level)
		}
		fileSize, err := b.base.tree.statFileSize(af.FileID)
		if err != nil {
			return err
		}
		delete(b.deleted[af.Level], af.FileID)
		b.added[af.Level][af.FileID] = &FileMetaData{
			FileID:   af.FileID,
			Level:    af.Level,
			Smallest: af.Smallest,
			Largest:  af.Largest,
			Setsum:   af.Setsum,
			FileSize: fileSize,
		}
	}

	return nil
}

// saveTo materializes a new Version from the base plus accumulated
// changes, holding one reference on the tree's behalf.
func (b *builder) saveTo(t *Tree) *Version {
	v := t.newVersion()

	g := setsum.New()
	for level := range NumLevels {
		var files []*FileMetaData
		if b.base != nil {
			for _, f := range b.base.files[level] {
				if _, gone := b.deleted[level][f.FileID]; gone {
					continue
				}
				files = append(files, f)
			}
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}

		if level == 0 {
			// L0 files may overlap; keep insertion order stable (oldest
			// first) so newest-wins reads scan from the back.
		} else {
			sort.Slice(files, func(i, j int) bool {
				return bytes.Compare(files[i].Smallest, files[j].Smallest) < 0
			})
		}

		v.files[level] = files
		for _, f := range files {
			g = g.Union(f.Setsum)
		}
	}
	v.globalSetsum = g

	return v
}
