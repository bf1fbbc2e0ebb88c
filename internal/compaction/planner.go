// Package compaction implements triangular compaction: the planner that
// selects a "triangle" of overlapping SSTs spanning a contiguous run of
// levels, and the executor that rewrites it into the span's bottom level
// while preserving the setsum ledger exactly.
//
// The shape is the classical LSM picker's — pick inputs, compute the key
// range, build a manifest edit — but the selection algorithm (height
// enumeration, fill thresholds, transitive overlap closure, the
// bytes-moved-down/bytes-written score, and the hot-knife boundary split)
// exists to amortize a level's rewrite cost across however many shallower
// levels are simultaneously full, the way a dynamic array amortizes a
// resize across its growth history. That is what bounds write
// amplification to a constant independent of tree depth.
package compaction

import (
	"bytes"

	"github.com/rescrv/blue/internal/dbformat"
	"github.com/rescrv/blue/internal/manifest"
	"github.com/rescrv/blue/internal/tree"
)

// Options configures the planner.
type Options struct {
	// N0 is the level-0 sizing constant in cap(level) = N0 * 2^level *
	// TargetFileSize. Default 8.
	N0 uint64

	// TargetFileSize is the per-output-file size target.
	TargetFileSize uint64

	// NumLevels bounds the levels the planner may consider; must not
	// exceed tree.NumLevels.
	NumLevels int

	// MaxTriangleHeight bounds the number of consecutive levels a single
	// plan may span.
	MaxTriangleHeight int

	// FillThreshold is the fraction of cap(level) at which a level counts
	// as "full". Default 0.8.
	FillThreshold float64

	// MaxBytesPerCompaction rejects any candidate whose estimated
	// input/output bytes would exceed it.
	MaxBytesPerCompaction uint64
}

// DefaultOptions returns the tunables this engine ships with: N0=8, a 0.8
// fill threshold, and a triangle height bounded by the full level count.
func DefaultOptions() Options {
	return Options{
		N0:                    8,
		TargetFileSize:        2 << 20, // 2 MiB
		NumLevels:             tree.NumLevels,
		MaxTriangleHeight:     tree.NumLevels,
		FillThreshold:         0.8,
		MaxBytesPerCompaction: 1 << 30, // 1 GiB
	}
}

// Cap returns the target capacity of level:
// cap(level) = N0 * 2^level * TargetFileSize.
func Cap(opts Options, level int) uint64 {
	return opts.N0 * (uint64(1) << uint(level)) * opts.TargetFileSize
}

// BoundaryFile is an input whose key range only partially falls inside the
// plan's locked key range. The "hot knife" rule: such a file is never
// absorbed whole (which would force the closure to keep growing to match
// its full span); instead it is rewritten as pieces — the slice inside the
// range joins the triangle, the slices outside it are re-emitted at its
// original level, unchanged. This bounds boundary cost to one file per
// level regardless of how large the tree has grown.
type BoundaryFile struct {
	File  *tree.FileMetaData
	Level int
}

// Plan is the output of the planner: a locked key range, the contiguous
// level span it touches, and every input file within it.
type Plan struct {
	LoLevel, HiLevel int
	Smallest, Largest []byte

	// Inputs holds every file, by level, that the executor must remove
	// and account for, including boundary files.
	Inputs map[int][]*tree.FileMetaData

	// Boundary lists the subset of Inputs that straddle the locked range
	// and need the hot-knife split treatment.
	Boundary []BoundaryFile

	Score      float64
	InputBytes uint64
}

// numInputFiles reports the total file count across all levels. Ties on
// input byte count are vanishingly rare with real file sizes, so the
// planner also tracks file count as a stable secondary tie-break before
// falling through to the starting level and the starting key.
func (p *Plan) numInputFiles() int {
	n := 0
	for _, files := range p.Inputs {
		n += len(files)
	}
	return n
}

// Picker selects a triangular compaction plan from a tree Version.
type Picker struct {
	opts Options
}

// NewPicker constructs a Picker with opts, defaulting any zero field from
// DefaultOptions().
func NewPicker(opts Options) *Picker {
	d := DefaultOptions()
	if opts.N0 == 0 {
		opts.N0 = d.N0
	}
	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = d.TargetFileSize
	}
	if opts.NumLevels == 0 {
		opts.NumLevels = d.NumLevels
	}
	if opts.MaxTriangleHeight == 0 {
		opts.MaxTriangleHeight = d.MaxTriangleHeight
	}
	if opts.FillThreshold == 0 {
		opts.FillThreshold = d.FillThreshold
	}
	if opts.MaxBytesPerCompaction == 0 {
		opts.MaxBytesPerCompaction = d.MaxBytesPerCompaction
	}
	return &Picker{opts: opts}
}

// Pick enumerates candidate triangles and returns the highest-scoring one
// that fits within MaxBytesPerCompaction, or false if no level is
// currently eligible.
func (p *Picker) Pick(v *tree.Version) (*Plan, bool) {
	var best *Plan

	for h := 1; h <= p.opts.MaxTriangleHeight && h <= p.opts.NumLevels; h++ {
		for lo := 0; lo+h-1 < p.opts.NumLevels; lo++ {
			hi := lo + h - 1
			if !p.levelsFull(v, lo, hi) {
				continue
			}

			for _, seed := range v.Files(lo) {
				cand := p.buildCandidate(v, lo, hi, seed)
				if cand == nil {
					continue
				}
				// A same-level plan rewrites its inputs in place; with a
				// single input that is a no-op that leaves the level
				// exactly as full as before, and a caller draining plans
				// until none remain would never terminate. Same-level
				// plans must consolidate at least two files.
				if hi == lo && cand.numInputFiles() < 2 {
					continue
				}
				if cand.InputBytes > p.opts.MaxBytesPerCompaction {
					continue
				}
				if betterCandidate(cand, best) {
					best = cand
				}
			}
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

// levelsFull requires levels lo..hi-1 to be at or above their fill
// threshold; a height-1 triangle has no such levels to check, so it is
// instead gated on level lo itself, since otherwise the planner would
// have no trigger to ever act on an isolated level.
func (p *Picker) levelsFull(v *tree.Version, lo, hi int) bool {
	if hi == lo {
		return v.NumLevelBytes(lo) >= uint64(p.opts.FillThreshold*float64(Cap(p.opts, lo)))
	}
	for l := lo; l < hi; l++ {
		if v.NumLevelBytes(l) < uint64(p.opts.FillThreshold*float64(Cap(p.opts, l))) {
			return false
		}
	}
	return true
}

// buildCandidate computes the transitive overlap closure starting from
// seed at level lo, expanding across lo..hi until no more non-boundary
// files overlap the locked range, then scores the result.
func (p *Picker) buildCandidate(v *tree.Version, lo, hi int, seed *tree.FileMetaData) *Plan {
	inputs := make(map[int][]*tree.FileMetaData)
	present := make(map[manifest.FileID]bool)
	var boundary []BoundaryFile

	smallest := append([]byte(nil), seed.Smallest...)
	largest := append([]byte(nil), seed.Largest...)
	inputs[lo] = append(inputs[lo], seed)
	present[seed.FileID] = true

	for {
		for l := lo; l <= hi; l++ {
			for _, f := range v.ListOverlap(l, smallest, largest) {
				if present[f.FileID] {
					continue
				}
				present[f.FileID] = true

				contained := bytes.Compare(f.Smallest, smallest) >= 0 && bytes.Compare(f.Largest, largest) <= 0
				inputs[l] = append(inputs[l], f)
				if !contained {
					// Hot knife: a file that only partially overlaps the
					// locked range is never absorbed whole — it is split
					// instead of growing the range to match it, which is
					// exactly what keeps the closure from cascading into
					// the rest of the tree.
					boundary = append(boundary, BoundaryFile{File: f, Level: l})
				}
			}
		}

		// A boundary file never grows the locked range, so the closure
		// has reached a fixed point once a full pass adds no new
		// non-boundary (range-growing) file.
		expanded := false
		for l := lo; l <= hi; l++ {
			for _, f := range inputs[l] {
				if isBoundary(boundary, f.FileID) {
					continue
				}
				if bytes.Compare(f.Smallest, smallest) < 0 {
					smallest = append([]byte(nil), f.Smallest...)
					expanded = true
				}
				if bytes.Compare(f.Largest, largest) > 0 {
					largest = append([]byte(nil), f.Largest...)
					expanded = true
				}
			}
		}
		if !expanded {
			break
		}
	}

	plan := &Plan{
		LoLevel:  lo,
		HiLevel:  hi,
		Smallest: smallest,
		Largest:  largest,
		Inputs:   inputs,
		Boundary: boundary,
	}

	var movedDown, total uint64
	for l := lo; l <= hi; l++ {
		for _, f := range inputs[l] {
			total += f.FileSize
			if l < hi {
				movedDown += f.FileSize
			}
		}
	}
	plan.InputBytes = total
	if total > 0 {
		plan.Score = float64(movedDown) / float64(total)
	}

	return plan
}

func isBoundary(boundary []BoundaryFile, id manifest.FileID) bool {
	for _, b := range boundary {
		if b.File.FileID == id {
			return true
		}
	}
	return false
}

// betterCandidate implements the scoring and tie-break chain: higher score
// wins; ties broken by smaller input byte count, then fewer input files,
// then lower starting level, then a lexicographically smaller starting
// key.
func betterCandidate(cand, best *Plan) bool {
	if best == nil {
		return true
	}
	if cand.Score != best.Score {
		return cand.Score > best.Score
	}
	if cand.InputBytes != best.InputBytes {
		return cand.InputBytes < best.InputBytes
	}
	if n, bn := cand.numInputFiles(), best.numInputFiles(); n != bn {
		return n < bn
	}
	if cand.LoLevel != best.LoLevel {
		return cand.LoLevel < best.LoLevel
	}
	return dbformat.BytewiseCompare(cand.Smallest, best.Smallest) < 0
}
