// Package blue is the engine façade: it wires internal/tree, internal/manifestlog,
// internal/compaction, and internal/trash into one handle, assigns the
// monotone sequence numbers neither package owns on its own, and exposes the
// read/ingest/maintenance surface a caller needs without reaching into any
// internal package directly.
package blue

import (
	"github.com/rescrv/blue/internal/compression"
	"github.com/rescrv/blue/internal/logging"
	"github.com/rescrv/blue/internal/manifestlog"
	"github.com/rescrv/blue/internal/sst"
	"github.com/rescrv/blue/internal/tree"
	"github.com/rescrv/blue/internal/vfs"
)

// Options configures a DB as a flat struct with documented defaults: every
// field has a value reachable via DefaultOptions.
type Options struct {
	// N0 is the level-0 sizing constant: cap(level) = N0 * 2^level *
	// TargetFileSize.
	N0 uint64

	// TargetFileSize is the approximate size of one SST, both as written
	// by a compaction output and as the level-sizing unit.
	TargetFileSize uint64

	// NumLevels bounds the tree to tree.NumLevels; present for
	// documentation symmetry with the rest of Options, not independently
	// configurable below that constant.
	NumLevels int

	// TargetBlockSize is the target uncompressed size of one SST data
	// block.
	TargetBlockSize int

	// RestartInterval is the number of entries between restart points in
	// an SST data block.
	RestartInterval int

	// BloomBitsPerKey sizes the optional per-SST Bloom filter. Zero
	// disables it.
	BloomBitsPerKey int

	// Compression selects the per-block compressor used by every SST this
	// DB writes (compaction outputs only; ingested SSTs keep whatever
	// compression they already carry).
	Compression compression.Type

	// MaxManifestBytes triggers a manifest rollover once exceeded.
	MaxManifestBytes int64

	// FillThreshold is the fraction of a level's target capacity that
	// must be reached before the planner considers it full.
	FillThreshold float64

	// MaxTriangleHeight bounds how many consecutive levels one compaction
	// plan may span.
	MaxTriangleHeight int

	// MaxBytesPerCompaction rejects any plan whose input bytes would
	// exceed it.
	MaxBytesPerCompaction uint64

	// L0FileCountLimit is the level-0 file count above which Ingest
	// returns blueerr.BackpressureFull.
	L0FileCountLimit int

	// L0ByteSizeLimit is the level-0 byte size above which Ingest returns
	// blueerr.BackpressureFull.
	L0ByteSizeLimit uint64

	// Logger receives component-prefixed log lines. Defaults to
	// logging.Discard.
	Logger logging.Logger

	// FS is the filesystem the DB operates against. Defaults to
	// vfs.Default().
	FS vfs.FS
}

// DefaultOptions returns the tunables this engine ships with: N0=8,
// 2 MiB SSTs, L=11 levels, 4 KiB blocks, a restart every 16 entries, a
// 10-bits-per-key Bloom filter, no compression, a 64 MiB manifest rollover
// threshold, a 0.8 fill threshold, an unbounded triangle height, a 1 GiB
// compaction cap, and level-0 backpressure at 8 files or 64 MiB.
func DefaultOptions() Options {
	return Options{
		N0:                    8,
		TargetFileSize:        2 << 20,
		NumLevels:             tree.NumLevels,
		TargetBlockSize:       4096,
		RestartInterval:       16,
		BloomBitsPerKey:       10,
		Compression:           compression.NoCompression,
		MaxManifestBytes:      64 << 20,
		FillThreshold:         0.8,
		MaxTriangleHeight:     tree.NumLevels,
		MaxBytesPerCompaction: 1 << 30,
		L0FileCountLimit:      8,
		L0ByteSizeLimit:       64 << 20,
		Logger:                logging.Discard,
		FS:                    vfs.Default(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.N0 == 0 {
		o.N0 = d.N0
	}
	if o.TargetFileSize == 0 {
		o.TargetFileSize = d.TargetFileSize
	}
	if o.NumLevels == 0 {
		o.NumLevels = d.NumLevels
	}
	if o.TargetBlockSize == 0 {
		o.TargetBlockSize = d.TargetBlockSize
	}
	if o.RestartInterval == 0 {
		o.RestartInterval = d.RestartInterval
	}
	if o.MaxManifestBytes == 0 {
		o.MaxManifestBytes = d.MaxManifestBytes
	}
	if o.FillThreshold == 0 {
		o.FillThreshold = d.FillThreshold
	}
	if o.MaxTriangleHeight == 0 {
		o.MaxTriangleHeight = d.MaxTriangleHeight
	}
	if o.MaxBytesPerCompaction == 0 {
		o.MaxBytesPerCompaction = d.MaxBytesPerCompaction
	}
	if o.L0FileCountLimit == 0 {
		o.L0FileCountLimit = d.L0FileCountLimit
	}
	if o.L0ByteSizeLimit == 0 {
		o.L0ByteSizeLimit = d.L0ByteSizeLimit
	}
	if logging.IsNil(o.Logger) {
		o.Logger = d.Logger
	}
	if o.FS == nil {
		o.FS = d.FS
	}
	return o
}

func (o Options) manifestOptions() manifestlog.Options {
	return manifestlog.Options{MaxManifestBytes: o.MaxManifestBytes, Logger: o.Logger}
}

func (o Options) writerOptions() sst.WriterOptions {
	return sst.WriterOptions{
		BlockSize:       o.TargetBlockSize,
		RestartInterval: o.RestartInterval,
		Compression:     o.Compression,
		BloomBitsPerKey: o.BloomBitsPerKey,
	}
}
