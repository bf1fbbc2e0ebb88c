// builder.go builds blocks with prefix-compressed, restart-indexed entries.
//
// When we store a key, we drop the prefix shared with the previous key.
// Every restartInterval keys we skip the compression and store the key in
// full; we call this a restart point.
package block

import (
	"github.com/rescrv/blue/internal/checksum"
	"github.com/rescrv/blue/internal/encoding"
)

// Builder accumulates entries for a single block.
type Builder struct {
	buffer           []byte
	restarts         []uint32
	counter          int
	restartInterval  int
	lastKey          []byte
	useDeltaEncoding bool
	finished         bool
}

// NewBuilder creates a block builder with the given restart interval.
// A restart point is emitted every restartInterval entries; 16 is the
// engine's default.
func NewBuilder(restartInterval int) *Builder {
	return NewBuilderWithOptions(restartInterval, true)
}

// NewBuilderWithOptions creates a block builder with configurable delta encoding.
func NewBuilderWithOptions(restartInterval int, useDeltaEncoding bool) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &Builder{
		buffer:           make([]byte, 0, 4096),
		restartInterval:  restartInterval,
		useDeltaEncoding: useDeltaEncoding,
		restarts:         []uint32{0},
	}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = b.restarts[:1]
	b.restarts[0] = 0
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// Add appends a Put entry. key must be strictly greater than the
// previously added key.
func (b *Builder) Add(key, value []byte) {
	b.add(key, value, false)
}

// AddTombstone appends a tombstone entry for key.
func (b *Builder) AddTombstone(key []byte) {
	b.add(key, nil, true)
}

func (b *Builder) add(key, value []byte, tombstone bool) {
	if b.finished {
		panic("block: Add called after Finish")
	}

	shared := 0
	if b.useDeltaEncoding && b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}

	unshared := len(key) - shared

	b.buffer = encoding.AppendVarint32(b.buffer, uint32(shared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(unshared))
	if tombstone {
		b.buffer = encoding.AppendVarint32(b.buffer, TombstoneValueLen)
	} else {
		b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(value)))
	}
	b.buffer = append(b.buffer, key[shared:]...)
	if !tombstone {
		b.buffer = append(b.buffer, value...)
	}

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// CurrentSizeEstimate estimates the block's size if finished now.
func (b *Builder) CurrentSizeEstimate() int {
	return len(b.buffer) + len(b.restarts)*4 + trailerLen
}

// EstimatedSize is an alias for CurrentSizeEstimate.
func (b *Builder) EstimatedSize() int { return b.CurrentSizeEstimate() }

// Empty reports whether any entry has been added.
func (b *Builder) Empty() bool { return len(b.buffer) == 0 }

// Finish seals the block: appends the restart array, restart count, and a
// trailing CRC32C over everything preceding it. The returned slice is valid
// until Reset is called.
func (b *Builder) Finish() []byte {
	for _, restart := range b.restarts {
		b.buffer = encoding.AppendFixed32(b.buffer, restart)
	}
	b.buffer = encoding.AppendFixed32(b.buffer, uint32(len(b.restarts)))

	crc := checksum.Value(b.buffer)
	b.buffer = encoding.AppendFixed32(b.buffer, crc)

	b.finished = true
	return b.buffer
}

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
