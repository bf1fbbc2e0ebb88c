// Package merge implements the merging cursor: the union of several sorted
// internal-key streams (SSTs from different levels, or compaction inputs)
// collapsed into one sorted stream.
//
// It generalizes a plain k-way merge in two ways a flat merge doesn't need:
// a snapshot ceiling that makes later (higher-sequence) versions of a key
// invisible to a read taken before they existed, and a mode flag that
// decides what a "stream" means. Read-mode yields one entry per user key —
// the newest visible version, with tombstoned keys elided entirely.
// Compaction-mode yields every version of every key, tombstones included,
// because a compaction rewrite must conserve the multiset of entries it
// consumes; retiring a tombstone is the executor's decision, made with
// knowledge of what lies outside the merge.
package merge

import (
	"container/heap"

	"github.com/rescrv/blue/internal/dbformat"
)

// Iterator is the shape every source handed to a Cursor must satisfy. It is
// exactly what *sst.Iterator already implements.
type Iterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	IsTombstone() bool
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	Next()
	Prev()
	Error() error
}

// Mode controls how the cursor treats duplicate user keys and tombstones.
type Mode int

const (
	// ModeRead dedups down to the single newest visible version of each
	// user key and never surfaces a tombstone to the caller.
	ModeRead Mode = iota

	// ModeCompaction yields every version of every key, tombstones
	// included, collapsing only byte-identical internal keys that appear
	// in more than one source. A compaction rewrite must conserve the
	// multiset of entries it consumes; deciding whether a tombstone (and
	// the versions it dominates) can be retired is the executor's call,
	// not the merge's.
	ModeCompaction
)

// Source is one input stream to a Cursor, ranked by Priority: when two
// sources are positioned on the same user key at the same sequence number
// (only possible across overlapping compaction inputs, since within one
// source sequence numbers are unique), the lower Priority value wins.
// Normally this never needs to matter, because CompareInternalKeys already
// orders equal user keys by descending sequence.
type Source struct {
	Iter     Iterator
	Priority int
}

// Cursor merges a fixed set of Sources into one deduplicated, sorted
// stream. SnapshotSeq bounds which versions are visible: an entry with
// Sequence() > SnapshotSeq is skipped entirely, as if written after the
// read began. A zero SnapshotSeq is treated as "no ceiling" only when
// NoSnapshot is also set, since sequence 0 is otherwise a valid value.
type Cursor struct {
	sources     []Source
	mode        Mode
	snapshotSeq dbformat.SequenceNumber
	noSnapshot  bool

	h *sourceHeap

	key       []byte
	value     []byte
	tombstone bool
	valid     bool
	err       error

	onSuppressed func(key, value []byte, tombstone bool)
}

// NewCursor creates a Cursor over sources. See SetSnapshot/ClearSnapshot on
// the returned Cursor for bounding visibility.
func NewCursor(sources []Source, mode Mode) *Cursor {
	c := &Cursor{
		sources:    sources,
		mode:       mode,
		noSnapshot: true,
	}
	c.h = &sourceHeap{}
	return c
}

// OnSuppressed registers fn to be called, during ModeCompaction merges, for
// every entry the cursor consumes but never yields: a byte-identical
// duplicate of an internal key already yielded from a higher-priority
// source, or a version above the snapshot ceiling. The compaction executor
// uses this to fold such an entry's setsum into its dropped-entry
// accumulator D, since the entry never reaches an output file and the
// ledger must still account for it. In ModeRead, fn also receives every
// older or snapshot-invisible version of a key that the cursor skips.
func (c *Cursor) OnSuppressed(fn func(key, value []byte, tombstone bool)) {
	c.onSuppressed = fn
}

// SetSnapshot bounds the cursor to entries with Sequence() <= seq.
func (c *Cursor) SetSnapshot(seq dbformat.SequenceNumber) {
	c.snapshotSeq = seq
	c.noSnapshot = false
}

// ClearSnapshot removes any sequence ceiling.
func (c *Cursor) ClearSnapshot() {
	c.noSnapshot = true
}

func (c *Cursor) visible(internalKey []byte) bool {
	if c.noSnapshot {
		return true
	}
	return dbformat.ExtractSequenceNumber(internalKey) <= c.snapshotSeq
}

// SeekToFirst positions the cursor at the first visible, deduplicated entry.
func (c *Cursor) SeekToFirst() {
	c.err = nil
	c.h.items = c.h.items[:0]
	for i := range c.sources {
		c.sources[i].Iter.SeekToFirst()
		c.pushIfValid(i)
	}
	heap.Init(c.h)
	c.advanceToNextKey()
}

// Seek positions the cursor at the first visible entry with a user key >=
// dbformat.ExtractUserKey(target).
func (c *Cursor) Seek(target []byte) {
	c.err = nil
	c.h.items = c.h.items[:0]
	for i := range c.sources {
		c.sources[i].Iter.Seek(target)
		c.pushIfValid(i)
	}
	heap.Init(c.h)
	c.advanceToNextKey()
}

func (c *Cursor) pushIfValid(i int) {
	it := c.sources[i].Iter
	if !it.Valid() {
		if err := it.Error(); err != nil {
			c.err = err
		}
		return
	}
	c.h.items = append(c.h.items, sourceHeapItem{
		srcIndex: i,
		priority: c.sources[i].Priority,
		key:      it.Key(),
	})
}

// Next advances to the next visible, deduplicated entry.
func (c *Cursor) Next() {
	if !c.valid {
		return
	}
	c.advanceToNextKey()
}

// Valid reports whether the cursor is positioned at a usable entry.
func (c *Cursor) Valid() bool { return c.valid && c.err == nil }

// Key returns the current entry's internal key (user key + trailer).
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current entry's value (empty for a tombstone).
func (c *Cursor) Value() []byte { return c.value }

// IsTombstone reports whether the current entry is a tombstone. In
// ModeRead this is always false, since tombstones are never surfaced.
func (c *Cursor) IsTombstone() bool { return c.tombstone }

// Error returns the first error encountered among the underlying sources.
func (c *Cursor) Error() error { return c.err }

// advanceToNextKey positions the cursor on its next yieldable entry. In
// ModeCompaction that is simply the next version in internal-key order; in
// ModeRead it pops entries off the heap until it finds a user key distinct
// from the one just emitted, surfacing the newest visible version of that
// key (and skipping every older version of it, advancing their iterators
// past it so they don't resurface on the following call).
func (c *Cursor) advanceToNextKey() {
	if c.mode == ModeCompaction {
		c.advanceAllVersions()
		return
	}
	for {
		if c.h.Len() == 0 {
			c.valid = false
			return
		}

		winner := c.h.items[0]
		// Copied: winner.key aliases its source iterator's key buffer,
		// which that iterator's Next below overwrites.
		winnerUserKey := append([]byte(nil), dbformat.ExtractUserKey(winner.key)...)

		var chosenKey, chosenValue []byte
		var chosenTombstone bool
		haveChosen := false

		for c.h.Len() > 0 {
			top := c.h.items[0]
			if dbformat.BytewiseCompare(dbformat.ExtractUserKey(top.key), winnerUserKey) != 0 {
				break
			}

			idx := top.srcIndex
			it := c.sources[idx].Iter
			visible := c.visible(top.key)

			if visible && !haveChosen {
				chosenKey = append([]byte(nil), it.Key()...)
				chosenValue = append([]byte(nil), it.Value()...)
				chosenTombstone = it.IsTombstone()
				haveChosen = true
			} else if c.onSuppressed != nil {
				c.onSuppressed(it.Key(), it.Value(), it.IsTombstone())
			}

			it.Next()
			c.advanceHeapTop()
		}

		if !haveChosen {
			continue
		}

		c.key = chosenKey
		c.value = chosenValue
		c.tombstone = chosenTombstone
		c.valid = true

		if c.mode == ModeRead && chosenTombstone {
			continue
		}
		return
	}
}

// advanceAllVersions pops the next entry in internal-key order, collapsing
// byte-identical internal keys repeated across sources (the higher-priority
// source wins; the rest are reported to onSuppressed so their setsums stay
// accounted for). Entries above the snapshot ceiling are likewise consumed
// and reported rather than yielded.
func (c *Cursor) advanceAllVersions() {
	for {
		if c.h.Len() == 0 {
			c.valid = false
			return
		}

		top := c.h.items[0]
		it := c.sources[top.srcIndex].Iter
		chosenKey := append([]byte(nil), it.Key()...)
		chosenValue := append([]byte(nil), it.Value()...)
		chosenTombstone := it.IsTombstone()
		visible := c.visible(chosenKey)

		it.Next()
		c.advanceHeapTop()

		for c.h.Len() > 0 && dbformat.CompareInternalKeys(c.h.items[0].key, chosenKey) == 0 {
			dup := c.sources[c.h.items[0].srcIndex].Iter
			if c.onSuppressed != nil {
				c.onSuppressed(dup.Key(), dup.Value(), dup.IsTombstone())
			}
			dup.Next()
			c.advanceHeapTop()
		}

		if !visible {
			if c.onSuppressed != nil {
				c.onSuppressed(chosenKey, chosenValue, chosenTombstone)
			}
			continue
		}

		c.key = chosenKey
		c.value = chosenValue
		c.tombstone = chosenTombstone
		c.valid = true
		return
	}
}

// advanceHeapTop refreshes or removes the heap's top entry after its
// iterator was advanced in-place.
func (c *Cursor) advanceHeapTop() {
	idx := c.h.items[0].srcIndex
	it := c.sources[idx].Iter
	if it.Valid() {
		c.h.items[0].key = it.Key()
		heap.Fix(c.h, 0)
	} else {
		if err := it.Error(); err != nil {
			c.err = err
		}
		heap.Pop(c.h)
	}
}

// sourceHeapItem is one entry in the cursor's min-heap: the current key of
// a source, its index, and its tie-break priority.
type sourceHeapItem struct {
	srcIndex int
	priority int
	key      []byte
}

// sourceHeap orders by internal key ascending (user key asc, sequence desc
// per dbformat.CompareInternalKeys), falling back to Priority ascending for
// the rare exact tie.
type sourceHeap struct {
	items []sourceHeapItem
}

func (h *sourceHeap) Len() int { return len(h.items) }

func (h *sourceHeap) Less(i, j int) bool {
	cmp := dbformat.CompareInternalKeys(h.items[i].key, h.items[j].key)
	if cmp != 0 {
		return cmp < 0
	}
	return h.items[i].priority < h.items[j].priority
}

func (h *sourceHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *sourceHeap) Push(x any) {
	item, ok := x.(sourceHeapItem)
	if !ok {
		return
	}
	h.items = append(h.items, item)
}

func (h *sourceHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
