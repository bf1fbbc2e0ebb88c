package blue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rescrv/blue/internal/blueerr"
	"github.com/rescrv/blue/internal/dbformat"
	"github.com/rescrv/blue/internal/logging"
	"github.com/rescrv/blue/internal/testutil"
)

// MaybeCompact picks and runs at most one triangular compaction plan
// against the tree's current version. It reports false if no level is
// currently eligible. Only one compaction runs at a time per DB; a caller
// wanting more throughput must split the keyspace across several DBs
// rather than calling this concurrently from multiple goroutines, since a
// second concurrent call simply blocks on compactMu until the first
// finishes.
func (db *DB) MaybeCompact(ctx context.Context) (bool, error) {
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	snap := db.tr.CurrentSnapshot()
	v := snap.Version()
	plan, ok := db.picker.Pick(v)
	snap.Release()
	if !ok {
		return false, nil
	}

	// snapshotSeq gates tombstone retirement: MaxSequenceNumber asserts no
	// long-lived read snapshot needs the history a retirement collapses,
	// which holds here because this façade's snapshots live only for the
	// duration of a Get or an open Iterator pinned to its own version. A
	// future caller holding a snapshot across a call to MaybeCompact would
	// need to pass that snapshot's sequence number through instead.
	result, err := db.executor.Run(ctx, plan, dbformat.MaxSequenceNumber)
	if err != nil {
		if errors.Is(err, blueerr.Cancelled) {
			return false, err
		}
		return false, fmt.Errorf("blue: compaction: %w", err)
	}

	result.Edit.Seq = db.nextEditSeq()
	testutil.MaybeKill(testutil.KPCompactionWriteSST0)
	if err := db.tr.ApplyEdit(result.Edit); err != nil {
		return false, fmt.Errorf("blue: compaction: applying manifest edit: %w", err)
	}
	db.recordEdit(result.Edit)

	if err := db.trash.Retire(result.Edit.Removed, result.Edit.Seq); err != nil {
		return false, fmt.Errorf("blue: compaction: retiring inputs: %w", err)
	}

	db.opts.Logger.Infof(logging.NSCompact+"compacted levels %d..%d: %d inputs, %d outputs",
		plan.LoLevel, plan.HiLevel, len(result.Edit.Removed), len(result.Edit.Added))
	return true, nil
}

// RunCompactions repeatedly calls MaybeCompact until no plan is eligible or
// ctx is cancelled. A caller typically runs this in its own goroutine as a
// background maintenance loop, invoking it again whenever Ingest or a prior
// compaction may have pushed a level over its fill threshold.
func (db *DB) RunCompactions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		ran, err := db.MaybeCompact(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}
