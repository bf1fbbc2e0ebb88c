// Package blueerr centralizes the error kinds that cross package
// boundaries: a caller checking for, say, CompactionSetsumMismatch
// shouldn't need to know whether internal/compaction or internal/tree
// returned it. Package-local errors (a bad varint, a truncated frame) stay
// in their own packages and are wrapped with fmt.Errorf("...: %w") as they
// propagate; only the outcomes a caller is expected to branch on live here.
package blueerr

import "errors"

var (
	// Io wraps an underlying read/write/fsync/rename failure. Callers
	// should use errors.Is against the wrapped OS error, not this sentinel
	// directly; Io exists so package-level code can annotate uniformly.
	Io = errors.New("blue: io error")

	// UnbalancedEdit is returned when a non-ingestion manifest edit does
	// not balance (added setsum != removed setsum). The edit is rejected,
	// never applied.
	UnbalancedEdit = errors.New("blue: unbalanced manifest edit")

	// CompactionSetsumMismatch is returned when a compaction's pre-commit
	// ledger check (outputs plus drops must reconstruct inputs) fails. The compaction is aborted and
	// its outputs are placed in trash unreferenced.
	CompactionSetsumMismatch = errors.New("blue: compaction setsum mismatch")

	// BackpressureFull is returned when level 0 has reached its configured
	// file count or byte size ceiling; the caller should retry ingestion
	// later rather than block indefinitely.
	BackpressureFull = errors.New("blue: level 0 backpressure")

	// Cancelled is returned when a caller's context is done between entries
	// or output files of a long-running operation (compaction).
	Cancelled = errors.New("blue: operation cancelled")

	// NotFound indicates an absent key. It is not a failure of the read
	// path; callers test for it to distinguish "no value" from an error.
	NotFound = errors.New("blue: key not found")
)
