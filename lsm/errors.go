package lsm

import "errors"

// Writer-facing error kinds. Callers branch on these with errors.Is;
// the replication and ingest layers map them to their own backoff
// behavior.
var (
	// ErrPartitionFrozen is returned for writes against a writer that
	// has been frozen for unload.
	ErrPartitionFrozen = errors.New("partition is frozen")

	// ErrPartitionOverloaded is returned when the segment list has
	// grown past the table's limit and inserts must back off until
	// compaction catches up.
	ErrPartitionOverloaded = errors.New("partition is overloaded, can't insert")

	// ErrNoSplitPoint is returned when the partition's key distribution
	// has no usable median (all keys equal, or two runs meeting at an
	// edge).
	ErrNoSplitPoint = errors.New("no suitable split point found")

	// ErrSplitRunning is returned when a split proposal is already in
	// flight for the partition.
	ErrSplitRunning = errors.New("split is already running")
)

// ConcurrentModificationError reports an optimistic-concurrency
// violation: a stale discovery response, a metadata txnid mismatch or a
// segment list that changed under a compaction.
type ConcurrentModificationError string

func (e ConcurrentModificationError) Error() string {
	return "concurrent modification: " + string(e)
}

// IsConcurrentModification reports whether err is a
// ConcurrentModificationError anywhere in its chain.
func IsConcurrentModification(err error) bool {
	var cm ConcurrentModificationError
	return errors.As(err, &cm)
}

// IllegalArgumentError reports malformed caller input: a record version
// below the wallclock floor, an empty server list, a split on a
// non-serving partition.
type IllegalArgumentError string

func (e IllegalArgumentError) Error() string {
	return "illegal argument: " + string(e)
}
