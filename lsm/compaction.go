package lsm

import (
	"sort"

	"github.com/Leadrive/eventql/utils"
	"github.com/Leadrive/eventql/utils/log"
)

// CompactionStrategy decides which segments to merge and produces the
// merged segments. Compact returns false when it has nothing to do;
// otherwise newSegments receives the full replacement list for the
// segments it was given.
type CompactionStrategy interface {
	NeedsCompaction(segments []SegmentRef) bool
	NeedsUrgentCompaction(segments []SegmentRef) bool
	Compact(segments []SegmentRef, newSegments *[]SegmentRef) (bool, error)
}

// SimpleCompactionStrategy merges the longest contiguous run of small
// segments into one, last-write-wins per record id. Urgency kicks in on
// segment-count pressure before the writer's hard limit is reached.
type SimpleCompactionStrategy struct {
	head                *SnapshotRef
	mergeThresholdBytes uint64
	softSegmentLimit    int
}

const (
	defaultMergeThresholdBytes = uint64(64 * 1024 * 1024)
	defaultSoftSegmentLimit    = 16
	minMergeRun                = 2
)

func NewSimpleCompactionStrategy(head *SnapshotRef) *SimpleCompactionStrategy {
	return &SimpleCompactionStrategy{
		head:                head,
		mergeThresholdBytes: defaultMergeThresholdBytes,
		softSegmentLimit:    defaultSoftSegmentLimit,
	}
}

// mergeRun returns the bounds [lo, hi) of the longest contiguous run of
// segments below the merge threshold, or (0, 0) when no run qualifies.
func (c *SimpleCompactionStrategy) mergeRun(segments []SegmentRef) (int, int) {
	bestLo, bestHi := 0, 0
	lo := -1
	for i := 0; i <= len(segments); i++ {
		small := i < len(segments) && segments[i].SizeBytes < c.mergeThresholdBytes
		if small {
			if lo < 0 {
				lo = i
			}
			continue
		}
		if lo >= 0 && i-lo > bestHi-bestLo {
			bestLo, bestHi = lo, i
		}
		lo = -1
	}
	if bestHi-bestLo < minMergeRun {
		return 0, 0
	}
	return bestLo, bestHi
}

func (c *SimpleCompactionStrategy) NeedsCompaction(segments []SegmentRef) bool {
	lo, hi := c.mergeRun(segments)
	return hi > lo
}

func (c *SimpleCompactionStrategy) NeedsUrgentCompaction(segments []SegmentRef) bool {
	return len(segments) > c.softSegmentLimit
}

// Compact k-way merges the chosen run into a single new segment file.
// Records keep their original sequences; the merged descriptor covers
// the union of the run's sequence range.
func (c *SimpleCompactionStrategy) Compact(
	segments []SegmentRef, newSegments *[]SegmentRef,
) (bool, error) {
	lo, hi := c.mergeRun(segments)
	if hi == lo {
		return false, nil
	}

	snap := c.head.Get()

	merged := make(map[RecordID]storedRecord)
	for _, seg := range segments[lo:hi] {
		recs, err := readSegmentRecords(snap.SegmentPath(seg.Filename))
		if err != nil {
			return false, err
		}
		for _, rec := range recs {
			if cur, ok := merged[rec.ID]; !ok || rec.Version > cur.Version {
				merged[rec.ID] = rec
			}
		}
	}

	out := make([]storedRecord, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	filename := utils.RandomHex64()
	size, err := writeSegmentFiles(snap.SegmentPath(filename), out)
	if err != nil {
		return false, err
	}

	mergedRef := SegmentRef{
		Filename:      filename,
		FirstSequence: segments[lo].FirstSequence,
		LastSequence:  segments[hi-1].LastSequence,
		SizeBytes:     size,
		HasSkipIndex:  true,
	}

	*newSegments = append(*newSegments, segments[:lo]...)
	*newSegments = append(*newSegments, mergedRef)
	*newSegments = append(*newSegments, segments[hi:]...)

	log.Debug(
		"compacted %d segments of partition %s into %s (%d records)",
		hi-lo, snap.PartitionKeyString(), filename, len(out))

	return true, nil
}
