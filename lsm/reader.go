package lsm

import (
	"bytes"
	"sort"
)

// PartitionReader serves point lookups and scans over one snapshot.
// The reader pins the snapshot's segment files in the file tracker for
// its lifetime; callers must Release it.
type PartitionReader struct {
	snap     *Snapshot
	idxCache *IndexCache
	tracker  *FileTracker
	released bool
}

func NewPartitionReader(snap *Snapshot, idxCache *IndexCache, tracker *FileTracker) *PartitionReader {
	if tracker != nil {
		tracker.Ref(snap.SegmentFiles())
	}
	return &PartitionReader{
		snap:     snap,
		idxCache: idxCache,
		tracker:  tracker,
	}
}

// Release drops the reader's file pins. Idempotent.
func (r *PartitionReader) Release() {
	if r.released {
		return
	}
	r.released = true
	if r.tracker != nil {
		r.tracker.Unref(r.snap.SegmentFiles())
	}
}

// FetchRecordVersion returns the highest stored version for id across
// arenas and segments, or 0 if the partition has never seen the id.
func (r *PartitionReader) FetchRecordVersion(id RecordID) (uint64, error) {
	versions := map[RecordID]uint64{id: 0}

	if v := r.snap.HeadArena.FetchRecordVersion(id); v > versions[id] {
		versions[id] = v
	}
	if r.snap.CompactingArena != nil {
		if v := r.snap.CompactingArena.FetchRecordVersion(id); v > versions[id] {
			versions[id] = v
		}
	}

	segments := r.snap.State.Segments
	for i := len(segments) - 1; i >= 0; i-- {
		idx, err := r.idxCache.Lookup(r.snap.SegmentPath(segments[i].Filename))
		if err != nil {
			return 0, err
		}
		idx.Lookup(versions)
	}

	return versions[id], nil
}

// fetchRecords materializes the partition's live record set: one record
// per id at its highest version, across segments (oldest first) and
// arenas.
func (r *PartitionReader) fetchRecords() (map[RecordID]storedRecord, error) {
	out := make(map[RecordID]storedRecord)

	for _, seg := range r.snap.State.Segments {
		recs, err := readSegmentRecords(r.snap.SegmentPath(seg.Filename))
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if cur, ok := out[rec.ID]; !ok || rec.Version > cur.Version {
				out[rec.ID] = rec
			}
		}
	}

	mergeArena := func(a *Arena) {
		if a == nil {
			return
		}
		for _, rec := range a.records {
			if cur, ok := out[rec.ID]; !ok || rec.Version > cur.Version {
				out[rec.ID] = rec
			}
		}
	}
	mergeArena(r.snap.CompactingArena)
	mergeArena(r.snap.HeadArena)

	return out, nil
}

// FindMedianValue scans the live record set and returns the minimum,
// median and maximum partition key under cmp. The split path uses the
// result to decide whether the key distribution admits a midpoint.
func (r *PartitionReader) FindMedianValue(
	cmp func(a, b []byte) bool,
) (minKey, median, maxKey []byte, err error) {
	recs, err := r.fetchRecords()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(recs) == 0 {
		return nil, nil, nil, IllegalArgumentError("partition has no records")
	}

	keys := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return cmp(keys[i], keys[j]) })

	return keys[0], keys[len(keys)/2], keys[len(keys)-1], nil
}

// equalKeys is a helper for the split decision: bytewise equality of
// two encoded partition keys.
func equalKeys(a, b []byte) bool {
	return bytes.Equal(a, b)
}
