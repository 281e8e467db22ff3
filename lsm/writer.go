package lsm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/Leadrive/eventql/cluster"
	"github.com/Leadrive/eventql/metadata"
	"github.com/Leadrive/eventql/metrics"
	"github.com/Leadrive/eventql/utils"
	"github.com/Leadrive/eventql/utils/log"
)

// MetadataProposer is the slice of the metadata coordinator the writer
// needs to propose a partition split.
type MetadataProposer interface {
	PerformAndCommitOperation(ns, table string, op metadata.Operation) error
}

// PartitionWriter coordinates all mutation of one partition: inserts
// into the head arena, commits (arena to segment), compaction and split
// proposals. Lock roles:
//
//	mu           guards snapshot read-modify-publish; never held across I/O
//	commitMu     serializes commits, held across the flush
//	compactionMu try-lock, one compaction at a time
//	splitMu      try-lock, one split proposal at a time
type PartitionWriter struct {
	partition   *Partition
	head        *SnapshotRef
	strategy    CompactionStrategy
	idxCache    *IndexCache
	tracker     *FileTracker
	cdir        cluster.ConfigDirectory
	coordinator MetadataProposer

	splitThreshold  uint64
	maxSegments     int
	maxArenaRecords int

	frozen atomic.Bool

	mu           sync.Mutex
	commitMu     sync.Mutex
	compactionMu sync.Mutex
	splitMu      sync.Mutex
}

func NewPartitionWriter(
	partition *Partition,
	head *SnapshotRef,
	idxCache *IndexCache,
	tracker *FileTracker,
	cdir cluster.ConfigDirectory,
	coordinator MetadataProposer,
) *PartitionWriter {
	table := partition.GetTable()
	return &PartitionWriter{
		partition:       partition,
		head:            head,
		strategy:        NewSimpleCompactionStrategy(head),
		idxCache:        idxCache,
		tracker:         tracker,
		cdir:            cdir,
		coordinator:     coordinator,
		splitThreshold:  table.SplitThreshold(),
		maxSegments:     table.MaxLSMSegments(),
		maxArenaRecords: table.MaxArenaRecords(),
	}
}

// Freeze marks the writer read-only. Used when the partition is being
// unloaded; there is no thaw.
func (w *PartitionWriter) Freeze() {
	w.frozen.Store(true)
}

// InsertRecords applies a batch to the partition and returns the ids
// actually inserted (the replication path forwards exactly those).
// Records whose version is at or below the stored version for their id
// are skipped; ties keep the stored copy.
func (w *PartitionWriter) InsertRecords(records []Record) (map[RecordID]bool, error) {
	for _, rec := range records {
		if rec.Version <= MinRecordVersion {
			return nil, IllegalArgumentError(
				fmt.Sprintf("record version below wallclock floor: %d", rec.Version))
		}
	}

	recVersions := make(map[RecordID]uint64, len(records))
	for _, rec := range records {
		recVersions[rec.ID] = 0
	}

	// Opportunistically consult skip indexes before entering the
	// critical section; concurrent inserters amortize the index work.
	snap := w.head.Get()
	prepared := make(map[string]bool)
	for i := len(snap.State.Segments) - 1; i >= 0; i-- {
		path := snap.SegmentPath(snap.State.Segments[i].Filename)
		idx, err := w.idxCache.Lookup(path)
		if err != nil {
			return nil, err
		}
		idx.Lookup(recVersions)
		prepared[path] = true
	}

	w.mu.Lock()
	if w.frozen.Load() {
		w.mu.Unlock()
		return nil, ErrPartitionFrozen
	}

	snap = w.head.Get()
	if len(snap.State.Segments) > w.maxSegments {
		w.mu.Unlock()
		return nil, ErrPartitionOverloaded
	}

	log.Debug(
		"inserting %d records into partition %s/%s/%s",
		len(records), snap.State.Namespace, snap.State.TableKey, snap.PartitionKeyString())

	if snap.CompactingArena != nil {
		for id, cur := range recVersions {
			if v := snap.CompactingArena.FetchRecordVersion(id); v > cur {
				recVersions[id] = v
			}
		}
	}

	// Re-consult segments a concurrent commit added since the
	// opportunistic pass.
	for i := len(snap.State.Segments) - 1; i >= 0; i-- {
		path := snap.SegmentPath(snap.State.Segments[i].Filename)
		if prepared[path] {
			continue
		}
		idx, err := w.idxCache.Lookup(path)
		if err != nil {
			w.mu.Unlock()
			return nil, err
		}
		idx.Lookup(recVersions)
	}

	skip := make([]bool, len(records))
	update := make([]bool, len(records))
	for i, rec := range records {
		headv := recVersions[rec.ID]
		if headv > 0 {
			if headv <= MinRecordVersion {
				// A stored version below the floor means the on-disk
				// state is corrupt; continuing would spread it.
				panic(fmt.Sprintf(
					"corrupt record version %d for id %s", headv, rec.ID))
			}
			update[i] = true
		}
		if rec.Version <= headv {
			skip[i] = true
		}
	}

	inserted := snap.HeadArena.InsertRecords(records, skip, update)
	w.mu.Unlock()

	metrics.InsertedRecords.Add(float64(len(inserted)))
	metrics.SkippedRecords.Add(float64(len(records) - len(inserted)))

	if w.NeedsUrgentCommit() {
		if _, err := w.Commit(); err != nil {
			log.Error("commit failed: %v", err)
		}
	}
	if w.NeedsUrgentCompaction() {
		if _, err := w.Compact(false); err != nil {
			log.Error("compaction failed: %v", err)
		}
	}

	return inserted, nil
}

// NeedsCommit reports whether the head arena has pending records.
func (w *PartitionWriter) NeedsCommit() bool {
	return w.head.Get().HeadArena.Size() > 0
}

// NeedsUrgentCommit reports whether the head arena outgrew the flush
// trigger.
func (w *PartitionWriter) NeedsUrgentCommit() bool {
	return w.head.Get().HeadArena.Size() > w.maxArenaRecords
}

// NeedsCompaction reports whether a commit or merge is pending.
func (w *PartitionWriter) NeedsCompaction() bool {
	if w.NeedsCommit() {
		return true
	}
	return w.strategy.NeedsCompaction(w.head.Get().State.Segments)
}

// NeedsUrgentCompaction reports segment-count pressure.
func (w *PartitionWriter) NeedsUrgentCompaction() bool {
	return w.strategy.NeedsUrgentCompaction(w.head.Get().State.Segments)
}

// Commit flushes the compacting arena to a new segment. Returns true
// iff a segment was written. On flush failure the compacting arena is
// preserved so the next commit retries; a partial segment file is never
// referenced by a snapshot and is left for the file tracker.
func (w *PartitionWriter) Commit() (bool, error) {
	w.commitMu.Lock()

	var arena *Arena

	// Flip arenas if records are pending.
	w.mu.Lock()
	snap := w.head.Get().Clone()
	if snap.CompactingArena == nil && snap.HeadArena.Size() > 0 {
		snap.CompactingArena = snap.HeadArena
		snap.HeadArena = NewArena()
		w.head.Set(snap)
	}
	arena = snap.CompactingArena
	w.mu.Unlock()

	committed := false
	if arena != nil && arena.Size() > 0 {
		snap := w.head.Get()
		filename := utils.RandomHex64()
		path := snap.SegmentPath(filename)

		t0 := time.Now()
		size, err := arena.WriteToDisk(path, snap.State.LSMSequence+1)
		if err != nil {
			w.commitMu.Unlock()
			log.Error(
				"error while committing partition %s/%s/%s: %v",
				snap.State.Namespace, snap.State.TableKey, snap.PartitionKeyString(), err)
			return false, err
		}
		took := time.Since(t0)
		metrics.CommitDuration.Observe(took.Seconds())

		log.Debug(
			"committing partition %s/%s/%s (num_records=%d, sequence=%d..%d, size=%s), took %v",
			snap.State.Namespace, snap.State.TableKey, snap.PartitionKeyString(),
			arena.Size(), snap.State.LSMSequence+1,
			snap.State.LSMSequence+uint64(arena.Size()),
			bytefmt.ByteSize(size), took)

		w.mu.Lock()
		snap = w.head.Get().Clone()
		snap.State.Segments = append(snap.State.Segments, SegmentRef{
			Filename:      filename,
			FirstSequence: snap.State.LSMSequence + 1,
			LastSequence:  snap.State.LSMSequence + uint64(arena.Size()),
			SizeBytes:     size,
			HasSkipIndex:  true,
		})
		snap.State.LSMSequence += uint64(arena.Size())
		snap.CompactingArena = nil
		if err := snap.WriteToDisk(); err != nil {
			w.mu.Unlock()
			w.commitMu.Unlock()
			return false, err
		}
		w.head.Set(snap)
		w.mu.Unlock()
		committed = true
	}

	w.commitMu.Unlock()

	if w.NeedsSplit() {
		if err := w.Split(); err != nil {
			log.Warn("partition split failed: %v", err)
		}
	}

	return committed, nil
}

// Compact merges segments per the compaction strategy. Concurrent
// attempts no-op. Returns true iff a commit or merge changed the
// partition.
func (w *PartitionWriter) Compact(force bool) (bool, error) {
	if !w.compactionMu.TryLock() {
		return false, nil
	}
	defer w.compactionMu.Unlock()

	dirty, err := w.Commit()
	if err != nil {
		log.Error("commit during compaction failed: %v", err)
	}

	snap := w.head.Get()
	oldSegments := append([]SegmentRef(nil), snap.State.Segments...)

	if !force && !w.strategy.NeedsCompaction(oldSegments) {
		return dirty, nil
	}

	var newSegments []SegmentRef
	t0 := time.Now()
	ok, err := w.strategy.Compact(oldSegments, &newSegments)
	if err != nil {
		return dirty, err
	}
	if !ok {
		return dirty, nil
	}
	took := time.Since(t0)
	metrics.CompactionDuration.Observe(took.Seconds())

	log.Debug(
		"compacting partition %s/%s/%s took %v",
		snap.State.Namespace, snap.State.TableKey, snap.PartitionKeyString(), took)

	// Commit the new segment list; any segments a concurrent commit
	// appended since the list was captured are carried over behind the
	// merged run.
	w.mu.Lock()
	snap = w.head.Get().Clone()

	if len(snap.State.Segments) < len(oldSegments) {
		w.mu.Unlock()
		// The merged file was never published; throw it away.
		w.discardSegments(newSegments, oldSegments)
		return dirty, ConcurrentModificationError("concurrent compaction")
	}
	for i, seg := range snap.State.Segments {
		if i < len(oldSegments) {
			if oldSegments[i].Filename != seg.Filename {
				w.mu.Unlock()
				w.discardSegments(newSegments, oldSegments)
				return dirty, ConcurrentModificationError("concurrent compaction")
			}
			continue
		}
		newSegments = append(newSegments, seg)
	}

	snap.State.Segments = newSegments
	if err := snap.WriteToDisk(); err != nil {
		w.mu.Unlock()
		return dirty, err
	}
	w.head.Set(snap)
	w.mu.Unlock()

	// Queue the merged-away files for deletion and drop their cached
	// skip indexes.
	w.discardSegments(oldSegments, newSegments)

	if w.NeedsSplit() {
		if err := w.Split(); err != nil {
			log.Warn("partition split failed: %v", err)
		}
	}

	return true, nil
}

// discardSegments hands every file in old but not in kept to the file
// tracker and flushes the index cache for it.
func (w *PartitionWriter) discardSegments(old, kept []SegmentRef) {
	keep := make(map[string]bool, len(kept))
	for _, seg := range kept {
		keep[seg.Filename] = true
	}

	snap := w.head.Get()
	deleteFiles := make(map[string]bool)
	for _, seg := range old {
		if keep[seg.Filename] {
			continue
		}
		path := snap.SegmentPath(seg.Filename)
		deleteFiles[path+segmentDataSuffix] = true
		deleteFiles[path+segmentIndexSuffix] = true
		w.idxCache.Flush(path)
	}

	if len(deleteFiles) > 0 {
		w.tracker.DeleteFiles(deleteFiles)
	}
}

// NeedsSplit reports whether the partition outgrew its split threshold.
func (w *PartitionWriter) NeedsSplit() bool {
	snap := w.head.Get()
	if snap.State.IsSplitting {
		return false
	}
	if snap.State.Lifecycle != LifecycleServe {
		return false
	}
	return snap.TotalSegmentBytes() > w.splitThreshold
}

// Split proposes a SPLIT_PARTITION metadata operation at the median
// partition key. The split becomes effective only once the coordinator
// commits it and discovery delivers the new state back.
func (w *PartitionWriter) Split() error {
	if !w.splitMu.TryLock() {
		return ErrSplitRunning
	}
	defer w.splitMu.Unlock()

	snap := w.head.Get()
	table := w.partition.GetTable()
	keyspace := w.partition.GetKeyspaceType()

	if snap.State.Lifecycle != LifecycleServe {
		return IllegalArgumentError("can't split non-serving partition")
	}

	reader := w.partition.GetReader()
	minKey, midpoint, maxKey, err := reader.FindMedianValue(func(a, b []byte) bool {
		return cluster.ComparePartitionKeys(keyspace, a, b) < 0
	})
	reader.Release()
	if err != nil {
		return err
	}

	if equalKeys(minKey, midpoint) || equalKeys(maxKey, midpoint) {
		return ErrNoSplitPoint
	}

	log.Info(
		"splitting partition %s/%s/%s at %x",
		snap.State.Namespace, snap.State.TableKey, snap.PartitionKeyString(), midpoint)

	cconf := w.cdir.GetClusterConfig()
	alloc := cluster.NewServerAllocator(w.cdir)

	var splitServersLow []string
	if err := alloc.AllocateServers(
		cluster.MustAllocate, cconf.ReplicationFactor, nil, &splitServersLow,
	); err != nil {
		return err
	}

	// The two replica sets must be disjoint; exclude the low set when
	// allocating the high one.
	exclude := make(map[string]bool, len(splitServersLow))
	for _, s := range splitServersLow {
		exclude[s] = true
	}

	var splitServersHigh []string
	if err := alloc.AllocateServers(
		cluster.MustAllocate, cconf.ReplicationFactor, exclude, &splitServersHigh,
	); err != nil {
		return err
	}

	op := &metadata.SplitPartitionOperation{
		PartitionID:          snap.State.PartitionID,
		SplitPoint:           midpoint,
		SplitServersLow:      splitServersLow,
		SplitServersHigh:     splitServersHigh,
		SplitPartitionIDLow:  utils.RandomSHA1(),
		SplitPartitionIDHigh: utils.RandomSHA1(),
		PlacementID:          utils.RandomUint64(),
		FinalizeImmediately:  table.Config.EnableAsyncSplit,
	}

	tableConfig, err := w.cdir.GetTableConfig(snap.State.Namespace, snap.State.TableKey)
	if err != nil {
		return err
	}

	envelope, err := metadata.NewOperation(
		snap.State.Namespace,
		snap.State.TableKey,
		tableConfig.MetadataTxnID,
		utils.RandomSHA1(),
		op)
	if err != nil {
		return err
	}

	metrics.PartitionSplitsTotal.Inc()
	return w.coordinator.PerformAndCommitOperation(
		snap.State.Namespace, snap.State.TableKey, envelope)
}

// FetchReplicationState returns the partition's replication cursor. A
// cursor tagged with a different partition incarnation is discarded and
// replaced with a fresh one; cursors must not survive a recreate.
func (w *PartitionWriter) FetchReplicationState() ReplicationState {
	snap := w.head.Get()
	state := snap.State.ReplicationState
	if state.UUID == snap.State.UUID {
		return state
	}
	return ReplicationState{UUID: snap.State.UUID}
}

// CommitReplicationState persists a replication cursor into the
// snapshot.
func (w *PartitionWriter) CommitReplicationState(state ReplicationState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := w.head.Get().Clone()
	snap.State.ReplicationState = state
	if err := snap.WriteToDisk(); err != nil {
		return err
	}
	w.head.Set(snap)
	return nil
}

// ApplyMetadataChange integrates a discovery response into the
// snapshot. Stale responses (txnseq at or below the snapshot's) are
// rejected without mutation; the call is idempotent for them.
func (w *PartitionWriter) ApplyMetadataChange(d *metadata.PartitionDiscoveryResponse) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := w.head.Get().Clone()

	log.Debug(
		"applying metadata change to partition %s/%s/%s (txnseq %d)",
		snap.State.Namespace, snap.State.TableKey, snap.PartitionKeyString(), d.TxnSeq)

	if snap.State.LastMetadataTxnSeq >= d.TxnSeq {
		return ConcurrentModificationError("version conflict")
	}

	snap.State.LastMetadataTxnID = d.TxnID
	snap.State.LastMetadataTxnSeq = d.TxnSeq
	snap.State.Lifecycle = LifecycleState(d.Code)
	snap.State.IsSplitting = d.IsSplitting

	// Backfill the keyrange end for partitions created before the
	// metadata file knew it.
	if len(snap.State.KeyrangeEnd) == 0 && len(d.KeyrangeEnd) > 0 {
		snap.State.KeyrangeEnd = d.KeyrangeEnd
	}

	snap.State.SplitPartitionIDs = append([][20]byte(nil), d.SplitPartitionIDs...)

	snap.State.HasJoiningServers = false
	snap.State.ReplicationTargets = snap.State.ReplicationTargets[:0]
	for _, dt := range d.ReplicationTargets {
		snap.State.ReplicationTargets = append(snap.State.ReplicationTargets, ReplicationTarget{
			ServerID:      dt.ServerID,
			PlacementID:   dt.PlacementID,
			PartitionID:   dt.PartitionID,
			KeyrangeBegin: dt.KeyrangeBegin,
			KeyrangeEnd:   dt.KeyrangeEnd,
			IsJoining:     dt.IsJoining,
		})
		if dt.IsJoining {
			snap.State.HasJoiningServers = true
		}
	}

	if err := snap.WriteToDisk(); err != nil {
		return err
	}
	w.head.Set(snap)
	return nil
}
