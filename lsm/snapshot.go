package lsm

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// LifecycleState positions a partition in its load/serve/unload state
// machine. Transitions happen only through ApplyMetadataChange.
type LifecycleState int32

const (
	LifecycleLoad LifecycleState = iota
	LifecycleServe
	LifecycleUnload
	LifecycleUnloadAndDelete
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleLoad:
		return "LOAD"
	case LifecycleServe:
		return "SERVE"
	case LifecycleUnload:
		return "UNLOAD"
	case LifecycleUnloadAndDelete:
		return "UNLOAD_AND_DELETE"
	}
	return "UNKNOWN"
}

// ReplicationTarget is one replica destination of a partition.
type ReplicationTarget struct {
	ServerID      string   `msgpack:"server_id"`
	PlacementID   uint64   `msgpack:"placement_id"`
	PartitionID   [20]byte `msgpack:"partition_id"`
	KeyrangeBegin []byte   `msgpack:"keyrange_begin"`
	KeyrangeEnd   []byte   `msgpack:"keyrange_end"`
	IsJoining     bool     `msgpack:"is_joining"`
}

// ReplicationState is the opaque per-partition replication cursor. The
// UUID tags the partition incarnation the cursors belong to.
type ReplicationState struct {
	UUID    string            `msgpack:"uuid"`
	Cursors map[string]uint64 `msgpack:"cursors"`
}

// SnapshotState is the durable part of a partition snapshot.
type SnapshotState struct {
	Namespace     string   `msgpack:"namespace"`
	TableKey      string   `msgpack:"table_key"`
	PartitionID   [20]byte `msgpack:"partition_id"`
	UUID          string   `msgpack:"uuid"`
	KeyrangeBegin []byte   `msgpack:"keyrange_begin"`
	KeyrangeEnd   []byte   `msgpack:"keyrange_end"`

	LSMSequence uint64       `msgpack:"lsm_sequence"`
	Segments    []SegmentRef `msgpack:"segments"`

	Lifecycle          LifecycleState      `msgpack:"lifecycle"`
	IsSplitting        bool                `msgpack:"is_splitting"`
	SplitPartitionIDs  [][20]byte          `msgpack:"split_partition_ids"`
	LastMetadataTxnID  [20]byte            `msgpack:"last_metadata_txnid"`
	LastMetadataTxnSeq uint64              `msgpack:"last_metadata_txnseq"`
	ReplicationTargets []ReplicationTarget `msgpack:"replication_targets"`
	HasJoiningServers  bool                `msgpack:"has_joining_servers"`
	ReplicationState   ReplicationState    `msgpack:"replication_state"`
}

// Snapshot is an immutable view of one partition: the durable state
// plus the in-memory arenas and the partition's disk location. Mutators
// Clone, modify, persist, then publish through the SnapshotRef.
type Snapshot struct {
	State SnapshotState

	// BasePath is the partition directory; segment files and the
	// snapshot state file live directly inside it.
	BasePath string

	// HeadArena takes new inserts and is set in every lifecycle state;
	// CompactingArena, when non-nil, is a flipped arena whose flush is
	// in flight.
	HeadArena       *Arena
	CompactingArena *Arena
}

const snapshotStateFile = "snapshot.idx"

// NewSnapshot creates the initial snapshot of a fresh partition.
func NewSnapshot(
	basePath, namespace, tableKey string,
	partitionID [20]byte, keyrangeBegin, keyrangeEnd []byte,
) *Snapshot {
	return &Snapshot{
		State: SnapshotState{
			Namespace:     namespace,
			TableKey:      tableKey,
			PartitionID:   partitionID,
			UUID:          uuid.NewString(),
			KeyrangeBegin: keyrangeBegin,
			KeyrangeEnd:   keyrangeEnd,
			Lifecycle:     LifecycleLoad,
		},
		BasePath:  basePath,
		HeadArena: NewArena(),
	}
}

// Clone returns a shallow copy: value state, shared arena handles.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.State.Segments = append([]SegmentRef(nil), s.State.Segments...)
	c.State.SplitPartitionIDs = append([][20]byte(nil), s.State.SplitPartitionIDs...)
	c.State.ReplicationTargets = append([]ReplicationTarget(nil), s.State.ReplicationTargets...)
	return &c
}

// SegmentPath returns the suffix-less path of a segment file.
func (s *Snapshot) SegmentPath(filename string) string {
	return filepath.Join(s.BasePath, filename)
}

// SegmentFiles lists the .cst/.idx paths referenced by this snapshot.
func (s *Snapshot) SegmentFiles() []string {
	files := make([]string, 0, len(s.State.Segments)*2)
	for _, seg := range s.State.Segments {
		p := s.SegmentPath(seg.Filename)
		files = append(files, p+segmentDataSuffix, p+segmentIndexSuffix)
	}
	return files
}

// TotalSegmentBytes sums the data file sizes across the segment list.
func (s *Snapshot) TotalSegmentBytes() uint64 {
	var n uint64
	for _, seg := range s.State.Segments {
		n += seg.SizeBytes
	}
	return n
}

// PartitionKeyString renders the partition id for logs.
func (s *Snapshot) PartitionKeyString() string {
	return hex.EncodeToString(s.State.PartitionID[:])
}

// WriteToDisk persists the snapshot state with an atomic rename and
// fsyncs both the file and the partition directory.
func (s *Snapshot) WriteToDisk() error {
	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	data, err := msgpack.Marshal(&s.State)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	final := filepath.Join(s.BasePath, snapshotStateFile)
	tmp := final + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return syncDir(s.BasePath)
}

// OpenSnapshot recovers a partition snapshot from its persisted state
// file. Arenas do not survive a restart; the snapshot comes back with a
// fresh head arena and whatever segment list was last published.
func OpenSnapshot(basePath string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(basePath, snapshotStateFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot state: %w", err)
	}

	var state SnapshotState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}

	return &Snapshot{
		State:     state,
		BasePath:  basePath,
		HeadArena: NewArena(),
	}, nil
}

// SnapshotRef is the head cell of a partition: single writer, many
// readers. Readers get a stable immutable snapshot; Set publishes a new
// one and rebalances file tracker references from the old snapshot's
// segment files to the new one's.
type SnapshotRef struct {
	mu      sync.RWMutex
	snap    *Snapshot
	tracker *FileTracker
}

func NewSnapshotRef(snap *Snapshot, tracker *FileTracker) *SnapshotRef {
	if tracker != nil {
		tracker.Ref(snap.SegmentFiles())
	}
	return &SnapshotRef{snap: snap, tracker: tracker}
}

// Get returns the current snapshot. The returned value must be treated
// as read-only.
func (r *SnapshotRef) Get() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Set publishes snap as the new head.
func (r *SnapshotRef) Set(snap *Snapshot) {
	r.mu.Lock()
	old := r.snap
	r.snap = snap
	r.mu.Unlock()

	if r.tracker != nil {
		r.tracker.Ref(snap.SegmentFiles())
		r.tracker.Unref(old.SegmentFiles())
	}
}
