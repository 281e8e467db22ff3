package lsm

import (
	"encoding/hex"
	"path/filepath"

	"github.com/Leadrive/eventql/cluster"
	"github.com/Leadrive/eventql/utils"
)

// Table is the thin schema/config handle a partition needs from its
// owning table. It is a value aggregate; there is no back-reference
// from the table to its partitions.
type Table struct {
	Namespace    string
	Name         string
	PartitionKey string
	Keyspace     cluster.KeyspaceType
	Config       cluster.TableConfig
}

// SplitThreshold returns the table's split threshold, falling back to
// the instance default.
func (t *Table) SplitThreshold() uint64 {
	if t.Config.OverrideSplitThreshold > 0 {
		return t.Config.OverrideSplitThreshold
	}
	return utils.DefaultPartitionSplitThreshold
}

// MaxLSMSegments returns the table's segment limit.
func (t *Table) MaxLSMSegments() int {
	if t.Config.OverrideMaxLSMSegments > 0 {
		return t.Config.OverrideMaxLSMSegments
	}
	return utils.DefaultMaxLSMSegments
}

// MaxArenaRecords returns the arena flush trigger.
func (t *Table) MaxArenaRecords() int {
	if t.Config.OverrideMaxArenaRecords > 0 {
		return t.Config.OverrideMaxArenaRecords
	}
	return utils.DefaultMaxArenaRecords
}

// Partition aggregates the per-partition cells: the table handle, the
// snapshot head and the shared caches. It holds no mutable state of its
// own.
type Partition struct {
	table    *Table
	head     *SnapshotRef
	idxCache *IndexCache
	tracker  *FileTracker
}

// PartitionPath returns the on-disk directory of a partition.
func PartitionPath(baseDir string, partitionID [20]byte) string {
	return filepath.Join(baseDir, hex.EncodeToString(partitionID[:]))
}

func NewPartition(
	table *Table, head *SnapshotRef, idxCache *IndexCache, tracker *FileTracker,
) *Partition {
	return &Partition{
		table:    table,
		head:     head,
		idxCache: idxCache,
		tracker:  tracker,
	}
}

func (p *Partition) GetTable() *Table {
	return p.table
}

func (p *Partition) GetPartitionKey() string {
	return p.table.PartitionKey
}

func (p *Partition) GetKeyspaceType() cluster.KeyspaceType {
	return p.table.Keyspace
}

// GetSnapshot returns the currently published snapshot.
func (p *Partition) GetSnapshot() *Snapshot {
	return p.head.Get()
}

// GetReader opens a reader over the currently published snapshot. The
// caller owns the Release.
func (p *Partition) GetReader() *PartitionReader {
	return NewPartitionReader(p.head.Get(), p.idxCache, p.tracker)
}
