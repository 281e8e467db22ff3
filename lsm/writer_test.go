package lsm

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leadrive/eventql/cluster"
	"github.com/Leadrive/eventql/metadata"
	"github.com/Leadrive/eventql/utils"
)

const v0 = uint64(1500000000000000)

type fakeProposer struct {
	ops []metadata.Operation
	err error
}

func (f *fakeProposer) PerformAndCommitOperation(ns, table string, op metadata.Operation) error {
	if f.err != nil {
		return f.err
	}
	f.ops = append(f.ops, op)
	return nil
}

type testPartition struct {
	writer   *PartitionWriter
	part     *Partition
	head     *SnapshotRef
	tracker  *FileTracker
	idxCache *IndexCache
	cdir     *cluster.LocalDirectory
	proposer *fakeProposer
	table    *Table
}

func newTestPartition(t *testing.T, tableCfg cluster.TableConfig) *testPartition {
	t.Helper()

	base := t.TempDir()
	pid := utils.RandomSHA1()

	tableCfg.Namespace = "ns"
	tableCfg.Table = "events"
	if tableCfg.MetadataTxnID == ([20]byte{}) {
		tableCfg.MetadataTxnID = utils.RandomSHA1()
	}

	cdir := cluster.NewLocalDirectory("server1", cluster.ClusterConfig{ReplicationFactor: 2})
	for _, s := range []string{"server1", "server2", "server3", "server4"} {
		cdir.PutServerConfig(cluster.ServerConfig{
			ServerID: s, Addr: s + ":9175", Status: cluster.ServerUp,
		})
	}
	require.NoError(t, cdir.UpdateTableConfig(tableCfg))

	snap := NewSnapshot(PartitionPath(base, pid), "ns", "events", pid, nil, nil)
	snap.State.Lifecycle = LifecycleServe
	require.NoError(t, snap.WriteToDisk())

	tracker := NewFileTracker(base)
	head := NewSnapshotRef(snap, tracker)
	idxCache := NewIndexCache(64)

	table := &Table{
		Namespace:    "ns",
		Name:         "events",
		PartitionKey: "time",
		Keyspace:     cluster.KeyspaceString,
		Config:       tableCfg,
	}
	part := NewPartition(table, head, idxCache, tracker)
	proposer := &fakeProposer{}
	writer := NewPartitionWriter(part, head, idxCache, tracker, cdir, proposer)

	return &testPartition{
		writer:   writer,
		part:     part,
		head:     head,
		tracker:  tracker,
		idxCache: idxCache,
		cdir:     cdir,
		proposer: proposer,
		table:    table,
	}
}

func (tp *testPartition) fetchVersion(t *testing.T, id RecordID) uint64 {
	t.Helper()
	reader := tp.part.GetReader()
	defer reader.Release()
	v, err := reader.FetchRecordVersion(id)
	require.NoError(t, err)
	return v
}

func TestInsertDedupSameBatch(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	inserted, err := tp.writer.InsertRecords([]Record{
		rec(0xaa, v0+1, "k"),
		rec(0xaa, v0+2, "k"),
		rec(0xaa, v0+1, "k"),
	})
	require.NoError(t, err)

	assert.Equal(t, map[RecordID]bool{rid(0xaa): true}, inserted)

	committed, err := tp.writer.Commit()
	require.NoError(t, err)
	assert.True(t, committed)

	assert.Equal(t, v0+2, tp.fetchVersion(t, rid(0xaa)))

	snap := tp.head.Get()
	require.Len(t, snap.State.Segments, 1)
	assert.Equal(t, uint64(1), snap.State.Segments[0].NumRecords(), "one record stored")
}

func TestInsertCrossSegmentDedup(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	_, err := tp.writer.InsertRecords([]Record{rec(0xaa, v0+5, "k")})
	require.NoError(t, err)
	committed, err := tp.writer.Commit()
	require.NoError(t, err)
	require.True(t, committed)

	inserted, err := tp.writer.InsertRecords([]Record{rec(0xaa, v0+3, "k")})
	require.NoError(t, err)
	assert.Empty(t, inserted, "older version is skipped")

	// Nothing pending, so the second commit is elided.
	committed, err = tp.writer.Commit()
	require.NoError(t, err)
	assert.False(t, committed)

	assert.Equal(t, v0+5, tp.fetchVersion(t, rid(0xaa)))
	assert.Len(t, tp.head.Get().State.Segments, 1)
}

func TestInsertRejectsVersionBelowFloor(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	_, err := tp.writer.InsertRecords([]Record{rec(1, 1000000000000005, "k")})
	var illegal IllegalArgumentError
	assert.ErrorAs(t, err, &illegal)
}

func TestInsertFrozen(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	tp.writer.Freeze()
	_, err := tp.writer.InsertRecords([]Record{rec(1, v0+1, "k")})
	assert.ErrorIs(t, err, ErrPartitionFrozen)
}

func TestInsertOverloaded(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{OverrideMaxLSMSegments: 2})

	for i := byte(1); i <= 3; i++ {
		_, err := tp.writer.InsertRecords([]Record{rec(i, v0+uint64(i), "k")})
		require.NoError(t, err)
		_, err = tp.writer.Commit()
		require.NoError(t, err)
	}

	_, err := tp.writer.InsertRecords([]Record{rec(9, v0+9, "k")})
	assert.ErrorIs(t, err, ErrPartitionOverloaded)
}

func TestCommitSequencesAreDense(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	total := uint64(0)
	for i := byte(0); i < 3; i++ {
		batch := []Record{
			rec(i*10+1, v0+uint64(i)*10+1, "a"),
			rec(i*10+2, v0+uint64(i)*10+2, "b"),
		}
		_, err := tp.writer.InsertRecords(batch)
		require.NoError(t, err)
		_, err = tp.writer.Commit()
		require.NoError(t, err)
		total += uint64(len(batch))
	}

	snap := tp.head.Get()
	assert.Equal(t, total, snap.State.LSMSequence)

	var sum uint64
	next := uint64(1)
	for _, seg := range snap.State.Segments {
		assert.Equal(t, next, seg.FirstSequence, "segment sequences are dense")
		next = seg.LastSequence + 1
		sum += seg.NumRecords()
	}
	assert.Equal(t, total, sum)
}

func TestCommitFailureKeepsArenaForRetry(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	_, err := tp.writer.InsertRecords([]Record{rec(1, v0+1, "k")})
	require.NoError(t, err)

	// Pull the partition directory out from under the flush.
	require.NoError(t, os.RemoveAll(tp.head.Get().BasePath))

	_, err = tp.writer.Commit()
	require.Error(t, err)
	require.NotNil(t, tp.head.Get().CompactingArena, "flipped arena survives the failed flush")

	require.NoError(t, os.MkdirAll(tp.head.Get().BasePath, 0o755))

	committed, err := tp.writer.Commit()
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Nil(t, tp.head.Get().CompactingArena)
	assert.Equal(t, v0+1, tp.fetchVersion(t, rid(1)))
}

func TestApplyMetadataChange(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	targetPID := utils.RandomSHA1()
	d := &metadata.PartitionDiscoveryResponse{
		Code:   metadata.DiscoveryServe,
		TxnID:  utils.RandomSHA1(),
		TxnSeq: 7,
		ReplicationTargets: []metadata.ReplicationTarget{
			{ServerID: "server2", PartitionID: targetPID, IsJoining: true},
		},
		KeyrangeEnd: []byte("zzz"),
		IsSplitting: true,
		SplitPartitionIDs: [][20]byte{
			utils.RandomSHA1(), utils.RandomSHA1(),
		},
	}

	require.NoError(t, tp.writer.ApplyMetadataChange(d))

	snap := tp.head.Get()
	assert.Equal(t, uint64(7), snap.State.LastMetadataTxnSeq)
	assert.Equal(t, d.TxnID, snap.State.LastMetadataTxnID)
	assert.Equal(t, LifecycleServe, snap.State.Lifecycle)
	assert.True(t, snap.State.IsSplitting)
	assert.Len(t, snap.State.SplitPartitionIDs, 2)
	assert.True(t, snap.State.HasJoiningServers)
	assert.Equal(t, []byte("zzz"), snap.State.KeyrangeEnd)
	require.Len(t, snap.State.ReplicationTargets, 1)
	assert.Equal(t, "server2", snap.State.ReplicationTargets[0].ServerID)
}

func TestApplyMetadataChangeStaleIsRejected(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	fresh := &metadata.PartitionDiscoveryResponse{
		Code: metadata.DiscoveryServe, TxnID: utils.RandomSHA1(), TxnSeq: 5,
	}
	require.NoError(t, tp.writer.ApplyMetadataChange(fresh))
	before := tp.head.Get()

	stale := &metadata.PartitionDiscoveryResponse{
		Code: metadata.DiscoveryUnload, TxnID: utils.RandomSHA1(), TxnSeq: 5,
	}
	err := tp.writer.ApplyMetadataChange(stale)
	assert.True(t, IsConcurrentModification(err))
	assert.Same(t, before, tp.head.Get(), "stale responses mutate nothing")
}

func TestReplicationStateUUIDGuard(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	state := tp.writer.FetchReplicationState()
	assert.Equal(t, tp.head.Get().State.UUID, state.UUID)

	state.Cursors = map[string]uint64{"server2": 17}
	require.NoError(t, tp.writer.CommitReplicationState(state))

	got := tp.writer.FetchReplicationState()
	assert.Equal(t, uint64(17), got.Cursors["server2"])

	// A cursor from a previous incarnation of the partition is dropped.
	w := tp.writer
	w.mu.Lock()
	snap := tp.head.Get().Clone()
	snap.State.ReplicationState.UUID = "someone-else"
	tp.head.Set(snap)
	w.mu.Unlock()

	got = tp.writer.FetchReplicationState()
	assert.Equal(t, tp.head.Get().State.UUID, got.UUID)
	assert.Empty(t, got.Cursors)
}

func TestSplitRefusesWithoutSplitPoint(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	// All records share one key: the median equals min and max.
	_, err := tp.writer.InsertRecords([]Record{
		rec(1, v0+1, "same"), rec(2, v0+2, "same"), rec(3, v0+3, "same"),
	})
	require.NoError(t, err)

	err = tp.writer.Split()
	assert.ErrorIs(t, err, ErrNoSplitPoint)
	assert.Empty(t, tp.proposer.ops, "no metadata operation is dispatched")
}

func TestSplitRefusesNonServingPartition(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{})

	tp.writer.mu.Lock()
	snap := tp.head.Get().Clone()
	snap.State.Lifecycle = LifecycleLoad
	tp.head.Set(snap)
	tp.writer.mu.Unlock()

	err := tp.writer.Split()
	var illegal IllegalArgumentError
	assert.ErrorAs(t, err, &illegal)
}

func intersect(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	var out []string
	for _, s := range b {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}

func TestSplitProposesOperation(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{EnableAsyncSplit: true})

	keys := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i, k := range keys {
		_, err := tp.writer.InsertRecords([]Record{rec(byte(i+1), v0+uint64(i)+1, k)})
		require.NoError(t, err)
	}

	require.NoError(t, tp.writer.Split())
	require.Len(t, tp.proposer.ops, 1)

	envelope := tp.proposer.ops[0]
	assert.Equal(t, metadata.OpSplitPartition, envelope.OpType)

	tableCfg, err := tp.cdir.GetTableConfig("ns", "events")
	require.NoError(t, err)
	assert.Equal(t, tableCfg.MetadataTxnID, envelope.InputTxnID)

	payload, err := envelope.DecodePayload()
	require.NoError(t, err)
	op := payload.(*metadata.SplitPartitionOperation)

	assert.Equal(t, tp.head.Get().State.PartitionID, op.PartitionID)
	assert.Equal(t, []byte("charlie"), op.SplitPoint, "median of the five keys")
	assert.NotEqual(t, op.SplitPartitionIDLow, op.SplitPartitionIDHigh)
	assert.Len(t, op.SplitServersLow, 2)
	assert.Len(t, op.SplitServersHigh, 2)
	assert.Empty(t, intersect(op.SplitServersLow, op.SplitServersHigh),
		"the two replica sets are disjoint")
	assert.True(t, op.FinalizeImmediately)
}

func TestNeedsSplit(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{OverrideSplitThreshold: 1})

	assert.False(t, tp.writer.NeedsSplit(), "no segments yet")

	_, err := tp.writer.InsertRecords([]Record{rec(1, v0+1, "a"), rec(2, v0+2, "b")})
	require.NoError(t, err)
	_, err = tp.writer.Commit()
	require.NoError(t, err)

	assert.True(t, tp.writer.NeedsSplit())

	tp.writer.mu.Lock()
	snap := tp.head.Get().Clone()
	snap.State.IsSplitting = true
	tp.head.Set(snap)
	tp.writer.mu.Unlock()
	assert.False(t, tp.writer.NeedsSplit(), "a splitting partition never re-splits")
}

func TestSplitFailureIsNotFatal(t *testing.T) {
	tp := newTestPartition(t, cluster.TableConfig{OverrideSplitThreshold: 1})
	tp.proposer.err = errors.New("quorum failed")

	// Three distinct keys give a usable median, so the split reaches the
	// proposer.
	_, err := tp.writer.InsertRecords([]Record{
		rec(1, v0+1, "a"), rec(2, v0+2, "b"), rec(3, v0+3, "c"),
	})
	require.NoError(t, err)

	// Commit triggers the split, whose proposal fails; the commit itself
	// stands.
	committed, err := tp.writer.Commit()
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, v0+1, tp.fetchVersion(t, rid(1)))
}
