package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmihailenco/msgpack/v5"
)

func mustOperation(t *testing.T, in *File, payload interface{}) Operation {
	t.Helper()
	op, err := NewOperation("ns", "events", in.TxnID, pid(0xf1), payload)
	require.NoError(t, err)
	return op
}

func TestOperationEncodeRoundTrip(t *testing.T) {
	f := testFile()
	op := mustOperation(t, f, &SplitPartitionOperation{
		PartitionID:          pid(1),
		SplitPoint:           []byte("g"),
		SplitServersLow:      []string{"server3", "server4"},
		SplitServersHigh:     []string{"server1", "server4"},
		SplitPartitionIDLow:  pid(0x10),
		SplitPartitionIDHigh: pid(0x11),
		PlacementID:          42,
	})

	data, err := op.Encode()
	require.NoError(t, err)

	got, err := DecodeOperation(data)
	require.NoError(t, err)
	assert.Equal(t, OpSplitPartition, got.OpType)

	payload, err := got.DecodePayload()
	require.NoError(t, err)
	split := payload.(*SplitPartitionOperation)
	assert.Equal(t, []byte("g"), split.SplitPoint)
	assert.Equal(t, uint64(42), split.PlacementID)
}

func TestDecodeOperationRejectsUnknownType(t *testing.T) {
	op := Operation{OpType: OperationType(99)}
	data, err := msgpack.Marshal(&op)
	require.NoError(t, err)

	_, err = DecodeOperation(data)
	assert.Error(t, err)
}

func TestApplyCreatePartition(t *testing.T) {
	f := testFile()
	op := mustOperation(t, f, &CreatePartitionOperation{
		PartitionID:   pid(3),
		KeyrangeBegin: []byte("f"),
		Servers:       []string{"server1"},
		PlacementID:   7,
	})

	out, err := op.Apply(f)
	require.NoError(t, err)

	assert.Equal(t, pid(0xf1), out.TxnID)
	require.Len(t, out.Entries, 3)
	// Sorted into place between the open start and "m".
	assert.Equal(t, pid(3), out.Entries[1].PartitionID)

	// Input file untouched.
	assert.Len(t, f.Entries, 2)

	// Replaying on the output fails: the partition exists now.
	_, err = op.Apply(out)
	assert.Error(t, err)
}

func TestApplySplitThenFinalize(t *testing.T) {
	f := testFile()
	split := mustOperation(t, f, &SplitPartitionOperation{
		PartitionID:          pid(2),
		SplitPoint:           []byte("s"),
		SplitServersLow:      []string{"server1", "server3"},
		SplitServersHigh:     []string{"server2", "server4"},
		SplitPartitionIDLow:  pid(0x20),
		SplitPartitionIDHigh: pid(0x21),
		PlacementID:          99,
	})

	mid, err := split.Apply(f)
	require.NoError(t, err)

	e, ok := mid.LookupPartition(pid(2))
	require.True(t, ok)
	assert.True(t, e.Splitting)
	assert.Equal(t, []byte("s"), e.SplitPoint)

	// A second split of the same partition is refused.
	split2 := mustOperation(t, mid, &SplitPartitionOperation{
		PartitionID:         pid(2),
		SplitPoint:          []byte("t"),
		SplitPartitionIDLow: pid(0x30), SplitPartitionIDHigh: pid(0x31),
	})
	_, err = split2.Apply(mid)
	assert.Error(t, err)

	finalize := mustOperation(t, mid, &FinalizeSplitOperation{PartitionID: pid(2)})
	finalize.OutputTxnID = pid(0xf2)
	out, err := finalize.Apply(mid)
	require.NoError(t, err)

	_, ok = out.LookupPartition(pid(2))
	assert.False(t, ok, "the split partition is replaced by its children")

	low, ok := out.LookupPartition(pid(0x20))
	require.True(t, ok)
	assert.Equal(t, []byte("m"), low.KeyrangeBegin)
	assert.Equal(t, []string{"server1", "server3"}, serverIDs(low.Servers))

	high, ok := out.LookupPartition(pid(0x21))
	require.True(t, ok)
	assert.Equal(t, []byte("s"), high.KeyrangeBegin)

	// Keyrange order is intact.
	e2, ok := out.FindPartitionForKey([]byte("q"))
	require.True(t, ok)
	assert.Equal(t, pid(0x20), e2.PartitionID)
}

func TestApplyJoinThenFinalize(t *testing.T) {
	f := testFile()
	join := mustOperation(t, f, &JoinServersOperation{
		PartitionID: pid(1),
		Servers:     []string{"server4"},
		PlacementID: 55,
	})

	mid, err := join.Apply(f)
	require.NoError(t, err)

	e, _ := mid.LookupPartition(pid(1))
	assert.True(t, e.HasJoiningServer("server4"))
	assert.False(t, e.HasServer("server4"))

	// Joining a server twice is refused.
	_, err = join.Apply(mid)
	assert.Error(t, err)

	finalize := mustOperation(t, mid, &FinalizeJoinOperation{
		PartitionID: pid(1),
		ServerID:    "server4",
	})
	out, err := finalize.Apply(mid)
	require.NoError(t, err)

	e, _ = out.LookupPartition(pid(1))
	assert.True(t, e.HasServer("server4"))
	assert.False(t, e.HasJoiningServer("server4"))
}

func TestApplyRemoveDeadServers(t *testing.T) {
	f := testFile()
	op := mustOperation(t, f, &RemoveDeadServersOperation{
		ServerIDs: []string{"server2"},
	})

	out, err := op.Apply(f)
	require.NoError(t, err)

	for i := range out.Entries {
		assert.False(t, out.Entries[i].HasServer("server2"))
	}
	// Untouched servers keep their placements.
	e, _ := out.LookupPartition(pid(1))
	assert.Equal(t, []string{"server1"}, serverIDs(e.Servers))

	// The input file still names the dead server.
	e, _ = f.LookupPartition(pid(1))
	assert.True(t, e.HasServer("server2"))
}

func serverIDs(in []PlacementServer) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, s.ServerID)
	}
	return out
}
