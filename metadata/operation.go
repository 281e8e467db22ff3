package metadata

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// OperationType tags the payload of a metadata operation.
type OperationType int32

const (
	OpRemoveDeadServers OperationType = iota
	OpSplitPartition
	OpFinalizeSplit
	OpJoinServers
	OpFinalizeJoin
	OpCreatePartition
)

func (t OperationType) String() string {
	switch t {
	case OpRemoveDeadServers:
		return "REMOVE_DEAD_SERVERS"
	case OpSplitPartition:
		return "SPLIT_PARTITION"
	case OpFinalizeSplit:
		return "FINALIZE_SPLIT"
	case OpJoinServers:
		return "JOIN_SERVERS"
	case OpFinalizeJoin:
		return "FINALIZE_JOIN"
	case OpCreatePartition:
		return "CREATE_PARTITION"
	}
	return "UNKNOWN"
}

// The six operation payloads. Exactly one payload kind is valid per
// OperationType; DecodePayload validates the pairing.

type CreatePartitionOperation struct {
	PartitionID   [20]byte `msgpack:"partition_id"`
	KeyrangeBegin []byte   `msgpack:"keyrange_begin"`
	Servers       []string `msgpack:"servers"`
	PlacementID   uint64   `msgpack:"placement_id"`
}

type SplitPartitionOperation struct {
	PartitionID          [20]byte `msgpack:"partition_id"`
	SplitPoint           []byte   `msgpack:"split_point"`
	SplitServersLow      []string `msgpack:"split_servers_low"`
	SplitServersHigh     []string `msgpack:"split_servers_high"`
	SplitPartitionIDLow  [20]byte `msgpack:"split_partition_id_low"`
	SplitPartitionIDHigh [20]byte `msgpack:"split_partition_id_high"`
	PlacementID          uint64   `msgpack:"placement_id"`
	FinalizeImmediately  bool     `msgpack:"finalize_immediately"`
}

type FinalizeSplitOperation struct {
	PartitionID [20]byte `msgpack:"partition_id"`
}

type JoinServersOperation struct {
	PartitionID [20]byte `msgpack:"partition_id"`
	Servers     []string `msgpack:"servers"`
	PlacementID uint64   `msgpack:"placement_id"`
}

type FinalizeJoinOperation struct {
	PartitionID [20]byte `msgpack:"partition_id"`
	ServerID    string   `msgpack:"server_id"`
}

type RemoveDeadServersOperation struct {
	ServerIDs []string `msgpack:"server_ids"`
}

// Operation is the envelope broadcast to the metadata servers: a typed
// payload plus the transaction edge it applies to.
type Operation struct {
	Namespace   string        `msgpack:"namespace"`
	TableID     string        `msgpack:"table_id"`
	InputTxnID  [20]byte      `msgpack:"input_txnid"`
	OutputTxnID [20]byte      `msgpack:"output_txnid"`
	OpType      OperationType `msgpack:"optype"`
	OpData      []byte        `msgpack:"opdata"`
}

// NewOperation wraps payload in an envelope, deriving OpType from the
// payload's concrete type.
func NewOperation(
	ns, tableID string, inputTxnID, outputTxnID [20]byte, payload interface{},
) (Operation, error) {
	var optype OperationType
	switch payload.(type) {
	case *RemoveDeadServersOperation:
		optype = OpRemoveDeadServers
	case *SplitPartitionOperation:
		optype = OpSplitPartition
	case *FinalizeSplitOperation:
		optype = OpFinalizeSplit
	case *JoinServersOperation:
		optype = OpJoinServers
	case *FinalizeJoinOperation:
		optype = OpFinalizeJoin
	case *CreatePartitionOperation:
		optype = OpCreatePartition
	default:
		return Operation{}, fmt.Errorf("unknown operation payload %T", payload)
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encode operation payload: %w", err)
	}

	return Operation{
		Namespace:   ns,
		TableID:     tableID,
		InputTxnID:  inputTxnID,
		OutputTxnID: outputTxnID,
		OpType:      optype,
		OpData:      data,
	}, nil
}

// Encode serializes the envelope.
func (op *Operation) Encode() ([]byte, error) {
	return msgpack.Marshal(op)
}

// DecodeOperation deserializes an envelope and validates the payload
// against the declared type.
func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := msgpack.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("decode metadata operation: %w", err)
	}
	if _, err := op.DecodePayload(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// DecodePayload returns the typed payload for the envelope's OpType.
func (op *Operation) DecodePayload() (interface{}, error) {
	var payload interface{}
	switch op.OpType {
	case OpRemoveDeadServers:
		payload = &RemoveDeadServersOperation{}
	case OpSplitPartition:
		payload = &SplitPartitionOperation{}
	case OpFinalizeSplit:
		payload = &FinalizeSplitOperation{}
	case OpJoinServers:
		payload = &JoinServersOperation{}
	case OpFinalizeJoin:
		payload = &FinalizeJoinOperation{}
	case OpCreatePartition:
		payload = &CreatePartitionOperation{}
	default:
		return nil, fmt.Errorf("unknown operation type %d", op.OpType)
	}
	if err := msgpack.Unmarshal(op.OpData, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", op.OpType, err)
	}
	return payload, nil
}

// Apply produces the successor file for this operation. The input file
// is left untouched; the result carries the envelope's output txnid.
func (op *Operation) Apply(in *File) (*File, error) {
	payload, err := op.DecodePayload()
	if err != nil {
		return nil, err
	}

	out := &File{
		TxnID:   op.OutputTxnID,
		Entries: append([]FileEntry(nil), in.Entries...),
	}

	switch p := payload.(type) {
	case *CreatePartitionOperation:
		err = applyCreatePartition(out, p)
	case *SplitPartitionOperation:
		err = applySplitPartition(out, p)
	case *FinalizeSplitOperation:
		err = applyFinalizeSplit(out, p)
	case *JoinServersOperation:
		err = applyJoinServers(out, p)
	case *FinalizeJoinOperation:
		err = applyFinalizeJoin(out, p)
	case *RemoveDeadServersOperation:
		err = applyRemoveDeadServers(out, p)
	}
	if err != nil {
		return nil, err
	}

	out.sortEntries()
	return out, nil
}

func applyCreatePartition(f *File, p *CreatePartitionOperation) error {
	if _, ok := f.LookupPartition(p.PartitionID); ok {
		return errors.New("partition already exists")
	}
	for _, e := range f.Entries {
		if compareKeys(e.KeyrangeBegin, p.KeyrangeBegin) == 0 {
			return errors.New("keyrange already assigned")
		}
	}
	f.Entries = append(f.Entries, FileEntry{
		KeyrangeBegin: p.KeyrangeBegin,
		PartitionID:   p.PartitionID,
		Servers:       placements(p.Servers, p.PlacementID),
	})
	return nil
}

func applySplitPartition(f *File, p *SplitPartitionOperation) error {
	e, ok := f.LookupPartition(p.PartitionID)
	if !ok {
		return partitionNotFound(p.PartitionID)
	}
	if e.Splitting {
		return errors.New("partition is already splitting")
	}
	e.Splitting = true
	e.SplitPoint = p.SplitPoint
	e.SplitPartitionIDLow = p.SplitPartitionIDLow
	e.SplitPartitionIDHigh = p.SplitPartitionIDHigh
	e.SplitServersLow = placements(p.SplitServersLow, p.PlacementID)
	e.SplitServersHigh = placements(p.SplitServersHigh, p.PlacementID)
	return nil
}

func applyFinalizeSplit(f *File, p *FinalizeSplitOperation) error {
	for i := range f.Entries {
		e := &f.Entries[i]
		if e.PartitionID != p.PartitionID {
			continue
		}
		if !e.Splitting {
			return errors.New("partition is not splitting")
		}
		low := FileEntry{
			KeyrangeBegin: e.KeyrangeBegin,
			PartitionID:   e.SplitPartitionIDLow,
			Servers:       e.SplitServersLow,
		}
		high := FileEntry{
			KeyrangeBegin: e.SplitPoint,
			PartitionID:   e.SplitPartitionIDHigh,
			Servers:       e.SplitServersHigh,
		}
		rest := append([]FileEntry(nil), f.Entries[:i]...)
		rest = append(rest, low, high)
		rest = append(rest, f.Entries[i+1:]...)
		f.Entries = rest
		return nil
	}
	return partitionNotFound(p.PartitionID)
}

func applyJoinServers(f *File, p *JoinServersOperation) error {
	e, ok := f.LookupPartition(p.PartitionID)
	if !ok {
		return partitionNotFound(p.PartitionID)
	}
	for _, s := range p.Servers {
		if e.HasServer(s) || e.HasJoiningServer(s) {
			return fmt.Errorf("server already placed: %s", s)
		}
		e.ServersJoining = append(e.ServersJoining, PlacementServer{
			ServerID:    s,
			PlacementID: p.PlacementID,
		})
	}
	return nil
}

func applyFinalizeJoin(f *File, p *FinalizeJoinOperation) error {
	e, ok := f.LookupPartition(p.PartitionID)
	if !ok {
		return partitionNotFound(p.PartitionID)
	}
	for i, s := range e.ServersJoining {
		if s.ServerID != p.ServerID {
			continue
		}
		e.Servers = append(e.Servers, s)
		// Build a fresh slice: the entry's slices still share their
		// backing arrays with the input file.
		joining := make([]PlacementServer, 0, len(e.ServersJoining)-1)
		joining = append(joining, e.ServersJoining[:i]...)
		e.ServersJoining = append(joining, e.ServersJoining[i+1:]...)
		return nil
	}
	return fmt.Errorf("server is not joining: %s", p.ServerID)
}

func applyRemoveDeadServers(f *File, p *RemoveDeadServersOperation) error {
	dead := make(map[string]bool, len(p.ServerIDs))
	for _, s := range p.ServerIDs {
		dead[s] = true
	}
	for i := range f.Entries {
		e := &f.Entries[i]
		e.Servers = dropServers(e.Servers, dead)
		e.ServersJoining = dropServers(e.ServersJoining, dead)
	}
	return nil
}

func placements(servers []string, placementID uint64) []PlacementServer {
	out := make([]PlacementServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, PlacementServer{ServerID: s, PlacementID: placementID})
	}
	return out
}

func dropServers(in []PlacementServer, dead map[string]bool) []PlacementServer {
	out := make([]PlacementServer, 0, len(in))
	for _, s := range in {
		if !dead[s.ServerID] {
			out = append(out, s)
		}
	}
	return out
}

func partitionNotFound(id [20]byte) error {
	return fmt.Errorf("partition not found: %s", hex.EncodeToString(id[:]))
}
