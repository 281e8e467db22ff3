package metadata

import (
	"github.com/vmihailenco/msgpack/v5"
)

// DiscoveryCode is the lifecycle position a metadata server assigns to
// a (partition, server) pair in a discovery response.
type DiscoveryCode int32

const (
	DiscoveryLoad DiscoveryCode = iota
	DiscoveryServe
	DiscoveryUnload
	DiscoveryUnloadAndDelete
)

// ReplicationTarget is one replica destination in a discovery response.
type ReplicationTarget struct {
	ServerID      string   `msgpack:"server_id"`
	PlacementID   uint64   `msgpack:"placement_id"`
	PartitionID   [20]byte `msgpack:"partition_id"`
	KeyrangeBegin []byte   `msgpack:"keyrange_begin"`
	KeyrangeEnd   []byte   `msgpack:"keyrange_end"`
	IsJoining     bool     `msgpack:"is_joining"`
}

// PartitionDiscoveryRequest asks the metadata servers where a partition
// stands: its lifecycle for the requesting server, its keyrange and its
// replication targets. MinTxnSeq fences off stale responders.
type PartitionDiscoveryRequest struct {
	Namespace     string   `msgpack:"namespace"`
	TableID       string   `msgpack:"table_id"`
	PartitionID   [20]byte `msgpack:"partition_id"`
	MinTxnSeq     uint64   `msgpack:"min_txnseq"`
	RequesterID   string   `msgpack:"requester_id"`
	KeyrangeBegin []byte   `msgpack:"keyrange_begin"`
}

type PartitionDiscoveryResponse struct {
	Code               DiscoveryCode       `msgpack:"code"`
	TxnID              [20]byte            `msgpack:"txnid"`
	TxnSeq             uint64              `msgpack:"txnseq"`
	ReplicationTargets []ReplicationTarget `msgpack:"replication_targets"`
	KeyrangeBegin      []byte              `msgpack:"keyrange_begin"`
	KeyrangeEnd        []byte              `msgpack:"keyrange_end"`
	IsSplitting        bool                `msgpack:"is_splitting"`
	SplitPartitionIDs  [][20]byte          `msgpack:"split_partition_ids"`
}

func (r *PartitionDiscoveryRequest) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

func DecodeDiscoveryRequest(data []byte) (*PartitionDiscoveryRequest, error) {
	var req PartitionDiscoveryRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *PartitionDiscoveryResponse) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

func DecodeDiscoveryResponse(data []byte) (*PartitionDiscoveryResponse, error) {
	var res PartitionDiscoveryResponse
	if err := msgpack.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// BuildDiscoveryResponse computes a discovery response from a metadata
// file. The lifecycle code reflects where the requesting server stands
// in the partition's placement: placed means SERVE, joining means LOAD,
// absent means the server must unload and delete its copy.
func BuildDiscoveryResponse(
	file *File, txnseq uint64, req *PartitionDiscoveryRequest,
) *PartitionDiscoveryResponse {
	res := &PartitionDiscoveryResponse{
		TxnID:  file.TxnID,
		TxnSeq: txnseq,
	}

	for i := range file.Entries {
		e := &file.Entries[i]
		if e.PartitionID != req.PartitionID {
			continue
		}

		res.KeyrangeBegin = e.KeyrangeBegin
		res.KeyrangeEnd = file.KeyrangeEnd(i)

		switch {
		case e.HasServer(req.RequesterID):
			res.Code = DiscoveryServe
		case e.HasJoiningServer(req.RequesterID):
			res.Code = DiscoveryLoad
		default:
			res.Code = DiscoveryUnloadAndDelete
		}

		for _, s := range e.Servers {
			if s.ServerID == req.RequesterID {
				continue
			}
			res.ReplicationTargets = append(res.ReplicationTargets, ReplicationTarget{
				ServerID:      s.ServerID,
				PlacementID:   s.PlacementID,
				PartitionID:   e.PartitionID,
				KeyrangeBegin: res.KeyrangeBegin,
				KeyrangeEnd:   res.KeyrangeEnd,
			})
		}
		for _, s := range e.ServersJoining {
			if s.ServerID == req.RequesterID {
				continue
			}
			res.ReplicationTargets = append(res.ReplicationTargets, ReplicationTarget{
				ServerID:      s.ServerID,
				PlacementID:   s.PlacementID,
				PartitionID:   e.PartitionID,
				KeyrangeBegin: res.KeyrangeBegin,
				KeyrangeEnd:   res.KeyrangeEnd,
				IsJoining:     true,
			})
		}

		if e.Splitting {
			res.IsSplitting = true
			res.SplitPartitionIDs = [][20]byte{
				e.SplitPartitionIDLow,
				e.SplitPartitionIDHigh,
			}
			for _, s := range e.SplitServersLow {
				res.ReplicationTargets = append(res.ReplicationTargets, ReplicationTarget{
					ServerID:      s.ServerID,
					PlacementID:   s.PlacementID,
					PartitionID:   e.SplitPartitionIDLow,
					KeyrangeBegin: res.KeyrangeBegin,
					KeyrangeEnd:   e.SplitPoint,
				})
			}
			for _, s := range e.SplitServersHigh {
				res.ReplicationTargets = append(res.ReplicationTargets, ReplicationTarget{
					ServerID:      s.ServerID,
					PlacementID:   s.PlacementID,
					PartitionID:   e.SplitPartitionIDHigh,
					KeyrangeBegin: e.SplitPoint,
					KeyrangeEnd:   res.KeyrangeEnd,
				})
			}
		}

		return res
	}

	// Unknown partition: the requester holds a copy the partitioning no
	// longer references.
	res.Code = DiscoveryUnloadAndDelete
	return res
}
