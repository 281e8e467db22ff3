package lsm

import (
	"encoding/hex"
)

// MinRecordVersion is the floor for record versions. Versions are
// microsecond wallclock values; anything at or below this constant
// (mid-2014) is a malformed input and rejected at the boundary.
const MinRecordVersion = uint64(1400000000000000)

// RecordID identifies a record within a partition.
type RecordID [16]byte

func (id RecordID) String() string {
	return hex.EncodeToString(id[:])
}

// RecordIDFromBytes copies b into a RecordID. Short input is
// zero-padded, long input truncated.
func RecordIDFromBytes(b []byte) RecordID {
	var id RecordID
	copy(id[:], b)
	return id
}

// Record is one row as handed to the storage engine. Key is the encoded
// partition key, extracted by the schema layer before insert; Payload is
// the opaque row body.
type Record struct {
	ID      RecordID
	Version uint64
	Key     []byte
	Payload []byte
}

// storedRecord is the on-disk and in-arena form: a Record plus the
// partition-local sequence assigned at flush time. Sequence is zero
// while the record only lives in an arena.
type storedRecord struct {
	ID       RecordID `msgpack:"id"`
	Version  uint64   `msgpack:"version"`
	Sequence uint64   `msgpack:"sequence"`
	Key      []byte   `msgpack:"key"`
	Payload  []byte   `msgpack:"payload"`
}
