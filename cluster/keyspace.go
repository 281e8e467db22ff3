package cluster

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// KeyspaceType selects the encoding of a table's partition key.
type KeyspaceType int

const (
	KeyspaceString KeyspaceType = iota
	KeyspaceUint64
)

// EncodePartitionKey turns a raw partition key value into its keyrange
// byte encoding. Uint64 keys are encoded big-endian so that the byte
// order matches the numeric order.
func EncodePartitionKey(keyspace KeyspaceType, val string) []byte {
	switch keyspace {
	case KeyspaceUint64:
		v, _ := strconv.ParseUint(val, 10, 64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		return b[:]
	default:
		return []byte(val)
	}
}

// ComparePartitionKeys orders two encoded partition keys. An empty key
// sorts before everything else; it marks the open start of a keyrange.
func ComparePartitionKeys(keyspace KeyspaceType, a, b []byte) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	case len(b) == 0:
		return 1
	}
	return bytes.Compare(a, b)
}

// KeyrangeContains reports whether the half-open range [begin, end)
// contains key. An empty end means the range is unbounded above.
func KeyrangeContains(keyspace KeyspaceType, begin, end, key []byte) bool {
	if ComparePartitionKeys(keyspace, key, begin) < 0 {
		return false
	}
	if len(end) == 0 {
		return true
	}
	return ComparePartitionKeys(keyspace, key, end) < 0
}
