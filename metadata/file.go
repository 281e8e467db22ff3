package metadata

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// PlacementServer is one (server, placement) pair inside a metadata
// file entry.
type PlacementServer struct {
	ServerID    string `msgpack:"server_id"`
	PlacementID uint64 `msgpack:"placement_id"`
}

// FileEntry describes one partition of a table: its keyrange start, its
// id, its placed servers and, while a split is pending, the split
// layout. Entries are ordered by KeyrangeBegin; an entry's keyrange
// ends where the next entry begins.
type FileEntry struct {
	KeyrangeBegin  []byte            `msgpack:"keyrange_begin"`
	PartitionID    [20]byte          `msgpack:"partition_id"`
	Servers        []PlacementServer `msgpack:"servers"`
	ServersJoining []PlacementServer `msgpack:"servers_joining"`

	Splitting            bool              `msgpack:"splitting"`
	SplitPoint           []byte            `msgpack:"split_point"`
	SplitPartitionIDLow  [20]byte          `msgpack:"split_partition_id_low"`
	SplitPartitionIDHigh [20]byte          `msgpack:"split_partition_id_high"`
	SplitServersLow      []PlacementServer `msgpack:"split_servers_low"`
	SplitServersHigh     []PlacementServer `msgpack:"split_servers_high"`
}

// HasServer reports whether serverID is among the live placements.
func (e *FileEntry) HasServer(serverID string) bool {
	for _, s := range e.Servers {
		if s.ServerID == serverID {
			return true
		}
	}
	return false
}

// HasJoiningServer reports whether serverID is among the joining
// placements.
func (e *FileEntry) HasJoiningServer(serverID string) bool {
	for _, s := range e.ServersJoining {
		if s.ServerID == serverID {
			return true
		}
	}
	return false
}

// File is the authoritative partitioning of one table at one metadata
// transaction.
type File struct {
	TxnID   [20]byte    `msgpack:"txnid"`
	Entries []FileEntry `msgpack:"entries"`
}

// Encode serializes the file.
func (f *File) Encode() ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeFile deserializes a metadata file.
func DecodeFile(data []byte) (*File, error) {
	var f File
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode metadata file: %w", err)
	}
	return &f, nil
}

// Checksum returns the SHA1 of the canonical encoding. Two replicas
// applying the same operation to the same input file must produce equal
// checksums; the coordinator refuses to commit when they diverge.
func (f *File) Checksum() ([20]byte, error) {
	data, err := f.Encode()
	if err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(data), nil
}

// LookupPartition finds the entry for a partition id.
func (f *File) LookupPartition(partitionID [20]byte) (*FileEntry, bool) {
	for i := range f.Entries {
		if f.Entries[i].PartitionID == partitionID {
			return &f.Entries[i], true
		}
	}
	return nil, false
}

// KeyrangeEnd returns the exclusive end of entry i: the next entry's
// begin, or nil for the last entry (unbounded).
func (f *File) KeyrangeEnd(i int) []byte {
	if i+1 < len(f.Entries) {
		return f.Entries[i+1].KeyrangeBegin
	}
	return nil
}

// FindPartitionForKey returns the entry whose keyrange contains the
// encoded key. Encoded keys compare bytewise; an empty begin is the
// open start of the keyspace.
func (f *File) FindPartitionForKey(key []byte) (*FileEntry, bool) {
	if len(f.Entries) == 0 {
		return nil, false
	}
	// First entry whose begin is > key; the match is its predecessor.
	i := sort.Search(len(f.Entries), func(i int) bool {
		return compareKeys(f.Entries[i].KeyrangeBegin, key) > 0
	})
	if i == 0 {
		return nil, false
	}
	return &f.Entries[i-1], true
}

// sortEntries restores the keyrange order after a mutation.
func (f *File) sortEntries() {
	sort.SliceStable(f.Entries, func(i, j int) bool {
		return compareKeys(f.Entries[i].KeyrangeBegin, f.Entries[j].KeyrangeBegin) < 0
	})
}

// compareKeys orders encoded partition keys; the empty key sorts first.
func compareKeys(a, b []byte) int {
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
