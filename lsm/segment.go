package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Segment file layout: <name>.cst holds the record batch, <name>.idx
// the skip index. Both start with an 8-byte magic. The .cst body is a
// snappy block of the msgpack-encoded record slice; the .idx body is
// msgpack of the id-sorted (id, version) pairs.
const (
	segmentDataSuffix  = ".cst"
	segmentIndexSuffix = ".idx"
)

var (
	segmentDataMagic  = []byte("EVQLCST1")
	segmentIndexMagic = []byte("EVQLIDX1")
)

// SegmentRef describes one committed segment inside a snapshot. The
// filename carries no suffix; readers append .cst / .idx.
type SegmentRef struct {
	Filename      string `msgpack:"filename"`
	FirstSequence uint64 `msgpack:"first_sequence"`
	LastSequence  uint64 `msgpack:"last_sequence"`
	SizeBytes     uint64 `msgpack:"size_bytes"`
	HasSkipIndex  bool   `msgpack:"has_skip_index"`
}

// NumRecords is the record count implied by the sequence range.
func (s SegmentRef) NumRecords() uint64 {
	return s.LastSequence - s.FirstSequence + 1
}

// writeSegmentFiles persists records (already sequence-assigned and in
// final order) as filepath.cst plus filepath.idx and returns the size
// of the data file. Both files and the containing directory are fsynced
// before returning; a failed write leaves at most unreferenced partial
// files behind for the file tracker.
func writeSegmentFiles(path string, recs []storedRecord) (uint64, error) {
	body, err := msgpack.Marshal(recs)
	if err != nil {
		return 0, fmt.Errorf("encode segment records: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(segmentDataMagic)
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(recs)))
	buf.Write(cnt[:])
	buf.Write(snappy.Encode(nil, body))

	if err := writeFileSync(path+segmentDataSuffix, buf.Bytes()); err != nil {
		return 0, err
	}

	idx := buildSkipIndex(recs)
	idxBody, err := msgpack.Marshal(idx.entries)
	if err != nil {
		return 0, fmt.Errorf("encode skip index: %w", err)
	}
	var idxBuf bytes.Buffer
	idxBuf.Write(segmentIndexMagic)
	idxBuf.Write(idxBody)
	if err := writeFileSync(path+segmentIndexSuffix, idxBuf.Bytes()); err != nil {
		return 0, err
	}

	if err := syncDir(filepath.Dir(path)); err != nil {
		return 0, err
	}

	return uint64(buf.Len()), nil
}

// readSegmentRecords loads the full record batch of a segment.
func readSegmentRecords(path string) ([]storedRecord, error) {
	raw, err := os.ReadFile(path + segmentDataSuffix)
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}
	if len(raw) < len(segmentDataMagic)+4 ||
		!bytes.Equal(raw[:len(segmentDataMagic)], segmentDataMagic) {
		return nil, fmt.Errorf("segment %s: bad header", path)
	}
	raw = raw[len(segmentDataMagic)+4:]

	body, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress segment %s: %w", path, err)
	}

	var recs []storedRecord
	if err := msgpack.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("decode segment %s: %w", path, err)
	}
	return recs, nil
}

// SkipIndex maps record ids to the version stored in one segment.
// Entries are sorted by id for binary search.
type SkipIndex struct {
	entries []skipIndexEntry
}

type skipIndexEntry struct {
	ID      RecordID `msgpack:"id"`
	Version uint64   `msgpack:"version"`
}

func buildSkipIndex(recs []storedRecord) *SkipIndex {
	entries := make([]skipIndexEntry, len(recs))
	for i, r := range recs {
		entries[i] = skipIndexEntry{ID: r.ID, Version: r.Version}
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
	})
	return &SkipIndex{entries: entries}
}

func readSkipIndex(path string) (*SkipIndex, error) {
	raw, err := os.ReadFile(path + segmentIndexSuffix)
	if err != nil {
		return nil, fmt.Errorf("read skip index: %w", err)
	}
	if len(raw) < len(segmentIndexMagic) ||
		!bytes.Equal(raw[:len(segmentIndexMagic)], segmentIndexMagic) {
		return nil, fmt.Errorf("skip index %s: bad header", path)
	}

	var entries []skipIndexEntry
	if err := msgpack.Unmarshal(raw[len(segmentIndexMagic):], &entries); err != nil {
		return nil, fmt.Errorf("decode skip index %s: %w", path, err)
	}
	return &SkipIndex{entries: entries}, nil
}

// Lookup raises each entry of versions to the version this segment
// stores for the id, if higher. Ids absent from the segment are left
// untouched.
func (idx *SkipIndex) Lookup(versions map[RecordID]uint64) {
	for id, cur := range versions {
		i := sort.Search(len(idx.entries), func(i int) bool {
			return bytes.Compare(idx.entries[i].ID[:], id[:]) >= 0
		})
		if i < len(idx.entries) && idx.entries[i].ID == id && idx.entries[i].Version > cur {
			versions[id] = idx.entries[i].Version
		}
	}
}

// NumEntries returns the number of (id, version) entries in the index.
func (idx *SkipIndex) NumEntries() int {
	return len(idx.entries)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
